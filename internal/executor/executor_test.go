package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/charisma-jobs/internal/ai"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	content string
	err     error
	got     ai.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ChatResponse{Model: "test-model", Content: f.content, Usage: ai.Usage{TotalTokens: 42}}, nil
}

type progressLog struct {
	values []int
	steps  []string
}

func (l *progressLog) record(progress int, step string) {
	l.values = append(l.values, progress)
	l.steps = append(l.steps, step)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(&fakeChat{})

	e, err := r.Get(domain.TypeAnalysis)
	require.NoError(t, err)
	assert.IsType(t, &AnalysisExecutor{}, e)

	_, err = r.Get(domain.Type("VIDEO"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedJobType)

	assert.Equal(t, []domain.Type{domain.TypeAnalysis, domain.TypeStoryGeneration}, r.Types())
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name      string
		jobType   domain.Type
		payload   string
		wantField string
	}{
		{name: "analysis ok", jobType: domain.TypeAnalysis, payload: `{"content":"Once upon a time"}`},
		{name: "analysis with template", jobType: domain.TypeAnalysis, payload: `{"content":"x","templateId":"characters"}`},
		{name: "analysis missing content", jobType: domain.TypeAnalysis, payload: `{"fileName":"a.txt"}`, wantField: "payload.content"},
		{name: "analysis unknown template", jobType: domain.TypeAnalysis, payload: `{"content":"x","templateId":"nope"}`, wantField: "payload.templateId"},
		{name: "story ok", jobType: domain.TypeStoryGeneration, payload: `{"prompt":"a dragon","length":"short"}`},
		{name: "story bad length", jobType: domain.TypeStoryGeneration, payload: `{"prompt":"a dragon","length":"epic"}`, wantField: "payload.length"},
		{name: "story missing prompt", jobType: domain.TypeStoryGeneration, payload: `{}`, wantField: "payload.prompt"},
		{name: "not an object", jobType: domain.TypeAnalysis, payload: `["content"]`, wantField: "payload"},
		{name: "empty", jobType: domain.TypeAnalysis, payload: ``, wantField: "payload"},
		{name: "malformed", jobType: domain.TypeAnalysis, payload: `{"content":`, wantField: "payload"},
		{name: "wrong field type", jobType: domain.TypeStoryGeneration, payload: `{"prompt":42}`, wantField: "payload"},
		{name: "unknown type", jobType: domain.Type("VIDEO"), payload: `{}`, wantField: "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.jobType, json.RawMessage(tt.payload))
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestAnalysisExecutor_Execute(t *testing.T) {
	chat := &fakeChat{content: "```json\n{\"summary\":\"a tale\"}\n```"}
	progress := &progressLog{}

	raw, err := NewAnalysisExecutor(chat).Execute(context.Background(),
		json.RawMessage(`{"content":"Once upon a time","fileName":"tale.txt","modelId":"m-2","apiKey":"sk-user-key"}`),
		progress.record)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 30, 80, 95}, progress.values)
	assert.Equal(t, "m-2", chat.got.Model)
	assert.Equal(t, "sk-user-key", chat.got.APIKey)
	require.Len(t, chat.got.Messages, 2)
	assert.Equal(t, "Once upon a time", chat.got.Messages[1].Content)

	var result AnalysisResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "general", result.TemplateID)
	assert.Equal(t, "tale.txt", result.FileName)
	assert.JSONEq(t, `{"summary":"a tale"}`, string(result.Analysis))
	assert.Equal(t, 42, result.Usage.TotalTokens)
}

func TestAnalysisExecutor_PlainTextAnswer(t *testing.T) {
	raw, err := NewAnalysisExecutor(&fakeChat{content: "It is a sad story."}).Execute(context.Background(),
		json.RawMessage(`{"content":"x"}`), nil)
	require.NoError(t, err)

	var result AnalysisResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.JSONEq(t, `"It is a sad story."`, string(result.Analysis))
}

func TestStoryExecutor_Execute(t *testing.T) {
	chat := &fakeChat{content: "# The Last Dragon\n\nThe dragon slept under the mountain."}
	progress := &progressLog{}

	raw, err := NewStoryExecutor(chat).Execute(context.Background(),
		json.RawMessage(`{"prompt":"a dragon","genre":"fantasy","characters":["Ana","Bo"]}`),
		progress.record)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 25, 85}, progress.values)
	assert.Contains(t, chat.got.Messages[0].Content, "fantasy")
	assert.Contains(t, chat.got.Messages[0].Content, "Ana, Bo")
	assert.Equal(t, 4000, chat.got.MaxTokens)

	var result StoryResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "The Last Dragon", result.Title)
	assert.Equal(t, "The dragon slept under the mountain.", result.Story)
	assert.Equal(t, 6, result.WordCount)
}

func TestStoryExecutor_EmptyStory(t *testing.T) {
	_, err := NewStoryExecutor(&fakeChat{content: "   "}).Execute(context.Background(),
		json.RawMessage(`{"prompt":"a dragon"}`), nil)

	var execErr *domain.ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.False(t, domain.IsPermanent(err))
}

func TestSplitTitle(t *testing.T) {
	tests := []struct {
		content   string
		wantTitle string
		wantBody  string
	}{
		{content: "Title: **Moonrise**\nThe moon rose.", wantTitle: "Moonrise", wantBody: "The moon rose."},
		{content: "\"Quiet\"\n\nNothing happened.", wantTitle: "Quiet", wantBody: "Nothing happened."},
		{content: "Only one line", wantTitle: "", wantBody: "Only one line"},
	}

	for _, tt := range tests {
		title, body := splitTitle(tt.content)
		assert.Equal(t, tt.wantTitle, title)
		assert.Equal(t, tt.wantBody, body)
	}
}

func TestExecutorErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{name: "unauthorized", err: &ai.APIError{StatusCode: http.StatusUnauthorized, Message: "bad key"}, wantPermanent: true},
		{name: "bad request", err: &ai.APIError{StatusCode: http.StatusBadRequest, Message: "context too long"}, wantPermanent: true},
		{name: "rate limited", err: &ai.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}},
		{name: "request timeout", err: &ai.APIError{StatusCode: http.StatusRequestTimeout, Message: "timeout"}},
		{name: "provider down", err: &ai.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}},
		{name: "network", err: errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnalysisExecutor(&fakeChat{err: tt.err}).Execute(context.Background(),
				json.RawMessage(`{"content":"x"}`), nil)

			var execErr *domain.ExecutorError
			require.ErrorAs(t, err, &execErr)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantPermanent, domain.IsPermanent(err))
		})
	}
}

func TestExecutor_InvalidPayloadIsPermanent(t *testing.T) {
	_, err := NewStoryExecutor(&fakeChat{}).Execute(context.Background(), json.RawMessage(`{}`), nil)
	assert.True(t, domain.IsPermanent(err))

	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecutor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAnalysisExecutor(&fakeChat{err: errors.New("request aborted")}).Execute(ctx,
		json.RawMessage(`{"content":"x"}`), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultRegistry_AgainstProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"provider-model","choices":[{"message":{"role":"assistant","content":"Dawn\nThe sun came up."}}]}`))
	}))
	defer server.Close()

	client := ai.NewClient(ai.Config{BaseURL: server.URL, APIKey: "k", DefaultModel: "m"})
	exec, err := NewDefaultRegistry(client).Get(domain.TypeStoryGeneration)
	require.NoError(t, err)

	raw, err := exec.Execute(context.Background(), json.RawMessage(`{"prompt":"sunrise"}`), nil)
	require.NoError(t, err)

	var result StoryResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "Dawn", result.Title)
	assert.Equal(t, "provider-model", result.Model)
}
