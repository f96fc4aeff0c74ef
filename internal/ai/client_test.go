package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Chat(t *testing.T) {
	var gotAuth string
	var gotBody chatRequestBody

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m-1","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "configured-key", DefaultModel: "default-model"})

	tests := []struct {
		name      string
		req       ChatRequest
		wantAuth  string
		wantModel string
	}{
		{
			name:      "client defaults",
			req:       ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}},
			wantAuth:  "Bearer configured-key",
			wantModel: "default-model",
		},
		{
			name:      "per request overrides",
			req:       ChatRequest{APIKey: "job-key", Model: "other-model", Messages: []Message{{Role: "user", Content: "hi"}}},
			wantAuth:  "Bearer job-key",
			wantModel: "other-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Chat(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAuth, gotAuth)
			assert.Equal(t, tt.wantModel, gotBody.Model)
			assert.False(t, gotBody.Stream)
			assert.Equal(t, "hello", resp.Content)
			assert.Equal(t, "m-1", resp.Model)
			assert.Equal(t, 4, resp.Usage.TotalTokens)
		})
	}
}

func TestClient_ChatErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantAPIError  bool
		wantTemporary bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `slow down`, wantAPIError: true, wantTemporary: true},
		{name: "server error", status: http.StatusBadGateway, body: ``, wantAPIError: true, wantTemporary: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `bad key`, wantAPIError: true},
		{name: "error in body", status: http.StatusOK, body: `{"error":{"message":"model overloaded"}}`, wantAPIError: true},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(Config{BaseURL: server.URL, APIKey: "k", DefaultModel: "m"})
			_, err := client.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
			require.Error(t, err)

			var apiErr *APIError
			assert.Equal(t, tt.wantAPIError, errors.As(err, &apiErr))
			if tt.wantAPIError {
				assert.Equal(t, tt.wantTemporary, apiErr.Temporary())
			}
		})
	}
}

func TestClient_ChatRequiresKeyAndModel(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}

	_, err := NewClient(Config{DefaultModel: "m"}).Chat(context.Background(), ChatRequest{Messages: msgs})
	assert.ErrorContains(t, err, "api key is required")

	_, err = NewClient(Config{APIKey: "k"}).Chat(context.Background(), ChatRequest{Messages: msgs})
	assert.ErrorContains(t, err, "model is required")

	_, err = NewClient(Config{APIKey: "k", DefaultModel: "m"}).Chat(context.Background(), ChatRequest{})
	assert.ErrorContains(t, err, "at least one message")
}
