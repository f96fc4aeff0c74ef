package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/charisma-jobs/internal/ai"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

var storyLengths = map[string]int{
	"short":  800,
	"medium": 2000,
	"long":   4000,
}

type storyPayload struct {
	Prompt     string   `json:"prompt"`
	Genre      string   `json:"genre"`
	Characters []string `json:"characters"`
	Length     string   `json:"length"`
	ModelID    string   `json:"modelId"`
	APIKey     string   `json:"apiKey"`
}

func parseStoryPayload(raw json.RawMessage) (*storyPayload, error) {
	var p storyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	if strings.TrimSpace(p.Prompt) == "" {
		return nil, domain.NewValidationError("payload.prompt", "is required")
	}

	if p.Length == "" {
		p.Length = "medium"
	}
	if _, ok := storyLengths[p.Length]; !ok {
		return nil, domain.NewValidationError("payload.length", "must be one of short, medium, long")
	}

	return &p, nil
}

func (p *storyPayload) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a creative fiction writer. Write an original story for the user's request.")
	if p.Genre != "" {
		fmt.Fprintf(&b, " The genre is %s.", p.Genre)
	}
	if len(p.Characters) > 0 {
		fmt.Fprintf(&b, " Feature these characters: %s.", strings.Join(p.Characters, ", "))
	}
	fmt.Fprintf(&b, " Aim for about %d words. Start with the title on its own line.", storyLengths[p.Length])
	return b.String()
}

// StoryResult is stored on completed STORY_GENERATION jobs
type StoryResult struct {
	Title     string   `json:"title"`
	Story     string   `json:"story"`
	WordCount int      `json:"wordCount"`
	Model     string   `json:"model"`
	Usage     ai.Usage `json:"usage"`
}

// StoryExecutor generates stories with a chat model
type StoryExecutor struct {
	chat Chatter
}

// NewStoryExecutor creates a new StoryExecutor
func NewStoryExecutor(chat Chatter) *StoryExecutor {
	return &StoryExecutor{chat: chat}
}

// Execute implements Executor
func (e *StoryExecutor) Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	p, err := parseStoryPayload(payload)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	report(onProgress, 10, "Preparing story prompt")

	req := ai.ChatRequest{
		Model:     p.ModelID,
		APIKey:    p.APIKey,
		MaxTokens: storyLengths[p.Length] * 2,
		Messages: []ai.Message{
			{Role: "system", Content: p.systemPrompt()},
			{Role: "user", Content: p.Prompt},
		},
	}

	report(onProgress, 25, "Generating story")

	resp, err := e.chat.Chat(ctx, req)
	if err != nil {
		return nil, classify(ctx, "story generation failed", err)
	}

	report(onProgress, 85, "Formatting story")

	title, body := splitTitle(resp.Content)
	if body == "" {
		return nil, domain.NewExecutorError("story generation failed: model returned an empty story", nil)
	}

	result, err := json.Marshal(StoryResult{
		Title:     title,
		Story:     body,
		WordCount: len(strings.Fields(body)),
		Model:     resp.Model,
		Usage:     resp.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode story result: %w", err)
	}

	return result, nil
}

// splitTitle takes the first non-empty line as the title when the text has more than one line
func splitTitle(content string) (string, string) {
	content = strings.TrimSpace(content)
	first, rest, found := strings.Cut(content, "\n")
	if !found {
		return "", content
	}

	title := strings.TrimSpace(first)
	title = strings.TrimLeft(title, "# ")
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "*\"")

	return title, strings.TrimSpace(rest)
}
