package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/charisma-jobs/internal/ai"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

const maxAnalysisContentLen = 200_000

var analysisTemplates = map[string]string{
	"general": "You are a literary analyst. Analyze the provided text and describe its characters, " +
		"themes, tone and structure. Answer in JSON with the keys summary, characters, themes, tone.",
	"characters": "You are a literary analyst. Identify every character in the provided text. " +
		"Answer in JSON with the key characters, a list of objects with name, role and traits.",
	"summary": "Summarize the provided text in a few paragraphs. Answer in JSON with the key summary.",
}

const defaultAnalysisTemplate = "general"

type analysisPayload struct {
	Content    string `json:"content"`
	FileName   string `json:"fileName"`
	TemplateID string `json:"templateId"`
	ModelID    string `json:"modelId"`
	APIKey     string `json:"apiKey"`
}

func parseAnalysisPayload(raw json.RawMessage) (*analysisPayload, error) {
	var p analysisPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	if strings.TrimSpace(p.Content) == "" {
		return nil, domain.NewValidationError("payload.content", "is required")
	}
	if len(p.Content) > maxAnalysisContentLen {
		return nil, domain.NewValidationError("payload.content", fmt.Sprintf("exceeds %d bytes", maxAnalysisContentLen))
	}

	if p.TemplateID == "" {
		p.TemplateID = defaultAnalysisTemplate
	}
	if _, ok := analysisTemplates[p.TemplateID]; !ok {
		return nil, domain.NewValidationError("payload.templateId", fmt.Sprintf("unknown template %q", p.TemplateID))
	}

	return &p, nil
}

// AnalysisResult is stored on completed ANALYSIS jobs
type AnalysisResult struct {
	TemplateID string          `json:"templateId"`
	FileName   string          `json:"fileName,omitempty"`
	Model      string          `json:"model"`
	Analysis   json.RawMessage `json:"analysis"`
	Usage      ai.Usage        `json:"usage"`
}

// AnalysisExecutor analyzes uploaded text with a chat model
type AnalysisExecutor struct {
	chat Chatter
}

// NewAnalysisExecutor creates a new AnalysisExecutor
func NewAnalysisExecutor(chat Chatter) *AnalysisExecutor {
	return &AnalysisExecutor{chat: chat}
}

// Execute implements Executor
func (e *AnalysisExecutor) Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	p, err := parseAnalysisPayload(payload)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	report(onProgress, 10, "Preparing analysis")

	req := ai.ChatRequest{
		Model:  p.ModelID,
		APIKey: p.APIKey,
		Messages: []ai.Message{
			{Role: "system", Content: analysisTemplates[p.TemplateID]},
			{Role: "user", Content: p.Content},
		},
	}

	report(onProgress, 30, "Analyzing content")

	resp, err := e.chat.Chat(ctx, req)
	if err != nil {
		return nil, classify(ctx, "analysis failed", err)
	}

	report(onProgress, 80, "Processing results")

	result, err := json.Marshal(AnalysisResult{
		TemplateID: p.TemplateID,
		FileName:   p.FileName,
		Model:      resp.Model,
		Analysis:   asJSON(resp.Content),
		Usage:      resp.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis result: %w", err)
	}

	report(onProgress, 95, "Finalizing")

	return result, nil
}

// asJSON keeps model output that is already a JSON document and quotes anything else.
// Models often wrap JSON answers in a markdown code fence.
func asJSON(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	quoted, _ := json.Marshal(content)
	return quoted
}
