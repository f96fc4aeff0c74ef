// Package executor holds the per-type job logic invoked by the worker.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/cuongbtq/charisma-jobs/internal/ai"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// ProgressFunc reports progress (0-100) and a human readable step.
// It may be called any number of times from the executing goroutine.
type ProgressFunc func(progress int, step string)

// Executor runs one job type. It must return promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// Chatter is the subset of the AI client used by executors
type Chatter interface {
	Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error)
}

// Registry maps job types to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.Type]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.Type]Executor)}
}

// NewDefaultRegistry registers the built-in executors backed by chat
func NewDefaultRegistry(chat Chatter) *Registry {
	r := NewRegistry()
	r.Register(domain.TypeAnalysis, NewAnalysisExecutor(chat))
	r.Register(domain.TypeStoryGeneration, NewStoryExecutor(chat))
	return r
}

// Register adds or replaces the executor of a job type
func (r *Registry) Register(t domain.Type, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Get returns the executor of a job type
func (r *Registry) Get(t domain.Type) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedJobType, t)
	}
	return e, nil
}

// Types lists the registered job types in a stable order
func (r *Registry) Types() []domain.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.Type, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidatePayload checks a submission payload before a job is created
func ValidatePayload(t domain.Type, payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.NewValidationError("payload", "must be a JSON object")
	}
	if !json.Valid(trimmed) {
		return domain.NewValidationError("payload", "malformed JSON")
	}

	switch t {
	case domain.TypeAnalysis:
		_, err := parseAnalysisPayload(trimmed)
		return err
	case domain.TypeStoryGeneration:
		_, err := parseStoryPayload(trimmed)
		return err
	}
	return domain.NewValidationError("type", fmt.Sprintf("unsupported job type %q", t))
}

func decodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewValidationError("payload", err.Error())
	}
	return nil
}

// classify turns an AI call failure into an executor error. Client errors other
// than rate limiting cannot succeed on retry and are marked permanent.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	wrapped := domain.NewExecutorError(fmt.Sprintf("%s: %v", op, err), err)

	var apiErr *ai.APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() &&
		apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode != http.StatusRequestTimeout {
		return domain.NewPermanentError(wrapped)
	}
	return wrapped
}

func report(onProgress ProgressFunc, progress int, step string) {
	if onProgress != nil {
		onProgress(progress, step)
	}
}
