package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible without an explicit retry
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type selects the executor that handles a job
type Type string

// Job type constants
const (
	TypeAnalysis        Type = "ANALYSIS"
	TypeStoryGeneration Type = "STORY_GENERATION"
)

// ParseType validates a job type string
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeAnalysis, TypeStoryGeneration:
		return Type(s), nil
	}
	return "", NewValidationError("type", fmt.Sprintf("unsupported job type %q", s))
}

// Priority biases dispatch order; higher values are claimed first
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority converts the wire name into a Priority. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	}
	return PriorityNormal, NewValidationError("priority", fmt.Sprintf("unknown priority %q", s))
}

// Limits applied to user-visible job fields
const (
	MaxProgress        = 100
	MaxErrorMessageLen = 500
	TimedOutMessage    = "timed out"
)
