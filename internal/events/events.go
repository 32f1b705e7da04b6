// Package events publishes run lifecycle notifications.
package events

import (
	"context"
	"time"
)

const (
	TypeRunStarted  = "run.started"
	TypeRunFinished = "run.finished"
)

// Event describes a change in a run's lifecycle. RunID is empty for
// attempts that failed before launching.
type Event struct {
	Type      string    `json:"type"`
	AttemptID string    `json:"attempt_id"`
	RunID     string    `json:"run_id,omitempty"`
	SessionID string    `json:"session_id"`
	Language  string    `json:"language,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers events to interested parties. Publish must not block
// for long; delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
