// Package events records the lifecycle of every deposit going through the
// pipeline. Sinks are append-only.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type of the lifecycle event.
type Type string

const (
	StartProcessing Type = "START_PROCESSING"
	EndProcessing   Type = "END_PROCESSING"
)

// Result of the processing, only set on EndProcessing events.
type Result string

const (
	ResultOK       Result = "OK"
	ResultRejected Result = "REJECTED"
	ResultFailed   Result = "FAILED"
)

// Event is a single lifecycle record of a deposit.
type Event struct {
	ID        uuid.UUID `json:"id"`
	DepositID string    `json:"depositId"`
	Type      Type      `json:"type"`
	Result    Result    `json:"result,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// New returns an event with a fresh identifier.
func New(depositID string, typ Type, result Result, message string, now time.Time) Event {
	return Event{
		ID:        uuid.New(),
		DepositID: depositID,
		Type:      typ,
		Result:    result,
		Message:   message,
		Time:      now.UTC(),
	}
}

// Sink stores events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the events written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return events
}

// MultiSink writes every event to all of its sinks. A failing sink does not
// prevent the others from receiving the event.
type MultiSink []Sink

var _ Sink = (MultiSink)(nil)

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil && first == nil {
			first = errors.Wrapf(err, "cannot write event %s", e.ID)
		}
	}
	return first
}
