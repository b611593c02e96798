// Package blocking keeps track of the targets that cannot be processed
// until an operator acknowledges a previous failure.
package blocking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry describes a blocked target.
type Entry struct {
	Target string    `json:"target"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Registry maps targets to their blocked state. Every method is a single
// critical section so callers can rely on check-then-act semantics of Block
// and Unblock.
type Registry interface {
	Block(ctx context.Context, target, reason string) error
	Unblock(ctx context.Context, target string) error
	IsBlocked(ctx context.Context, target string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
}

// TargetAlreadyBlockedError is returned by Block when the target is
// already blocked.
type TargetAlreadyBlockedError struct {
	Target string
}

func (e *TargetAlreadyBlockedError) Error() string {
	return fmt.Sprintf("target %q is already blocked", e.Target)
}

// TargetNotFoundError is returned by Unblock when the target is not
// blocked.
type TargetNotFoundError struct {
	Target string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target %q is not blocked", e.Target)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: map[string]Entry{}, now: time.Now}
}

func (r *MemoryRegistry) Block(ctx context.Context, target, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[target]; ok {
		return &TargetAlreadyBlockedError{Target: target}
	}
	r.entries[target] = Entry{Target: target, Reason: reason, Since: r.now().UTC()}
	return nil
}

func (r *MemoryRegistry) Unblock(ctx context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[target]; !ok {
		return &TargetNotFoundError{Target: target}
	}
	delete(r.entries, target)
	return nil
}

func (r *MemoryRegistry) IsBlocked(ctx context.Context, target string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[target]
	return ok, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Target < entries[j].Target })
}
