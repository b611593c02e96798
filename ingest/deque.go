package ingest

import (
	"context"
	"sort"
	"sync"
)

// deque holds the tasks waiting for a worker, oldest deposit first. Tasks
// deferred behind another task of the same target go back to the front.
type deque struct {
	mu     sync.Mutex
	items  []*Task
	notify chan struct{}
}

func newDeque() *deque {
	return &deque{notify: make(chan struct{}, 1)}
}

// PushOrdered inserts t after every task created at or before it.
func (q *deque) PushOrdered(t *Task) {
	q.mu.Lock()
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Created.After(t.Created)
	})
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
	q.mu.Unlock()
	q.signal()
}

// PushFront makes t the next task to be taken.
func (q *deque) PushFront(t *Task) {
	q.mu.Lock()
	q.items = append([]*Task{t}, q.items...)
	q.mu.Unlock()
	q.signal()
}

// Take blocks until a task is available or ctx is done.
func (q *deque) Take(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *deque) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *deque) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
