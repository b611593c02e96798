package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeque(t *testing.T) {
	q := newDeque()
	task := func(dir string, created time.Time) *Task {
		return &Task{Dir: dir, Created: created}
	}
	q.PushOrdered(task("c", t0.Add(3*time.Minute)))
	q.PushOrdered(task("a", t0.Add(time.Minute)))
	q.PushOrdered(task("b", t0.Add(2*time.Minute)))
	q.PushOrdered(task("b2", t0.Add(2*time.Minute)))
	q.PushFront(task("deferred", t0.Add(time.Hour)))
	assert.Equal(t, 5, q.Len())

	var order []string
	for q.Len() > 0 {
		next, err := q.Take(context.Background())
		require.NoError(t, err)
		order = append(order, next.Dir)
	}
	assert.Equal(t, []string{"deferred", "a", "b", "b2", "c"}, order)
}

func TestDeque_TakeBlocks(t *testing.T) {
	q := newDeque()
	got := make(chan string)
	go func() {
		next, err := q.Take(context.Background())
		if err == nil {
			got <- next.Dir
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned on an empty deque")
	case <-time.After(20 * time.Millisecond):
	}

	q.PushOrdered(&Task{Dir: "a"})
	select {
	case dir := <-got:
		assert.Equal(t, "a", dir)
	case <-time.After(time.Second):
		t.Fatal("Take did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Take(ctx)
	assert.Equal(t, context.Canceled, err)
}
