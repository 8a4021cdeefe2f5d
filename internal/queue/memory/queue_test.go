package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan scraper.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue(context.Background(), scraper.Task{TaskID: "video-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "video-1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueuePreservesFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), scraper.Task{TaskID: id}))
	}
	require.Equal(t, 3, q.Len())
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, got.TaskID)
	}
	require.Equal(t, 0, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), scraper.Task{TaskID: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = qEnqueue.Enqueue(ctx, scraper.Task{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), scraper.Task{TaskID: "left-over"}))
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), scraper.Task{TaskID: "late"}), ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "left-over", got.TaskID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
