package inproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func waitSubscribers(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Subscribers() == n }, time.Second, time.Millisecond)
}

func TestSubmittedReachesSubscriber(t *testing.T) {
	q := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.SubscribeDocumentSubmitted(ctx, func(_ context.Context, id string) error {
			got <- id
			return nil
		})
	}()
	waitSubscribers(t, q, 1)

	require.NoError(t, q.PublishDocumentSubmitted(context.Background(), "doc-1"))
	select {
	case id := <-got:
		assert.Equal(t, "doc-1", id)
	case <-time.After(time.Second):
		t.Fatal("wake-up not delivered")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, q.Subscribers())
}

func TestStatusEventsFanOut(t *testing.T) {
	q := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[int][]domain.DocumentStatus{}
	for i := 0; i < 2; i++ {
		go func(i int) {
			_ = q.SubscribeStatusChanged(ctx, func(e domain.StatusEvent) {
				mu.Lock()
				defer mu.Unlock()
				seen[i] = append(seen[i], e.Status)
			})
		}(i)
	}
	waitSubscribers(t, q, 2)

	require.NoError(t, q.PublishStatusChanged(ctx, domain.StatusEvent{DocumentID: "doc-1", Status: domain.StatusPaused}))
	require.NoError(t, q.PublishStatusChanged(ctx, domain.StatusEvent{DocumentID: "doc-1", Status: domain.StatusProcessing}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[0]) == 2 && len(seen[1]) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.DocumentStatus{domain.StatusPaused, domain.StatusProcessing}, seen[0])
}

func TestPublishDropsWhenSubscriberFallsBehind(t *testing.T) {
	q := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	go func() {
		_ = q.SubscribeDocumentSubmitted(ctx, func(context.Context, string) error {
			<-block
			return nil
		})
	}()
	waitSubscribers(t, q, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.PublishDocumentSubmitted(context.Background(), "doc"))
	}
	close(block)
	assert.GreaterOrEqual(t, q.Dropped(), int64(3))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	q := New(0, nil)
	require.NoError(t, q.PublishDocumentSubmitted(context.Background(), "doc-1"))
	require.NoError(t, q.PublishStatusChanged(context.Background(), domain.StatusEvent{DocumentID: "doc-1"}))
	assert.Equal(t, int64(0), q.Dropped())
}
