package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts Options) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts.Clock = clock
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestEnqueueAndFetch(t *testing.T) {
	s, _ := testStore(t, Options{})

	id, err := s.Enqueue(101, 202, "hello", EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := s.GetNextMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, uint32(101), m.FromNode)
	assert.Equal(t, uint32(202), m.ToNode)
	assert.Equal(t, "hello", m.Text)
	assert.Empty(t, m.TargetStation)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, 24*time.Hour, m.TTL)
	assert.Equal(t, 10, m.MaxAttempts)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Attempts)
}

func TestEnqueueDuplicateSameInstant(t *testing.T) {
	s, clock := testStore(t, Options{})

	_, err := s.Enqueue(1, 2, "ping", EnqueueOptions{})
	require.NoError(t, err)

	// Re-sent within the same millisecond: one copy is enough.
	_, err = s.Enqueue(1, 2, "ping", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Different text at the same instant is a different message.
	_, err = s.Enqueue(1, 2, "pong", EnqueueOptions{})
	assert.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "ping", EnqueueOptions{})
	assert.NoError(t, err)
}

func TestEnqueueQueueFull(t *testing.T) {
	s, clock := testStore(t, Options{MaxQueueSize: 2})

	id, err := s.Enqueue(1, 2, "a", EnqueueOptions{})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "b", EnqueueOptions{})
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "c", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Delivered messages no longer count against capacity.
	require.NoError(t, s.MarkDelivered(id))
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "c", EnqueueOptions{})
	assert.NoError(t, err)
}

func TestGetNextMessagesOrdering(t *testing.T) {
	s, clock := testStore(t, Options{})

	_, err := s.Enqueue(1, 2, "low early", EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "normal", EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "urgent late", EnqueueOptions{Priority: PriorityUrgent})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "low late", EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)

	msgs, err := s.GetNextMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"urgent late", "normal", "low early", "low late"}, texts)

	msgs, err = s.GetNextMessages(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "urgent late", msgs[0].Text)
}

func TestDelayedMessageNotDueUntilScheduled(t *testing.T) {
	s, clock := testStore(t, Options{})

	_, err := s.Enqueue(1, 2, "later", EnqueueOptions{Delay: 10 * time.Second})
	require.NoError(t, err)

	msgs, err := s.GetNextMessages(10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	clock.Advance(10 * time.Second)
	msgs, err = s.GetNextMessages(10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMarkProcessingGuards(t *testing.T) {
	s, _ := testStore(t, Options{})

	id, err := s.Enqueue(1, 2, "x", EnqueueOptions{})
	require.NoError(t, err)

	ok, err := s.MarkProcessing(id)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already processing: a second claim must lose.
	ok, err = s.MarkProcessing(id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkProcessing("no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, m.Status)
	assert.Equal(t, 1, m.Attempts)
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	s, _ := testStore(t, Options{})

	id, err := s.Enqueue(1, 2, "x", EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.MarkProcessing(id)
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(id))
	require.NoError(t, s.MarkDelivered(id))

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, m.Status)
}

func TestMarkFailedRetriesWithBackoffThenFails(t *testing.T) {
	s, clock := testStore(t, Options{BackoffMultiplier: 2})

	id, err := s.Enqueue(1, 2, "x", EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	start := clock.Now()

	// Attempt 1: back to pending, due in 2^0 = 1s.
	ok, err := s.MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, ok)
	retry, err := s.MarkFailed(id, "node offline")
	require.NoError(t, err)
	assert.True(t, retry)

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, "node offline", m.LastError)
	assert.Equal(t, start.Add(time.Second).UnixMilli(), m.ScheduledFor.UnixMilli())

	msgs, err := s.GetNextMessages(10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "not due until the backoff elapses")

	clock.Advance(time.Second)
	msgs, err = s.GetNextMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Attempt 2: due in 2^1 = 2s.
	ok, err = s.MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, ok)
	retry, err = s.MarkFailed(id, "still offline")
	require.NoError(t, err)
	assert.True(t, retry)

	m, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Second).UnixMilli(), m.ScheduledFor.UnixMilli())

	// Attempt 3 exhausts the budget.
	clock.Advance(2 * time.Second)
	ok, err = s.MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, ok)
	retry, err = s.MarkFailed(id, "gave up")
	require.NoError(t, err)
	assert.False(t, retry)

	m, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, "gave up", m.LastError)

	// A failed message cannot be claimed again.
	ok, err = s.MarkProcessing(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFailedRequiresProcessing(t *testing.T) {
	s, _ := testStore(t, Options{})

	id, err := s.Enqueue(1, 2, "x", EnqueueOptions{})
	require.NoError(t, err)

	_, err = s.MarkFailed(id, "boom")
	assert.Error(t, err)

	_, err = s.MarkFailed("no-such-id", "boom")
	assert.Error(t, err)
}

func TestRetryDelayCap(t *testing.T) {
	s, _ := testStore(t, Options{BackoffMultiplier: 2, MaxBackoffDelay: 5 * time.Minute})

	assert.Equal(t, time.Second, s.retryDelay(1))
	assert.Equal(t, 2*time.Second, s.retryDelay(2))
	assert.Equal(t, 16*time.Second, s.retryDelay(5))
	assert.Equal(t, 5*time.Minute, s.retryDelay(10), "2^9 = 512s caps at 5m")
	assert.Equal(t, 5*time.Minute, s.retryDelay(100))
}

func TestCleanupExpiresAndPrunes(t *testing.T) {
	s, clock := testStore(t, Options{})

	expiring, err := s.Enqueue(1, 2, "short lived", EnqueueOptions{TTL: time.Hour})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	delivered, err := s.Enqueue(1, 2, "done", EnqueueOptions{TTL: 48 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(delivered))

	// Nothing is due for cleanup yet.
	n, err := s.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the TTL the pending message expires; the delivered one is
	// past its hour of retention and gets pruned.
	clock.Advance(time.Hour)
	n, err = s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := s.Get(expiring)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, m.Status)

	_, err = s.Get(delivered)
	assert.Error(t, err)

	// Expired rows linger a day for diagnostics, then go.
	n, err = s.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(24 * time.Hour)
	n, err = s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(expiring)
	assert.Error(t, err)
}

func TestCleanupExpiresProcessing(t *testing.T) {
	s, clock := testStore(t, Options{})

	id, err := s.Enqueue(1, 2, "stuck", EnqueueOptions{TTL: time.Hour})
	require.NoError(t, err)
	ok, err := s.MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Hour)
	_, err = s.Cleanup()
	require.NoError(t, err)

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, m.Status)
}

func TestRecoveryReturnsProcessingToPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	clock := clockwork.NewFakeClock()

	s, err := Open(path, Options{Clock: clock})
	require.NoError(t, err)

	id, err := s.Enqueue(7, 8, "in flight", EnqueueOptions{})
	require.NoError(t, err)
	ok, err := s.MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	// A crash mid-delivery leaves the row in processing; reopening
	// must put it back in line without losing the attempt count.
	s, err = Open(path, Options{Clock: clock})
	require.NoError(t, err)
	defer s.Close()

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, m.Attempts)

	msgs, err := s.GetNextMessages(10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestGetMessagesByStation(t *testing.T) {
	s, clock := testStore(t, Options{})

	_, err := s.Enqueue(1, 2, "for basecamp", EnqueueOptions{TargetStation: "basecamp"})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "for ridge", EnqueueOptions{TargetStation: "ridge-relay"})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "local", EnqueueOptions{})
	require.NoError(t, err)

	msgs, err := s.GetMessagesByStation("basecamp", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "for basecamp", msgs[0].Text)

	msgs, err = s.GetMessagesByStation("nowhere", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStats(t *testing.T) {
	s, clock := testStore(t, Options{})

	a, err := s.Enqueue(1, 2, "a", EnqueueOptions{})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	b, err := s.Enqueue(1, 2, "b", EnqueueOptions{})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = s.Enqueue(1, 2, "c", EnqueueOptions{})
	require.NoError(t, err)

	ok, err := s.MarkProcessing(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkDelivered(b))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Processing)
	assert.Equal(t, 1, st.Delivered)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Expired)
	assert.Equal(t, 3, st.Total())
}
