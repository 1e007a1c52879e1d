package undelivered

import (
	"context"
	"sync"
	"testing"
	"time"

	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/repository/pending"
	"xchat/internal/service/redis"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []*model.Frame
}

func (r *recorder) Broadcast(f *model.Frame) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return 1, nil
}

type fixture struct {
	now   time.Time
	store *redis.MemoryStore
	rec   *recorder
	m     *metrics.Metrics
	q     *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		store: redis.NewMemoryStore(),
		rec:   &recorder{},
		m:     metrics.New(),
	}
	policy := model.ExpiryPolicy{Window: model.DefaultExpiryWindow, Now: func() time.Time { return f.now }}
	f.q = NewQueue(f.rec, pending.NewPendingRepo(f.store), policy, f.m)
	return f
}

func msg(to string, date time.Time, data byte) *model.Message {
	m := model.NewMessage("alice", to, "", date)
	m.Envelope.EncryptedData = []byte{data}
	return m
}

func TestEnqueueOverwritesByStaticHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := msg("bob", f.now, 1)
	again := msg("bob", f.now.Add(time.Minute), 1)
	require.Equal(t, a.StaticHash(), again.StaticHash())

	require.NoError(t, f.q.Enqueue(ctx, a))
	require.NoError(t, f.q.Enqueue(ctx, again))
	require.NoError(t, f.q.Enqueue(ctx, msg("carol", f.now, 2)))

	assert.Len(t, f.q.Pending(), 2)
	assert.Equal(t, []string{"bob", "carol"}, f.q.Recipients())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.Pending))
}

func TestEnqueueKeepsCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := msg("bob", f.now, 1)
	require.NoError(t, f.q.Enqueue(ctx, m))
	m.Envelope.EncryptedData[0] = 9

	assert.Equal(t, byte(1), f.q.Pending()[0].Envelope.EncryptedData[0])
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.q.Enqueue(ctx, msg("bob", f.now, 1)))
	require.NoError(t, f.q.Enqueue(ctx, msg("bob", f.now.Add(48*time.Hour), 2)))

	f.now = f.now.Add(48*time.Hour + time.Second)
	n, err := f.q.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.q.Pending(), 1)

	n, err = f.q.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreAndForwardConvergence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := msg("bob", f.now, 1)
	require.NoError(t, f.q.Enqueue(ctx, m))
	require.NoError(t, f.q.Enqueue(ctx, msg("carol", f.now, 2)))

	// bob comes online
	f.now = f.now.Add(5 * time.Minute)
	n, err := f.q.RetryFor(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.rec.frames, 1)
	assert.Equal(t, model.FrameMessage, f.rec.frames[0].Type)
	assert.Equal(t, "bob", f.rec.frames[0].Message.To)
	assert.Equal(t, f.now.Unix(), f.rec.frames[0].Message.Timestamp, "timestamp refreshed")

	ok, err := f.q.OnAcknowledged(ctx, m.StaticHash())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.q.Has(m.StaticHash()))
	assert.Equal(t, []string{"carol"}, f.q.Recipients())

	ok, err = f.q.OnAcknowledged(ctx, m.StaticHash())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = f.q.RetryFor(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoreFromPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.q.Enqueue(ctx, msg("bob", f.now, 1)))
	require.NoError(t, f.q.Enqueue(ctx, msg("carol", f.now.Add(-47*time.Hour), 2)))

	f.now = f.now.Add(2 * time.Hour)
	policy := model.ExpiryPolicy{Window: model.DefaultExpiryWindow, Now: func() time.Time { return f.now }}
	restored := NewQueue(f.rec, pending.NewPendingRepo(f.store), policy, nil)
	require.NoError(t, restored.Restore(ctx))

	assert.Equal(t, []string{"bob"}, restored.Recipients())
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.FailWrites = true

	m := msg("bob", f.now, 1)
	assert.Error(t, f.q.Enqueue(ctx, m))
	assert.True(t, f.q.Has(m.StaticHash()))

	f.store.FailWrites = false
	require.NoError(t, f.q.Enqueue(ctx, msg("bob", f.now, 2)))

	reloaded, err := pending.NewPendingRepo(f.store).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, reloaded, 2, "next successful save flushes everything")
}
