package history

import (
	"context"
	"testing"
	"time"

	"xchat/internal/model"
	"xchat/internal/service/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendLoad(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := model.ExpiryPolicy{Window: model.DefaultExpiryWindow, Now: func() time.Time { return now }}
	repo := NewHistoryRepo(redis.NewMemoryStore(), policy)

	msgs, err := repo.Load(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, repo.Append(ctx, "bob", model.NewMessage("alice", "bob", "one", now)))
	require.NoError(t, repo.Append(ctx, "bob", model.NewMessage("alice", "bob", "two", now.Add(time.Second))))
	require.NoError(t, repo.Append(ctx, "carol", model.NewMessage("carol", "alice", "hey", now)))

	msgs, err = repo.Load(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)

	addrs, err := repo.Addresses(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, addrs)

	require.NoError(t, repo.Erase(ctx, "carol"))
	addrs, err = repo.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, addrs)
}

func TestHistoryLoadDropsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := redis.NewMemoryStore()
	policy := model.ExpiryPolicy{Window: model.DefaultExpiryWindow, Now: func() time.Time { return now }}
	repo := NewHistoryRepo(store, policy)

	require.NoError(t, repo.Save(ctx, "bob", []*model.Message{
		model.NewMessage("alice", "bob", "old", now.Add(-49*time.Hour)),
		model.NewMessage("alice", "bob", "edge", now.Add(-48*time.Hour)),
		{From: "alice", To: "bob", Date: "garbage", Text: "bad date"},
		model.NewMessage("alice", "bob", "fresh", now),
	}))

	msgs, err := repo.Load(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "edge", msgs[0].Text)
	assert.Equal(t, "fresh", msgs[1].Text)

	// the trimmed list was written back
	raw, err := store.Get(ctx, keyPrefix+"bob")
	require.NoError(t, err)
	assert.NotContains(t, raw, "bad date")
}

func TestHistoryStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryStore()
	store.FailWrites = true
	repo := NewHistoryRepo(store, model.NewExpiryPolicy(0))

	assert.Error(t, repo.Append(ctx, "bob", model.NewMessage("alice", "bob", "x", time.Now())))
}
