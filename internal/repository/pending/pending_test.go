package pending

import (
	"context"
	"testing"
	"time"

	"xchat/internal/model"
	"xchat/internal/service/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingSaveLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepo(redis.NewMemoryStore())

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	m := model.NewMessage("alice", "bob", "", time.Now())
	m.Envelope.EncryptedData = []byte{1, 2, 3}
	want := map[model.Hash]*model.Message{m.StaticHash(): m}
	require.NoError(t, repo.Save(ctx, want))

	got, err = repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.Envelope.EncryptedData, got[m.StaticHash()].Envelope.EncryptedData)

	require.NoError(t, repo.Save(ctx, nil))
	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPendingLoadRejectsBadKey(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryStore()
	require.NoError(t, store.Set(ctx, Key, `{"zz":{}}`, 0))

	_, err := NewPendingRepo(store).Load(ctx)
	assert.Error(t, err)
}
