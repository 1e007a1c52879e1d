package relay

import (
	"time"

	"xchat/internal/model"

	"github.com/patrickmn/go-cache"
)

// KnownMessageTracker is the set of message ContentHashes seen within the
// expiry window.
type KnownMessageTracker struct {
	seen *cache.Cache
}

func NewKnownMessageTracker(ttl, cleanupInterval time.Duration) *KnownMessageTracker {
	if ttl <= 0 {
		ttl = model.DefaultExpiryWindow
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &KnownMessageTracker{seen: cache.New(ttl, cleanupInterval)}
}

// Observe records h and reports whether it had already been seen. The check
// and the insert happen under one lock.
func (t *KnownMessageTracker) Observe(h model.Hash) (dup bool) {
	return t.seen.Add(h.String(), struct{}{}, cache.DefaultExpiration) != nil
}

func (t *KnownMessageTracker) Seen(h model.Hash) bool {
	_, found := t.seen.Get(h.String())
	return found
}

// Forget removes h so the next Observe treats it as new.
func (t *KnownMessageTracker) Forget(h model.Hash) {
	t.seen.Delete(h.String())
}

func (t *KnownMessageTracker) Len() int {
	return t.seen.ItemCount()
}
