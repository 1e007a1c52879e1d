package pubkey

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"xchat/internal/cryptographic/dh"
	"xchat/internal/service/redis"
)

const keyPrefix = "xchat:pubkey:"

type PubKeyRepo struct {
	mu    sync.Mutex
	store redis.Store
}

func NewPubKeyRepo(store redis.Store) *PubKeyRepo {
	return &PubKeyRepo{store: store}
}

// Load returns the cached compressed key for address, nil when unknown.
func (r *PubKeyRepo) Load(ctx context.Context, address string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.store.Get(ctx, keyPrefix+address)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(v)
}

// Store caches pub for address. Only valid compressed keys are accepted.
func (r *PubKeyRepo) Store(ctx context.Context, address string, pub []byte) error {
	if len(pub) != dh.PublicKeySize {
		return fmt.Errorf("%w: %d bytes", dh.ErrInvalidKey, len(pub))
	}
	if _, err := dh.ParsePublicKey(pub); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Set(ctx, keyPrefix+address, hex.EncodeToString(pub), 0)
}
