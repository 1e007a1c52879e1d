// Package pending persists the store-and-forward queue as one JSON object
// keyed by the hex StaticHash of each message.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"xchat/internal/model"
	"xchat/internal/service/redis"
)

const Key = "xchat:undelivered"

type PendingRepo struct {
	mu    sync.Mutex
	store redis.Store
}

func NewPendingRepo(store redis.Store) *PendingRepo {
	return &PendingRepo{store: store}
}

func (r *PendingRepo) Load(ctx context.Context) (map[model.Hash]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[model.Hash]*model.Message)
	v, err := r.store.Get(ctx, Key)
	if errors.Is(err, redis.Nil) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]*model.Message
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, err
	}
	for k, m := range raw {
		h, err := model.ParseHash(k)
		if err != nil {
			return nil, fmt.Errorf("undelivered key %q: %w", k, err)
		}
		res[h] = m
	}
	return res, nil
}

func (r *PendingRepo) Save(ctx context.Context, msgs map[model.Hash]*model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(msgs) == 0 {
		return r.store.Del(ctx, Key)
	}

	raw := make(map[string]*model.Message, len(msgs))
	for h, m := range msgs {
		raw[h.String()] = m
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, Key, data, 0)
}
