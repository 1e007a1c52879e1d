package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"xchat/internal/model"
	"xchat/internal/service/redis"
)

const keyPrefix = "xchat:history:"

type (
	// HistoryRepo keeps one JSON list of messages per counterpart address.
	HistoryRepo struct {
		mu     sync.Mutex
		store  redis.Store
		expiry model.ExpiryPolicy
	}
)

func NewHistoryRepo(store redis.Store, expiry model.ExpiryPolicy) *HistoryRepo {
	return &HistoryRepo{
		store:  store,
		expiry: expiry,
	}
}

// Load returns the conversation with address. Expired entries are dropped and
// the trimmed list is written back.
func (r *HistoryRepo) Load(ctx context.Context, address string) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs, err := r.load(ctx, address)
	if err != nil {
		return nil, err
	}

	kept := msgs[:0]
	for _, m := range msgs {
		if !r.expiry.MessageExpired(m) {
			kept = append(kept, m)
		}
	}
	if len(kept) != len(msgs) {
		if err := r.save(ctx, address, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (r *HistoryRepo) Append(ctx context.Context, address string, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs, err := r.load(ctx, address)
	if err != nil {
		return err
	}
	return r.save(ctx, address, append(msgs, m))
}

func (r *HistoryRepo) Save(ctx context.Context, address string, msgs []*model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, address, msgs)
}

func (r *HistoryRepo) Erase(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Del(ctx, keyPrefix+address)
}

// Addresses lists every counterpart with stored history.
func (r *HistoryRepo) Addresses(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}

	res := make([]string, 0, len(keys))
	for _, k := range keys {
		res = append(res, strings.TrimPrefix(k, keyPrefix))
	}
	return res, nil
}

func (r *HistoryRepo) load(ctx context.Context, address string) ([]*model.Message, error) {
	v, err := r.store.Get(ctx, keyPrefix+address)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []*model.Message
	if err := json.Unmarshal([]byte(v), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *HistoryRepo) save(ctx context.Context, address string, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return r.store.Del(ctx, keyPrefix+address)
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, keyPrefix+address, data, 0)
}
