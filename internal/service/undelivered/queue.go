// Package undelivered keeps sent messages until a peer acknowledges them or
// they expire, re-broadcasting them whenever their recipient shows up.
package undelivered

import (
	"context"
	"sort"
	"sync"

	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/protocol/xchat"
	"xchat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Broadcaster interface {
		Broadcast(f *model.Frame) (int, error)
	}

	Persister interface {
		Load(ctx context.Context) (map[model.Hash]*model.Message, error)
		Save(ctx context.Context, msgs map[model.Hash]*model.Message) error
	}

	// Queue maps StaticHash to the encrypted message. The map is authoritative;
	// a failed persist is reported but never rolls it back.
	Queue struct {
		mu    sync.Mutex
		items map[model.Hash]*model.Message

		relay   Broadcaster
		repo    Persister
		expiry  model.ExpiryPolicy
		metrics *metrics.Metrics
	}
)

func NewQueue(relay Broadcaster, repo Persister, expiry model.ExpiryPolicy, m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.New()
	}
	return &Queue{
		items:   make(map[model.Hash]*model.Message),
		relay:   relay,
		repo:    repo,
		expiry:  expiry,
		metrics: m,
	}
}

// Restore replaces the in-memory queue with the persisted one, minus expired
// entries.
func (q *Queue) Restore(ctx context.Context) error {
	items, err := q.repo.Load(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = items
	if q.sweep() > 0 {
		return q.persist(ctx)
	}
	q.metrics.Pending.Set(float64(len(q.items)))
	return nil
}

// Enqueue stores m, replacing any entry with the same StaticHash.
func (q *Queue) Enqueue(ctx context.Context, m *model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweep()
	q.items[m.StaticHash()] = m.Clone()
	return q.persist(ctx)
}

func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.sweep()
	if n == 0 {
		return 0, nil
	}
	return n, q.persist(ctx)
}

// RetryFor re-broadcasts every pending message addressed to one of addrs with
// a fresh timestamp, so peers that already relayed the old copy relay it again.
func (q *Queue) RetryFor(ctx context.Context, addrs ...string) (int, error) {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweep()

	now := q.expiry.Clock().Unix()
	n := 0
	for h, m := range q.items {
		if !want[m.To] {
			continue
		}
		m.Timestamp = now
		if _, err := q.relay.Broadcast(xchat.MessageFrame(m)); err != nil {
			log.Warn("retry broadcast failed", zap.String("hash", h.String()), zap.Error(err))
			continue
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, q.persist(ctx)
}

// OnAcknowledged drops the entry for h and reports whether there was one.
func (q *Queue) OnAcknowledged(ctx context.Context, h model.Hash) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[h]; !ok {
		return false, nil
	}
	delete(q.items, h)
	return true, q.persist(ctx)
}

func (q *Queue) Has(h model.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[h]
	return ok
}

// Pending returns copies of the queued messages ordered by date.
func (q *Queue) Pending() []*model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := make([]*model.Message, 0, len(q.items))
	for _, m := range q.items {
		res = append(res, m.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res
}

// Recipients lists the distinct addresses with pending messages.
func (q *Queue) Recipients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := make(map[string]struct{})
	for _, m := range q.items {
		set[m.To] = struct{}{}
	}
	res := make([]string, 0, len(set))
	for a := range set {
		res = append(res, a)
	}
	sort.Strings(res)
	return res
}

func (q *Queue) sweep() int {
	n := 0
	for h, m := range q.items {
		if q.expiry.MessageExpired(m) {
			delete(q.items, h)
			n++
		}
	}
	if n > 0 {
		log.Debug("expired pending messages", zap.Int("count", n))
	}
	return n
}

func (q *Queue) persist(ctx context.Context) error {
	q.metrics.Pending.Set(float64(len(q.items)))

	snapshot := make(map[model.Hash]*model.Message, len(q.items))
	for h, m := range q.items {
		snapshot[h] = m
	}
	return q.repo.Save(ctx, snapshot)
}
