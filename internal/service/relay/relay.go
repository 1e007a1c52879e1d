// Package relay gossips frames to connected peers. The peer set belongs to a
// single goroutine (Run); every other goroutine talks to it through commands.
package relay

import (
	"context"
	"errors"
	"time"

	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/protocol/xchat"
	"xchat/internal/utils/log"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("relay stopped")

type (
	// Peer is one connected node. Send must not block.
	Peer interface {
		ID() string
		Send(f *model.Frame) error
	}

	Config struct {
		// KnownTTL bounds how long a frame stays known for a peer.
		KnownTTL        time.Duration
		CleanupInterval time.Duration
	}

	Relay struct {
		cfg     Config
		metrics *metrics.Metrics

		cmds chan func(*state)
		done chan struct{}
	}

	state struct {
		peers map[string]*peerState
	}

	peerState struct {
		peer  Peer
		known *cache.Cache
	}
)

func New(cfg Config, m *metrics.Metrics) *Relay {
	if cfg.KnownTTL <= 0 {
		cfg.KnownTTL = model.DefaultExpiryWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	return &Relay{
		cfg:     cfg,
		metrics: m,
		cmds:    make(chan func(*state)),
		done:    make(chan struct{}),
	}
}

// Run owns the peer set until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	st := &state{peers: make(map[string]*peerState)}
	for {
		select {
		case <-ctx.Done():
			log.Debug("relay stopped", zap.Int("peers", len(st.peers)))
			return
		case cmd := <-r.cmds:
			cmd(st)
		}
	}
}

// exec runs fn on the relay goroutine and waits for it.
func (r *Relay) exec(fn func(*state)) error {
	finished := make(chan struct{})
	select {
	case r.cmds <- func(st *state) {
		defer close(finished)
		fn(st)
	}:
	case <-r.done:
		return ErrStopped
	}
	<-finished
	return nil
}

func (r *Relay) AddPeer(p Peer) error {
	return r.exec(func(st *state) {
		if old, ok := st.peers[p.ID()]; ok && old.peer != p {
			log.Debug("replacing peer", zap.String("peer", p.ID()))
		}
		st.peers[p.ID()] = &peerState{
			peer:  p,
			known: cache.New(r.cfg.KnownTTL, r.cfg.CleanupInterval),
		}
		r.metrics.Peers.Set(float64(len(st.peers)))
	})
}

func (r *Relay) RemovePeer(id string) error {
	return r.exec(func(st *state) {
		delete(st.peers, id)
		r.metrics.Peers.Set(float64(len(st.peers)))
	})
}

func (r *Relay) Peers() ([]string, error) {
	var ids []string
	err := r.exec(func(st *state) {
		for id := range st.peers {
			ids = append(ids, id)
		}
	})
	return ids, err
}

// MarkKnown records that peer id already has f, so it is never echoed back.
func (r *Relay) MarkKnown(id string, f *model.Frame) error {
	key, err := xchat.FrameKey(f)
	if err != nil {
		return err
	}
	return r.exec(func(st *state) {
		if ps, ok := st.peers[id]; ok {
			ps.known.SetDefault(key, struct{}{})
		}
	})
}

// RelayTo sends f to peer id unless that peer already has it.
func (r *Relay) RelayTo(id string, f *model.Frame) (bool, error) {
	key, err := xchat.FrameKey(f)
	if err != nil {
		return false, err
	}

	var sent bool
	err = r.exec(func(st *state) {
		if ps, ok := st.peers[id]; ok {
			sent = r.relay(ps, key, f)
		}
	})
	return sent, err
}

// Broadcast sends f to every peer that does not have it yet and returns how
// many were reached.
func (r *Relay) Broadcast(f *model.Frame) (int, error) {
	return r.Forward("", f)
}

// Forward marks f known for origin and relays it to everyone else.
func (r *Relay) Forward(origin string, f *model.Frame) (int, error) {
	key, err := xchat.FrameKey(f)
	if err != nil {
		return 0, err
	}

	var n int
	err = r.exec(func(st *state) {
		if ps, ok := st.peers[origin]; ok {
			ps.known.SetDefault(key, struct{}{})
		}
		for id, ps := range st.peers {
			if id == origin {
				continue
			}
			if r.relay(ps, key, f) {
				n++
			}
		}
	})
	return n, err
}

func (r *Relay) relay(ps *peerState, key string, f *model.Frame) bool {
	if _, found := ps.known.Get(key); found {
		return false
	}
	if err := ps.peer.Send(f); err != nil {
		r.metrics.FramesDropped.WithLabelValues("send").Inc()
		log.Debug("send frame failed", zap.String("peer", ps.peer.ID()), zap.Error(err))
		return false
	}
	ps.known.SetDefault(key, struct{}{})
	r.metrics.FramesSent.Inc()
	return true
}
