// Package chat wires the codec, the relay, the store-and-forward queue and the
// local stores into the send and receive paths of a node.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"xchat/internal/address"
	"xchat/internal/cryptographic/dh"
	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/protocol/xchat"
	"xchat/internal/repository/history"
	"xchat/internal/repository/pubkey"
	"xchat/internal/service/relay"
	"xchat/internal/service/undelivered"
	"xchat/internal/utils/log"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var (
	ErrUnknownSender    = errors.New("sender address is not in the keyring")
	ErrNoPublicKey      = errors.New("public key of recipient is unknown")
	ErrRecipientKey     = errors.New("public key does not belong to recipient")
	ErrUnknownFrameType = errors.New("unknown frame type")

	errKeyRing = errors.New("keyring lookup failed")
)

type (
	// KeyRing resolves local addresses to signing keys. PrivateKey returns
	// nil, nil for addresses that are not ours.
	KeyRing interface {
		PrivateKey(ctx context.Context, addr string) (*secp256k1.PrivateKey, error)
		Addresses(ctx context.Context) ([]string, error)
	}

	Relay interface {
		Broadcast(f *model.Frame) (int, error)
		Forward(origin string, f *model.Frame) (int, error)
		MarkKnown(id string, f *model.Frame) error
	}

	Deps struct {
		Keys    KeyRing
		Relay   Relay
		Queue   *undelivered.Queue
		Known   *relay.KnownMessageTracker
		History *history.HistoryRepo
		PubKeys *pubkey.PubKeyRepo
		Metrics *metrics.Metrics
	}

	Config struct {
		RetryShortInterval time.Duration
		RetryLongInterval  time.Duration
		RetryShortCycles   int
	}

	Session struct {
		Deps
		cfg    Config
		expiry model.ExpiryPolicy

		// ContentHash -> StaticHash of messages we acknowledged.
		acked *cache.Cache

		mu     sync.RWMutex
		notify func(*model.Message)

		started   atomic.Bool
		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}
)

func DefaultConfig() Config {
	return Config{
		RetryShortInterval: 2 * time.Minute,
		RetryLongInterval:  10 * time.Minute,
		RetryShortCycles:   8,
	}
}

func NewSession(d Deps, cfg Config, expiry model.ExpiryPolicy) *Session {
	def := DefaultConfig()
	if cfg.RetryShortInterval <= 0 {
		cfg.RetryShortInterval = def.RetryShortInterval
	}
	if cfg.RetryLongInterval <= 0 {
		cfg.RetryLongInterval = def.RetryLongInterval
	}
	if cfg.RetryShortCycles < 0 {
		cfg.RetryShortCycles = def.RetryShortCycles
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Known == nil {
		d.Known = relay.NewKnownMessageTracker(expiry.Window, 0)
	}

	return &Session{
		Deps:   d,
		cfg:    cfg,
		expiry: expiry,
		acked:  cache.New(expiry.Window, 10*time.Minute),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnMessage sets the callback receiving every message delivered to a local
// address. fn gets its own copy and must not block for long.
func (s *Session) OnMessage(fn func(*model.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Send signs, encrypts and gossips text from a local address. recipientPub
// may be nil when the key is already cached. The returned message is the
// plaintext history entry.
func (s *Session) Send(ctx context.Context, from, to, text string, recipientPub []byte) (*model.Message, error) {
	if !address.Valid(from) {
		return nil, fmt.Errorf("from: %w", address.ErrInvalidAddress)
	}
	if !address.Valid(to) {
		return nil, fmt.Errorf("to: %w", address.ErrInvalidAddress)
	}

	priv, err := s.Keys.PrivateKey(ctx, from)
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, from)
	}
	defer priv.Zero()

	pub, err := s.recipientKey(ctx, to, recipientPub)
	if err != nil {
		return nil, err
	}

	m := model.NewMessage(from, to, text, s.expiry.Clock())
	if err := xchat.Sign(m, priv); err != nil {
		return nil, err
	}
	entry := m.Clone()
	if err := xchat.Encrypt(m, pub); err != nil {
		return nil, err
	}

	if _, err := s.Queue.RetryFor(ctx, to); err != nil {
		log.Warn("retry pending failed", zap.String("to", to), zap.Error(err))
	}

	s.Known.Observe(m.ContentHash())
	if _, err := s.Relay.Broadcast(xchat.MessageFrame(m)); err != nil {
		return nil, err
	}

	if err := s.Queue.Enqueue(ctx, m); err != nil {
		log.Warn("persist pending failed", zap.Error(err))
	}

	entry.Signature = nil
	if err := s.History.Append(ctx, to, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func (s *Session) recipientKey(ctx context.Context, to string, given []byte) ([]byte, error) {
	pub := given
	if len(pub) == 0 {
		cached, err := s.PubKeys.Load(ctx, to)
		if err != nil {
			return nil, err
		}
		if cached == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, to)
		}
		pub = cached
	}

	key, err := dh.ParsePublicKey(pub)
	if err != nil {
		return nil, err
	}
	if address.FromPublicKeyString(key) != to {
		return nil, fmt.Errorf("%w: %s", ErrRecipientKey, to)
	}

	compressed := key.SerializeCompressed()
	if len(given) > 0 {
		if err := s.PubKeys.Store(ctx, to, compressed); err != nil {
			log.Warn("cache public key failed", zap.String("address", to), zap.Error(err))
		}
	}
	return compressed, nil
}

// Process handles one frame received from peer origin.
func (s *Session) Process(ctx context.Context, origin string, f *model.Frame) error {
	switch f.Type {
	case model.FrameMessage:
		return s.processMessage(ctx, origin, f)
	case model.FrameMessageAck:
		return s.HandleAck(ctx, origin, f)
	default:
		s.Metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
}

func (s *Session) processMessage(ctx context.Context, origin string, f *model.Frame) error {
	s.Metrics.MessagesReceived.Inc()

	m, err := xchat.FromWire(f.Message)
	if err != nil {
		s.Metrics.MessagesRejected.WithLabelValues(xchat.Reason(err)).Inc()
		return err
	}

	if err := s.Relay.MarkKnown(origin, f); err != nil {
		return err
	}

	if s.expiry.MessageExpired(m) {
		s.Metrics.FramesDropped.WithLabelValues("expired").Inc()
		log.Debug("expired message dropped", zap.String("from", m.From), zap.String("date", m.Date))
		return nil
	}

	if _, err := s.Queue.RetryFor(ctx, m.From); err != nil {
		log.Warn("retry pending failed", zap.String("to", m.From), zap.Error(err))
	}

	content := m.ContentHash()
	if s.Known.Observe(content) {
		s.Metrics.MessagesDuplicate.Inc()
		if sh, ok := s.acked.Get(content.String()); ok {
			s.broadcastAck(sh.(model.Hash))
		}
		// a resend carries a new timestamp and still has to reach peers
		// past this hop; the relay stops it per peer on its network hash
		_, err := s.Relay.Forward(origin, f)
		return err
	}

	if !m.IsEmpty() {
		if err := s.receive(ctx, m, content); err != nil {
			if errors.Is(err, errKeyRing) {
				s.Known.Forget(content)
			}
			return err
		}
	}

	if _, err := s.Relay.Forward(origin, f); err != nil {
		return err
	}
	return nil
}

// receive tries the local keys on m. A message for someone else is not an
// error.
func (s *Session) receive(ctx context.Context, m *model.Message, content model.Hash) error {
	candidates := []string{m.To}
	if m.IsBroadcast() {
		addrs, err := s.Keys.Addresses(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", errKeyRing, err)
		}
		candidates = addrs
	}

	for _, addr := range candidates {
		priv, err := s.Keys.PrivateKey(ctx, addr)
		if err != nil {
			return fmt.Errorf("%w: %w", errKeyRing, err)
		}
		if priv == nil {
			continue
		}

		res, err := xchat.Decrypt(m, priv)
		priv.Zero()
		if err != nil {
			s.Metrics.MessagesRejected.WithLabelValues(xchat.Reason(err)).Inc()
			if res.ForMe {
				log.Warn("message rejected", zap.String("from", m.From), zap.Error(err))
			}
			return err
		}
		if res.ForMe {
			return s.deliver(ctx, m, res, content)
		}
	}

	s.Metrics.MessagesNotForMe.Inc()
	return nil
}

func (s *Session) deliver(ctx context.Context, m *model.Message, res *xchat.Result, content model.Hash) error {
	static := m.StaticHash()
	s.acked.SetDefault(content.String(), static)

	entry := m.Clone()
	entry.Incoming = true
	entry.Signature = nil
	entry.Envelope = model.Envelope{}

	if err := s.History.Append(ctx, m.From, entry); err != nil {
		log.Error("append history failed", zap.String("from", m.From), zap.Error(err))
	}
	if err := s.PubKeys.Store(ctx, m.From, res.SenderPub); err != nil {
		log.Warn("cache public key failed", zap.String("address", m.From), zap.Error(err))
	}

	s.Metrics.MessagesDelivered.Inc()
	s.mu.RLock()
	notify := s.notify
	s.mu.RUnlock()
	if notify != nil {
		notify(entry.Clone())
	}

	s.broadcastAck(static)
	return nil
}

func (s *Session) broadcastAck(h model.Hash) {
	if _, err := s.Relay.Broadcast(xchat.AckFrame(h)); err != nil {
		log.Warn("broadcast ack failed", zap.String("hash", h.String()), zap.Error(err))
	}
}

// HandleAck drops the acknowledged pending entry and gossips the ack on.
func (s *Session) HandleAck(ctx context.Context, origin string, f *model.Frame) error {
	h, err := model.ParseHash(f.Hash)
	if err != nil {
		s.Metrics.FramesDropped.WithLabelValues("bad_ack").Inc()
		return fmt.Errorf("ack hash: %w", err)
	}
	s.Metrics.Acks.Inc()

	if ok, err := s.Queue.OnAcknowledged(ctx, h); err != nil {
		log.Warn("persist pending failed", zap.Error(err))
	} else if ok {
		log.Debug("message acknowledged", zap.String("hash", h.String()))
	}

	_, err = s.Relay.Forward(origin, f)
	return err
}

// RequestUndelivered broadcasts an empty message from every local address.
// Peers holding messages for us retry them when they see it.
func (s *Session) RequestUndelivered(ctx context.Context) error {
	addrs, err := s.Keys.Addresses(ctx)
	if err != nil {
		return err
	}

	now := s.expiry.Clock()
	for _, addr := range addrs {
		ping := model.NewMessage(addr, "", "", now)
		s.Known.Observe(ping.ContentHash())
		if _, err := s.Relay.Broadcast(xchat.MessageFrame(ping)); err != nil {
			return err
		}
	}
	return nil
}

// Conversation returns the history with addr ordered by date.
func (s *Session) Conversation(ctx context.Context, addr string) ([]*model.Message, error) {
	msgs, err := s.History.Load(ctx, addr)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Date < msgs[j].Date })
	return msgs, nil
}

// Run announces presence and then sweeps, retries and pings on a timer:
// RetryShortInterval for the first RetryShortCycles rounds, then
// RetryLongInterval. It returns when ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	if err := s.RequestUndelivered(ctx); err != nil {
		log.Warn("presence ping failed", zap.Error(err))
	}

	cycles := 0
	timer := time.NewTimer(s.interval(cycles))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
			s.tick(ctx)
			cycles++
			timer.Reset(s.interval(cycles))
		}
	}
}

func (s *Session) interval(cycles int) time.Duration {
	if cycles < s.cfg.RetryShortCycles {
		return s.cfg.RetryShortInterval
	}
	return s.cfg.RetryLongInterval
}

func (s *Session) tick(ctx context.Context) {
	if _, err := s.Queue.SweepExpired(ctx); err != nil {
		log.Warn("sweep pending failed", zap.Error(err))
	}
	if recipients := s.Queue.Recipients(); len(recipients) > 0 {
		if _, err := s.Queue.RetryFor(ctx, recipients...); err != nil {
			log.Warn("retry pending failed", zap.Error(err))
		}
	}
	if err := s.RequestUndelivered(ctx); err != nil {
		log.Warn("presence ping failed", zap.Error(err))
	}
}

// Close stops Run and waits for it to return.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}
