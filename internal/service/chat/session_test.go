package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"xchat/internal/address"
	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/protocol/xchat"
	"xchat/internal/repository/history"
	"xchat/internal/repository/pending"
	"xchat/internal/repository/pubkey"
	"xchat/internal/service/redis"
	"xchat/internal/service/relay"
	"xchat/internal/service/undelivered"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeyRing struct {
	addr string
	priv *secp256k1.PrivateKey
}

func (k *memKeyRing) PrivateKey(_ context.Context, addr string) (*secp256k1.PrivateKey, error) {
	if addr != k.addr {
		return nil, nil
	}
	return secp256k1.PrivKeyFromBytes(k.priv.Serialize()), nil
}

func (k *memKeyRing) Addresses(context.Context) ([]string, error) {
	return []string{k.addr}, nil
}

// flakyKeyRing fails the first lookup the way a lost database connection
// would.
type flakyKeyRing struct {
	memKeyRing
	failed bool
}

func (k *flakyKeyRing) PrivateKey(ctx context.Context, addr string) (*secp256k1.PrivateKey, error) {
	if !k.failed {
		k.failed = true
		return nil, errors.New("connection reset")
	}
	return k.memKeyRing.PrivateKey(ctx, addr)
}

type fakeRelay struct {
	mu        sync.Mutex
	broadcast []*model.Frame
	forwarded []*model.Frame
}

func (r *fakeRelay) Broadcast(f *model.Frame) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, f)
	return 1, nil
}

func (r *fakeRelay) Forward(_ string, f *model.Frame) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, f)
	return 1, nil
}

func (r *fakeRelay) MarkKnown(string, *model.Frame) error { return nil }

func (r *fakeRelay) frames(typ string) []*model.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*model.Frame
	for _, f := range r.broadcast {
		if f.Type == typ {
			res = append(res, f)
		}
	}
	return res
}

func (r *fakeRelay) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast, r.forwarded = nil, nil
}

type node struct {
	addr    string
	priv    *secp256k1.PrivateKey
	sess    *Session
	queue   *undelivered.Queue
	pubkeys *pubkey.PubKeyRepo
	history *history.HistoryRepo
	metrics *metrics.Metrics

	mu  sync.Mutex
	got []*model.Message
}

func newNode(t *testing.T, r Relay, clock func() time.Time) *node {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	n := &node{
		addr:    address.FromPublicKeyString(priv.PubKey()),
		priv:    priv,
		metrics: metrics.New(),
	}
	store := redis.NewMemoryStore()
	policy := model.ExpiryPolicy{Window: model.DefaultExpiryWindow, Now: clock}
	n.queue = undelivered.NewQueue(r, pending.NewPendingRepo(store), policy, n.metrics)
	n.pubkeys = pubkey.NewPubKeyRepo(store)
	n.history = history.NewHistoryRepo(store, policy)
	n.sess = NewSession(Deps{
		Keys:    &memKeyRing{addr: n.addr, priv: priv},
		Relay:   r,
		Queue:   n.queue,
		Known:   relay.NewKnownMessageTracker(time.Hour, time.Hour),
		History: n.history,
		PubKeys: n.pubkeys,
		Metrics: n.metrics,
	}, DefaultConfig(), policy)
	n.sess.OnMessage(func(m *model.Message) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.got = append(n.got, m)
	})
	return n
}

func (n *node) pub() []byte {
	return n.priv.PubKey().SerializeCompressed()
}

func (n *node) received() []*model.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*model.Message(nil), n.got...)
}

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, time.Now), newNode(t, rb, time.Now)

	entry, err := alice.sess.Send(ctx, alice.addr, bob.addr, "hello bob", bob.pub())
	require.NoError(t, err)
	assert.Equal(t, "hello bob", entry.Text)
	assert.False(t, entry.Incoming)

	msgs := ra.frames(model.FrameMessage)
	require.Len(t, msgs, 1)
	assert.Len(t, alice.queue.Pending(), 1)

	hist, err := alice.sess.Conversation(ctx, bob.addr)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello bob", hist[0].Text)

	cached, err := alice.pubkeys.Load(ctx, bob.addr)
	require.NoError(t, err)
	assert.Equal(t, bob.pub(), cached)

	require.NoError(t, bob.sess.Process(ctx, "peer-a", msgs[0]))

	got := bob.received()
	require.Len(t, got, 1)
	assert.Equal(t, "hello bob", got[0].Text)
	assert.Equal(t, alice.addr, got[0].From)
	assert.True(t, got[0].Incoming)
	assert.Len(t, rb.forwarded, 1)

	senderPub, err := bob.pubkeys.Load(ctx, alice.addr)
	require.NoError(t, err)
	assert.Equal(t, alice.pub(), senderPub)

	hist, err = bob.sess.Conversation(ctx, alice.addr)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Incoming)

	acks := rb.frames(model.FrameMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, alice.queue.Pending()[0].StaticHash().String(), acks[0].Hash)

	require.NoError(t, alice.sess.Process(ctx, "peer-b", acks[0]))
	assert.Empty(t, alice.queue.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.Acks))
	assert.Len(t, ra.forwarded, 1, "ack gossiped on")
}

func TestReplyUsesCachedKey(t *testing.T) {
	ctx := context.Background()
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, time.Now), newNode(t, rb, time.Now)

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "ping", bob.pub())
	require.NoError(t, err)
	require.NoError(t, bob.sess.Process(ctx, "a", ra.frames(model.FrameMessage)[0]))

	_, err = bob.sess.Send(ctx, bob.addr, alice.addr, "pong", nil)
	require.NoError(t, err)
	require.NoError(t, alice.sess.Process(ctx, "b", rb.frames(model.FrameMessage)[0]))

	got := alice.received()
	require.Len(t, got, 1)
	assert.Equal(t, "pong", got[0].Text)
}

func TestDuplicateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, time.Now), newNode(t, rb, time.Now)

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "once", bob.pub())
	require.NoError(t, err)
	f := ra.frames(model.FrameMessage)[0]

	for i := 0; i < 3; i++ {
		require.NoError(t, bob.sess.Process(ctx, "a", f))
	}

	assert.Len(t, bob.received(), 1, "notified once")
	assert.Len(t, rb.forwarded, 3, "every copy is handed to the relay")
	assert.Equal(t, 2.0, testutil.ToFloat64(bob.metrics.MessagesDuplicate))

	hist, err := bob.sess.Conversation(ctx, alice.addr)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	acks := rb.frames(model.FrameMessageAck)
	assert.Len(t, acks, 3, "duplicates re-send the acknowledgment")
	for _, a := range acks {
		assert.Equal(t, acks[0].Hash, a.Hash)
	}
}

func TestKeyRingFailureDoesNotSwallowMessage(t *testing.T) {
	ctx := context.Background()
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, time.Now), newNode(t, rb, time.Now)
	bob.sess.Keys = &flakyKeyRing{memKeyRing: memKeyRing{addr: bob.addr, priv: bob.priv}}

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "try again", bob.pub())
	require.NoError(t, err)
	f := ra.frames(model.FrameMessage)[0]

	require.Error(t, bob.sess.Process(ctx, "a", f))
	assert.Empty(t, bob.received())

	require.NoError(t, bob.sess.Process(ctx, "a", f))
	got := bob.received()
	require.Len(t, got, 1)
	assert.Equal(t, "try again", got[0].Text)
	assert.Len(t, rb.frames(model.FrameMessageAck), 1)
}

func TestNotForMeIsForwarded(t *testing.T) {
	ctx := context.Background()
	ra, rc := &fakeRelay{}, &fakeRelay{}
	alice, carol := newNode(t, ra, time.Now), newNode(t, rc, time.Now)
	bob := newNode(t, &fakeRelay{}, time.Now)

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "for bob", bob.pub())
	require.NoError(t, err)

	require.NoError(t, carol.sess.Process(ctx, "a", ra.frames(model.FrameMessage)[0]))
	assert.Empty(t, carol.received())
	assert.Len(t, rc.forwarded, 1)
	assert.Empty(t, rc.frames(model.FrameMessageAck))
	assert.Equal(t, 1.0, testutil.ToFloat64(carol.metrics.MessagesNotForMe))
}

func TestExpiredIsDropped(t *testing.T) {
	ctx := context.Background()
	past := func() time.Time { return time.Now().Add(-49 * time.Hour) }
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, past), newNode(t, rb, time.Now)

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "stale", bob.pub())
	require.NoError(t, err)

	require.NoError(t, bob.sess.Process(ctx, "a", ra.frames(model.FrameMessage)[0]))
	assert.Empty(t, bob.received())
	assert.Empty(t, rb.forwarded)
	assert.Equal(t, 1.0, testutil.ToFloat64(bob.metrics.FramesDropped.WithLabelValues("expired")))
}

func TestSpoofedSenderRejected(t *testing.T) {
	ctx := context.Background()
	rb := &fakeRelay{}
	alice, bob := newNode(t, &fakeRelay{}, time.Now), newNode(t, rb, time.Now)
	mallory, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	m := model.NewMessage(alice.addr, bob.addr, "trust me", time.Now())
	require.NoError(t, xchat.Sign(m, mallory))
	require.NoError(t, xchat.Encrypt(m, bob.pub()))

	err = bob.sess.Process(ctx, "x", xchat.MessageFrame(m))
	assert.ErrorIs(t, err, xchat.ErrSenderSpoofed)
	assert.Empty(t, bob.received())
	assert.Empty(t, rb.forwarded)
	assert.Empty(t, rb.frames(model.FrameMessageAck))
	assert.Equal(t, 1.0, testutil.ToFloat64(bob.metrics.MessagesRejected.WithLabelValues("sender_spoofed")))
}

func TestPresencePingTriggersRetry(t *testing.T) {
	ctx := context.Background()
	ra, rb := &fakeRelay{}, &fakeRelay{}
	alice, bob := newNode(t, ra, time.Now), newNode(t, rb, time.Now)

	_, err := alice.sess.Send(ctx, alice.addr, bob.addr, "are you there", bob.pub())
	require.NoError(t, err)
	ra.reset()

	require.NoError(t, bob.sess.RequestUndelivered(ctx))
	pings := rb.frames(model.FrameMessage)
	require.Len(t, pings, 1)
	assert.Empty(t, pings[0].Message.Envelope)
	assert.Equal(t, bob.addr, pings[0].Message.From)

	require.NoError(t, alice.sess.Process(ctx, "b", pings[0]))
	resent := ra.frames(model.FrameMessage)
	require.Len(t, resent, 1)
	assert.Equal(t, bob.addr, resent[0].Message.To)
	assert.Len(t, ra.forwarded, 1, "ping gossiped on")
}

func TestSendRejects(t *testing.T) {
	ctx := context.Background()
	alice, bob := newNode(t, &fakeRelay{}, time.Now), newNode(t, &fakeRelay{}, time.Now)
	carol := newNode(t, &fakeRelay{}, time.Now)

	_, err := alice.sess.Send(ctx, bob.addr, carol.addr, "hi", carol.pub())
	assert.ErrorIs(t, err, ErrUnknownSender)

	_, err = alice.sess.Send(ctx, alice.addr, bob.addr, "hi", nil)
	assert.ErrorIs(t, err, ErrNoPublicKey)

	_, err = alice.sess.Send(ctx, alice.addr, bob.addr, "hi", carol.pub())
	assert.ErrorIs(t, err, ErrRecipientKey)

	_, err = alice.sess.Send(ctx, alice.addr, "nope", "hi", bob.pub())
	assert.ErrorIs(t, err, address.ErrInvalidAddress)

	_, err = alice.sess.Send(ctx, alice.addr, bob.addr, "", bob.pub())
	assert.ErrorIs(t, err, xchat.ErrEmptyMessage)

	assert.Empty(t, alice.queue.Pending(), "rejected sends leave no state")
}

func TestUnknownFrameType(t *testing.T) {
	n := newNode(t, &fakeRelay{}, time.Now)
	err := n.sess.Process(context.Background(), "x", &model.Frame{Type: "hello"})
	assert.ErrorIs(t, err, ErrUnknownFrameType)

	err = n.sess.Process(context.Background(), "x", &model.Frame{Type: model.FrameMessageAck, Hash: "zz"})
	assert.Error(t, err)
}

func TestRunPingsUntilClosed(t *testing.T) {
	r := &fakeRelay{}
	n := newNode(t, r, time.Now)
	n.sess.cfg = Config{
		RetryShortInterval: time.Millisecond,
		RetryLongInterval:  time.Millisecond,
		RetryShortCycles:   2,
	}

	go n.sess.Run(context.Background())
	assert.Eventually(t, func() bool {
		return len(r.frames(model.FrameMessage)) >= 3
	}, time.Second, time.Millisecond)

	n.sess.Close()
	n.sess.Close()
}

func TestInterval(t *testing.T) {
	s := &Session{cfg: DefaultConfig()}
	assert.Equal(t, 2*time.Minute, s.interval(0))
	assert.Equal(t, 2*time.Minute, s.interval(7))
	assert.Equal(t, 10*time.Minute, s.interval(8))
}
