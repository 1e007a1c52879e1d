// Package node assembles a running xchat node from its configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xchat/internal/config"
	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/repository/history"
	"xchat/internal/repository/identity"
	"xchat/internal/repository/pending"
	"xchat/internal/repository/pubkey"
	"xchat/internal/service/chat"
	redisSvc "xchat/internal/service/redis"
	"xchat/internal/service/relay"
	"xchat/internal/service/server"
	"xchat/internal/service/undelivered"
	"xchat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const redialInterval = 30 * time.Second

type Node struct {
	cfg *config.Config

	mongo *mongo.Client
	rdb   *redis.Client

	Metrics    *metrics.Metrics
	Identities *identity.IdentityRepo
	Relay      *relay.Relay
	Queue      *undelivered.Queue
	Session    *chat.Session
	Server     *server.HttpServer
}

func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	mongoClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		mongo:   mongoClient,
		Metrics: metrics.New(),
	}

	store, err := n.initStore(ctx)
	if err != nil {
		n.Close(ctx)
		return nil, fmt.Errorf("redis: %w", err)
	}

	expiry := model.NewExpiryPolicy(cfg.Chat.ExpiryWindow)

	n.Identities = identity.NewIdentityRepo(mongoClient.Database(cfg.Mongo.Database))
	n.Relay = relay.New(relay.Config{
		KnownTTL:        cfg.Chat.ExpiryWindow,
		CleanupInterval: cfg.Relay.KnownCleanupInterval,
	}, n.Metrics)
	n.Queue = undelivered.NewQueue(n.Relay, pending.NewPendingRepo(store), expiry, n.Metrics)
	if err := n.Queue.Restore(ctx); err != nil {
		log.Warn("restore pending messages failed", zap.Error(err))
	}

	n.Session = chat.NewSession(chat.Deps{
		Keys:    n.Identities,
		Relay:   n.Relay,
		Queue:   n.Queue,
		Known:   relay.NewKnownMessageTracker(cfg.Chat.ExpiryWindow, cfg.Relay.KnownCleanupInterval),
		History: history.NewHistoryRepo(store, expiry),
		PubKeys: pubkey.NewPubKeyRepo(store),
		Metrics: n.Metrics,
	}, chat.Config{
		RetryShortInterval: cfg.Chat.RetryShortInterval,
		RetryLongInterval:  cfg.Chat.RetryLongInterval,
		RetryShortCycles:   cfg.Chat.RetryShortCycles,
	}, expiry)

	n.Server = server.NewHttpServer(server.Config{
		Listen:       cfg.Listen,
		SendBuffer:   cfg.Relay.SendBuffer,
		InboundRate:  cfg.Relay.InboundRate,
		InboundBurst: cfg.Relay.InboundBurst,
	}, n.Relay, n.Session, n.Identities, n.Metrics)

	return n, nil
}

func (n *Node) initStore(ctx context.Context) (redisSvc.Store, error) {
	if n.cfg.Redis.Addr == "" {
		log.Warn("no redis configured, node state is kept in memory")
		return redisSvc.NewMemoryStore(), nil
	}

	n.rdb = redis.NewClient(&redis.Options{
		Addr:     n.cfg.Redis.Addr,
		Password: n.cfg.Redis.Password,
		DB:       n.cfg.Redis.DB,
	})
	svc := redisSvc.NewRedis(n.rdb)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Ping(pingCtx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run starts the relay, the retry timer, the outbound links and the HTTP
// server, and blocks until ctx is cancelled or the server fails.
func (n *Node) Run(ctx context.Context) error {
	go n.Relay.Run(ctx)
	go n.Session.Run(ctx)

	for _, peer := range n.cfg.Peers {
		go n.dial(ctx, peer)
	}

	err := n.Server.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) dial(ctx context.Context, peer string) {
	for {
		err := n.Server.Dial(ctx, peer)
		if err == nil {
			return
		}
		log.Warn("dial peer failed", zap.String("peer", peer), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(redialInterval):
		}
	}
}

func (n *Node) Close(ctx context.Context) {
	if n.Session != nil {
		n.Session.Close()
	}
	if n.rdb != nil {
		if err := n.rdb.Close(); err != nil {
			log.Warn("close redis failed", zap.Error(err))
		}
	}
	if n.mongo != nil {
		if err := n.mongo.Disconnect(ctx); err != nil {
			log.Warn("close mongo failed", zap.Error(err))
		}
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
