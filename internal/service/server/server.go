package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"xchat/internal/address"
	"xchat/internal/metrics"
	"xchat/internal/model"
	"xchat/internal/service/relay"
	"xchat/internal/utils/log"
	"xchat/internal/utils/ratelimiter"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	Processor interface {
		Process(ctx context.Context, origin string, f *model.Frame) error
	}

	KeyRing interface {
		PrivateKey(ctx context.Context, addr string) (*secp256k1.PrivateKey, error)
	}

	Config struct {
		Listen       string
		SendBuffer   int
		InboundRate  float64
		InboundBurst int
	}

	HttpServer struct {
		cfg       Config
		relay     *relay.Relay
		processor Processor
		keys      KeyRing
		metrics   *metrics.Metrics
		limiter   *ratelimiter.MapLimiter
		upgrader  websocket.Upgrader

		nextID atomic.Uint64
	}
)

func NewHttpServer(cfg Config, r *relay.Relay, p Processor, keys KeyRing, m *metrics.Metrics) *HttpServer {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if m == nil {
		m = metrics.New()
	}
	return &HttpServer{
		cfg:       cfg,
		relay:     r,
		processor: p,
		keys:      keys,
		metrics:   m,
		limiter:   ratelimiter.New(cfg.InboundRate, cfg.InboundBurst, 10*time.Minute),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // peers are not browsers
			},
		},
	}
}

func (s *HttpServer) Router(ctx context.Context) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/peer", s.HandlePeerWS(ctx)).Methods(http.MethodGet)
	r.HandleFunc("/pubkey/{address}", s.GetPublicKey()).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HttpServer) HandlePeerWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}

		id := s.newID("in", r.RemoteAddr)
		if err := s.attach(ctx, id, conn); err != nil {
			log.Error("attach peer failed", zap.String("peer", id), zap.Error(err))
		}
	}
}

// Dial opens an outbound peer link to a /peer websocket URL.
func (s *HttpServer) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	return s.attach(ctx, s.newID("out", url), conn)
}

func (s *HttpServer) newID(dir, remote string) string {
	return fmt.Sprintf("%s-%d-%s", dir, s.nextID.Add(1), remote)
}

func (s *HttpServer) attach(ctx context.Context, id string, conn *websocket.Conn) error {
	l := newLink(id, conn, s.cfg.SendBuffer)
	if err := s.relay.AddPeer(l); err != nil {
		l.Close()
		return err
	}
	log.Info("peer connected", zap.String("peer", id))

	go l.writeLoop(ctx)
	go func() {
		l.readLoop(func(f *model.Frame) {
			s.handleFrame(ctx, id, f)
		})
		if err := s.relay.RemovePeer(id); err != nil && !errors.Is(err, relay.ErrStopped) {
			log.Warn("remove peer failed", zap.String("peer", id), zap.Error(err))
		}
		s.limiter.Forget(id)
		log.Info("peer disconnected", zap.String("peer", id))
	}()
	return nil
}

func (s *HttpServer) handleFrame(ctx context.Context, id string, f *model.Frame) {
	if !s.limiter.Allow(id, time.Now()) {
		s.metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		return
	}
	if err := s.processor.Process(ctx, id, f); err != nil {
		log.Debug("process frame failed", zap.String("peer", id), zap.String("type", f.Type), zap.Error(err))
	}
}

// GetPublicKey serves the public key of a local keyring address.
func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := mux.Vars(r)["address"]
		if !address.Valid(addr) {
			http.Error(w, "invalid address", http.StatusBadRequest)
			return
		}

		priv, err := s.keys.PrivateKey(r.Context(), addr)
		if err != nil {
			log.Error("get public key failed", zap.String("address", addr), zap.Error(err))
			http.Error(w, "get public key failed", http.StatusInternalServerError)
			return
		}
		if priv == nil {
			http.Error(w, "address is not served here", http.StatusNotFound)
			return
		}
		pub := priv.PubKey().SerializeCompressed()
		priv.Zero()

		data, err := json.Marshal(&model.PublicKeyResponse{Address: addr, PubKey: pub})
		if err != nil {
			http.Error(w, "get public key failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}
