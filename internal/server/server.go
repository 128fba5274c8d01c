package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/auth"
	"github.com/skshohagmiah/flowsync/internal/backend"
	"github.com/skshohagmiah/flowsync/internal/config"
	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
	"github.com/skshohagmiah/flowsync/internal/query"
	"github.com/skshohagmiah/flowsync/internal/storage"
	"github.com/skshohagmiah/flowsync/internal/writes"
)

// Server accepts WebSocket connections and serves the sync protocol:
// handshake, one-shot queries, live subscriptions and write batches, all
// multiplexed per connection by request id.
type Server struct {
	cfg config.Config
	log *logrus.Logger

	store    *storage.Store
	registry *index.Registry
	planner  *query.Planner
	backend  *backend.Backend
	writer   *writes.Engine
	auth     *auth.Authenticator

	httpServer *http.Server
	upgrader   websocket.Upgrader

	conns       sync.Map
	activeConns atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the store and wires the query, watch and write engines.
func New(cfg config.Config, log *logrus.Logger) (*Server, error) {
	store, err := storage.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry := index.NewRegistry(nil)
	registry.SetBuilder(backend.Builder(store, registry, log))
	if err := backend.RestoreIndexes(store, registry); err != nil {
		store.Close()
		return nil, err
	}

	secret := cfg.TokenSecret
	if secret == "" {
		// Tokens stay valid only for this process lifetime.
		secret = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	matcher := index.NewMatcher(registry, cfg.AutoCreateIndexes)

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		planner:  query.NewPlanner(matcher),
		backend:  backend.New(store, registry, log),
		writer:   writes.NewEngine(store, registry, log),
		auth:     auth.New(secret, cfg.TokenTTL, cfg.AllowAnonymous),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32768,
			WriteBufferSize: 32768,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/flowsync", s.handleUpgrade)
	s.httpServer = &http.Server{Addr: cfg.Listen, Handler: mux}
	return s, nil
}

// Handler returns the HTTP handler serving the sync endpoint, for
// embedding the server into an existing mux or serving over a test
// listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It blocks until Stop is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.Listen).Info("flowsync server listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down and closes the store.
func (s *Server) Stop() error {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("http shutdown did not complete cleanly")
	}

	s.conns.Range(func(_, value interface{}) bool {
		if c, ok := value.(*conn); ok {
			c.cancel()
		}
		return true
	})

	return s.store.Close()
}

// Stats returns server counters.
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections": s.activeConns.Load(),
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConn(s, ws)
	s.conns.Store(c.id, c)
	s.activeConns.Add(1)

	go func() {
		defer s.activeConns.Add(-1)
		defer s.conns.Delete(c.id)
		c.serve()
	}()
}

// readAllowed resolves the read policy for a collection against an identity.
func (s *Server) readAllowed(collection string, id auth.Identity) error {
	rule := s.cfg.RuleFor(collection)
	if !rule.AllowRead() {
		return fmt.Errorf("reads on %q are not permitted", collection)
	}
	if rule.RequireAuth && id.Anonymous {
		return fmt.Errorf("collection %q requires an authenticated user", collection)
	}
	return nil
}

// writeValidator builds the permission gate handed to the write engine.
// A nil validator means no gate applies.
func (s *Server) writeValidator(collection string, id auth.Identity) writes.ValidatorFactory {
	rule := s.cfg.RuleFor(collection)
	allowed := rule.AllowWrite() && !(rule.RequireAuth && id.Anonymous)
	return func() writes.Validator {
		if allowed {
			return nil
		}
		return func(writes.Kind, document.Document, document.Document) bool { return false }
	}
}
