// Package bridge provides a reusable bridge server that can be embedded
// in other binaries. It owns the database, the event bus, the session
// manager, and the HTTP endpoint, and runs any internal agents declared
// in the configuration.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/auth"
	"github.com/agorai/agorai/internal/bridge/bus"
	"github.com/agorai/agorai/internal/bridge/config"
	"github.com/agorai/agorai/internal/bridge/db"
	"github.com/agorai/agorai/internal/bridge/dispatch"
	"github.com/agorai/agorai/internal/bridge/ratelimit"
	"github.com/agorai/agorai/internal/bridge/session"
	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/tools"
	"github.com/agorai/agorai/internal/bridge/transport"
	"github.com/agorai/agorai/internal/runner"
)

// Server is a reusable bridge instance.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	sqlDB    *sqlx.DB
	store    *store.Store
	bus      *bus.Bus
	sessions *session.Manager
	server   *http.Server

	stopDispatch func()
}

// NewServer opens the database, runs migrations, and wires every
// component. Call Serve to start listening.
func NewServer(cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	log := slog.Default()

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)
	b := bus.New(log)
	st.SetEmitter(b)

	sessions := session.NewManager()
	dispatcher := dispatch.New(st, sessions, log)
	stopDispatch := dispatcher.Start(b)

	factory := func(agentID string) *mcpserver.MCPServer {
		return tools.New(agentID, tools.Deps{Store: st, Log: log, Version: version})
	}
	handler := transport.New(
		auth.New(st, cfg),
		ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		sessions,
		factory,
		log,
		version,
		cfg.MaxBodyBytes,
	)

	return &Server{
		cfg:      cfg,
		log:      log,
		sqlDB:    sqlDB,
		store:    st,
		bus:      b,
		sessions: sessions,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stopDispatch: stopDispatch,
	}, nil
}

// Store returns the bridge's store for direct access (e.g. seeding in
// an embedding binary).
func (s *Server) Store() *store.Store {
	return s.store
}

// Bus returns the bridge's event bus.
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// Serve starts the HTTP listener and the configured internal agents.
// It blocks until ctx is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.close()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.log.Info("bridge listening", slog.String("addr", s.cfg.Addr()))

	runnerCtx, stopRunners := context.WithCancel(context.Background())
	var runners sync.WaitGroup
	for _, ac := range s.cfg.Agents {
		adapter := runner.NewHTTPChat(runner.HTTPChatConfig{
			URL:    ac.Chat.URL,
			APIKey: ac.Chat.APIKey,
			Model:  ac.Chat.Model,
		})
		r := runner.New(s.store, adapter, runner.Config{
			Name:         ac.Name,
			Type:         ac.Type,
			Mode:         runner.Mode(ac.Mode),
			PollInterval: ac.PollInterval,
			SystemPrompt: ac.SystemPrompt,
			Capabilities: ac.Capabilities,
		}, s.log)
		runners.Add(1)
		go func(name string) {
			defer runners.Done()
			if err := r.Run(runnerCtx, s.bus); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("internal agent stopped", slog.String("agent", name), slog.Any("error", err))
			}
		}(ac.Name)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	// 1. Stop accepting new requests and drain in-flight ones.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = s.server.Shutdown(shutdownCtx)
	cancel()

	// 2. Stop internal agents and wait for their loops to exit.
	stopRunners()
	runners.Wait()

	// 3. Detach the dispatcher and close every session, ending SSE streams.
	s.close()
	return serveErr
}

func (s *Server) close() {
	s.stopDispatch()
	s.sessions.CloseAll()

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("WAL checkpoint failed", slog.Any("error", err))
	}
	_ = s.sqlDB.Close()
}
