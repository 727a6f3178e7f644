package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Polqt/lively/persistence"
)

// Server is the top-level process: an HTTP listener routing WebSocket
// upgrades to rooms, plus graceful shutdown.
type Server struct {
	cfg     Config
	manager *RoomManager
	http    *http.Server
	log     *zap.SugaredLogger
}

// New builds a Server bound to cfg.Port, backed by persist for room
// snapshots and cb for host integration hooks.
func New(cfg Config, cb Callbacks, persist persistence.Adapter, log *zap.SugaredLogger) *Server {
	manager := NewRoomManager(cfg, cb, persist, log)
	handler := NewHandler(cfg, cb, manager, log)
	return &Server{
		cfg:     cfg,
		manager: manager,
		log:     log,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: handler,
		},
	}
}

// ListenAndServe blocks serving HTTP until the context is cancelled, then
// drains every room and shuts the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("listening", "addr", s.http.Addr, "basePath", s.cfg.BasePath)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("http shutdown error", "err", err)
	}

	done := make(chan struct{})
	go func() {
		s.manager.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.log.Warnw("room drain deadline exceeded, some snapshots may be stale")
	}

	return <-errCh
}

// Manager exposes the room registry, e.g. for an admin surface.
func (s *Server) Manager() *RoomManager { return s.manager }
