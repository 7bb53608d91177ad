package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
)

const shutdownTimeout = 5 * time.Second

type apiServer struct {
	bind   string
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func newAPIServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) *apiServer {
	read := time.Duration(cfg.API.ReadTimeout) * time.Second
	if read <= 0 {
		read = 15 * time.Second
	}
	return &apiServer{
		bind:   strings.TrimSpace(cfg.API.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		// No WriteTimeout: WebSocket connections outlive it. Request routes
		// carry their own timeout middleware.
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       read,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_serve_error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown incomplete", logging.Error(err))
		_ = s.server.Close()
	}
}

// addr reports the bound address, or the configured bind before listening.
func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.bind
}
