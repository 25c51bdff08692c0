// Package server wires the modelshed runtime and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	gommonlog "github.com/labstack/gommon/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/modelshed/modelshed/internal/registry"
	"github.com/modelshed/modelshed/internal/services/registry/deployment"
	"github.com/modelshed/modelshed/internal/services/registry/httpapi"
)

const shutdownTimeout = 5 * time.Second

// Config selects the backing stores and listen address for a server.
type Config struct {
	Port         int
	Backend      string
	DataDir      string
	MetadataPath string
	DatabasePath string
	LogLevel     string
}

// Server hosts the registry HTTP API and storage lifecycle.
type Server struct {
	listener   net.Listener
	echoServer *echo.Echo
	registry   *registry.Registry
}

// New creates a configured server listening on the port in cfg. Port 0 picks
// a free one; Addr reports the bound address.
func New(ctx context.Context, cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on :%d: %w", cfg.Port, err)
	}

	reg, err := registry.Open(ctx, cfg.Backend, registry.Config{
		DataDir:      cfg.DataDir,
		MetadataPath: cfg.MetadataPath,
		DatabasePath: cfg.DatabasePath,
	})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	e := buildServer(cfg.LogLevel)
	httpapi.Routes(e, reg, deployment.New(reg, nil))
	e.Listener = listener

	return &Server{listener: listener, echoServer: e, registry: reg}, nil
}

func buildServer(loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(gommonlog.DEBUG)
	case "info":
		e.Logger.SetLevel(gommonlog.INFO)
	case "warn", "":
		e.Logger.SetLevel(gommonlog.WARN)
	case "error":
		e.Logger.SetLevel(gommonlog.ERROR)
	case "off":
		e.Logger.SetLevel(gommonlog.OFF)
	default:
		e.Logger.SetLevel(gommonlog.WARN)
		e.Logger.Warnf("unknown log level %q, falling back to warn", loglevel)
	}

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		e.Logger.Error(err)
	}

	e.Use(otelecho.Middleware("modelshed"))

	// Server-side latency logging.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			method := c.Request().Method
			path := c.Request().URL.Path
			begin := time.Now()
			err := next(c)
			c.Logger().Infof("%s %s -> %d in %v", method, path, c.Response().Status, time.Since(begin))
			return err
		}
	})

	return e
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("modelshed server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.echoServer.Start("")
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.echoServer != nil {
		_ = s.echoServer.Close()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			log.Printf("close registry: %v", err)
		}
	}
}
