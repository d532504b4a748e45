package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/advisor"
	"github.com/heartwise/heartwise/ai"
	"github.com/heartwise/heartwise/internal/profile"
	apiv1 "github.com/heartwise/heartwise/server/router/api/v1"
	"github.com/heartwise/heartwise/store"
)

// Server hosts the advisor HTTP API.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	drafts     *advisor.DraftManager
	metrics    *advisor.Metrics
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	e := echo.New()
	e.Debug = true
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(requestLogger())

	transport, err := ai.NewTransport(&ai.Config{
		Provider: profile.LLMProvider,
		Model:    profile.LLMModel,
		APIKey:   profile.LLMAPIKey,
		BaseURL:  profile.LLMBaseURL,
		Timeout:  profile.LLMTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm transport")
	}

	metrics := advisor.NewMetrics()
	sessions := advisor.NewSessionStore(store)
	drafts := advisor.NewDraftManager(store, 0)
	engine := advisor.NewEngine(advisor.EngineConfig{
		Store:     store,
		Transport: transport,
		Builder:   advisor.NewHistoryContextBuilder(store, 0),
		Sessions:  sessions,
		Drafts:    drafts,
		Usage:     advisor.NewStoreUsageRecorder(store),
		Metrics:   metrics,
	})

	s := &Server{
		Profile:    profile,
		Store:      store,
		echoServer: e,
		drafts:     drafts,
		metrics:    metrics,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiService := apiv1.NewAPIV1Service(profile, store, engine, sessions, drafts)
	apiService.RegisterRoutes(e)

	return s, nil
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start echo server", "error", err)
		}
	}()
	slog.Info("Server listening", "address", address, "mode", s.Profile.Mode)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Flush pending drafts before the process goes away.
	s.drafts.Close()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Server shutdown complete")
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	})
}
