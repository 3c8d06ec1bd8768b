// Package server hosts the HTTP adapter: an echo server exposing the
// orchestration API together with health and metrics endpoints.
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

	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/internal/profile"
	apiv1 "github.com/strayhat/switchboard/server/router/api/v1"
	"github.com/strayhat/switchboard/store"
)

const shutdownTimeout = 10 * time.Second

// Server bundles the echo instance, the orchestration core behind it
// and the background session sweeper.
type Server struct {
	echoServer *echo.Echo

	Profile *profile.Profile
	Store   *store.Store

	apiService *apiv1.APIV1Service
	sweeper    *session.Sweeper
}

// NewServer assembles the HTTP adapter. Handler seeds from the profile's
// handlers file are registered before the server accepts traffic; a bad
// seed file is a startup error.
func NewServer(ctx context.Context, instanceProfile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	apiService, err := apiv1.NewAPIV1Service(instanceProfile, storeInstance)
	if err != nil {
		return nil, errors.Wrap(err, "create api service")
	}
	apiService.RegisterRoutes(e)

	s := &Server{
		echoServer: e,
		Profile:    instanceProfile,
		Store:      storeInstance,
		apiService: apiService,
		sweeper:    session.NewSweeper(storeInstance, instanceProfile.StateExpirationDays),
	}

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(apiService.Metrics.Handler()))

	if instanceProfile.HandlersFile != "" {
		count, err := apiService.SeedHandlers(ctx, instanceProfile.HandlersFile)
		if err != nil {
			return nil, errors.Wrap(err, "seed handlers")
		}
		slog.Info("handlers seeded", "count", count, "file", instanceProfile.HandlersFile)
	}

	return s, nil
}

// Start begins serving in the background and starts the session
// sweeper. Serve failures after startup surface in the log, shutdown
// stays with the caller.
func (s *Server) Start(_ context.Context) error {
	if err := s.sweeper.Start(); err != nil {
		return errors.Wrap(err, "start session sweeper")
	}

	go func() {
		address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to serve", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the server, stops the sweeper and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.sweeper.Stop()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}

	slog.Info("switchboard stopped properly")
}

// Orchestration exposes the assembled API service, letting embedding
// programs register tool implementations before Start.
func (s *Server) Orchestration() *apiv1.APIV1Service {
	return s.apiService
}

func (s *Server) healthz(c echo.Context) error {
	if err := s.Store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
