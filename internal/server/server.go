package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/agent/telemetry"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/worker"
	"golang.org/x/time/rate"
)

// CycleTrigger is the slice of the background scheduler the API exposes.
type CycleTrigger interface {
	TriggerNow() error
	Running() bool
	LastPulse() (worker.Pulse, bool)
}

// Deps are the process-wide collaborators built once at startup.
type Deps struct {
	Store        *store.Store
	Orchestrator *core.Orchestrator
	Live         *core.LiveFeed
	Scheduler    CycleTrigger
	Telemetry    *telemetry.Telemetry
	// Credential presence gates the endpoints that need each vendor.
	SearchConfigured    bool
	ReasoningConfigured bool
}

// New builds the echo instance with middleware and every route mounted.
func New(cfg config.ServerConfig, deps Deps) *echo.Echo {
	cfg = cfg.Normalize()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log.New(log.Writer(), "[HTTP] ", log.LstdFlags))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimitRPS)),
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	}))

	e.GET("/health", health)
	e.GET("/metrics", echo.WrapHandler(deps.Telemetry.Handler()))

	h := &IntelHandler{
		store:     deps.Store,
		orch:      deps.Orchestrator,
		live:      deps.Live,
		scheduler: deps.Scheduler,
		search:    deps.SearchConfigured,
		reasoning: deps.ReasoningConfigured,
		logger:    log.New(log.Writer(), "[INTEL] ", log.LstdFlags),
		now:       time.Now,
	}
	h.Register(e.Group("/api/intel"))
	return e
}

// errorHandler renders every failure as {"error": msg}.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
}

// Run serves e on addr until ctx is cancelled, then drains in-flight
// requests.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{OK: true, TS: time.Now().UTC().Format(time.RFC3339Nano)})
}
