// Package server exposes the published aggregation state over HTTP for the
// display layer, plus the cache-clear trigger used by the settings UI and
// the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solarwatch/internal/aggregator"
)

// Server bundles the router and its dependencies.
type Server struct {
	addr       string
	aggregator *aggregator.Aggregator
	engine     *gin.Engine
}

// New constructs a server with routes registered.
func New(host string, port int, agg *aggregator.Aggregator, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:       fmt.Sprintf("%s:%d", host, port),
		aggregator: agg,
		engine:     engine,
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/api/v1/report", s.handleReport)
	engine.POST("/api/v1/refresh", s.handleRefresh)
	engine.POST("/api/v1/cache/clear", s.handleClearCache)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleReport returns the current publication state. The aggregator is
// asked to fetch first so a cold start still serves data; a fresh cached
// report makes that a no-op.
func (s *Server) handleReport(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	s.aggregator.FetchMetrics(ctx)
	s.renderSnapshot(c)
}

// handleRefresh forces a refresh, cancelling any in-flight fetch first.
func (s *Server) handleRefresh(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	s.aggregator.RefreshMetrics(ctx)
	s.renderSnapshot(c)
}

// handleClearCache drops both caches. Exposed to the settings UI.
func (s *Server) handleClearCache(c *gin.Context) {
	s.aggregator.ClearCaches()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) renderSnapshot(c *gin.Context) {
	snap := s.aggregator.Snapshot()

	body := gin.H{"state": snap.State.String()}
	if snap.Report != nil {
		body["report"] = snap.Report
	}
	if snap.Message != "" {
		body["message"] = snap.Message
	}

	status := http.StatusOK
	if snap.State == aggregator.StateFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, body)
}
