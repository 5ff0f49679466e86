package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/monitoring"
)

// Config represents server configuration
type Config struct {
	Addr            string
	ServiceName     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig(serviceName, addr string) Config {
	return Config{
		Addr:            addr,
		ServiceName:     serviceName,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// SetupServiceRouter creates a gin router exposing /health and /metrics.
func SetupServiceRouter(logger logging.Logger, hc *monitoring.HealthChecker, mc *monitoring.MetricsCollector) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Next()
		logger.WithFields(logging.Fields{
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("HTTP request")
	})

	router.GET("/health", hc.Handler())
	router.GET("/metrics", mc.Handler())
	return router
}

// Run serves handler until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, handler http.Handler, logger logging.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"addr":    cfg.Addr,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.WithField("service", cfg.ServiceName).Info("HTTP server stopped")
	return nil
}
