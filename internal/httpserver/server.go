package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigbag/sds011/internal/config"
	"github.com/bigbag/sds011/internal/history"
)

// Server serves health checks, metrics and the latest readings.
type Server struct {
	srv *http.Server
}

// New configures the router. metricsHandler may be nil; readyFn nil means
// always ready.
func New(cfg config.HTTPConfig, metricsPath string, metricsHandler http.Handler, hist *history.Ring, readyFn func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	if hist != nil {
		api := r.Group("/api/v1")
		api.GET("/reading", latestHandler(hist))
		api.GET("/summary", summaryHandler(hist))
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv}
}

func latestHandler(hist *history.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := hist.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no reading yet"})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func summaryHandler(hist *history.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		var window time.Duration
		if w := c.Query("window"); w != "" {
			d, err := time.ParseDuration(w)
			if err != nil || d < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
				return
			}
			window = d
		}
		c.JSON(http.StatusOK, hist.Summary(window))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the server until Shutdown. It blocks.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
