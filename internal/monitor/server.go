// Package monitor serves the operator facing HTTP surface: health, per-alert
// status, audit queries, Prometheus metrics and the streaming endpoint.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
	"trade-alerts/internal/market"
	"trade-alerts/internal/metrics"
	"trade-alerts/internal/service"
)

// Pipeline is the slice of service.Pipeline the monitor needs.
type Pipeline interface {
	Health() service.Health
	RecordAction(ctx context.Context, ev market.OperatorEvent) (alert.OperatorAction, error)
}

var _ Pipeline = (*service.Pipeline)(nil)

// Options configure the server.
type Options struct {
	Addr       string
	Mode       string
	QueryLimit int
	// Stream serves /api/v1/stream when set.
	Stream http.Handler
}

// Server wraps the gin engine.
type Server struct {
	opts     Options
	engine   *gin.Engine
	pipeline Pipeline
	reader   audit.Reader
	metrics  *metrics.Set
	logger   zerolog.Logger
}

// New builds the router.
func New(opts Options, pipeline Pipeline, reader audit.Reader, set *metrics.Set, logger zerolog.Logger) *Server {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = 500
	}
	if set == nil {
		set = metrics.New()
	}
	s := &Server{
		opts:     opts,
		engine:   gin.New(),
		pipeline: pipeline,
		reader:   reader,
		metrics:  set,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/alerts/:id", s.getAlert)
	v1.POST("/alerts/:id/actions", s.postAction)
	v1.GET("/audit/alerts", s.queryAlerts)
	v1.GET("/audit/stats", s.stats)
	if s.opts.Stream != nil {
		v1.GET("/stream", gin.WrapH(s.opts.Stream))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("monitor listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	h := s.pipeline.Health()
	code := http.StatusOK
	if h.Halted {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

type alertView struct {
	alert.Record
	View string `json:"view"`
}

func (s *Server) getAlert(c *gin.Context) {
	rec, err := s.reader.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alertView{Record: rec, View: rec.Status.View()})
}

type actionRequest struct {
	Action      string    `json:"action" binding:"required"`
	Actor       string    `json:"actor" binding:"required"`
	Timestamp   time.Time `json:"timestamp"`
	OutcomeLink string    `json:"outcome_link"`
}

func (s *Server) postAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := s.pipeline.RecordAction(c.Request.Context(), market.OperatorEvent{
		AlertID:     c.Param("id"),
		Action:      req.Action,
		Actor:       req.Actor,
		Timestamp:   req.Timestamp,
		OutcomeLink: req.OutcomeLink,
	})
	switch {
	case errors.Is(err, service.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, service.ErrAuditFault):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusCreated, action)
	}
}

func (s *Server) queryAlerts(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	f := audit.Filter{
		From:       from,
		To:         to,
		Instrument: c.Query("instrument"),
		Pattern:    alert.Pattern(c.Query("pattern")),
		Operator:   c.Query("operator"),
		Status:     alert.Status(c.Query("status")),
		Limit:      s.opts.QueryLimit,
	}
	if f.Status != "" && !f.Status.Known() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n < f.Limit {
			f.Limit = n
		}
	}

	recs, err := s.reader.Query(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]alertView, 0, len(recs))
	for _, r := range recs {
		out = append(out, alertView{Record: r, View: r.Status.View()})
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out, "count": len(out)})
}

func (s *Server) stats(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	st, err := s.reader.Stats(c.Request.Context(), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// timeRange parses optional RFC3339 from/to parameters.
func timeRange(c *gin.Context) (from, to time.Time, ok bool) {
	parse := func(key string) (time.Time, bool) {
		raw := c.Query(key)
		if raw == "" {
			return time.Time{}, true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	if from, ok = parse("from"); !ok {
		return
	}
	if to, ok = parse("to"); !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not precede from"})
		return from, to, false
	}
	return from, to, true
}
