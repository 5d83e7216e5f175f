// Package api serves the copier's read-only status surface, the manual
// retry action and a websocket feed of engine events.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/copytrader/copier"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/pkg/id"
	"github.com/rustyeddy/copytrader/stream"
)

// Retrier re-sends a failed mirror execution.
type Retrier interface {
	RetryMirrorExecution(ctx context.Context, tradeID, mirrorID string) (journal.MirrorExecution, error)
}

// StreamStatuser reports per-account stream state.
type StreamStatuser interface {
	Status() []stream.AccountStatus
}

// Subscriber hands out event feeds.
type Subscriber interface {
	Subscribe() (string, <-chan events.Event)
	Unsubscribe(id string)
}

type Config struct {
	Listen string
}

type Server struct {
	cfg     Config
	store   journal.Store
	retrier Retrier
	streams StreamStatuser
	events  Subscriber
	log     logrus.FieldLogger

	srv *http.Server
}

// New builds a server. streams and subs may be nil when streaming or the
// event feed is not running.
func New(cfg Config, store journal.Store, retrier Retrier, streams StreamStatuser, subs Subscriber, log logrus.FieldLogger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, store: store, retrier: retrier, streams: streams, events: subs, log: log}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/streams", s.handleStreams)
	api.GET("/accounts", s.handleAccounts)
	api.GET("/trades", s.handleTradesList)
	api.GET("/trades/:tradeID", s.handleTradeGet)
	api.POST("/trades/:tradeID/mirrors/:mirrorID/retry", s.handleRetry)
	api.GET("/events", s.handleEvents)

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("listen", s.cfg.Listen).Info("api listening")
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "api shutdown")
	}
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("api request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStreams(c *gin.Context) {
	out := []stream.AccountStatus{}
	if s.streams != nil {
		out = append(out, s.streams.Status()...)
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (s *Server) handleAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	sources, err := s.store.ListSourceAccounts(ctx, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	mirrors, err := s.store.ListMirrorAccounts(ctx, "", false)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := gin.H{"sources": sourceViews(sources), "mirrors": mirrorViews(mirrors)}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTradesList(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	trades, err := s.store.ListTrades(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeView(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

// tradeID reads the :tradeID parameter, answering 400 when it is not a
// trade id.
func tradeID(c *gin.Context) (string, bool) {
	v := c.Param("tradeID")
	if !id.Valid(v) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return "", false
	}
	return v, true
}

func (s *Server) handleTradeGet(c *gin.Context) {
	tid, ok := tradeID(c)
	if !ok {
		return
	}
	t, err := s.store.GetTrade(c.Request.Context(), tid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTradeView(t))
}

func (s *Server) handleRetry(c *gin.Context) {
	if s.retrier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not running"})
		return
	}
	tid, ok := tradeID(c)
	if !ok {
		return
	}
	exec, err := s.retrier.RetryMirrorExecution(c.Request.Context(), tid, c.Param("mirrorID"))
	if err != nil && !errors.Is(err, journal.ErrNotFound) && !errors.Is(err, copier.ErrNotRetryable) && exec.TradeID != "" {
		// The retry ran and failed at the broker; report the new state.
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "execution": newExecutionView(exec)})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": newExecutionView(exec)})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, journal.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, copier.ErrNotRetryable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("api request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
