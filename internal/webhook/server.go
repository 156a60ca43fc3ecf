// Package webhook serves the HTTP surface: SNS notification delivery plus
// health, readiness and run history endpoints.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/ledger"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// Submitter accepts notifications for processing.
type Submitter interface {
	Submit(n trigger.Notification)
}

// StatusSource reports orchestrator state.
type StatusSource interface {
	Status() reconcile.Snapshot
}

// History lists recorded runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]*ledger.Entry, error)
}

// Options configures the server.
type Options struct {
	Host                 string
	Port                 int
	ConfirmSubscriptions bool
	MaxBodyBytes         int64
	HTTPClient           *http.Client // used to confirm subscriptions
}

// Server receives notifications and hands them to the orchestrator.
type Server struct {
	addr       string
	opts       Options
	parser     *trigger.Parser
	submitter  Submitter
	status     StatusSource
	history    History
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new server. history may be nil when the ledger is disabled.
func NewServer(opts Options, parser *trigger.Parser, submitter Submitter, status StatusSource, history History) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 << 10
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	s := &Server{
		addr:      fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		opts:      opts,
		parser:    parser,
		submitter: submitter,
		status:    status,
		history:   history,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.POST("/notify", s.handleNotify)
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/runs", s.handleRuns)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting notification server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Notification server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleNotify(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		log.Error().Err(err).Msg("Failed to read notification body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if env, ok := trigger.DecodeEnvelope(body); ok {
		switch env.Type {
		case trigger.TypeSubscriptionConfirmation:
			s.confirmSubscription(c, env)
			return
		case trigger.TypeUnsubscribeConfirmation:
			log.Info().Str("topic", env.TopicArn).Msg("Unsubscribed from topic")
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
	}

	n, err := s.parser.ParseBody(body)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected notification")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("url", n.URL).Msg("Notification accepted")
	s.submitter.Submit(n)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) confirmSubscription(c *gin.Context, env trigger.Envelope) {
	if !s.opts.ConfirmSubscriptions {
		log.Warn().Str("topic", env.TopicArn).Msg("Subscription confirmation received but confirmation is disabled")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	u, err := url.Parse(env.SubscribeURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid SubscribeURL"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid SubscribeURL"})
		return
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("topic", env.TopicArn).Msg("Subscription confirmation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "confirmation failed"})
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("topic", env.TopicArn).Msg("Subscription confirmation rejected")
		c.JSON(http.StatusBadGateway, gin.H{"error": "confirmation rejected"})
		return
	}

	log.Info().Str("topic", env.TopicArn).Msg("Subscription confirmed")
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleReady(c *gin.Context) {
	snap := s.status.Status()
	if !snap.Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "orchestrator": snap})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "orchestrator": snap})
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run ledger is disabled"})
		return
	}

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(v, maxRunsLimit)
	}

	entries, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": entries})
}

// requestLogger logs each request through zerolog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
