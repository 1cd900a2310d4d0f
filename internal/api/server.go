// Package api is the operator HTTP surface: status reads and the manual actions that
// resolve a halt, a kill or a pending intent.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/orchestrator"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/state"
)

// Operator is what the API drives. *orchestrator.Orchestrator implements it.
type Operator interface {
	Status(ctx context.Context) (orchestrator.Status, error)
	Trades(ctx context.Context, since time.Time) ([]position.TradeRecord, error)
	Jobs() map[string]string
	AcknowledgeAndResume(ctx context.Context) (position.State, error)
	ActivateKillSwitch(ctx context.Context, reason string) (position.State, error)
	ResumeFromKill(ctx context.Context) (position.State, error)
	ConfirmBuy(ctx context.Context, fill position.Fill) (position.State, error)
	ConfirmSell(ctx context.Context, fill position.Fill) (orchestrator.SellConfirmation, error)
	AbandonPending(ctx context.Context) (position.State, error)
	RunNow(ctx context.Context, name string) (string, error)
}

// Records reads the reconciliation log.
type Records interface {
	ListReconciliations(ctx context.Context, limit int) ([]journal.Reconciliation, error)
}

// Server HTTP API server
type Server struct {
	router  *gin.Engine
	op      Operator
	records Records
	token   string
	timeout time.Duration
	log     *logrus.Entry
	srv     *http.Server
}

// NewServer creates the API server. An empty token disables authentication.
func NewServer(op Operator, records Records, token string, log *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		op:      op,
		records: records,
		token:   token,
		timeout: 2 * time.Minute,
		log:     log.WithField("component", "api"),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Request.Method == http.MethodGet {
			entry.Debug("request")
			return
		}
		entry.Info("operator request")
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api", s.auth())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/jobs", s.handleJobs)
		api.GET("/trades", s.handleTrades)
		api.GET("/reconciliations", s.handleReconciliations)

		api.POST("/acknowledge", s.handleAcknowledge)
		api.POST("/kill", s.handleKill)
		api.POST("/resume", s.handleResume)
		api.POST("/confirm/buy", s.handleConfirm(position.Buy))
		api.POST("/confirm/sell", s.handleConfirm(position.Sell))
		api.POST("/pending/abandon", s.handleAbandon)
		api.POST("/jobs/:name/run", s.handleRunJob)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("operator API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// errorStatus maps domain errors to HTTP codes.
func errorStatus(err error) int {
	var te *position.TransitionError
	switch {
	case errors.As(err, &te),
		errors.Is(err, state.ErrStillPending),
		failure.Classify(err) == failure.KindPositionMismatch:
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// opContext bounds how long an operator request waits for the queue.
func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.op.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleJobs(c *gin.Context) {
	st, err := s.op.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"specs": s.op.Jobs(), "runs": st.Jobs})
}

func (s *Server) handleTrades(c *gin.Context) {
	since := time.Now().AddDate(0, 0, -30)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}
	trades, err := s.op.Trades(c.Request.Context(), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleReconciliations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	recs, err := s.records.ListReconciliations(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": recs})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	st, err := s.op.AcknowledgeAndResume(ctx)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error(), "state": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (s *Server) handleKill(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	st, err := s.op.ActivateKillSwitch(ctx, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (s *Server) handleResume(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	st, err := s.op.ResumeFromKill(ctx)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error(), "state": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

type confirmRequest struct {
	OrderID string          `json:"order_id" binding:"required"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	Shares  decimal.Decimal `json:"shares"`
	Time    time.Time       `json:"time"`
}

func (s *Server) handleConfirm(side position.Side) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req confirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.Price.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price must be positive"})
			return
		}
		if req.Shares.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shares must not be negative"})
			return
		}
		fill := position.Fill{
			OrderID: req.OrderID,
			Symbol:  strings.ToUpper(req.Symbol),
			Side:    side,
			Price:   req.Price,
			Shares:  req.Shares,
			Time:    req.Time,
		}

		ctx, cancel := s.opContext(c)
		defer cancel()
		if side == position.Buy {
			st, err := s.op.ConfirmBuy(ctx, fill)
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"state": st})
			return
		}
		res, err := s.op.ConfirmSell(ctx, fill)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleAbandon(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	st, err := s.op.AbandonPending(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (s *Server) handleRunJob(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	name := c.Param("name")
	status, err := s.op.RunNow(ctx, name)
	if err != nil {
		code := errorStatus(err)
		if status != "" {
			// the job ran and failed; its outcome is already journaled and alerted
			code = http.StatusOK
		}
		c.JSON(code, gin.H{"job": name, "status": status, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "status": status})
}
