package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/olyamironova/trade-execution/internal/api/dto"
	"github.com/olyamironova/trade-execution/internal/core"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/middleware"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	defaultHistoryLimit = 50
)

type Options struct {
	RateLimit   time.Duration
	CORSOrigins []string
}

type HTTPServer struct {
	Eng      *core.Engine
	hub      *FillHub
	log      *zap.Logger
	validate *validator.Validate
	opts     Options
}

// NewHTTPServer builds the REST facade. hub may be nil, which disables /ws/fills.
func NewHTTPServer(eng *core.Engine, hub *FillHub, log *zap.Logger, opts Options) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		Eng:      eng,
		hub:      hub,
		log:      log.Named("http"),
		validate: validator.New(),
		opts:     opts,
	}
}

func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.hub != nil {
		r.GET("/ws/fills", s.streamFills)
	}

	api := r.Group("/api")
	api.Use(middleware.RequireOwner(), middleware.NewRateLimiter(s.opts.RateLimit).Middleware())

	api.POST("/orders", s.submitOrder)
	api.GET("/orders", s.listOrders)
	api.GET("/orders/mine", s.listMyOrders)
	api.GET("/orders/:id", s.getOrder)
	api.POST("/orders/:id/execute", s.executeOrder)
	api.POST("/orders/:id/resubmit", s.resubmitOrder)
	api.DELETE("/orders/:id", s.cancelOrder)
	api.GET("/orderbook", s.getOrderbook)
	api.GET("/accounts/:id", s.getAccount)
	api.GET("/accounts/:id/portfolio/:instrument", s.getPortfolio)
	return r
}

// Handler wraps the router with CORS.
func (s *HTTPServer) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.OwnerHeader, idempotencyHeader},
	}).Handler(s.Router())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HTTPServer) submitOrder(c *gin.Context) {
	var req dto.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"validation_errors": formatValidationError(err)})
		return
	}
	in, err := req.ToDomain(middleware.Owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	o, err := s.Eng.SubmitOrder(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromOrder(o))
}

func (s *HTTPServer) executeOrder(c *gin.Context) {
	id := c.Param("id")
	key := c.GetHeader(idempotencyHeader)
	owner := middleware.Owner(c)
	o, err := s.Eng.GetOrder(c.Request.Context(), id)
	switch {
	case err == nil && o.OwnerID != owner:
		c.JSON(http.StatusForbidden, gin.H{"error": "order belongs to another owner"})
		return
	case err != nil && (key == "" || !errors.Is(err, domain.ErrNotFound)):
		// a filled order is gone; only a keyed retry may still replay it
		writeError(c, err)
		return
	}
	res, err := s.Eng.ExecuteOrder(c.Request.Context(), id, key)
	if err != nil {
		writeError(c, err)
		return
	}
	if initiator, ok := res.InitiatorID(); ok && initiator != owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "order belongs to another owner"})
		return
	}
	c.JSON(http.StatusOK, dto.FromExecution(res))
}

func (s *HTTPServer) resubmitOrder(c *gin.Context) {
	var req dto.ResubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"validation_errors": formatValidationError(err)})
		return
	}
	changes, err := req.ToDomain()
	if err != nil {
		writeError(c, err)
		return
	}
	o, err := s.Eng.ResubmitOrder(c.Request.Context(), c.Param("id"), middleware.Owner(c), changes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromOrder(o))
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.Eng.CancelOrder(c.Request.Context(), id, middleware.Owner(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id, "cancelled": true})
}

func (s *HTTPServer) getOrder(c *gin.Context) {
	o, ok := s.ownOrder(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.FromOrder(o))
}

func (s *HTTPServer) listOrders(c *gin.Context) {
	filter := domain.OrderFilter{Instrument: c.Query("instrument")}
	if side := c.Query("side"); side != "" {
		parsed, err := domain.ParseSide(side)
		if err != nil {
			writeError(c, err)
			return
		}
		filter.Side = parsed
	}
	if filter.Instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument query parameter required"})
		return
	}
	orders, err := s.Eng.ListOrders(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromOrders(orders))
}

func (s *HTTPServer) listMyOrders(c *gin.Context) {
	orders, err := s.Eng.ListOwnerOrders(c.Request.Context(), middleware.Owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromOrders(orders))
}

func (s *HTTPServer) getOrderbook(c *gin.Context) {
	instrument := c.Query("instrument")
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument query parameter required"})
		return
	}
	ob, err := s.Eng.GetOrderbook(c.Request.Context(), instrument)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSnapshot(ob))
}

func (s *HTTPServer) getAccount(c *gin.Context) {
	id, ok := s.ownAccount(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	a, err := s.Eng.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	history, err := s.Eng.GetHistory(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromAccount(a, history))
}

func (s *HTTPServer) getPortfolio(c *gin.Context) {
	id, ok := s.ownAccount(c)
	if !ok {
		return
	}
	instrument := domain.NormalizeInstrument(c.Param("instrument"))
	h, held, err := s.Eng.GetHolding(c.Request.Context(), id, instrument)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.Portfolio{
		AccountID:  id,
		Instrument: instrument,
		Held:       held,
		Quantity:   h.Quantity,
		AvgCost:    h.AvgCost,
	})
}

// ownOrder loads the order and checks it belongs to the caller, writing the
// error response when it does not.
func (s *HTTPServer) ownOrder(c *gin.Context, id string) (*domain.Order, bool) {
	o, err := s.Eng.GetOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if o.OwnerID != middleware.Owner(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "order belongs to another owner"})
		return nil, false
	}
	return o, true
}

func (s *HTTPServer) ownAccount(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if id != middleware.Owner(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "account belongs to another owner"})
		return "", false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, port.ErrTxConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func formatValidationError(err error) map[string]string {
	errs := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["request"] = err.Error()
		return errs
	}
	for _, e := range verrs {
		errs[e.Field()] = "failed on tag '" + e.Tag() + "'"
	}
	return errs
}
