// Package api is the operator surface: position and status inspection, the
// emergency-flag endpoints, and the metrics scrape.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/store"
)

// Engine is the surface the API exposes: inspection plus the trade-intent
// entry point used by external strategy processes.
type Engine interface {
	Positions() []ledger.Position
	OpenCount() int
	OpenPosition(ctx context.Context, symbol string, side exchange.Side, qty float64) error
	Close(ctx context.Context, symbol, reason string) error
}

// Flags is the persisted emergency-flag surface.
type Flags interface {
	GetEmergencyFlag(ctx context.Context) (store.EmergencyFlag, error)
	ClearEmergencyFlag(ctx context.Context) error
}

// Journal reads the order journal.
type Journal interface {
	RecentOrders(ctx context.Context, limit int) ([]store.OrderRecord, error)
}

// Streams reports stream health.
type Streams interface {
	Degraded() bool
}

// Server wires the operator endpoints.
type Server struct {
	Router *gin.Engine

	engine  Engine
	flags   Flags
	journal Journal
	budget  *exchange.RateBudget
	market  Streams
	user    Streams
	metrics http.Handler
	log     *zap.Logger
	started time.Time
}

func NewServer(engine Engine, flags Flags, journal Journal, budget *exchange.RateBudget, market, user Streams, metrics http.Handler, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:  r,
		engine:  engine,
		flags:   flags,
		journal: journal,
		budget:  budget,
		market:  market,
		user:    user,
		metrics: metrics,
		log:     log,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.metrics))

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/positions", s.positions)
		api.POST("/positions", s.openPosition)
		api.DELETE("/positions/:symbol", s.closePosition)
		api.GET("/orders", s.orders)
		api.GET("/emergency-flag", s.getEmergencyFlag)
		api.DELETE("/emergency-flag", s.clearEmergencyFlag)
	}
}

// Run serves until ctx ends, then shuts down with a short drain window.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.started).String()})
}

func (s *Server) status(c *gin.Context) {
	usedWeight, weightCap, requestCap := s.budget.Usage()
	flag, err := s.flags.GetEmergencyFlag(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open_positions":  s.engine.OpenCount(),
		"emergency_flag":  flag.Active,
		"market_degraded": s.market.Degraded(),
		"user_degraded":   s.user.Degraded(),
		"rate_budget": gin.H{
			"weight_used": usedWeight,
			"weight_cap":  weightCap,
			"request_cap": requestCap,
		},
	})
}

func (s *Server) positions(c *gin.Context) {
	positions := s.engine.Positions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"symbol":       p.Symbol,
			"side":         p.Side,
			"qty":          p.Qty,
			"entry_price":  p.EntryPrice,
			"leverage":     p.Leverage,
			"state":        p.State,
			"opened_at":    p.OpenedAt,
			"adopted":      p.Adopted,
			"last_mark":    p.LastMark,
			"peak_pnl_pct": p.PeakPnLPct,
			"stop_price":   p.Stop.StopPrice,
			"take_profits": len(p.TakeProfits),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

// openPosition accepts a trade intent and runs the full entry sequence,
// protection included, before replying.
func (s *Server) openPosition(c *gin.Context) {
	var req struct {
		Symbol string  `json:"symbol" binding:"required"`
		Side   string  `json:"side" binding:"required,oneof=BUY SELL"`
		Qty    float64 `json:"qty" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.OpenPosition(c.Request.Context(), req.Symbol, exchange.Side(req.Side), req.Qty); err != nil {
		s.log.Warn("open position rejected", zap.String("symbol", req.Symbol), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"opened": req.Symbol})
}

func (s *Server) closePosition(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.engine.Close(c.Request.Context(), symbol, "operator close"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": symbol})
}

func (s *Server) orders(c *gin.Context) {
	orders, err := s.journal.RecentOrders(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getEmergencyFlag(c *gin.Context) {
	flag, err := s.flags.GetEmergencyFlag(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active": flag.Active,
		"reason": flag.Reason,
		"set_at": flag.SetAt,
	})
}

// clearEmergencyFlag is the explicit operator acknowledgement that re-enables
// position adoption after an emergency shutdown.
func (s *Server) clearEmergencyFlag(c *gin.Context) {
	if err := s.flags.ClearEmergencyFlag(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("emergency flag cleared by operator")
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
