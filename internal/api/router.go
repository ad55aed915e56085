package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/api/handlers"
	"github.com/thanhnp/chainforensics/internal/api/middleware"
	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/labels"
)

// Router wraps the Gin router with handlers
type Router struct {
	engine           *gin.Engine
	svc              *analysis.Service
	limiter          *middleware.RateLimiter
	traceHandler     *handlers.TraceHandler
	clusterHandler   *handlers.ClusterHandler
	proximityHandler *handlers.ProximityHandler
	privacyHandler   *handlers.PrivacyHandler
	kycHandler       *handlers.KYCHandler
	labelHandler     *handlers.LabelHandler
	txHandler        *handlers.TxHandler
	addressHandler   *handlers.AddressHandler
	statusHandler    *handlers.StatusHandler
}

// NewRouter creates a new Router with all handlers
func NewRouter(svc *analysis.Service, lbls *labels.Service, rl config.RateLimitConfig) (*Router, error) {
	if err := handlers.RegisterValidators(); err != nil {
		return nil, err
	}

	r := &Router{
		engine:           gin.New(),
		svc:              svc,
		limiter:          middleware.NewRateLimiter(rl.RequestsPerSecond, rl.Burst),
		traceHandler:     handlers.NewTraceHandler(svc),
		clusterHandler:   handlers.NewClusterHandler(svc),
		proximityHandler: handlers.NewProximityHandler(svc),
		privacyHandler:   handlers.NewPrivacyHandler(svc),
		kycHandler:       handlers.NewKYCHandler(svc),
		labelHandler:     handlers.NewLabelHandler(lbls, svc),
		txHandler:        handlers.NewTxHandler(svc),
		addressHandler:   handlers.NewAddressHandler(svc),
		statusHandler:    handlers.NewStatusHandler(svc),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r, nil
}

// setupMiddleware configures middleware
func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.Logger())
	r.engine.Use(middleware.Metrics())
	r.engine.Use(middleware.CORS())
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "chains": r.svc.Chains()})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.engine.Group("/api/v1/:chain")
	v1.Use(middleware.RateLimit(r.limiter))
	v1.Use(middleware.ValidateChain(r.svc.Chains()))
	{
		trace := v1.Group("/trace")
		{
			trace.GET("/:txid/:vout", r.traceHandler.Trace)
			trace.GET("/:txid/:vout/tree", r.traceHandler.Tree)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/:address", r.clusterHandler.Basic)
			cluster.GET("/:address/advanced", r.clusterHandler.Advanced)
		}

		v1.GET("/exchange-proximity/:address", r.proximityHandler.ExchangeProximity)
		v1.GET("/known-entities", r.proximityHandler.KnownEntities)

		coinjoin := v1.Group("/coinjoin")
		{
			coinjoin.GET("/:txid", r.privacyHandler.CoinJoin)
			coinjoin.GET("/:txid/history", r.privacyHandler.CoinJoinHistory)
		}

		privacy := v1.Group("/privacy-score")
		{
			privacy.GET("/:txid/:vout", r.privacyHandler.Score)
			privacy.GET("/:txid/:vout/enhanced", r.privacyHandler.EnhancedScore)
		}
		v1.GET("/utxo-rating/:address", r.privacyHandler.UTXORating)

		kyc := v1.Group("/kyc")
		{
			kyc.GET("/presets", r.kycHandler.Presets)
			kyc.POST("/trace", r.kycHandler.Trace)
			kyc.GET("/trace", r.kycHandler.TraceQuery)
			kyc.GET("/quick-check", r.kycHandler.QuickCheck)
		}

		lbls := v1.Group("/labels")
		{
			lbls.POST("", r.labelHandler.Upsert)
			lbls.GET("", r.labelHandler.List)
			lbls.GET("/:address", r.labelHandler.Get)
			lbls.DELETE("/:address", r.labelHandler.Delete)
		}

		// Ledger views
		v1.GET("/tx/:txid", r.txHandler.Get)
		v1.GET("/tx/:txid/outputs/:vout", r.txHandler.GetOutput)
		v1.GET("/address/:address", r.addressHandler.Get)
		v1.GET("/address/:address/dust-check", r.addressHandler.DustCheck)
		v1.GET("/status", r.statusHandler.Get)
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Limiter returns the per-client rate limiter
func (r *Router) Limiter() *middleware.RateLimiter {
	return r.limiter
}
