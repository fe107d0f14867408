package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/internal/observability"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/MarkoPoloResearchLab/points/pkg/transfer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerAPIKey          = "X-API-Key"
	headerStepUpToken     = "X-Step-Up-Token"
	headerPointsRemaining = "X-Points-Remaining"
	shutdownTimeout       = 5 * time.Second
)

// ErrInvalidServerConfig reports a missing dependency.
var ErrInvalidServerConfig = errors.New("invalid server config")

// StepUpIssuer mints step-up tokens for administrators.
type StepUpIssuer interface {
	Issue(sender ledger.DeveloperID, ttl time.Duration) (string, error)
}

// Services bundles the domain services exposed over HTTP.
type Services struct {
	Ledger    *ledger.Service
	Grants    *grant.Service
	Reserves  *reserve.Service
	Billing   *billing.Service
	Transfers *transfer.Service
	Auth      *auth.Authenticator
	StepUp    StepUpIssuer
}

// Config carries the HTTP-only settings.
type Config struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// Server owns the gin engine and the services behind it.
type Server struct {
	services   Services
	logger     *zap.Logger
	operations ledger.OperationLogger
	metrics    *observability.Metrics
	router     *gin.Engine
}

// NewServer validates dependencies and registers every route.
func NewServer(services Services, cfg Config) (*Server, error) {
	switch {
	case services.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidServerConfig)
	case services.Grants == nil:
		return nil, fmt.Errorf("%w: grant service is nil", ErrInvalidServerConfig)
	case services.Reserves == nil:
		return nil, fmt.Errorf("%w: reserve service is nil", ErrInvalidServerConfig)
	case services.Billing == nil:
		return nil, fmt.Errorf("%w: billing service is nil", ErrInvalidServerConfig)
	case services.Transfers == nil:
		return nil, fmt.Errorf("%w: transfer service is nil", ErrInvalidServerConfig)
	case services.Auth == nil:
		return nil, fmt.Errorf("%w: authenticator is nil", ErrInvalidServerConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		services:   services,
		logger:     logger,
		operations: observability.NewOperationLogger(logger, cfg.Metrics),
		metrics:    cfg.Metrics,
	}
	server.router = server.setupRouter(cfg)
	return server, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

func (server *Server) setupRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware())
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "Origin", "Accept", headerAPIKey, headerStepUpToken},
			ExposeHeaders: []string{headerPointsRemaining},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", cfg.Metrics.Handler())
	}

	v1 := router.Group("/v1", server.authenticate())

	economy := v1.Group("/economy", requireDeveloper(auth.PermissionEconomy), server.meterUsage())
	economy.GET("/balance", server.handleBalance)
	economy.GET("/transactions", server.handleTransactions)
	economy.GET("/grants", server.handleGrants)
	economy.POST("/transfer", server.handleTransfer)

	reserves := v1.Group("/reserves", requireDeveloper(auth.PermissionReserves), server.meterUsage())
	reserves.GET("", server.handleListReserves)
	reserves.GET("/history", server.handleReserveHistory)
	reserves.POST("/:id/spend", server.handleReserveSpend)
	reserves.PATCH("/:id/settings", server.handleReserveSettings)
	reserves.POST("/recommendations/:id/apply", server.handleApplyRecommendation)

	billingGroup := v1.Group("/billing", requireDeveloper(auth.PermissionBilling), server.meterUsage())
	billingGroup.GET("/periods", server.handleListPeriods)
	billingGroup.GET("/usage", server.handleListUsage)

	admin := v1.Group("/admin", server.requireAdmin())
	admin.POST("/accounts", server.handleCreateAccount)
	admin.GET("/accounts/:id", server.handleAdminAccount)
	admin.GET("/accounts/:id/reconcile", server.handleReconcile)
	admin.POST("/accounts/:id/status", server.handleAccountStatus)
	admin.POST("/accounts/:id/adjust", server.handleAdjustBalance)
	admin.POST("/keys", server.handleIssueKey)
	admin.POST("/stepup-tokens", server.handleIssueStepUp)
	admin.POST("/grants", server.handleGrantMilestone)
	admin.POST("/grants/release-due", server.handleReleaseDue)
	admin.POST("/grants/:id/release", server.handleReleaseGrant)
	admin.POST("/reserves/initialize", server.handleInitializeReserves)
	admin.POST("/reserves/allocate", server.handleAllocate)
	admin.POST("/usage", server.handleRecordUsage)
	admin.POST("/billing/periods", server.handleCreatePeriod)
	admin.POST("/billing/periods/:id/calculate", server.handleCalculatePeriod)
	admin.POST("/billing/periods/:id/pay", server.handlePayPeriod)
	admin.POST("/billing/recommendations", server.handleRecommendReserves)

	return router
}

// Run serves handler on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("points api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func respond(ctx *gin.Context, status int, data any) {
	ctx.JSON(status, gin.H{"success": true, "data": data})
}

func setRemaining(ctx *gin.Context, balance ledger.Points) {
	ctx.Header(headerPointsRemaining, fmt.Sprintf("%d", balance.Int64()))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
