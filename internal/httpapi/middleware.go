package httpapi

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	principalContextKey = "points_principal"

	operationAdminDenied = "security.admin_denied"
	securityEventAdmin   = "admin_route_denied"
	usageDataPlaces      = 6
)

var bytesPerMB = decimal.NewFromInt(1 << 20)

// authenticate resolves X-API-Key before any handler touches ledger state.
func (server *Server) authenticate() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal, err := server.services.Auth.Authenticate(ctx.Request.Context(), ctx.GetHeader(headerAPIKey))
		if err != nil {
			server.abortWithError(ctx, err)
			return
		}
		ctx.Set(principalContextKey, principal)
		ctx.Next()
	}
}

func requireDeveloper(permission auth.Permission) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal := principalFrom(ctx)
		if principal.Admin || principal.DeveloperID.IsZero() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "a developer key is required"))
			return
		}
		if !principal.Allows(permission) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "key lacks the "+string(permission)+" permission"))
			return
		}
		ctx.Next()
	}
}

// requireAdmin rejects developer keys and records the attempt as a security event.
func (server *Server) requireAdmin() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal := principalFrom(ctx)
		if !principal.Admin {
			ledger.EmitOperation(ctx.Request.Context(), server.operations, ledger.OperationLog{
				Operation:   operationAdminDenied,
				DeveloperID: principal.DeveloperID,
				Subject:     ctx.Request.Method + " " + ctx.FullPath(),
				Warnings:    []string{"developer key used on an administrative route"},
			})
			server.metrics.ObserveSecurityEvent(securityEventAdmin)
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "administrative key required"))
			return
		}
		ctx.Next()
	}
}

// meterUsage records one usage row per developer request once the handler has answered.
// Metering failures are logged and never change the response.
func (server *Server) meterUsage() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()

		principal := principalFrom(ctx)
		if principal.DeveloperID.IsZero() {
			return
		}
		size := ctx.Writer.Size()
		if size < 0 {
			size = 0
		}
		record := billing.UsageRecord{
			DeveloperID: principal.DeveloperID,
			Endpoint:    ctx.FullPath(),
			StatusCode:  ctx.Writer.Status(),
			DataMB:      decimal.NewFromInt(int64(size)).Div(bytesPerMB).Round(usageDataPlaces),
			ExecutionMs: time.Since(started).Milliseconds(),
		}
		if _, err := server.services.Billing.RecordUsage(ctx.Request.Context(), record); err != nil {
			server.logger.Warn("usage metering failed",
				zap.String("developer_id", principal.DeveloperID.String()),
				zap.String("endpoint", record.Endpoint),
				zap.Error(err),
			)
		}
	}
}

func principalFrom(ctx *gin.Context) auth.Principal {
	value, ok := ctx.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}
