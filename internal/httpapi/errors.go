package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/MarkoPoloResearchLab/points/pkg/transfer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInvalidPayload = errors.New("invalid request payload")

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters only where one sentinel wraps another; none currently do.
var errorMappings = []errorMapping{
	{target: errInvalidPayload, status: http.StatusBadRequest, code: "invalid_payload"},
	{target: ledger.ErrInvalidDeveloperID, status: http.StatusBadRequest, code: "invalid_developer_id"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: ledger.ErrInvalidTransactionType, status: http.StatusBadRequest, code: "invalid_transaction_type"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: "invalid_metadata"},
	{target: ledger.ErrInvalidListLimit, status: http.StatusBadRequest, code: "invalid_limit"},
	{target: grant.ErrInvalidMilestone, status: http.StatusBadRequest, code: "invalid_milestone"},
	{target: grant.ErrUnknownMilestone, status: http.StatusBadRequest, code: "unknown_milestone"},
	{target: grant.ErrInvalidVesting, status: http.StatusBadRequest, code: "invalid_vesting"},
	{target: reserve.ErrInvalidSettings, status: http.StatusBadRequest, code: "invalid_settings"},
	{target: reserve.ErrInvalidPercentage, status: http.StatusBadRequest, code: "invalid_percentage"},
	{target: billing.ErrInvalidPeriod, status: http.StatusBadRequest, code: "invalid_period"},
	{target: billing.ErrInvalidUsage, status: http.StatusBadRequest, code: "invalid_usage"},
	{target: transfer.ErrSelfTransfer, status: http.StatusBadRequest, code: "self_transfer"},
	{target: transfer.ErrRecipientNotEligible, status: http.StatusBadRequest, code: "recipient_not_eligible"},
	{target: auth.ErrInvalidPermission, status: http.StatusBadRequest, code: "invalid_permission"},

	{target: auth.ErrUnauthenticated, status: http.StatusUnauthorized, code: "unauthenticated"},
	{target: transfer.ErrStepUpInvalid, status: http.StatusUnauthorized, code: "step_up_invalid"},
	{target: auth.ErrForbidden, status: http.StatusForbidden, code: "forbidden"},
	{target: transfer.ErrStepUpRequired, status: http.StatusForbidden, code: "step_up_required"},

	{target: ledger.ErrInsufficientBalance, status: http.StatusPaymentRequired, code: "insufficient_balance"},
	{target: reserve.ErrInsufficientReserveBalance, status: http.StatusConflict, code: "insufficient_reserve_balance"},
	{target: reserve.ErrBudgetLimitExceeded, status: http.StatusConflict, code: "budget_limit_exceeded"},

	{target: ledger.ErrAccountExists, status: http.StatusConflict, code: "account_exists"},
	{target: ledger.ErrConcurrentUpdate, status: http.StatusConflict, code: "concurrent_update"},
	{target: grant.ErrDuplicateMilestone, status: http.StatusConflict, code: "duplicate_milestone"},
	{target: grant.ErrNothingToRelease, status: http.StatusConflict, code: "nothing_to_release"},
	{target: reserve.ErrReserveExists, status: http.StatusConflict, code: "reserve_exists"},
	{target: reserve.ErrReserveInactive, status: http.StatusConflict, code: "reserve_inactive"},
	{target: reserve.ErrNoActiveReserves, status: http.StatusConflict, code: "no_active_reserves"},
	{target: billing.ErrAlreadyCalculated, status: http.StatusConflict, code: "already_calculated"},
	{target: billing.ErrNotCalculated, status: http.StatusConflict, code: "not_calculated"},

	{target: ledger.ErrAccountNotFound, status: http.StatusNotFound, code: "account_not_found"},
	{target: grant.ErrGrantNotFound, status: http.StatusNotFound, code: "grant_not_found"},
	{target: reserve.ErrReserveNotFound, status: http.StatusNotFound, code: "reserve_not_found"},
	{target: reserve.ErrRecommendationNotFound, status: http.StatusNotFound, code: "recommendation_not_found"},
	{target: billing.ErrPeriodNotFound, status: http.StatusNotFound, code: "period_not_found"},

	{target: billing.ErrAdvisoryUnavailable, status: http.StatusBadGateway, code: "advisory_unavailable"},
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (server *Server) writeError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		fields := []zap.Field{zap.String("path", ctx.FullPath()), zap.Error(err)}
		var operationError ledger.OperationError
		if errors.As(err, &operationError) {
			fields = append(fields, zap.String("error_code", operationError.Operation()+"."+operationError.Subject()+"."+operationError.Code()))
		}
		server.logger.Error("request failed", fields...)
		message = "internal error"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func (server *Server) abortWithError(ctx *gin.Context, err error) {
	server.writeError(ctx, err)
	ctx.Abort()
}
