package httpapi

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (server *Server) handleCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	account, err := server.services.Ledger.OpenAccount(ctx.Request.Context(), developerID, request.Verified)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, account.Balance)
	respond(ctx, http.StatusCreated, newAccountView(account))
}

func (server *Server) handleAdminAccount(ctx *gin.Context) {
	developerID, err := ledger.NewDeveloperID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	account, err := server.services.Ledger.Balance(ctx.Request.Context(), developerID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, account.Balance)
	respond(ctx, http.StatusOK, newAccountView(account))
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	developerID, err := ledger.NewDeveloperID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	report, err := server.services.Ledger.Reconcile(ctx.Request.Context(), developerID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{
		"developer_id": report.DeveloperID.String(),
		"balance":      report.Balance.Int64(),
		"ledger_sum":   report.LedgerSum.Int64(),
		"consistent":   report.Consistent,
	})
}

func (server *Server) handleAccountStatus(ctx *gin.Context) {
	var request accountStatusRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	current, err := server.services.Ledger.Balance(ctx.Request.Context(), developerID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	active, verified := current.Active, current.Verified
	if request.Active != nil {
		active = *request.Active
	}
	if request.Verified != nil {
		verified = *request.Verified
	}
	account, err := server.services.Ledger.SetAccountStatus(ctx.Request.Context(), developerID, active, verified)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, newAccountView(account))
}

// handleAdjustBalance applies an operator correction straight through the ledger.
func (server *Server) handleAdjustBalance(ctx *gin.Context) {
	var request adjustRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	transactionType, err := ledger.ParseTransactionType(request.Type)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	metadata, err := ledger.MetadataFrom(map[string]any{"source": "admin", "reason": request.Reason})
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	applied, err := server.services.Ledger.ApplyDelta(ctx.Request.Context(), ledger.Delta{
		DeveloperID: developerID,
		Amount:      ledger.Points(request.Amount),
		Type:        transactionType,
		Endpoint:    request.Endpoint,
		Metadata:    metadata,
	})
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, applied.BalanceAfter)
	respond(ctx, http.StatusOK, gin.H{
		"transaction_id": applied.TransactionID,
		"balance_before": applied.BalanceBefore.Int64(),
		"balance_after":  applied.BalanceAfter.Int64(),
	})
}

func (server *Server) handleIssueKey(ctx *gin.Context) {
	var request issueKeyRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	permissions := make([]auth.Permission, 0, len(request.Permissions))
	for _, raw := range request.Permissions {
		permission, err := auth.ParsePermission(raw)
		if err != nil {
			server.writeError(ctx, err)
			return
		}
		permissions = append(permissions, permission)
	}
	rawKey, key, err := server.services.Auth.IssueKey(ctx.Request.Context(), developerID, permissions)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	permissionNames := make([]string, 0, len(key.Permissions))
	for _, permission := range key.Permissions {
		permissionNames = append(permissionNames, string(permission))
	}
	respond(ctx, http.StatusCreated, gin.H{
		"id":           key.ID,
		"api_key":      rawKey,
		"prefix":       key.Prefix,
		"developer_id": key.DeveloperID.String(),
		"permissions":  permissionNames,
	})
}

func (server *Server) handleIssueStepUp(ctx *gin.Context) {
	if server.services.StepUp == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("step_up_disabled", "step-up issuing is not configured"))
		return
	}
	var request stepUpRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ttl := time.Duration(request.TTLSeconds) * time.Second
	token, err := server.services.StepUp.Issue(developerID, ttl)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusCreated, gin.H{"developer_id": developerID.String(), "step_up_token": token})
}

func (server *Server) handleGrantMilestone(ctx *gin.Context) {
	var request grantRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	milestoneRequest := grant.Request{
		DeveloperID:   developerID,
		MilestoneName: request.MilestoneName,
		TotalPoints:   ledger.Points(request.TotalPoints),
		Endpoint:      ctx.FullPath(),
	}
	if request.Vesting != nil {
		milestoneRequest.Vesting = &grant.Vesting{
			Immediate:      ledger.Points(request.Vesting.Immediate),
			MonthlyAmount:  ledger.Points(request.Vesting.MonthlyAmount),
			DurationMonths: request.Vesting.DurationMonths,
			StartDate:      request.Vesting.StartDate,
		}
	}
	created, err := server.services.Grants.GrantMilestone(ctx.Request.Context(), milestoneRequest)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	server.setRemainingFor(ctx, developerID)
	respond(ctx, http.StatusCreated, newGrantView(created))
}

func (server *Server) handleReleaseGrant(ctx *gin.Context) {
	release, err := server.services.Grants.ReleaseVested(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, release.BalanceAfter)
	respond(ctx, http.StatusOK, newReleaseView(release))
}

func (server *Server) handleReleaseDue(ctx *gin.Context) {
	report, err := server.services.Grants.ReleaseDue(ctx.Request.Context())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	releases := make([]releaseView, 0, len(report.Releases))
	for _, release := range report.Releases {
		releases = append(releases, newReleaseView(release))
	}
	respond(ctx, http.StatusOK, gin.H{"releases": releases, "failures": nonNilStrings(report.Failures)})
}

func (server *Server) handleInitializeReserves(ctx *gin.Context) {
	var request developerRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	reserves, err := server.services.Reserves.Initialize(ctx.Request.Context(), developerID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{"reserves": newReserveViews(reserves)})
}

func (server *Server) handleAllocate(ctx *gin.Context) {
	var request allocateRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	shares, err := server.services.Reserves.Allocate(ctx.Request.Context(), reserve.AllocateRequest{
		DeveloperID: developerID,
		TotalAmount: ledger.Points(request.TotalAmount),
		Source:      request.Source,
		Reason:      request.Reason,
	})
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	views := make([]shareView, 0, len(shares))
	for _, share := range shares {
		views = append(views, shareView{
			ReserveID:    share.ReserveID,
			CategoryName: share.CategoryName,
			Percentage:   share.Percentage,
			Amount:       share.Amount.Int64(),
		})
	}
	server.setRemainingFor(ctx, developerID)
	respond(ctx, http.StatusOK, gin.H{"allocations": views, "total_amount": request.TotalAmount})
}

func (server *Server) handleRecordUsage(ctx *gin.Context) {
	var request usageRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	record := billing.UsageRecord{
		DeveloperID:   developerID,
		Endpoint:      request.Endpoint,
		StatusCode:    request.StatusCode,
		DataMB:        request.DataMB,
		ExecutionMs:   request.ExecutionMs,
		PointsCharged: ledger.Points(request.PointsCharged),
	}
	if request.Timestamp != nil {
		record.Timestamp = *request.Timestamp
	}
	receipt, err := server.services.Billing.RecordUsage(ctx.Request.Context(), record)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, receipt.BalanceAfter)
	respond(ctx, http.StatusCreated, gin.H{
		"usage":          newUsageView(receipt.Record),
		"charged":        receipt.Charged,
		"points_charged": receipt.Record.PointsCharged.Int64(),
		"balance_after":  receipt.BalanceAfter.Int64(),
	})
}

func (server *Server) handleCreatePeriod(ctx *gin.Context) {
	var request createPeriodRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	period, err := server.services.Billing.CreatePeriod(ctx.Request.Context(), developerID, request.PeriodStart, request.PeriodEnd)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusCreated, newPeriodView(period))
}

func (server *Server) handleCalculatePeriod(ctx *gin.Context) {
	period, err := server.services.Billing.Calculate(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, newPeriodView(period))
}

func (server *Server) handlePayPeriod(ctx *gin.Context) {
	payment, err := server.services.Billing.Pay(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, payment.BalanceAfter)
	respond(ctx, http.StatusOK, gin.H{
		"period":         newPeriodView(payment.Period),
		"transaction_id": payment.TransactionID,
		"points_charged": payment.Period.FinalCost.Int64(),
		"balance_after":  payment.BalanceAfter.Int64(),
	})
}

func (server *Server) handleRecommendReserves(ctx *gin.Context) {
	var request developerRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	developerID, err := ledger.NewDeveloperID(request.DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	recommendation, err := server.services.Billing.RecommendReserves(ctx.Request.Context(), developerID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusCreated, newRecommendationView(recommendation))
}

// setRemainingFor reads the balance after a write that does not report it.
func (server *Server) setRemainingFor(ctx *gin.Context, developerID ledger.DeveloperID) {
	account, err := server.services.Ledger.Balance(ctx.Request.Context(), developerID)
	if err != nil {
		server.logger.Warn("balance lookup failed", zap.String("developer_id", developerID.String()), zap.Error(err))
		return
	}
	setRemaining(ctx, account.Balance)
}
