package httpapi

import (
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/MarkoPoloResearchLab/points/pkg/transfer"
	"github.com/gin-gonic/gin"
)

func (server *Server) handleBalance(ctx *gin.Context) {
	account, err := server.services.Ledger.Balance(ctx.Request.Context(), principalFrom(ctx).DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, account.Balance)
	respond(ctx, http.StatusOK, newAccountView(account))
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	limit, err := queryLimit(ctx)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	before, err := queryTime(ctx, "before")
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	transactions, err := server.services.Ledger.ListTransactions(ctx.Request.Context(), principalFrom(ctx).DeveloperID, before, limit)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{"transactions": newTransactionViews(transactions)})
}

func (server *Server) handleGrants(ctx *gin.Context) {
	grants, err := server.services.Grants.ListGrants(ctx.Request.Context(), principalFrom(ctx).DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	views := make([]grantView, 0, len(grants))
	for _, value := range grants {
		views = append(views, newGrantView(value))
	}
	summary := grant.SummarizeGrants(grants)
	respond(ctx, http.StatusOK, gin.H{
		"grants": views,
		"summary": summaryView{
			TotalGranted:     summary.TotalGranted.Int64(),
			TotalVested:      summary.TotalVested.Int64(),
			TotalUnvested:    summary.TotalUnvested.Int64(),
			PercentageVested: summary.PercentageVested,
		},
	})
}

func (server *Server) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	recipient, err := ledger.NewDeveloperID(request.RecipientID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	token := strings.TrimSpace(request.StepUpToken)
	if token == "" {
		token = strings.TrimSpace(ctx.GetHeader(headerStepUpToken))
	}
	result, err := server.services.Transfers.Transfer(ctx.Request.Context(), transfer.Request{
		Sender:      principalFrom(ctx).DeveloperID,
		Recipient:   recipient,
		Amount:      ledger.Points(request.Amount),
		Reason:      request.Reason,
		StepUpToken: token,
		Endpoint:    ctx.FullPath(),
	})
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	setRemaining(ctx, result.NewSenderBalance)
	respond(ctx, http.StatusOK, gin.H{
		"transfer_id":        result.TransferID,
		"recipient_id":       recipient.String(),
		"amount":             request.Amount,
		"new_sender_balance": result.NewSenderBalance.Int64(),
	})
}

func (server *Server) handleListReserves(ctx *gin.Context) {
	reserves, err := server.services.Reserves.ListReserves(ctx.Request.Context(), principalFrom(ctx).DeveloperID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{"reserves": newReserveViews(reserves)})
}

func (server *Server) handleReserveHistory(ctx *gin.Context) {
	limit, err := queryLimit(ctx)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	history, err := server.services.Reserves.History(ctx.Request.Context(), principalFrom(ctx).DeveloperID, strings.TrimSpace(ctx.Query("reserve_id")), limit)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, newHistoryView(history))
}

func (server *Server) handleReserveSpend(ctx *gin.Context) {
	var request spendRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	result, err := server.services.Reserves.Spend(ctx.Request.Context(), reserve.SpendRequest{
		DeveloperID: principalFrom(ctx).DeveloperID,
		ReserveID:   ctx.Param("id"),
		Amount:      ledger.Points(request.Amount),
		Purpose:     request.Purpose,
		Description: request.Description,
	})
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{
		"reserve":       newReserveView(result.Reserve),
		"new_balance":   result.NewBalance.Int64(),
		"refilled":      result.Refilled,
		"refill_amount": result.RefillAmount.Int64(),
		"warnings":      nonNilStrings(result.Warnings),
	})
}

func (server *Server) handleReserveSettings(ctx *gin.Context) {
	var request settingsRequest
	if err := bindJSON(ctx, &request); err != nil {
		server.writeError(ctx, err)
		return
	}
	result, err := server.services.Reserves.UpdateSettings(ctx.Request.Context(), principalFrom(ctx).DeveloperID, ctx.Param("id"), request.settings())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{
		"reserve":  newReserveView(result.Reserve),
		"warnings": nonNilStrings(result.Warnings),
	})
}

func (server *Server) handleApplyRecommendation(ctx *gin.Context) {
	result, err := server.services.Reserves.ApplyRecommendation(ctx.Request.Context(), principalFrom(ctx).DeveloperID, ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	respond(ctx, http.StatusOK, gin.H{
		"recommendation":  newRecommendationView(result.Recommendation),
		"updated":         newReserveViews(result.Updated),
		"already_applied": result.AlreadyApplied,
	})
}

func (server *Server) handleListPeriods(ctx *gin.Context) {
	limit, err := queryLimit(ctx)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	periods, err := server.services.Billing.ListPeriods(ctx.Request.Context(), principalFrom(ctx).DeveloperID, limit)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	views := make([]periodView, 0, len(periods))
	for _, period := range periods {
		views = append(views, newPeriodView(period))
	}
	respond(ctx, http.StatusOK, gin.H{"periods": views})
}

func (server *Server) handleListUsage(ctx *gin.Context) {
	limit, err := queryLimit(ctx)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	from, err := queryTime(ctx, "from")
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	to, err := queryTime(ctx, "to")
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	records, err := server.services.Billing.ListUsage(ctx.Request.Context(), principalFrom(ctx).DeveloperID, from, to, limit)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	views := make([]usageView, 0, len(records))
	for _, record := range records {
		views = append(views, newUsageView(record))
	}
	respond(ctx, http.StatusOK, gin.H{"usage": views})
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
