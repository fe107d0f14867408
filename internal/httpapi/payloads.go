package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type transferRequest struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	StepUpToken string `json:"step_up_token"`
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	Purpose     string `json:"purpose"`
	Description string `json:"description"`
}

type settingsRequest struct {
	AllocationPercentage *decimal.Decimal `json:"allocation_percentage"`
	BudgetLimit          *int64           `json:"budget_limit"`
	ClearBudgetLimit     bool             `json:"clear_budget_limit"`
	AutoRefillEnabled    *bool            `json:"auto_refill_enabled"`
	AutoRefillThreshold  *int64           `json:"auto_refill_threshold"`
	AutoRefillAmount     *int64           `json:"auto_refill_amount"`
	Active               *bool            `json:"active"`
}

func (request settingsRequest) settings() reserve.Settings {
	return reserve.Settings{
		AllocationPercentage: request.AllocationPercentage,
		BudgetLimit:          pointsPointer(request.BudgetLimit),
		ClearBudgetLimit:     request.ClearBudgetLimit,
		AutoRefillEnabled:    request.AutoRefillEnabled,
		AutoRefillThreshold:  pointsPointer(request.AutoRefillThreshold),
		AutoRefillAmount:     pointsPointer(request.AutoRefillAmount),
		Active:               request.Active,
	}
}

type createAccountRequest struct {
	DeveloperID string `json:"developer_id"`
	Verified    bool   `json:"verified"`
}

type accountStatusRequest struct {
	Active   *bool `json:"active"`
	Verified *bool `json:"verified"`
}

type issueKeyRequest struct {
	DeveloperID string   `json:"developer_id"`
	Permissions []string `json:"permissions"`
}

type stepUpRequest struct {
	DeveloperID string `json:"developer_id"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type vestingPayload struct {
	Immediate      int64     `json:"immediate"`
	MonthlyAmount  int64     `json:"monthly_amount"`
	DurationMonths int       `json:"duration_months"`
	StartDate      time.Time `json:"start_date"`
}

type grantRequest struct {
	DeveloperID   string          `json:"developer_id"`
	MilestoneName string          `json:"milestone_name"`
	TotalPoints   int64           `json:"total_points"`
	Vesting       *vestingPayload `json:"vesting"`
}

type developerRequest struct {
	DeveloperID string `json:"developer_id"`
}

type allocateRequest struct {
	DeveloperID string `json:"developer_id"`
	TotalAmount int64  `json:"total_amount"`
	Source      string `json:"source"`
	Reason      string `json:"reason"`
}

type adjustRequest struct {
	Amount   int64  `json:"amount"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
}

type usageRequest struct {
	DeveloperID   string          `json:"developer_id"`
	Endpoint      string          `json:"endpoint"`
	StatusCode    int             `json:"status_code"`
	DataMB        decimal.Decimal `json:"data_mb"`
	ExecutionMs   int64           `json:"execution_ms"`
	PointsCharged int64           `json:"points_charged"`
	Timestamp     *time.Time      `json:"timestamp"`
}

type createPeriodRequest struct {
	DeveloperID string    `json:"developer_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type accountView struct {
	DeveloperID string    `json:"developer_id"`
	Balance     int64     `json:"balance"`
	Active      bool      `json:"active"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

func newAccountView(account ledger.Account) accountView {
	return accountView{
		DeveloperID: account.DeveloperID.String(),
		Balance:     account.Balance.Int64(),
		Active:      account.Active,
		Verified:    account.Verified,
		CreatedAt:   account.CreatedAt,
	}
}

type transactionView struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newTransactionViews(transactions []ledger.Transaction) []transactionView {
	views := make([]transactionView, 0, len(transactions))
	for _, transaction := range transactions {
		views = append(views, transactionView{
			ID:            transaction.ID,
			Type:          transaction.Type.String(),
			Amount:        transaction.Amount.Int64(),
			BalanceBefore: transaction.BalanceBefore.Int64(),
			BalanceAfter:  transaction.BalanceAfter.Int64(),
			Endpoint:      transaction.Endpoint,
			Metadata:      json.RawMessage(transaction.Metadata.String()),
			CreatedAt:     transaction.CreatedAt,
		})
	}
	return views
}

type grantView struct {
	ID                string     `json:"id"`
	MilestoneName     string     `json:"milestone_name"`
	TotalPoints       int64      `json:"total_points"`
	VestedPoints      int64      `json:"vested_points"`
	UnvestedPoints    int64      `json:"unvested_points"`
	ImmediatePoints   int64      `json:"immediate_points"`
	MonthlyAmount     int64      `json:"monthly_amount"`
	DurationMonths    int        `json:"duration_months"`
	ReleasesMade      int        `json:"releases_made"`
	NextReleaseAt     *time.Time `json:"next_release_at,omitempty"`
	NextReleaseAmount int64      `json:"next_release_amount"`
	CreatedAt         time.Time  `json:"created_at"`
}

func newGrantView(value grant.Grant) grantView {
	view := grantView{
		ID:              value.ID,
		MilestoneName:   value.MilestoneName,
		TotalPoints:     value.TotalPoints.Int64(),
		VestedPoints:    value.VestedPoints.Int64(),
		UnvestedPoints:  value.UnvestedPoints.Int64(),
		ImmediatePoints: value.Schedule.Immediate.Int64(),
		MonthlyAmount:   value.Schedule.MonthlyAmount.Int64(),
		DurationMonths:  value.Schedule.DurationMonths,
		ReleasesMade:    value.ReleasesMade,
		CreatedAt:       value.CreatedAt,
	}
	if value.UnvestedPoints > 0 {
		nextReleaseAt := value.NextReleaseAt()
		view.NextReleaseAt = &nextReleaseAt
		view.NextReleaseAmount = value.NextReleaseAmount().Int64()
	}
	return view
}

type summaryView struct {
	TotalGranted     int64           `json:"total_granted"`
	TotalVested      int64           `json:"total_vested"`
	TotalUnvested    int64           `json:"total_unvested"`
	PercentageVested decimal.Decimal `json:"percentage_vested"`
}

type releaseView struct {
	Grant         grantView `json:"grant"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	TransactionID string    `json:"transaction_id"`
}

func newReleaseView(release grant.Release) releaseView {
	return releaseView{
		Grant:         newGrantView(release.Grant),
		Amount:        release.Amount.Int64(),
		BalanceAfter:  release.BalanceAfter.Int64(),
		TransactionID: release.TransactionID,
	}
}

type reserveView struct {
	ID                   string          `json:"id"`
	CategoryName         string          `json:"category_name"`
	Balance              int64           `json:"balance"`
	TotalAllocated       int64           `json:"total_allocated"`
	TotalSpent           int64           `json:"total_spent"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	BudgetLimit          *int64          `json:"budget_limit"`
	AutoRefillEnabled    bool            `json:"auto_refill_enabled"`
	AutoRefillThreshold  int64           `json:"auto_refill_threshold"`
	AutoRefillAmount     int64           `json:"auto_refill_amount"`
	Active               bool            `json:"active"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func newReserveView(value reserve.Reserve) reserveView {
	view := reserveView{
		ID:                   value.ID,
		CategoryName:         value.CategoryName,
		Balance:              value.Balance.Int64(),
		TotalAllocated:       value.TotalAllocated.Int64(),
		TotalSpent:           value.TotalSpent.Int64(),
		AllocationPercentage: value.AllocationPercentage,
		AutoRefillEnabled:    value.AutoRefillEnabled,
		AutoRefillThreshold:  value.AutoRefillThreshold.Int64(),
		AutoRefillAmount:     value.AutoRefillAmount.Int64(),
		Active:               value.Active,
		UpdatedAt:            value.UpdatedAt,
	}
	if value.BudgetLimit != nil {
		limit := value.BudgetLimit.Int64()
		view.BudgetLimit = &limit
	}
	return view
}

func newReserveViews(reserves []reserve.Reserve) []reserveView {
	views := make([]reserveView, 0, len(reserves))
	for _, value := range reserves {
		views = append(views, newReserveView(value))
	}
	return views
}

type shareView struct {
	ReserveID    string          `json:"reserve_id"`
	CategoryName string          `json:"category_name"`
	Percentage   decimal.Decimal `json:"percentage"`
	Amount       int64           `json:"amount"`
}

type reserveTransactionView struct {
	ID            string    `json:"id"`
	ReserveID     string    `json:"reserve_id"`
	Kind          string    `json:"kind"`
	Purpose       string    `json:"purpose,omitempty"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type allocationView struct {
	ID           string          `json:"id"`
	ReserveID    string          `json:"reserve_id"`
	CategoryName string          `json:"category_name"`
	Amount       int64           `json:"amount"`
	Percentage   decimal.Decimal `json:"percentage"`
	Source       string          `json:"source"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newHistoryView(history reserve.History) gin.H {
	transactions := make([]reserveTransactionView, 0, len(history.Transactions))
	for _, transaction := range history.Transactions {
		transactions = append(transactions, reserveTransactionView{
			ID:            transaction.ID,
			ReserveID:     transaction.ReserveID,
			Kind:          transaction.Kind.String(),
			Purpose:       transaction.Purpose,
			Amount:        transaction.Amount.Int64(),
			BalanceBefore: transaction.BalanceBefore.Int64(),
			BalanceAfter:  transaction.BalanceAfter.Int64(),
			Description:   transaction.Description,
			CreatedAt:     transaction.CreatedAt,
		})
	}
	allocations := make([]allocationView, 0, len(history.Allocations))
	for _, allocation := range history.Allocations {
		allocations = append(allocations, allocationView{
			ID:           allocation.ID,
			ReserveID:    allocation.ReserveID,
			CategoryName: allocation.CategoryName,
			Amount:       allocation.Amount.Int64(),
			Percentage:   allocation.Percentage,
			Source:       allocation.Source,
			Reason:       allocation.Reason,
			CreatedAt:    allocation.CreatedAt,
		})
	}
	return gin.H{"transactions": transactions, "allocations": allocations}
}

type recommendationView struct {
	ID          string                     `json:"id"`
	Percentages map[string]decimal.Decimal `json:"percentages"`
	Reasoning   string                     `json:"reasoning"`
	Applied     bool                       `json:"applied"`
	AppliedAt   *time.Time                 `json:"applied_at,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
}

func newRecommendationView(recommendation reserve.Recommendation) recommendationView {
	return recommendationView{
		ID:          recommendation.ID,
		Percentages: recommendation.Percentages,
		Reasoning:   recommendation.Reasoning,
		Applied:     recommendation.Applied,
		AppliedAt:   recommendation.AppliedAt,
		CreatedAt:   recommendation.CreatedAt,
	}
}

type periodView struct {
	ID               string          `json:"id"`
	DeveloperID      string          `json:"developer_id"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	Status           string          `json:"status"`
	TotalRequests    int64           `json:"total_requests"`
	TotalDataMB      decimal.Decimal `json:"total_data_mb"`
	TotalExecutionMs int64           `json:"total_execution_ms"`
	BaseCost         int64           `json:"base_cost"`
	AdjustmentFactor decimal.Decimal `json:"adjustment_factor"`
	FinalCost        int64           `json:"final_cost"`
	Reasoning        string          `json:"reasoning,omitempty"`
	RecommendedTier  string          `json:"recommended_tier,omitempty"`
	Encouragement    string          `json:"encouragement,omitempty"`
	AdvisoryFallback bool            `json:"advisory_fallback"`
	CalculatedAt     *time.Time      `json:"calculated_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
}

func newPeriodView(period billing.Period) periodView {
	return periodView{
		ID:               period.ID,
		DeveloperID:      period.DeveloperID.String(),
		PeriodStart:      period.PeriodStart,
		PeriodEnd:        period.PeriodEnd,
		Status:           period.Status.String(),
		TotalRequests:    period.TotalRequests,
		TotalDataMB:      period.TotalDataMB,
		TotalExecutionMs: period.TotalExecutionMs,
		BaseCost:         period.BaseCost.Int64(),
		AdjustmentFactor: period.AdjustmentFactor,
		FinalCost:        period.FinalCost.Int64(),
		Reasoning:        period.Reasoning,
		RecommendedTier:  period.RecommendedTier,
		Encouragement:    period.Encouragement,
		AdvisoryFallback: period.AdvisoryFallback,
		CalculatedAt:     period.CalculatedAt,
		PaidAt:           period.PaidAt,
	}
}

type usageView struct {
	ID            string          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	StatusCode    int             `json:"status_code"`
	DataMB        decimal.Decimal `json:"data_mb"`
	ExecutionMs   int64           `json:"execution_ms"`
	PointsCharged int64           `json:"points_charged"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newUsageView(record billing.UsageRecord) usageView {
	return usageView{
		ID:            record.ID,
		Endpoint:      record.Endpoint,
		StatusCode:    record.StatusCode,
		DataMB:        record.DataMB,
		ExecutionMs:   record.ExecutionMs,
		PointsCharged: record.PointsCharged.Int64(),
		Timestamp:     record.Timestamp,
	}
}

func pointsPointer(value *int64) *ledger.Points {
	if value == nil {
		return nil
	}
	points := ledger.Points(*value)
	return &points
}
