package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/shopspring/decimal"
)

// Status is the billing period state. Transitions only go pending → calculated → paid.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCalculated Status = "calculated"
	StatusPaid       Status = "paid"
)

// String returns the raw status value.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a raw status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusPending:
		return StatusPending, nil
	case StatusCalculated:
		return StatusCalculated, nil
	case StatusPaid:
		return StatusPaid, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPeriod, raw)
	}
}

// Period is a bounded window of usage billed as one unit.
type Period struct {
	ID               string
	DeveloperID      ledger.DeveloperID
	PeriodStart      time.Time
	PeriodEnd        time.Time
	TotalRequests    int64
	TotalDataMB      decimal.Decimal
	TotalExecutionMs int64
	BaseCost         ledger.Points
	AdjustmentFactor decimal.Decimal
	FinalCost        ledger.Points
	Reasoning        string
	RecommendedTier  string
	Encouragement    string
	AdvisoryFallback bool
	Status           Status
	CalculatedAt     *time.Time
	PaidAt           *time.Time
	CreatedAt        time.Time
}

// UsageRecord is one metered API call.
type UsageRecord struct {
	ID            string
	DeveloperID   ledger.DeveloperID
	Endpoint      string
	StatusCode    int
	DataMB        decimal.Decimal
	ExecutionMs   int64
	PointsCharged ledger.Points
	Timestamp     time.Time
}

// UsageReceipt reports a recorded usage row and the balance after its charge, if any.
type UsageReceipt struct {
	Record       UsageRecord
	Charged      bool
	BalanceAfter ledger.Points
}

// UsageSummary is the usage shape handed to the advisor.
type UsageSummary struct {
	DeveloperID        ledger.DeveloperID
	PeriodStart        time.Time
	PeriodEnd          time.Time
	TotalRequests      int64
	TotalDataMB        decimal.Decimal
	TotalExecutionMs   int64
	ErrorCount         int64
	EndpointCounts     map[string]int64
	PeakHours          []int
	AverageExecutionMs decimal.Decimal
	AccountAgeDays     int
	BaseCost           ledger.Points
}

// Advice is the advisor's billing verdict.
type Advice struct {
	AdjustmentFactor float64
	Reasoning        string
	RecommendedTier  string
	Encouragement    string
}

// ReserveContext is the input for a reserve recommendation.
type ReserveContext struct {
	Usage    UsageSummary
	Reserves []reserve.Reserve
}

// ReserveAdvice proposes percentages per category.
type ReserveAdvice struct {
	Percentages map[string]decimal.Decimal
	Reasoning   string
}

// Advisor is the external cost-advisory dependency. Implementations must honor ctx deadlines.
type Advisor interface {
	AdviseBilling(ctx context.Context, summary UsageSummary) (Advice, error)
	AdviseReserves(ctx context.Context, input ReserveContext) (ReserveAdvice, error)
}

// ReserveDirectory is the part of the reserve allocator billing depends on.
type ReserveDirectory interface {
	ListReserves(ctx context.Context, developerID ledger.DeveloperID) ([]reserve.Reserve, error)
	RecordRecommendation(ctx context.Context, developerID ledger.DeveloperID, percentages map[string]decimal.Decimal, reasoning string) (reserve.Recommendation, error)
}

// Payment reports a settled period.
type Payment struct {
	Period        Period
	TransactionID string
	BalanceAfter  ledger.Points
}

// Store is the persistence contract used by Service.
type Store interface {
	ledger.AccountStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error)
	InsertPeriod(ctx context.Context, period Period) error
	// GetPeriod returns the period or ErrPeriodNotFound.
	GetPeriod(ctx context.Context, periodID string) (Period, error)
	LockPeriod(ctx context.Context, periodID string) (Period, error)
	// MarkCalculated stores the calculation only while the period is still pending and fails with
	// ErrAlreadyCalculated otherwise.
	MarkCalculated(ctx context.Context, period Period) error
	// MarkPaid moves a calculated period to paid and fails with ErrNotCalculated otherwise.
	MarkPaid(ctx context.Context, periodID string, paidAt time.Time) error
	ListPeriods(ctx context.Context, developerID ledger.DeveloperID, limit int) ([]Period, error)
	InsertUsage(ctx context.Context, record UsageRecord) error
	// ListUsage returns usage in [from, to) newest first; a zero limit returns every row.
	ListUsage(ctx context.Context, developerID ledger.DeveloperID, from time.Time, to time.Time, limit int) ([]UsageRecord, error)
}
