package reserve

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/shopspring/decimal"
)

// TransactionKind enumerates reserve-level movements.
type TransactionKind string

const (
	KindAllocation TransactionKind = "allocation"
	KindSpend      TransactionKind = "spend"
	KindRefill     TransactionKind = "refill"
)

// String returns the raw kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Category is a catalog entry seeded at migration time.
type Category struct {
	Name                        string
	DisplayName                 string
	Description                 string
	DefaultAllocationPercentage decimal.Decimal
	Active                      bool
}

// DefaultCategories is the seed catalog.
func DefaultCategories() []Category {
	return []Category{
		{Name: "api_usage", DisplayName: "API Usage", Description: "Metered API calls and billing", DefaultAllocationPercentage: decimal.NewFromInt(40), Active: true},
		{Name: "infrastructure", DisplayName: "Infrastructure", Description: "Hosting, storage and bandwidth", DefaultAllocationPercentage: decimal.NewFromInt(30), Active: true},
		{Name: "development", DisplayName: "Development", Description: "Tooling and feature work", DefaultAllocationPercentage: decimal.NewFromInt(20), Active: true},
		{Name: "emergency", DisplayName: "Emergency", Description: "Buffer for unexpected spend", DefaultAllocationPercentage: decimal.NewFromInt(10), Active: true},
	}
}

// Reserve is an earmarked sub-balance of one developer for one category.
type Reserve struct {
	ID                   string
	DeveloperID          ledger.DeveloperID
	CategoryName         string
	Balance              ledger.Points
	TotalAllocated       ledger.Points
	TotalSpent           ledger.Points
	AllocationPercentage decimal.Decimal
	BudgetLimit          *ledger.Points
	AutoRefillEnabled    bool
	AutoRefillThreshold  ledger.Points
	AutoRefillAmount     ledger.Points
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Allocation records one category's share of an allocate call.
type Allocation struct {
	ID           string
	DeveloperID  ledger.DeveloperID
	ReserveID    string
	CategoryName string
	Amount       ledger.Points
	Percentage   decimal.Decimal
	Source       string
	Reason       string
	CreatedAt    time.Time
}

// Transaction is a reserve-level log line.
type Transaction struct {
	ID            string
	DeveloperID   ledger.DeveloperID
	ReserveID     string
	Kind          TransactionKind
	Purpose       string
	Amount        ledger.Points
	BalanceBefore ledger.Points
	BalanceAfter  ledger.Points
	Description   string
	CreatedAt     time.Time
}

// Recommendation is a non-binding percentage proposal per category.
type Recommendation struct {
	ID          string
	DeveloperID ledger.DeveloperID
	Percentages map[string]decimal.Decimal
	Reasoning   string
	Applied     bool
	AppliedAt   *time.Time
	CreatedAt   time.Time
}

// AllocationShare is one category's part of an allocation.
type AllocationShare struct {
	ReserveID    string
	CategoryName string
	Percentage   decimal.Decimal
	Amount       ledger.Points
}

// AllocateRequest moves points from the main account into reserves.
type AllocateRequest struct {
	DeveloperID ledger.DeveloperID
	TotalAmount ledger.Points
	Source      string
	Reason      string
}

// SpendRequest draws points from a reserve.
type SpendRequest struct {
	DeveloperID ledger.DeveloperID
	ReserveID   string
	Amount      ledger.Points
	Purpose     string
	Description string
}

// SpendResult reports a committed spend and the outcome of the refill attempt.
type SpendResult struct {
	Reserve      Reserve
	NewBalance   ledger.Points
	Refilled     bool
	RefillAmount ledger.Points
	Warnings     []string
}

// Settings is a partial update; nil fields are left unchanged.
type Settings struct {
	AllocationPercentage *decimal.Decimal
	BudgetLimit          *ledger.Points
	ClearBudgetLimit     bool
	AutoRefillEnabled    *bool
	AutoRefillThreshold  *ledger.Points
	AutoRefillAmount     *ledger.Points
	Active               *bool
}

// UpdateResult reports the updated reserve and any non-fatal warnings.
type UpdateResult struct {
	Reserve  Reserve
	Warnings []string
}

// ApplyResult reports the reserves touched by a recommendation.
type ApplyResult struct {
	Recommendation Recommendation
	Updated        []Reserve
	AlreadyApplied bool
}

// History is the reserve activity of a developer.
type History struct {
	Transactions []Transaction
	Allocations  []Allocation
}

// Store is the persistence contract used by Service.
type Store interface {
	ledger.AccountStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ListCategories(ctx context.Context) ([]Category, error)
	// InsertReserve fails with ErrReserveExists when the (developer, category) pair exists.
	InsertReserve(ctx context.Context, reserve Reserve) error
	// ListReserves returns the developer's reserves ordered by category name.
	ListReserves(ctx context.Context, developerID ledger.DeveloperID) ([]Reserve, error)
	// LockReserves is ListReserves holding write locks.
	LockReserves(ctx context.Context, developerID ledger.DeveloperID) ([]Reserve, error)
	// LockReserve returns one reserve holding a write lock, or ErrReserveNotFound.
	LockReserve(ctx context.Context, developerID ledger.DeveloperID, reserveID string) (Reserve, error)
	UpdateReserve(ctx context.Context, reserve Reserve) error
	InsertAllocation(ctx context.Context, allocation Allocation) error
	InsertReserveTransaction(ctx context.Context, transaction Transaction) error
	// ListReserveTransactions lists newest first; an empty reserveID means all reserves.
	ListReserveTransactions(ctx context.Context, developerID ledger.DeveloperID, reserveID string, limit int) ([]Transaction, error)
	ListAllocations(ctx context.Context, developerID ledger.DeveloperID, reserveID string, limit int) ([]Allocation, error)
	InsertRecommendation(ctx context.Context, recommendation Recommendation) error
	// LatestRecommendation returns the newest recommendation or ErrRecommendationNotFound.
	LatestRecommendation(ctx context.Context, developerID ledger.DeveloperID) (Recommendation, error)
	LockRecommendation(ctx context.Context, developerID ledger.DeveloperID, recommendationID string) (Recommendation, error)
	MarkRecommendationApplied(ctx context.Context, recommendationID string, appliedAt time.Time) error
}
