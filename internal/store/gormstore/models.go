package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	DeveloperID string    `gorm:"primaryKey;size:128"`
	Balance     int64     `gorm:"not null"`
	Active      bool      `gorm:"not null"`
	Verified    bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the append-only points_transactions table.
type Transaction struct {
	ID            string         `gorm:"primaryKey;size:36"`
	DeveloperID   string         `gorm:"size:128;not null;index:idx_transactions_developer_created,priority:1"`
	Type          string         `gorm:"size:32;not null"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Endpoint      string         `gorm:"size:255"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_developer_created,priority:2"`
}

func (Transaction) TableName() string { return "points_transactions" }

// Grant mirrors the grants table.
type Grant struct {
	ID             string    `gorm:"primaryKey;size:36"`
	DeveloperID    string    `gorm:"size:128;not null;uniqueIndex:idx_grants_developer_milestone,priority:1"`
	MilestoneName  string    `gorm:"size:64;not null;uniqueIndex:idx_grants_developer_milestone,priority:2"`
	TotalPoints    int64     `gorm:"not null"`
	VestedPoints   int64     `gorm:"not null"`
	UnvestedPoints int64     `gorm:"not null;index"`
	Immediate      int64     `gorm:"not null"`
	MonthlyAmount  int64     `gorm:"not null"`
	DurationMonths int       `gorm:"not null"`
	StartDate      time.Time `gorm:"not null"`
	ReleasesMade   int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Grant) TableName() string { return "grants" }

// ReserveCategory mirrors the reserve_categories catalog.
type ReserveCategory struct {
	Name                        string          `gorm:"primaryKey;size:64"`
	DisplayName                 string          `gorm:"size:128;not null"`
	Description                 string          `gorm:"size:512"`
	DefaultAllocationPercentage decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	Active                      bool            `gorm:"not null"`
}

func (ReserveCategory) TableName() string { return "reserve_categories" }

// Reserve mirrors the developer_reserves table.
type Reserve struct {
	ID                   string          `gorm:"primaryKey;size:36"`
	DeveloperID          string          `gorm:"size:128;not null;uniqueIndex:idx_reserves_developer_category,priority:1"`
	CategoryName         string          `gorm:"size:64;not null;uniqueIndex:idx_reserves_developer_category,priority:2"`
	Balance              int64           `gorm:"not null"`
	TotalAllocated       int64           `gorm:"not null"`
	TotalSpent           int64           `gorm:"not null"`
	AllocationPercentage decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	BudgetLimit          *int64
	AutoRefillEnabled    bool      `gorm:"not null"`
	AutoRefillThreshold  int64     `gorm:"not null"`
	AutoRefillAmount     int64     `gorm:"not null"`
	Active               bool      `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Reserve) TableName() string { return "developer_reserves" }

// ReserveAllocation mirrors the reserve_allocations table.
type ReserveAllocation struct {
	ID           string          `gorm:"primaryKey;size:36"`
	DeveloperID  string          `gorm:"size:128;not null;index:idx_allocations_developer_created,priority:1"`
	ReserveID    string          `gorm:"size:36;not null;index"`
	CategoryName string          `gorm:"size:64;not null"`
	Amount       int64           `gorm:"not null"`
	Percentage   decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	Source       string          `gorm:"size:64;not null"`
	Reason       string          `gorm:"size:512"`
	CreatedAt    time.Time       `gorm:"not null;index:idx_allocations_developer_created,priority:2"`
}

func (ReserveAllocation) TableName() string { return "reserve_allocations" }

// ReserveTransaction mirrors the reserve_transactions table.
type ReserveTransaction struct {
	ID            string    `gorm:"primaryKey;size:36"`
	DeveloperID   string    `gorm:"size:128;not null;index:idx_reserve_transactions_developer_created,priority:1"`
	ReserveID     string    `gorm:"size:36;not null;index"`
	Kind          string    `gorm:"size:16;not null"`
	Purpose       string    `gorm:"size:64;not null"`
	Amount        int64     `gorm:"not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Description   string    `gorm:"size:512"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reserve_transactions_developer_created,priority:2"`
}

func (ReserveTransaction) TableName() string { return "reserve_transactions" }

// ReserveRecommendation mirrors the reserve_recommendations table.
type ReserveRecommendation struct {
	ID          string         `gorm:"primaryKey;size:36"`
	DeveloperID string         `gorm:"size:128;not null;index:idx_recommendations_developer_created,priority:1"`
	Percentages datatypes.JSON `gorm:"type:jsonb;not null"`
	Reasoning   string         `gorm:"type:text"`
	Applied     bool           `gorm:"not null"`
	AppliedAt   *time.Time
	CreatedAt   time.Time `gorm:"not null;index:idx_recommendations_developer_created,priority:2"`
}

func (ReserveRecommendation) TableName() string { return "reserve_recommendations" }

// UsageRecord mirrors the api_usage table.
type UsageRecord struct {
	ID            string          `gorm:"primaryKey;size:36"`
	DeveloperID   string          `gorm:"size:128;not null;index:idx_usage_developer_timestamp,priority:1"`
	Endpoint      string          `gorm:"size:255;not null"`
	StatusCode    int             `gorm:"not null"`
	DataMB        decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	ExecutionMs   int64           `gorm:"not null"`
	PointsCharged int64           `gorm:"not null"`
	Timestamp     time.Time       `gorm:"not null;index:idx_usage_developer_timestamp,priority:2"`
}

func (UsageRecord) TableName() string { return "api_usage" }

// BillingPeriod mirrors the billing_periods table.
type BillingPeriod struct {
	ID               string          `gorm:"primaryKey;size:36"`
	DeveloperID      string          `gorm:"size:128;not null;index:idx_periods_developer_start,priority:1"`
	PeriodStart      time.Time       `gorm:"not null;index:idx_periods_developer_start,priority:2"`
	PeriodEnd        time.Time       `gorm:"not null"`
	TotalRequests    int64           `gorm:"not null"`
	TotalDataMB      decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	TotalExecutionMs int64           `gorm:"not null"`
	BaseCost         int64           `gorm:"not null"`
	AdjustmentFactor decimal.Decimal `gorm:"type:numeric(8,4);not null"`
	FinalCost        int64           `gorm:"not null"`
	Reasoning        string          `gorm:"type:text"`
	RecommendedTier  string          `gorm:"size:64"`
	Encouragement    string          `gorm:"type:text"`
	AdvisoryFallback bool            `gorm:"not null"`
	Status           string          `gorm:"size:16;not null;index"`
	CalculatedAt     *time.Time
	PaidAt           *time.Time
	CreatedAt        time.Time `gorm:"not null"`
}

func (BillingPeriod) TableName() string { return "billing_periods" }

// APIKey mirrors the api_keys table. Only the SHA-256 hash of a key is stored.
type APIKey struct {
	ID          string         `gorm:"primaryKey;size:36"`
	DeveloperID string         `gorm:"size:128;not null;index"`
	Prefix      string         `gorm:"size:16;not null"`
	KeyHash     string         `gorm:"size:64;not null;uniqueIndex"`
	Permissions datatypes.JSON `gorm:"type:jsonb;not null"`
	Active      bool           `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	LastUsedAt  *time.Time
}

func (APIKey) TableName() string { return "api_keys" }

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{
		&Account{},
		&Transaction{},
		&Grant{},
		&ReserveCategory{},
		&Reserve{},
		&ReserveAllocation{},
		&ReserveTransaction{},
		&ReserveRecommendation{},
		&UsageRecord{},
		&BillingPeriod{},
		&APIKey{},
	}
}
