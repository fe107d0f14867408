package reserve_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/shopspring/decimal"
)

type reserveHarness struct {
	reserves *reserve.Service
	ledger   *ledger.Service
	context  context.Context
}

func fixedClock() time.Time {
	return time.Date(2025, time.April, 2, 10, 0, 0, 0, time.UTC)
}

func newReserveHarness(test *testing.T) reserveHarness {
	test.Helper()
	ctx := context.Background()
	db, cleanup, _, err := gormstore.Open(ctx, ":memory:")
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })
	if err := gormstore.Migrate(ctx, db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	ledgerService, err := ledger.NewService(store, fixedClock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	reserveService, err := reserve.NewService(store.Reserves(), fixedClock)
	if err != nil {
		test.Fatalf("reserve service: %v", err)
	}
	return reserveHarness{reserves: reserveService, ledger: ledgerService, context: ctx}
}

func (harness reserveHarness) fundedDeveloper(test *testing.T, raw string, balance ledger.Points) ledger.DeveloperID {
	test.Helper()
	developerID, err := ledger.NewDeveloperID(raw)
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	if _, err := harness.ledger.OpenAccount(harness.context, developerID, true); err != nil {
		test.Fatalf("open account: %v", err)
	}
	if balance > 0 {
		if _, err := harness.ledger.ApplyDelta(harness.context, ledger.Delta{DeveloperID: developerID, Amount: balance, Type: ledger.TransactionGrant}); err != nil {
			test.Fatalf("fund: %v", err)
		}
	}
	if _, err := harness.reserves.Initialize(harness.context, developerID); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	return developerID
}

func (harness reserveHarness) reserveFor(test *testing.T, developerID ledger.DeveloperID, category string) reserve.Reserve {
	test.Helper()
	reserves, err := harness.reserves.ListReserves(harness.context, developerID)
	if err != nil {
		test.Fatalf("list reserves: %v", err)
	}
	for _, value := range reserves {
		if value.CategoryName == category {
			return value
		}
	}
	test.Fatalf("reserve %s not found", category)
	return reserve.Reserve{}
}

func (harness reserveHarness) mainBalance(test *testing.T, developerID ledger.DeveloperID) ledger.Points {
	test.Helper()
	account, err := harness.ledger.Balance(harness.context, developerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return account.Balance
}

func pointsPointer(value ledger.Points) *ledger.Points {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}

func TestInitializeIsIdempotent(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-init", 0)

	reserves, err := harness.reserves.Initialize(harness.context, developerID)
	if err != nil {
		test.Fatalf("second initialize: %v", err)
	}
	if len(reserves) != 4 {
		test.Fatalf("expected 4 reserves, got %d", len(reserves))
	}
	for _, value := range reserves {
		if !value.Active || value.Balance != 0 {
			test.Fatalf("unexpected fresh reserve: %+v", value)
		}
	}
}

func TestInitializeRequiresActiveAccount(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	unknownID, err := ledger.NewDeveloperID("dev-unknown")
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	inactiveID := harness.fundedDeveloper(test, "dev-inactive", 0)
	if _, err := harness.ledger.SetAccountStatus(harness.context, inactiveID, false, true); err != nil {
		test.Fatalf("deactivate: %v", err)
	}

	if _, err := harness.reserves.Initialize(harness.context, unknownID); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for unknown developer, got %v", err)
	}
	reserves, err := harness.reserves.ListReserves(harness.context, unknownID)
	if err != nil {
		test.Fatalf("list reserves: %v", err)
	}
	if len(reserves) != 0 {
		test.Fatalf("expected no reserves for unknown developer, got %d", len(reserves))
	}
	if _, err := harness.reserves.Initialize(harness.context, inactiveID); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for inactive developer, got %v", err)
	}
}

func TestAllocateDebitsMainAccountAndSplits(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-allocate", 150)

	shares, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 100, Reason: "monthly"})
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if len(shares) != 4 {
		test.Fatalf("expected 4 shares, got %d", len(shares))
	}
	if balance := harness.mainBalance(test, developerID); balance != 50 {
		test.Fatalf("expected main balance 50, got %d", balance)
	}
	apiUsage := harness.reserveFor(test, developerID, "api_usage")
	if apiUsage.Balance != 40 || apiUsage.TotalAllocated != 40 {
		test.Fatalf("unexpected api_usage reserve: %+v", apiUsage)
	}
	history, err := harness.reserves.History(harness.context, developerID, "", 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history.Allocations) != 4 || len(history.Transactions) != 4 {
		test.Fatalf("expected 4 allocations and transactions, got %d and %d", len(history.Allocations), len(history.Transactions))
	}
}

func TestAllocateRejectsInsufficientMainBalance(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-poor", 10)

	_, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 11})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance := harness.mainBalance(test, developerID); balance != 10 {
		test.Fatalf("expected untouched main balance, got %d", balance)
	}
}

func TestAllocateSkipsInactiveReserves(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-inactive", 100)
	emergency := harness.reserveFor(test, developerID, "emergency")
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, emergency.ID, reserve.Settings{Active: boolPointer(false)}); err != nil {
		test.Fatalf("deactivate: %v", err)
	}

	shares, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 90})
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	var sum ledger.Points
	for _, share := range shares {
		if share.CategoryName == "emergency" {
			test.Fatalf("inactive reserve received a share")
		}
		sum += share.Amount
	}
	if sum != 90 {
		test.Fatalf("expected shares to sum to 90, got %d", sum)
	}
	if harness.reserveFor(test, developerID, "api_usage").Balance != 40 {
		test.Fatalf("expected normalized api_usage share of 40")
	}
}

func TestSpendValidatesReserveState(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-spend", 100)
	if _, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 100}); err != nil {
		test.Fatalf("allocate: %v", err)
	}
	development := harness.reserveFor(test, developerID, "development")
	emergency := harness.reserveFor(test, developerID, "emergency")
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, emergency.ID, reserve.Settings{Active: boolPointer(false)}); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, development.ID, reserve.Settings{BudgetLimit: pointsPointer(15)}); err != nil {
		test.Fatalf("budget: %v", err)
	}

	testCases := []struct {
		name    string
		request reserve.SpendRequest
		want    error
	}{
		{name: "zero amount", request: reserve.SpendRequest{DeveloperID: developerID, ReserveID: development.ID}, want: ledger.ErrInvalidAmount},
		{name: "unknown reserve", request: reserve.SpendRequest{DeveloperID: developerID, ReserveID: "missing", Amount: 1}, want: reserve.ErrReserveNotFound},
		{name: "inactive reserve", request: reserve.SpendRequest{DeveloperID: developerID, ReserveID: emergency.ID, Amount: 1}, want: reserve.ErrReserveInactive},
		{name: "over balance", request: reserve.SpendRequest{DeveloperID: developerID, ReserveID: development.ID, Amount: 21}, want: reserve.ErrInsufficientReserveBalance},
		{name: "over budget", request: reserve.SpendRequest{DeveloperID: developerID, ReserveID: development.ID, Amount: 16}, want: reserve.ErrBudgetLimitExceeded},
	}
	for _, testCase := range testCases {
		_, err := harness.reserves.Spend(harness.context, testCase.request)
		if !errors.Is(err, testCase.want) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, err)
		}
	}

	result, err := harness.reserves.Spend(harness.context, reserve.SpendRequest{DeveloperID: developerID, ReserveID: development.ID, Amount: 15, Purpose: "ci_minutes"})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if result.NewBalance != 5 || result.Refilled || len(result.Warnings) != 0 {
		test.Fatalf("unexpected spend result: %+v", result)
	}
	history, err := harness.reserves.History(harness.context, developerID, development.ID, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	var spends []reserve.Transaction
	for _, transaction := range history.Transactions {
		if transaction.Kind == reserve.KindSpend {
			spends = append(spends, transaction)
		}
	}
	if len(spends) != 1 || spends[0].Purpose != "ci_minutes" || spends[0].Amount != -15 || spends[0].BalanceAfter != 5 {
		test.Fatalf("unexpected spend transactions: %+v", spends)
	}
}

func TestSpendAutoRefillsFromMainAccount(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-refill", 200)
	if _, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 100}); err != nil {
		test.Fatalf("allocate: %v", err)
	}
	apiUsage := harness.reserveFor(test, developerID, "api_usage")
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{
		AutoRefillEnabled:   boolPointer(true),
		AutoRefillThreshold: pointsPointer(10),
		AutoRefillAmount:    pointsPointer(25),
	}); err != nil {
		test.Fatalf("settings: %v", err)
	}

	result, err := harness.reserves.Spend(harness.context, reserve.SpendRequest{DeveloperID: developerID, ReserveID: apiUsage.ID, Amount: 35})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if !result.Refilled || result.RefillAmount != 25 || result.NewBalance != 30 {
		test.Fatalf("unexpected refill result: %+v", result)
	}
	if balance := harness.mainBalance(test, developerID); balance != 75 {
		test.Fatalf("expected main balance 75 after refill, got %d", balance)
	}
}

func TestSpendKeepsSpendWhenRefillFails(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-refill-fail", 100)
	if _, err := harness.reserves.Allocate(harness.context, reserve.AllocateRequest{DeveloperID: developerID, TotalAmount: 100}); err != nil {
		test.Fatalf("allocate: %v", err)
	}
	apiUsage := harness.reserveFor(test, developerID, "api_usage")
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{
		AutoRefillEnabled:   boolPointer(true),
		AutoRefillThreshold: pointsPointer(10),
		AutoRefillAmount:    pointsPointer(25),
	}); err != nil {
		test.Fatalf("settings: %v", err)
	}

	result, err := harness.reserves.Spend(harness.context, reserve.SpendRequest{DeveloperID: developerID, ReserveID: apiUsage.ID, Amount: 35})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if result.Refilled || result.NewBalance != 5 {
		test.Fatalf("expected committed spend without refill, got %+v", result)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "auto-refill failed") {
		test.Fatalf("expected refill warning, got %v", result.Warnings)
	}
	if harness.reserveFor(test, developerID, "api_usage").Balance != 5 {
		test.Fatalf("expected stored reserve balance 5")
	}
}

func TestUpdateSettingsWarnsAboveOneHundredPercent(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-settings", 0)
	apiUsage := harness.reserveFor(test, developerID, "api_usage")

	percentage := decimal.NewFromInt(60)
	result, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{AllocationPercentage: &percentage})
	if err != nil {
		test.Fatalf("update: %v", err)
	}
	if len(result.Warnings) != 1 {
		test.Fatalf("expected one warning, got %v", result.Warnings)
	}
	if harness.reserveFor(test, developerID, "infrastructure").AllocationPercentage.Cmp(decimal.NewFromInt(30)) != 0 {
		test.Fatalf("sibling reserve must stay untouched")
	}

	invalid := decimal.NewFromInt(101)
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{AllocationPercentage: &invalid}); !errors.Is(err, reserve.ErrInvalidPercentage) {
		test.Fatalf("expected ErrInvalidPercentage, got %v", err)
	}
	if _, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{AutoRefillAmount: pointsPointer(-1)}); !errors.Is(err, reserve.ErrInvalidSettings) {
		test.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	limited, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{BudgetLimit: pointsPointer(10)})
	if err != nil || limited.Reserve.BudgetLimit == nil {
		test.Fatalf("expected budget limit set, got %+v, %v", limited, err)
	}
	cleared, err := harness.reserves.UpdateSettings(harness.context, developerID, apiUsage.ID, reserve.Settings{ClearBudgetLimit: true})
	if err != nil || cleared.Reserve.BudgetLimit != nil {
		test.Fatalf("expected budget limit cleared, got %+v, %v", cleared, err)
	}
}

func TestApplyRecommendationOnlyOnce(test *testing.T) {
	test.Parallel()
	harness := newReserveHarness(test)
	developerID := harness.fundedDeveloper(test, "dev-recommend", 0)

	recommendation, err := harness.reserves.RecordRecommendation(harness.context, developerID, map[string]decimal.Decimal{
		"api_usage": decimal.NewFromInt(55),
		"emergency": decimal.NewFromInt(5),
		"marketing": decimal.NewFromInt(40),
	}, "usage is api heavy")
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	latest, err := harness.reserves.LatestRecommendation(harness.context, developerID)
	if err != nil || latest.ID != recommendation.ID {
		test.Fatalf("expected latest recommendation %s, got %+v, %v", recommendation.ID, latest, err)
	}

	applied, err := harness.reserves.ApplyRecommendation(harness.context, developerID, recommendation.ID)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if applied.AlreadyApplied || len(applied.Updated) != 2 {
		test.Fatalf("expected two updated reserves, got %+v", applied)
	}
	if !harness.reserveFor(test, developerID, "api_usage").AllocationPercentage.Equal(decimal.NewFromInt(55)) {
		test.Fatalf("expected api_usage at 55%%")
	}

	again, err := harness.reserves.ApplyRecommendation(harness.context, developerID, recommendation.ID)
	if err != nil {
		test.Fatalf("second apply: %v", err)
	}
	if !again.AlreadyApplied || len(again.Updated) != 0 {
		test.Fatalf("expected no-op second apply, got %+v", again)
	}

	if _, err := harness.reserves.RecordRecommendation(harness.context, developerID, map[string]decimal.Decimal{"api_usage": decimal.NewFromInt(-1)}, ""); !errors.Is(err, reserve.ErrInvalidPercentage) {
		test.Fatalf("expected ErrInvalidPercentage, got %v", err)
	}
}
