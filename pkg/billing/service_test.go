package billing_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/shopspring/decimal"
)

var errAdvisorDown = errors.New("advisor down")

type fakeAdvisor struct {
	billing  func(ctx context.Context, summary billing.UsageSummary) (billing.Advice, error)
	reserves func(ctx context.Context, input billing.ReserveContext) (billing.ReserveAdvice, error)
}

func (advisor fakeAdvisor) AdviseBilling(ctx context.Context, summary billing.UsageSummary) (billing.Advice, error) {
	if advisor.billing == nil {
		return billing.Advice{AdjustmentFactor: 1}, nil
	}
	return advisor.billing(ctx, summary)
}

func (advisor fakeAdvisor) AdviseReserves(ctx context.Context, input billing.ReserveContext) (billing.ReserveAdvice, error) {
	if advisor.reserves == nil {
		return billing.ReserveAdvice{}, errAdvisorDown
	}
	return advisor.reserves(ctx, input)
}

func factorAdvisor(factor float64) fakeAdvisor {
	return fakeAdvisor{billing: func(context.Context, billing.UsageSummary) (billing.Advice, error) {
		return billing.Advice{AdjustmentFactor: factor, Reasoning: "steady usage", RecommendedTier: "growth", Encouragement: "keep going"}, nil
	}}
}

type recordingLogger struct {
	mutex   sync.Mutex
	entries []ledger.OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) find(operation string) (ledger.OperationLog, bool) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			return entry, true
		}
	}
	return ledger.OperationLog{}, false
}

func fixedClock() time.Time {
	return time.Date(2025, time.May, 20, 15, 0, 0, 0, time.UTC)
}

type billingHarness struct {
	store   *gormstore.Store
	ledger  *ledger.Service
	context context.Context
}

func newBillingHarness(test *testing.T) billingHarness {
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
	return billingHarness{store: store, ledger: ledgerService, context: ctx}
}

func (harness billingHarness) service(test *testing.T, advisor billing.Advisor, options ...billing.ServiceOption) *billing.Service {
	test.Helper()
	service, err := billing.NewService(harness.store.Billing(), advisor, fixedClock, options...)
	if err != nil {
		test.Fatalf("billing service: %v", err)
	}
	return service
}

func (harness billingHarness) openAccount(test *testing.T, raw string, balance ledger.Points) ledger.DeveloperID {
	test.Helper()
	developerID, err := ledger.NewDeveloperID(raw)
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	if _, err := harness.ledger.OpenAccount(harness.context, developerID, true); err != nil {
		test.Fatalf("open account: %v", err)
	}
	harness.fund(test, developerID, balance)
	return developerID
}

func (harness billingHarness) fund(test *testing.T, developerID ledger.DeveloperID, amount ledger.Points) {
	test.Helper()
	if amount == 0 {
		return
	}
	if _, err := harness.ledger.ApplyDelta(harness.context, ledger.Delta{DeveloperID: developerID, Amount: amount, Type: ledger.TransactionGrant}); err != nil {
		test.Fatalf("fund: %v", err)
	}
}

func (harness billingHarness) balance(test *testing.T, developerID ledger.DeveloperID) ledger.Points {
	test.Helper()
	account, err := harness.ledger.Balance(harness.context, developerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return account.Balance
}

// seedPeriod records three calls worth a base cost of 7 points and opens a period around them.
func (harness billingHarness) seedPeriod(test *testing.T, service *billing.Service, developerID ledger.DeveloperID) billing.Period {
	test.Helper()
	for index := 0; index < 3; index++ {
		_, err := service.RecordUsage(harness.context, billing.UsageRecord{
			DeveloperID: developerID,
			Endpoint:    "/v1/poems",
			StatusCode:  200,
			DataMB:      decimal.NewFromInt(10),
			ExecutionMs: 20_000,
			Timestamp:   fixedClock().Add(-time.Duration(index+1) * time.Minute),
		})
		if err != nil {
			test.Fatalf("record usage: %v", err)
		}
	}
	period, err := service.CreatePeriod(harness.context, developerID, fixedClock().Add(-time.Hour), fixedClock().Add(time.Hour))
	if err != nil {
		test.Fatalf("create period: %v", err)
	}
	return period
}

func TestCalculateAppliesClampedAdvisoryFactor(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		factor    float64
		wantCost  ledger.Points
		wantRatio string
	}{
		{name: "within range", factor: 1.2, wantCost: 8, wantRatio: "1.2"},
		{name: "above range", factor: 3, wantCost: 11, wantRatio: "1.5"},
		{name: "below range", factor: 0.1, wantCost: 4, wantRatio: "0.5"},
	}
	for _, testCase := range testCases {
		harness := newBillingHarness(test)
		service := harness.service(test, factorAdvisor(testCase.factor))
		developerID := harness.openAccount(test, "dev-clamp", 0)
		period := harness.seedPeriod(test, service, developerID)

		calculated, err := service.Calculate(harness.context, period.ID)
		if err != nil {
			test.Fatalf("%s: calculate: %v", testCase.name, err)
		}
		if calculated.BaseCost != 7 || calculated.FinalCost != testCase.wantCost {
			test.Fatalf("%s: expected base 7 and final %d, got %d and %d", testCase.name, testCase.wantCost, calculated.BaseCost, calculated.FinalCost)
		}
		if !calculated.AdjustmentFactor.Equal(decimal.RequireFromString(testCase.wantRatio)) || calculated.AdvisoryFallback {
			test.Fatalf("%s: unexpected factor %s (fallback %v)", testCase.name, calculated.AdjustmentFactor, calculated.AdvisoryFallback)
		}
		if calculated.Status != billing.StatusCalculated || calculated.TotalRequests != 3 || calculated.RecommendedTier != "growth" {
			test.Fatalf("%s: unexpected period: %+v", testCase.name, calculated)
		}
	}
}

func TestCalculateFallsBackWhenAdvisorFails(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		advisor fakeAdvisor
		options []billing.ServiceOption
	}{
		{
			name: "advisor error",
			advisor: fakeAdvisor{billing: func(context.Context, billing.UsageSummary) (billing.Advice, error) {
				return billing.Advice{}, errAdvisorDown
			}},
		},
		{name: "not a number", advisor: factorAdvisor(math.NaN())},
		{
			name: "timeout",
			advisor: fakeAdvisor{billing: func(ctx context.Context, _ billing.UsageSummary) (billing.Advice, error) {
				<-ctx.Done()
				return billing.Advice{}, ctx.Err()
			}},
			options: []billing.ServiceOption{billing.WithAdvisoryTimeout(10 * time.Millisecond)},
		},
		{
			name: "panic",
			advisor: fakeAdvisor{billing: func(context.Context, billing.UsageSummary) (billing.Advice, error) {
				panic("boom")
			}},
		},
	}
	for _, testCase := range testCases {
		harness := newBillingHarness(test)
		logger := &recordingLogger{}
		options := append([]billing.ServiceOption{billing.WithOperationLogger(logger)}, testCase.options...)
		service := harness.service(test, testCase.advisor, options...)
		developerID := harness.openAccount(test, "dev-fallback", 0)
		period := harness.seedPeriod(test, service, developerID)

		calculated, err := service.Calculate(harness.context, period.ID)
		if err != nil {
			test.Fatalf("%s: calculate: %v", testCase.name, err)
		}
		if !calculated.AdvisoryFallback || !calculated.AdjustmentFactor.Equal(decimal.NewFromInt(1)) || calculated.FinalCost != 7 {
			test.Fatalf("%s: expected neutral fallback, got %+v", testCase.name, calculated)
		}
		if calculated.Reasoning == "" {
			test.Fatalf("%s: expected fallback reasoning", testCase.name)
		}
		entry, ok := logger.find("billing.calculate")
		if !ok || entry.Status != billing.OperationStatusFallback || len(entry.Warnings) != 1 {
			test.Fatalf("%s: expected fallback log entry, got %+v", testCase.name, entry)
		}
	}
}

func TestCalculateRejectsNonPendingPeriods(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	service := harness.service(test, factorAdvisor(1))
	developerID := harness.openAccount(test, "dev-twice", 0)
	period := harness.seedPeriod(test, service, developerID)

	if _, err := service.Calculate(harness.context, period.ID); err != nil {
		test.Fatalf("calculate: %v", err)
	}
	if _, err := service.Calculate(harness.context, period.ID); !errors.Is(err, billing.ErrAlreadyCalculated) {
		test.Fatalf("expected ErrAlreadyCalculated, got %v", err)
	}
	if _, err := service.Calculate(harness.context, "missing"); !errors.Is(err, billing.ErrPeriodNotFound) {
		test.Fatalf("expected ErrPeriodNotFound, got %v", err)
	}
}

func TestPayMovesCalculatedPeriodToPaid(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	service := harness.service(test, factorAdvisor(1))
	developerID := harness.openAccount(test, "dev-pay", 5)
	period := harness.seedPeriod(test, service, developerID)

	if _, err := service.Pay(harness.context, period.ID); !errors.Is(err, billing.ErrNotCalculated) {
		test.Fatalf("expected ErrNotCalculated for pending period, got %v", err)
	}
	if _, err := service.Calculate(harness.context, period.ID); err != nil {
		test.Fatalf("calculate: %v", err)
	}
	if _, err := service.Pay(harness.context, period.ID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stored, err := harness.store.Billing().GetPeriod(harness.context, period.ID)
	if err != nil {
		test.Fatalf("get period: %v", err)
	}
	if stored.Status != billing.StatusCalculated {
		test.Fatalf("expected period to stay calculated, got %s", stored.Status)
	}

	harness.fund(test, developerID, 10)
	payment, err := service.Pay(harness.context, period.ID)
	if err != nil {
		test.Fatalf("pay: %v", err)
	}
	if payment.Period.Status != billing.StatusPaid || payment.BalanceAfter != 8 || payment.TransactionID == "" {
		test.Fatalf("unexpected payment: %+v", payment)
	}
	if _, err := service.Pay(harness.context, period.ID); !errors.Is(err, billing.ErrNotCalculated) {
		test.Fatalf("expected ErrNotCalculated for paid period, got %v", err)
	}
	if balance := harness.balance(test, developerID); balance != 8 {
		test.Fatalf("expected single debit, balance %d", balance)
	}
}

func TestPayZeroCostPeriodWritesNoTransaction(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	service := harness.service(test, factorAdvisor(1.4))
	developerID := harness.openAccount(test, "dev-free", 0)
	period, err := service.CreatePeriod(harness.context, developerID, fixedClock().Add(-time.Hour), fixedClock())
	if err != nil {
		test.Fatalf("create period: %v", err)
	}
	if _, err := service.Calculate(harness.context, period.ID); err != nil {
		test.Fatalf("calculate: %v", err)
	}
	payment, err := service.Pay(harness.context, period.ID)
	if err != nil {
		test.Fatalf("pay: %v", err)
	}
	if payment.Period.Status != billing.StatusPaid || payment.TransactionID != "" {
		test.Fatalf("unexpected zero-cost payment: %+v", payment)
	}
	transactions, err := harness.ledger.ListTransactions(harness.context, developerID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 0 {
		test.Fatalf("expected no ledger rows, got %d", len(transactions))
	}
}

func TestCreatePeriodValidation(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	service := harness.service(test, factorAdvisor(1))
	developerID := harness.openAccount(test, "dev-period", 0)

	if _, err := service.CreatePeriod(harness.context, developerID, fixedClock(), fixedClock()); !errors.Is(err, billing.ErrInvalidPeriod) {
		test.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
	ghost := mustDeveloperID(test, "dev-ghost")
	if _, err := service.CreatePeriod(harness.context, ghost, fixedClock().Add(-time.Hour), fixedClock()); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestRecordUsageChargesLedger(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	service := harness.service(test, factorAdvisor(1))
	developerID := harness.openAccount(test, "dev-usage", 10)

	receipt, err := service.RecordUsage(harness.context, billing.UsageRecord{
		DeveloperID:   developerID,
		Endpoint:      "/v1/poems",
		StatusCode:    200,
		DataMB:        decimal.RequireFromString("0.5"),
		PointsCharged: 4,
	})
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	if !receipt.Charged || receipt.BalanceAfter != 6 {
		test.Fatalf("unexpected receipt: %+v", receipt)
	}
	transactions, err := harness.ledger.ListTransactions(harness.context, developerID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	var charges int
	for _, transaction := range transactions {
		if transaction.Type == ledger.TransactionAPICall {
			charges++
			if transaction.Endpoint != "/v1/poems" || transaction.Amount != -4 {
				test.Fatalf("unexpected charge transaction: %+v", transaction)
			}
		}
	}
	if charges != 1 {
		test.Fatalf("expected one api_call transaction, got %d", charges)
	}

	_, err = service.RecordUsage(harness.context, billing.UsageRecord{DeveloperID: developerID, Endpoint: "/v1/poems", StatusCode: 200, DataMB: decimal.Zero, PointsCharged: 7})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	usage, err := service.ListUsage(harness.context, developerID, fixedClock().Add(-time.Hour), time.Time{}, 10)
	if err != nil {
		test.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 {
		test.Fatalf("expected the rejected call to leave no usage row, got %d", len(usage))
	}

	if _, err := service.RecordUsage(harness.context, billing.UsageRecord{DeveloperID: developerID, Endpoint: "/v1/poems", StatusCode: 99}); !errors.Is(err, billing.ErrInvalidUsage) {
		test.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
}

func TestRecommendReserves(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	reserves, err := reserve.NewService(harness.store.Reserves(), fixedClock)
	if err != nil {
		test.Fatalf("reserve service: %v", err)
	}
	developerID := harness.openAccount(test, "dev-recommend", 0)
	if _, err := reserves.Initialize(harness.context, developerID); err != nil {
		test.Fatalf("initialize: %v", err)
	}

	failing := harness.service(test, fakeAdvisor{}, billing.WithReserveDirectory(reserves))
	if _, err := failing.RecommendReserves(harness.context, developerID); !errors.Is(err, billing.ErrAdvisoryUnavailable) {
		test.Fatalf("expected ErrAdvisoryUnavailable, got %v", err)
	}
	if _, err := reserves.LatestRecommendation(harness.context, developerID); !errors.Is(err, reserve.ErrRecommendationNotFound) {
		test.Fatalf("expected nothing stored after advisor failure, got %v", err)
	}

	var seenReserves int
	working := harness.service(test, fakeAdvisor{reserves: func(_ context.Context, input billing.ReserveContext) (billing.ReserveAdvice, error) {
		seenReserves = len(input.Reserves)
		return billing.ReserveAdvice{
			Percentages: map[string]decimal.Decimal{"api_usage": decimal.NewFromInt(50), "emergency": decimal.NewFromInt(20)},
			Reasoning:   "api heavy",
		}, nil
	}}, billing.WithReserveDirectory(reserves))
	recommendation, err := working.RecommendReserves(harness.context, developerID)
	if err != nil {
		test.Fatalf("recommend: %v", err)
	}
	if seenReserves != 4 || recommendation.Applied || !recommendation.Percentages["api_usage"].Equal(decimal.NewFromInt(50)) {
		test.Fatalf("unexpected recommendation: %+v (saw %d reserves)", recommendation, seenReserves)
	}

	unwired := harness.service(test, fakeAdvisor{})
	if _, err := unwired.RecommendReserves(harness.context, developerID); !errors.Is(err, billing.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	harness := newBillingHarness(test)
	if _, err := billing.NewService(nil, fakeAdvisor{}, fixedClock); !errors.Is(err, billing.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := billing.NewService(harness.store.Billing(), nil, fixedClock); !errors.Is(err, billing.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil advisor, got %v", err)
	}
}
