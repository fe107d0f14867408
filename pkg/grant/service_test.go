package grant_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/shopspring/decimal"
)

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) advanceMonths(months int) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.AddDate(0, months, 0)
}

type grantHarness struct {
	store   *gormstore.Store
	grants  *grant.Service
	ledger  *ledger.Service
	clock   *testClock
	context context.Context
}

func newGrantHarness(test *testing.T) grantHarness {
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
	clock := newTestClock()
	ledgerService, err := ledger.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	grantService, err := grant.NewService(store.Grants(), clock.Now)
	if err != nil {
		test.Fatalf("grant service: %v", err)
	}
	return grantHarness{store: store, grants: grantService, ledger: ledgerService, clock: clock, context: ctx}
}

func (harness grantHarness) openAccount(test *testing.T, raw string) ledger.DeveloperID {
	test.Helper()
	developerID, err := ledger.NewDeveloperID(raw)
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	if _, err := harness.ledger.OpenAccount(harness.context, developerID, true); err != nil {
		test.Fatalf("open account: %v", err)
	}
	return developerID
}

func (harness grantHarness) balance(test *testing.T, developerID ledger.DeveloperID) ledger.Points {
	test.Helper()
	account, err := harness.ledger.Balance(harness.context, developerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return account.Balance
}

func TestGrantMilestoneCreditsImmediatePortion(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID := harness.openAccount(test, "dev-immediate")

	granted, err := harness.grants.GrantMilestone(harness.context, grant.Request{
		DeveloperID:   developerID,
		MilestoneName: "First-App",
		TotalPoints:   1000,
		Vesting:       &grant.Vesting{Immediate: 250, MonthlyAmount: 250, DurationMonths: 3},
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if granted.MilestoneName != "first-app" || granted.VestedPoints != 250 || granted.UnvestedPoints != 750 {
		test.Fatalf("unexpected grant: %+v", granted)
	}
	if !granted.Schedule.StartDate.Equal(harness.clock.Now()) {
		test.Fatalf("expected start date to default to now, got %s", granted.Schedule.StartDate)
	}
	if balance := harness.balance(test, developerID); balance != 250 {
		test.Fatalf("expected balance 250, got %d", balance)
	}
	transactions, err := harness.ledger.ListTransactions(harness.context, developerID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Type != ledger.TransactionGrant {
		test.Fatalf("expected one grant transaction, got %+v", transactions)
	}
}

func TestGrantMilestoneUsesCatalogDefaults(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID := harness.openAccount(test, "dev-catalog")

	granted, err := harness.grants.GrantMilestone(harness.context, grant.Request{DeveloperID: developerID, MilestoneName: "novice"})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if granted.TotalPoints != 1000 || granted.VestedPoints != 500 || granted.Schedule.MonthlyAmount != 100 {
		test.Fatalf("unexpected catalog grant: %+v", granted)
	}

	_, err = harness.grants.GrantMilestone(harness.context, grant.Request{DeveloperID: developerID, MilestoneName: "wizard"})
	if !errors.Is(err, grant.ErrUnknownMilestone) {
		test.Fatalf("expected ErrUnknownMilestone, got %v", err)
	}
}

func TestGrantMilestoneRejectsDuplicateWithoutCredit(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID := harness.openAccount(test, "dev-duplicate")

	request := grant.Request{DeveloperID: developerID, MilestoneName: "initial"}
	if _, err := harness.grants.GrantMilestone(harness.context, request); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	_, err := harness.grants.GrantMilestone(harness.context, request)
	if !errors.Is(err, grant.ErrDuplicateMilestone) {
		test.Fatalf("expected ErrDuplicateMilestone, got %v", err)
	}
	if balance := harness.balance(test, developerID); balance != 100 {
		test.Fatalf("expected balance to stay at 100, got %d", balance)
	}
}

func TestGrantMilestoneRollsBackWhenAccountMissing(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID, err := ledger.NewDeveloperID("dev-ghost")
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	_, err = harness.grants.GrantMilestone(harness.context, grant.Request{DeveloperID: developerID, MilestoneName: "initial"})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	grants, err := harness.grants.ListGrants(harness.context, developerID)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(grants) != 0 {
		test.Fatalf("expected no grant rows after rollback, got %d", len(grants))
	}
}

func TestGrantMilestoneWithoutImmediateRequiresActiveAccount(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	inactiveID := harness.openAccount(test, "dev-closed")
	if _, err := harness.ledger.SetAccountStatus(harness.context, inactiveID, false, true); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	unknownID, err := ledger.NewDeveloperID("dev-nobody")
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}

	for _, developerID := range []ledger.DeveloperID{unknownID, inactiveID} {
		_, err := harness.grants.GrantMilestone(harness.context, grant.Request{
			DeveloperID:   developerID,
			MilestoneName: "deferred",
			TotalPoints:   600,
			Vesting:       &grant.Vesting{Immediate: 0, MonthlyAmount: 200, DurationMonths: 3},
		})
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			test.Fatalf("%s: expected ErrAccountNotFound, got %v", developerID, err)
		}
		grants, err := harness.grants.ListGrants(harness.context, developerID)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(grants) != 0 {
			test.Fatalf("%s: expected no grant rows, got %d", developerID, len(grants))
		}
	}
}

func TestGrantMilestoneValidation(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID := harness.openAccount(test, "dev-invalid")

	testCases := []struct {
		name    string
		request grant.Request
		want    error
	}{
		{name: "missing developer", request: grant.Request{MilestoneName: "initial"}, want: ledger.ErrInvalidDeveloperID},
		{name: "missing milestone", request: grant.Request{DeveloperID: developerID, MilestoneName: "  "}, want: grant.ErrInvalidMilestone},
		{
			name: "immediate above total",
			request: grant.Request{DeveloperID: developerID, MilestoneName: "custom", TotalPoints: 100,
				Vesting: &grant.Vesting{Immediate: 101}},
			want: grant.ErrInvalidVesting,
		},
		{
			name: "schedule too short",
			request: grant.Request{DeveloperID: developerID, MilestoneName: "custom", TotalPoints: 1000,
				Vesting: &grant.Vesting{Immediate: 100, MonthlyAmount: 100, DurationMonths: 3}},
			want: grant.ErrInvalidVesting,
		},
		{
			name: "unvested without cadence",
			request: grant.Request{DeveloperID: developerID, MilestoneName: "custom", TotalPoints: 1000,
				Vesting: &grant.Vesting{Immediate: 100}},
			want: grant.ErrInvalidVesting,
		},
	}
	for _, testCase := range testCases {
		_, err := harness.grants.GrantMilestone(harness.context, testCase.request)
		if !errors.Is(err, testCase.want) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, err)
		}
	}
	if balance := harness.balance(test, developerID); balance != 0 {
		test.Fatalf("expected no credit from invalid requests, got %d", balance)
	}
}

func TestReleaseVestedFollowsMonthlySchedule(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	developerID := harness.openAccount(test, "dev-release")

	granted, err := harness.grants.GrantMilestone(harness.context, grant.Request{
		DeveloperID:   developerID,
		MilestoneName: "beta",
		TotalPoints:   500,
		Vesting:       &grant.Vesting{Immediate: 100, MonthlyAmount: 150, DurationMonths: 3},
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}

	if _, err := harness.grants.ReleaseVested(harness.context, granted.ID); !errors.Is(err, grant.ErrNothingToRelease) {
		test.Fatalf("expected ErrNothingToRelease before first month, got %v", err)
	}

	expected := []ledger.Points{150, 150, 100}
	for index, amount := range expected {
		harness.clock.advanceMonths(1)
		release, err := harness.grants.ReleaseVested(harness.context, granted.ID)
		if err != nil {
			test.Fatalf("release %d: %v", index+1, err)
		}
		if release.Amount != amount {
			test.Fatalf("release %d: expected %d, got %d", index+1, amount, release.Amount)
		}
	}
	if balance := harness.balance(test, developerID); balance != 500 {
		test.Fatalf("expected full grant credited, got %d", balance)
	}

	harness.clock.advanceMonths(1)
	if _, err := harness.grants.ReleaseVested(harness.context, granted.ID); !errors.Is(err, grant.ErrNothingToRelease) {
		test.Fatalf("expected ErrNothingToRelease after full vesting, got %v", err)
	}
	if _, err := harness.grants.ReleaseVested(harness.context, "missing"); !errors.Is(err, grant.ErrGrantNotFound) {
		test.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestReleaseDueCatchesUpMissedMonths(test *testing.T) {
	test.Parallel()
	harness := newGrantHarness(test)
	first := harness.openAccount(test, "dev-due-a")
	second := harness.openAccount(test, "dev-due-b")

	for _, developerID := range []ledger.DeveloperID{first, second} {
		if _, err := harness.grants.GrantMilestone(harness.context, grant.Request{DeveloperID: developerID, MilestoneName: "novice"}); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}
	harness.clock.advanceMonths(2)

	report, err := harness.grants.ReleaseDue(harness.context)
	if err != nil {
		test.Fatalf("release due: %v", err)
	}
	if len(report.Releases) != 4 || len(report.Failures) != 0 {
		test.Fatalf("expected four releases and no failures, got %+v", report)
	}
	for _, developerID := range []ledger.DeveloperID{first, second} {
		if balance := harness.balance(test, developerID); balance != 700 {
			test.Fatalf("%s: expected 700, got %d", developerID, balance)
		}
	}

	summary, err := harness.grants.Summarize(harness.context, first)
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.TotalGranted != 1000 || summary.TotalVested != 700 || !summary.PercentageVested.Equal(decimal.NewFromInt(70)) {
		test.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestSummarizeGrantsRoundsPercentage(test *testing.T) {
	test.Parallel()
	summary := grant.SummarizeGrants([]grant.Grant{
		{TotalPoints: 300, VestedPoints: 100, UnvestedPoints: 200},
	})
	if !summary.PercentageVested.Equal(decimal.RequireFromString("33.33")) {
		test.Fatalf("expected 33.33, got %s", summary.PercentageVested)
	}
	if empty := grant.SummarizeGrants(nil); !empty.PercentageVested.IsZero() {
		test.Fatalf("expected zero percentage for no grants, got %s", empty.PercentageVested)
	}
}

func TestMilestonesOrderedByTotal(test *testing.T) {
	test.Parallel()
	milestones := grant.Milestones()
	for index := 1; index < len(milestones); index++ {
		if milestones[index-1].TotalPoints > milestones[index].TotalPoints {
			test.Fatalf("catalog out of order at %d", index)
		}
	}
	if _, ok := grant.LookupMilestone(" Master "); !ok {
		test.Fatalf("expected case-insensitive lookup")
	}
}
