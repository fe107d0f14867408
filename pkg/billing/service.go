package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/google/uuid"
)

const (
	operationCreatePeriod      = "billing.create_period"
	operationCalculate         = "billing.calculate"
	operationPay               = "billing.pay"
	operationRecordUsage       = "billing.record_usage"
	operationRecommendReserves = "billing.recommend_reserves"
	// OperationStatusFallback marks a calculation that used the neutral factor.
	OperationStatusFallback = "fallback"
	defaultAdvisoryTimeout  = 10 * time.Second
	defaultApplyAttempts    = 3
	recommendationLookback  = 30 * 24 * time.Hour
	fallbackReasoning       = "Cost advisory unavailable; standard rate applied."
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRates overrides the default price schedule.
func WithRates(rates Rates) ServiceOption {
	return func(service *Service) {
		service.rates = rates
	}
}

// WithAdvisoryTimeout bounds each advisor call.
func WithAdvisoryTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.advisoryTimeout = timeout
		}
	}
}

// WithReserveDirectory enables reserve recommendations.
func WithReserveDirectory(reserves ReserveDirectory) ServiceOption {
	return func(service *Service) {
		service.reserves = reserves
	}
}

// Service prices usage periods and settles them against the ledger.
type Service struct {
	store           Store
	advisor         Advisor
	reserves        ReserveDirectory
	clock           func() time.Time
	logger          ledger.OperationLogger
	rates           Rates
	advisoryTimeout time.Duration
	attempts        int
}

// NewService wires a Service.
func NewService(store Store, advisor Advisor, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if advisor == nil {
		return nil, fmt.Errorf("%w: advisor dependency is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		advisor:         advisor,
		clock:           clock,
		rates:           DefaultRates(),
		advisoryTimeout: defaultAdvisoryTimeout,
		attempts:        defaultApplyAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreatePeriod opens a pending period over [start, end).
func (service *Service) CreatePeriod(ctx context.Context, developerID ledger.DeveloperID, start time.Time, end time.Time) (Period, error) {
	if developerID.IsZero() {
		return Period{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if !end.After(start) {
		return Period{}, fmt.Errorf("%w: end must be after start", ErrInvalidPeriod)
	}
	period := Period{
		ID:          uuid.NewString(),
		DeveloperID: developerID,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Status:      StatusPending,
		CreatedAt:   service.clock().UTC(),
	}
	operationError := func() error {
		if _, err := service.store.GetAccount(ctx, developerID); err != nil {
			return err
		}
		return service.store.InsertPeriod(ctx, period)
	}()
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationCreatePeriod,
		DeveloperID: developerID,
		Subject:     period.ID,
		Error:       operationError,
	})
	if operationError != nil {
		return Period{}, operationError
	}
	return period, nil
}

// Calculate prices a pending period. Usage aggregation and the advisor call happen outside the
// database transaction; the pending → calculated transition is a conditional write, so of two
// concurrent calculations only one is stored.
func (service *Service) Calculate(ctx context.Context, periodID string) (Period, error) {
	period, err := service.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusPending {
		return Period{}, fmt.Errorf("%w: status %s", ErrAlreadyCalculated, period.Status)
	}
	account, err := service.store.GetAccount(ctx, period.DeveloperID)
	if err != nil {
		return Period{}, err
	}
	records, err := service.store.ListUsage(ctx, period.DeveloperID, period.PeriodStart, period.PeriodEnd, 0)
	if err != nil {
		return Period{}, err
	}
	summary := Summarize(period.DeveloperID, period.PeriodStart, period.PeriodEnd, records, account.CreatedAt, service.rates)

	advice, advisoryErr := service.adviseBilling(ctx, summary)
	factor, finite := ClampFactor(advice.AdjustmentFactor)
	fallback := advisoryErr != nil || !finite
	if fallback {
		factor = neutralAdjustmentFactor
		advice = Advice{Reasoning: fallbackReasoning}
	}

	now := service.clock().UTC()
	period.TotalRequests = summary.TotalRequests
	period.TotalDataMB = summary.TotalDataMB
	period.TotalExecutionMs = summary.TotalExecutionMs
	period.BaseCost = summary.BaseCost
	period.AdjustmentFactor = factor
	period.FinalCost = FinalCost(summary.BaseCost, factor)
	period.Reasoning = advice.Reasoning
	period.RecommendedTier = advice.RecommendedTier
	period.Encouragement = advice.Encouragement
	period.AdvisoryFallback = fallback
	period.Status = StatusCalculated
	period.CalculatedAt = &now

	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.MarkCalculated(ctx, period)
	})
	entry := ledger.OperationLog{
		Operation:   operationCalculate,
		DeveloperID: period.DeveloperID,
		Subject:     period.ID,
		Amount:      period.FinalCost,
		Error:       operationError,
	}
	if operationError == nil && fallback {
		entry.Status = OperationStatusFallback
		if advisoryErr != nil {
			entry.Warnings = []string{advisoryErr.Error()}
		} else {
			entry.Warnings = []string{"advisory factor was not a finite number"}
		}
	}
	ledger.EmitOperation(ctx, service.logger, entry)
	if operationError != nil {
		return Period{}, operationError
	}
	return period, nil
}

func (service *Service) adviseBilling(ctx context.Context, summary UsageSummary) (advice Advice, err error) {
	advisoryCtx, cancel := context.WithTimeout(ctx, service.advisoryTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: advisor panic: %v", ErrAdvisoryUnavailable, recovered)
		}
	}()
	return service.advisor.AdviseBilling(advisoryCtx, summary)
}

// Pay debits the final cost of a calculated period and marks it paid in one transaction.
// There is no partial payment: an insufficient balance leaves the period calculated.
func (service *Service) Pay(ctx context.Context, periodID string) (Payment, error) {
	var payment Payment
	operationError := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			period, err := transactionStore.LockPeriod(ctx, periodID)
			if err != nil {
				return err
			}
			if period.Status != StatusCalculated {
				return fmt.Errorf("%w: status %s", ErrNotCalculated, period.Status)
			}
			now := service.clock().UTC()
			payment = Payment{}
			if period.FinalCost > 0 {
				metadata, err := ledger.MetadataFrom(map[string]any{
					"billing_period_id": period.ID,
					"period_start":      period.PeriodStart.Format(time.RFC3339),
					"period_end":        period.PeriodEnd.Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				applied, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
					DeveloperID: period.DeveloperID,
					Amount:      period.FinalCost.Negated(),
					Type:        ledger.TransactionBilling,
					Metadata:    metadata,
				}, now)
				if err != nil {
					return err
				}
				payment.TransactionID = applied.TransactionID
				payment.BalanceAfter = applied.BalanceAfter
			} else {
				account, err := transactionStore.LockAccount(ctx, period.DeveloperID)
				if err != nil {
					return err
				}
				payment.BalanceAfter = account.Balance
			}
			if err := transactionStore.MarkPaid(ctx, period.ID, now); err != nil {
				return err
			}
			period.Status = StatusPaid
			period.PaidAt = &now
			payment.Period = period
			return nil
		})
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationPay,
		DeveloperID: payment.Period.DeveloperID,
		Subject:     periodID,
		Amount:      payment.Period.FinalCost,
		Error:       operationError,
	})
	if operationError != nil {
		return Payment{}, operationError
	}
	return payment, nil
}

// RecordUsage stores a metered call. A non-zero PointsCharged is debited as an api_call
// transaction in the same database transaction.
func (service *Service) RecordUsage(ctx context.Context, record UsageRecord) (UsageReceipt, error) {
	if err := record.validate(); err != nil {
		return UsageReceipt{}, err
	}
	record.ID = uuid.NewString()
	if record.Timestamp.IsZero() {
		record.Timestamp = service.clock()
	}
	record.Timestamp = record.Timestamp.UTC()
	receipt := UsageReceipt{Record: record}
	operationError := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if record.PointsCharged > 0 {
				metadata, err := ledger.MetadataFrom(map[string]any{"usage_id": record.ID, "status_code": record.StatusCode})
				if err != nil {
					return err
				}
				applied, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
					DeveloperID: record.DeveloperID,
					Amount:      record.PointsCharged.Negated(),
					Type:        ledger.TransactionAPICall,
					Endpoint:    record.Endpoint,
					Metadata:    metadata,
				}, record.Timestamp)
				if err != nil {
					return err
				}
				receipt.Charged = true
				receipt.BalanceAfter = applied.BalanceAfter
			} else {
				account, err := transactionStore.LockAccount(ctx, record.DeveloperID)
				if err != nil {
					return err
				}
				receipt.BalanceAfter = account.Balance
			}
			return transactionStore.InsertUsage(ctx, record)
		})
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationRecordUsage,
		DeveloperID: record.DeveloperID,
		Subject:     record.Endpoint,
		Amount:      record.PointsCharged,
		Error:       operationError,
	})
	if operationError != nil {
		return UsageReceipt{}, operationError
	}
	return receipt, nil
}

// ListPeriods returns the developer's periods, newest first.
func (service *Service) ListPeriods(ctx context.Context, developerID ledger.DeveloperID, limit int) ([]Period, error) {
	normalizedLimit, err := ledger.NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListPeriods(ctx, developerID, normalizedLimit)
}

// ListUsage returns usage in [from, to), newest first. A zero to means now.
func (service *Service) ListUsage(ctx context.Context, developerID ledger.DeveloperID, from time.Time, to time.Time, limit int) ([]UsageRecord, error) {
	normalizedLimit, err := ledger.NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = service.clock().UTC().Add(time.Second)
	}
	return service.store.ListUsage(ctx, developerID, from, to, normalizedLimit)
}

// RecommendReserves asks the advisor for category percentages over the last 30 days of usage and
// stores them as a non-binding recommendation. Advisor failures are returned, never substituted.
func (service *Service) RecommendReserves(ctx context.Context, developerID ledger.DeveloperID) (reserve.Recommendation, error) {
	if service.reserves == nil {
		return reserve.Recommendation{}, fmt.Errorf("%w: reserve directory is not configured", ErrInvalidServiceConfig)
	}
	recommendation, operationError := service.recommendReserves(ctx, developerID)
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationRecommendReserves,
		DeveloperID: developerID,
		Subject:     recommendation.ID,
		Error:       operationError,
	})
	return recommendation, operationError
}

func (service *Service) recommendReserves(ctx context.Context, developerID ledger.DeveloperID) (reserve.Recommendation, error) {
	account, err := service.store.GetAccount(ctx, developerID)
	if err != nil {
		return reserve.Recommendation{}, err
	}
	to := service.clock().UTC()
	from := to.Add(-recommendationLookback)
	records, err := service.store.ListUsage(ctx, developerID, from, to, 0)
	if err != nil {
		return reserve.Recommendation{}, err
	}
	reserves, err := service.reserves.ListReserves(ctx, developerID)
	if err != nil {
		return reserve.Recommendation{}, err
	}
	summary := Summarize(developerID, from, to, records, account.CreatedAt, service.rates)

	advisoryCtx, cancel := context.WithTimeout(ctx, service.advisoryTimeout)
	defer cancel()
	advice, err := service.advisor.AdviseReserves(advisoryCtx, ReserveContext{Usage: summary, Reserves: reserves})
	if err != nil {
		return reserve.Recommendation{}, fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}
	if len(advice.Percentages) == 0 {
		return reserve.Recommendation{}, fmt.Errorf("%w: empty recommendation", ErrAdvisoryUnavailable)
	}
	return service.reserves.RecordRecommendation(ctx, developerID, advice.Percentages, advice.Reasoning)
}

func (record UsageRecord) validate() error {
	if record.DeveloperID.IsZero() {
		return fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if strings.TrimSpace(record.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidUsage)
	}
	if record.StatusCode < 100 || record.StatusCode > 599 {
		return fmt.Errorf("%w: status code %d", ErrInvalidUsage, record.StatusCode)
	}
	if record.DataMB.IsNegative() || record.ExecutionMs < 0 || record.PointsCharged < 0 {
		return fmt.Errorf("%w: quantities must be non-negative", ErrInvalidUsage)
	}
	return nil
}
