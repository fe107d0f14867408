package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectPeriod = "billing_period"
	errorSubjectUsage  = "usage"
)

// BillingStore implements billing.Store.
type BillingStore struct {
	*Store
}

// Billing returns the billing view of the store.
func (store *Store) Billing() *BillingStore {
	return &BillingStore{Store: store}
}

// WithTx executes fn within a transaction.
func (store *BillingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, &BillingStore{Store: transactionStore})
	})
}

func (store *BillingStore) InsertPeriod(ctx context.Context, period billing.Period) error {
	model := periodModel(period)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeInsert, err)
	}
	return nil
}

func (store *BillingStore) GetPeriod(ctx context.Context, periodID string) (billing.Period, error) {
	return store.findPeriod(ctx, store.db, periodID, errorCodeGet)
}

func (store *BillingStore) LockPeriod(ctx context.Context, periodID string) (billing.Period, error) {
	return store.findPeriod(ctx, store.db.Clauses(clause.Locking{Strength: "UPDATE"}), periodID, errorCodeLock)
}

func (store *BillingStore) findPeriod(ctx context.Context, db *gorm.DB, periodID string, code string) (billing.Period, error) {
	var model BillingPeriod
	err := db.WithContext(ctx).Where("id = ?", periodID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Period{}, wrapStoreError(errorSubjectPeriod, code, billing.ErrPeriodNotFound)
		}
		return billing.Period{}, wrapStoreError(errorSubjectPeriod, code, err)
	}
	return mapPeriod(model)
}

func (store *BillingStore) MarkCalculated(ctx context.Context, period billing.Period) error {
	result := store.db.WithContext(ctx).
		Model(&BillingPeriod{}).
		Where("id = ? AND status = ?", period.ID, billing.StatusPending.String()).
		Updates(map[string]any{
			"total_requests":     period.TotalRequests,
			"total_data_mb":      period.TotalDataMB,
			"total_execution_ms": period.TotalExecutionMs,
			"base_cost":          period.BaseCost.Int64(),
			"adjustment_factor":  period.AdjustmentFactor,
			"final_cost":         period.FinalCost.Int64(),
			"reasoning":          period.Reasoning,
			"recommended_tier":   period.RecommendedTier,
			"encouragement":      period.Encouragement,
			"advisory_fallback":  period.AdvisoryFallback,
			"status":             billing.StatusCalculated.String(),
			"calculated_at":      timePointer(period.CalculatedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdateStatus, billing.ErrAlreadyCalculated)
	}
	return nil
}

func (store *BillingStore) MarkPaid(ctx context.Context, periodID string, paidAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&BillingPeriod{}).
		Where("id = ? AND status = ?", periodID, billing.StatusCalculated.String()).
		Updates(map[string]any{"status": billing.StatusPaid.String(), "paid_at": paidAt.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdateStatus, billing.ErrNotCalculated)
	}
	return nil
}

func (store *BillingStore) ListPeriods(ctx context.Context, developerID ledger.DeveloperID, limit int) ([]billing.Period, error) {
	var rows []BillingPeriod
	err := store.db.WithContext(ctx).
		Where("developer_id = ?", developerID.String()).
		Order("period_start DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPeriod, errorCodeList, err)
	}
	periods := make([]billing.Period, 0, len(rows))
	for _, row := range rows {
		period, err := mapPeriod(row)
		if err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	return periods, nil
}

func (store *BillingStore) InsertUsage(ctx context.Context, record billing.UsageRecord) error {
	model := UsageRecord{
		ID:            record.ID,
		DeveloperID:   record.DeveloperID.String(),
		Endpoint:      record.Endpoint,
		StatusCode:    record.StatusCode,
		DataMB:        record.DataMB,
		ExecutionMs:   record.ExecutionMs,
		PointsCharged: record.PointsCharged.Int64(),
		Timestamp:     record.Timestamp.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *BillingStore) ListUsage(ctx context.Context, developerID ledger.DeveloperID, from time.Time, to time.Time, limit int) ([]billing.UsageRecord, error) {
	query := store.db.WithContext(ctx).
		Where("developer_id = ? AND timestamp >= ? AND timestamp < ?", developerID.String(), from.UTC(), to.UTC()).
		Order("timestamp DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []UsageRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	records := make([]billing.UsageRecord, 0, len(rows))
	for _, row := range rows {
		developer, err := parseDeveloperID(row.DeveloperID, errorSubjectUsage)
		if err != nil {
			return nil, err
		}
		records = append(records, billing.UsageRecord{
			ID:            row.ID,
			DeveloperID:   developer,
			Endpoint:      row.Endpoint,
			StatusCode:    row.StatusCode,
			DataMB:        row.DataMB,
			ExecutionMs:   row.ExecutionMs,
			PointsCharged: ledger.Points(row.PointsCharged),
			Timestamp:     row.Timestamp.UTC(),
		})
	}
	return records, nil
}

func periodModel(period billing.Period) BillingPeriod {
	return BillingPeriod{
		ID:               period.ID,
		DeveloperID:      period.DeveloperID.String(),
		PeriodStart:      period.PeriodStart.UTC(),
		PeriodEnd:        period.PeriodEnd.UTC(),
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
		Status:           period.Status.String(),
		CalculatedAt:     timePointer(period.CalculatedAt),
		PaidAt:           timePointer(period.PaidAt),
		CreatedAt:        period.CreatedAt.UTC(),
	}
}

func mapPeriod(model BillingPeriod) (billing.Period, error) {
	developerID, err := parseDeveloperID(model.DeveloperID, errorSubjectPeriod)
	if err != nil {
		return billing.Period{}, err
	}
	status, err := billing.ParseStatus(model.Status)
	if err != nil {
		return billing.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeInvalid, err)
	}
	return billing.Period{
		ID:               model.ID,
		DeveloperID:      developerID,
		PeriodStart:      model.PeriodStart.UTC(),
		PeriodEnd:        model.PeriodEnd.UTC(),
		TotalRequests:    model.TotalRequests,
		TotalDataMB:      model.TotalDataMB,
		TotalExecutionMs: model.TotalExecutionMs,
		BaseCost:         ledger.Points(model.BaseCost),
		AdjustmentFactor: model.AdjustmentFactor,
		FinalCost:        ledger.Points(model.FinalCost),
		Reasoning:        model.Reasoning,
		RecommendedTier:  model.RecommendedTier,
		Encouragement:    model.Encouragement,
		AdvisoryFallback: model.AdvisoryFallback,
		Status:           status,
		CalculatedAt:     timePointer(model.CalculatedAt),
		PaidAt:           timePointer(model.PaidAt),
		CreatedAt:        model.CreatedAt.UTC(),
	}, nil
}
