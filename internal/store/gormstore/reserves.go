package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectCategory       = "category"
	errorSubjectReserve        = "reserve"
	errorSubjectAllocation     = "allocation"
	errorSubjectReserveTx      = "reserve_transaction"
	errorSubjectRecommendation = "recommendation"
)

// ReserveStore implements reserve.Store.
type ReserveStore struct {
	*Store
}

// Reserves returns the reserve view of the store.
func (store *Store) Reserves() *ReserveStore {
	return &ReserveStore{Store: store}
}

// WithTx executes fn within a transaction.
func (store *ReserveStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reserve.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, &ReserveStore{Store: transactionStore})
	})
}

func (store *ReserveStore) ListCategories(ctx context.Context) ([]reserve.Category, error) {
	var rows []ReserveCategory
	if err := store.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCategory, errorCodeList, err)
	}
	categories := make([]reserve.Category, 0, len(rows))
	for _, row := range rows {
		categories = append(categories, reserve.Category{
			Name:                        row.Name,
			DisplayName:                 row.DisplayName,
			Description:                 row.Description,
			DefaultAllocationPercentage: row.DefaultAllocationPercentage,
			Active:                      row.Active,
		})
	}
	return categories, nil
}

func (store *ReserveStore) InsertReserve(ctx context.Context, value reserve.Reserve) error {
	model := reserveModel(value)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReserve, errorCodeDuplicate, reserve.ErrReserveExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReserve, errorCodeInsert, err)
	}
	return nil
}

func (store *ReserveStore) ListReserves(ctx context.Context, developerID ledger.DeveloperID) ([]reserve.Reserve, error) {
	return store.listReserves(ctx, store.db, developerID)
}

func (store *ReserveStore) LockReserves(ctx context.Context, developerID ledger.DeveloperID) ([]reserve.Reserve, error) {
	return store.listReserves(ctx, store.db.Clauses(clause.Locking{Strength: "UPDATE"}), developerID)
}

func (store *ReserveStore) listReserves(ctx context.Context, db *gorm.DB, developerID ledger.DeveloperID) ([]reserve.Reserve, error) {
	var rows []Reserve
	err := db.WithContext(ctx).
		Where("developer_id = ?", developerID.String()).
		Order("category_name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReserve, errorCodeList, err)
	}
	reserves := make([]reserve.Reserve, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapReserve(row)
		if err != nil {
			return nil, err
		}
		reserves = append(reserves, mapped)
	}
	return reserves, nil
}

func (store *ReserveStore) LockReserve(ctx context.Context, developerID ledger.DeveloperID, reserveID string) (reserve.Reserve, error) {
	var model Reserve
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND developer_id = ?", reserveID, developerID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reserve.Reserve{}, wrapStoreError(errorSubjectReserve, errorCodeLock, reserve.ErrReserveNotFound)
		}
		return reserve.Reserve{}, wrapStoreError(errorSubjectReserve, errorCodeLock, err)
	}
	return mapReserve(model)
}

func (store *ReserveStore) UpdateReserve(ctx context.Context, value reserve.Reserve) error {
	result := store.db.WithContext(ctx).
		Model(&Reserve{}).
		Where("id = ?", value.ID).
		Updates(map[string]any{
			"balance":               value.Balance.Int64(),
			"total_allocated":       value.TotalAllocated.Int64(),
			"total_spent":           value.TotalSpent.Int64(),
			"allocation_percentage": value.AllocationPercentage,
			"budget_limit":          pointsPointer(value.BudgetLimit),
			"auto_refill_enabled":   value.AutoRefillEnabled,
			"auto_refill_threshold": value.AutoRefillThreshold.Int64(),
			"auto_refill_amount":    value.AutoRefillAmount.Int64(),
			"active":                value.Active,
			"updated_at":            value.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReserve, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReserve, errorCodeUpdate, reserve.ErrReserveNotFound)
	}
	return nil
}

func (store *ReserveStore) InsertAllocation(ctx context.Context, allocation reserve.Allocation) error {
	model := ReserveAllocation{
		ID:           allocation.ID,
		DeveloperID:  allocation.DeveloperID.String(),
		ReserveID:    allocation.ReserveID,
		CategoryName: allocation.CategoryName,
		Amount:       allocation.Amount.Int64(),
		Percentage:   allocation.Percentage,
		Source:       allocation.Source,
		Reason:       allocation.Reason,
		CreatedAt:    allocation.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeInsert, err)
	}
	return nil
}

func (store *ReserveStore) InsertReserveTransaction(ctx context.Context, transaction reserve.Transaction) error {
	model := ReserveTransaction{
		ID:            transaction.ID,
		DeveloperID:   transaction.DeveloperID.String(),
		ReserveID:     transaction.ReserveID,
		Kind:          transaction.Kind.String(),
		Purpose:       transaction.Purpose,
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Description:   transaction.Description,
		CreatedAt:     transaction.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReserveTx, errorCodeInsert, err)
	}
	return nil
}

func (store *ReserveStore) ListReserveTransactions(ctx context.Context, developerID ledger.DeveloperID, reserveID string, limit int) ([]reserve.Transaction, error) {
	query := store.db.WithContext(ctx).Where("developer_id = ?", developerID.String())
	if reserveID != "" {
		query = query.Where("reserve_id = ?", reserveID)
	}
	var rows []ReserveTransaction
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReserveTx, errorCodeList, err)
	}
	transactions := make([]reserve.Transaction, 0, len(rows))
	for _, row := range rows {
		developer, err := parseDeveloperID(row.DeveloperID, errorSubjectReserveTx)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, reserve.Transaction{
			ID:            row.ID,
			DeveloperID:   developer,
			ReserveID:     row.ReserveID,
			Kind:          reserve.TransactionKind(row.Kind),
			Purpose:       row.Purpose,
			Amount:        ledger.Points(row.Amount),
			BalanceBefore: ledger.Points(row.BalanceBefore),
			BalanceAfter:  ledger.Points(row.BalanceAfter),
			Description:   row.Description,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}
	return transactions, nil
}

func (store *ReserveStore) ListAllocations(ctx context.Context, developerID ledger.DeveloperID, reserveID string, limit int) ([]reserve.Allocation, error) {
	query := store.db.WithContext(ctx).Where("developer_id = ?", developerID.String())
	if reserveID != "" {
		query = query.Where("reserve_id = ?", reserveID)
	}
	var rows []ReserveAllocation
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAllocation, errorCodeList, err)
	}
	allocations := make([]reserve.Allocation, 0, len(rows))
	for _, row := range rows {
		developer, err := parseDeveloperID(row.DeveloperID, errorSubjectAllocation)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, reserve.Allocation{
			ID:           row.ID,
			DeveloperID:  developer,
			ReserveID:    row.ReserveID,
			CategoryName: row.CategoryName,
			Amount:       ledger.Points(row.Amount),
			Percentage:   row.Percentage,
			Source:       row.Source,
			Reason:       row.Reason,
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return allocations, nil
}

func (store *ReserveStore) InsertRecommendation(ctx context.Context, recommendation reserve.Recommendation) error {
	percentages, err := json.Marshal(recommendation.Percentages)
	if err != nil {
		return wrapStoreError(errorSubjectRecommendation, errorCodeInvalid, err)
	}
	model := ReserveRecommendation{
		ID:          recommendation.ID,
		DeveloperID: recommendation.DeveloperID.String(),
		Percentages: datatypesJSON(string(percentages)),
		Reasoning:   recommendation.Reasoning,
		Applied:     recommendation.Applied,
		AppliedAt:   timePointer(recommendation.AppliedAt),
		CreatedAt:   recommendation.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRecommendation, errorCodeInsert, err)
	}
	return nil
}

func (store *ReserveStore) LatestRecommendation(ctx context.Context, developerID ledger.DeveloperID) (reserve.Recommendation, error) {
	var model ReserveRecommendation
	err := store.db.WithContext(ctx).
		Where("developer_id = ?", developerID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reserve.Recommendation{}, wrapStoreError(errorSubjectRecommendation, errorCodeGet, reserve.ErrRecommendationNotFound)
		}
		return reserve.Recommendation{}, wrapStoreError(errorSubjectRecommendation, errorCodeGet, err)
	}
	return mapRecommendation(model)
}

func (store *ReserveStore) LockRecommendation(ctx context.Context, developerID ledger.DeveloperID, recommendationID string) (reserve.Recommendation, error) {
	var model ReserveRecommendation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND developer_id = ?", recommendationID, developerID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reserve.Recommendation{}, wrapStoreError(errorSubjectRecommendation, errorCodeLock, reserve.ErrRecommendationNotFound)
		}
		return reserve.Recommendation{}, wrapStoreError(errorSubjectRecommendation, errorCodeLock, err)
	}
	return mapRecommendation(model)
}

func (store *ReserveStore) MarkRecommendationApplied(ctx context.Context, recommendationID string, appliedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&ReserveRecommendation{}).
		Where("id = ? AND applied = ?", recommendationID, false).
		Updates(map[string]any{"applied": true, "applied_at": appliedAt.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRecommendation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRecommendation, errorCodeUpdate, reserve.ErrRecommendationNotFound)
	}
	return nil
}

func reserveModel(value reserve.Reserve) Reserve {
	return Reserve{
		ID:                   value.ID,
		DeveloperID:          value.DeveloperID.String(),
		CategoryName:         value.CategoryName,
		Balance:              value.Balance.Int64(),
		TotalAllocated:       value.TotalAllocated.Int64(),
		TotalSpent:           value.TotalSpent.Int64(),
		AllocationPercentage: value.AllocationPercentage,
		BudgetLimit:          pointsPointer(value.BudgetLimit),
		AutoRefillEnabled:    value.AutoRefillEnabled,
		AutoRefillThreshold:  value.AutoRefillThreshold.Int64(),
		AutoRefillAmount:     value.AutoRefillAmount.Int64(),
		Active:               value.Active,
		CreatedAt:            value.CreatedAt.UTC(),
		UpdatedAt:            value.UpdatedAt.UTC(),
	}
}

func mapReserve(model Reserve) (reserve.Reserve, error) {
	developerID, err := parseDeveloperID(model.DeveloperID, errorSubjectReserve)
	if err != nil {
		return reserve.Reserve{}, err
	}
	var budgetLimit *ledger.Points
	if model.BudgetLimit != nil {
		limit := ledger.Points(*model.BudgetLimit)
		budgetLimit = &limit
	}
	return reserve.Reserve{
		ID:                   model.ID,
		DeveloperID:          developerID,
		CategoryName:         model.CategoryName,
		Balance:              ledger.Points(model.Balance),
		TotalAllocated:       ledger.Points(model.TotalAllocated),
		TotalSpent:           ledger.Points(model.TotalSpent),
		AllocationPercentage: model.AllocationPercentage,
		BudgetLimit:          budgetLimit,
		AutoRefillEnabled:    model.AutoRefillEnabled,
		AutoRefillThreshold:  ledger.Points(model.AutoRefillThreshold),
		AutoRefillAmount:     ledger.Points(model.AutoRefillAmount),
		Active:               model.Active,
		CreatedAt:            model.CreatedAt.UTC(),
		UpdatedAt:            model.UpdatedAt.UTC(),
	}, nil
}

func mapRecommendation(model ReserveRecommendation) (reserve.Recommendation, error) {
	developerID, err := parseDeveloperID(model.DeveloperID, errorSubjectRecommendation)
	if err != nil {
		return reserve.Recommendation{}, err
	}
	percentages := make(map[string]decimal.Decimal)
	if err := json.Unmarshal(model.Percentages, &percentages); err != nil {
		return reserve.Recommendation{}, wrapStoreError(errorSubjectRecommendation, errorCodeInvalid, err)
	}
	return reserve.Recommendation{
		ID:          model.ID,
		DeveloperID: developerID,
		Percentages: percentages,
		Reasoning:   model.Reasoning,
		Applied:     model.Applied,
		AppliedAt:   timePointer(model.AppliedAt),
		CreatedAt:   model.CreatedAt.UTC(),
	}, nil
}

func pointsPointer(value *ledger.Points) *int64 {
	if value == nil {
		return nil
	}
	raw := value.Int64()
	return &raw
}
