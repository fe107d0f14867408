package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const errorSubjectGrant = "grant"

// GrantStore implements grant.Store.
type GrantStore struct {
	*Store
}

// Grants returns the grant view of the store.
func (store *Store) Grants() *GrantStore {
	return &GrantStore{Store: store}
}

// WithTx executes fn within a transaction.
func (store *GrantStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore grant.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, &GrantStore{Store: transactionStore})
	})
}

func (store *GrantStore) InsertGrant(ctx context.Context, value grant.Grant) error {
	model := Grant{
		ID:             value.ID,
		DeveloperID:    value.DeveloperID.String(),
		MilestoneName:  value.MilestoneName,
		TotalPoints:    value.TotalPoints.Int64(),
		VestedPoints:   value.VestedPoints.Int64(),
		UnvestedPoints: value.UnvestedPoints.Int64(),
		Immediate:      value.Schedule.Immediate.Int64(),
		MonthlyAmount:  value.Schedule.MonthlyAmount.Int64(),
		DurationMonths: value.Schedule.DurationMonths,
		StartDate:      value.Schedule.StartDate.UTC(),
		ReleasesMade:   value.ReleasesMade,
		CreatedAt:      value.CreatedAt.UTC(),
		UpdatedAt:      value.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, grant.ErrDuplicateMilestone)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

func (store *GrantStore) MilestoneGranted(ctx context.Context, developerID ledger.DeveloperID, milestoneName string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Grant{}).
		Where("developer_id = ? AND milestone_name = ?", developerID.String(), milestoneName).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *GrantStore) LockGrant(ctx context.Context, grantID string) (grant.Grant, error) {
	var model Grant
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", grantID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return grant.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeLock, grant.ErrGrantNotFound)
		}
		return grant.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeLock, err)
	}
	return mapGrant(model)
}

func (store *GrantStore) UpdateGrantVesting(ctx context.Context, value grant.Grant) error {
	result := store.db.WithContext(ctx).
		Model(&Grant{}).
		Where("id = ?", value.ID).
		Updates(map[string]any{
			"vested_points":   value.VestedPoints.Int64(),
			"unvested_points": value.UnvestedPoints.Int64(),
			"releases_made":   value.ReleasesMade,
			"updated_at":      value.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, grant.ErrGrantNotFound)
	}
	return nil
}

func (store *GrantStore) ListGrants(ctx context.Context, developerID ledger.DeveloperID) ([]grant.Grant, error) {
	var rows []Grant
	err := store.db.WithContext(ctx).
		Where("developer_id = ?", developerID.String()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]grant.Grant, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapGrant(row)
		if err != nil {
			return nil, err
		}
		grants = append(grants, mapped)
	}
	return grants, nil
}

func (store *GrantStore) ListUnvestedGrantIDs(ctx context.Context) ([]string, error) {
	var grantIDs []string
	err := store.db.WithContext(ctx).
		Model(&Grant{}).
		Where("unvested_points > 0").
		Order("created_at ASC").
		Pluck("id", &grantIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grantIDs, nil
}

func mapGrant(model Grant) (grant.Grant, error) {
	developerID, err := parseDeveloperID(model.DeveloperID, errorSubjectGrant)
	if err != nil {
		return grant.Grant{}, err
	}
	return grant.Grant{
		ID:             model.ID,
		DeveloperID:    developerID,
		MilestoneName:  model.MilestoneName,
		TotalPoints:    ledger.Points(model.TotalPoints),
		VestedPoints:   ledger.Points(model.VestedPoints),
		UnvestedPoints: ledger.Points(model.UnvestedPoints),
		Schedule: grant.Vesting{
			Immediate:      ledger.Points(model.Immediate),
			MonthlyAmount:  ledger.Points(model.MonthlyAmount),
			DurationMonths: model.DurationMonths,
			StartDate:      model.StartDate.UTC(),
		},
		ReleasesMade: model.ReleasesMade,
		CreatedAt:    model.CreatedAt.UTC(),
		UpdatedAt:    model.UpdatedAt.UTC(),
	}, nil
}
