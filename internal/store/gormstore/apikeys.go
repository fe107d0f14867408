package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"gorm.io/gorm"
)

const errorSubjectAPIKey = "api_key"

func (store *Store) InsertAPIKey(ctx context.Context, key auth.APIKey) error {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return wrapStoreError(errorSubjectAPIKey, errorCodeInvalid, err)
	}
	model := APIKey{
		ID:          key.ID,
		DeveloperID: key.DeveloperID.String(),
		Prefix:      key.Prefix,
		KeyHash:     key.KeyHash,
		Permissions: datatypesJSON(string(permissions)),
		Active:      key.Active,
		CreatedAt:   key.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAPIKey, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (auth.APIKey, error) {
	var model APIKey
	err := store.db.WithContext(ctx).Where("key_hash = ?", keyHash).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.APIKey{}, wrapStoreError(errorSubjectAPIKey, errorCodeGet, auth.ErrKeyNotFound)
		}
		return auth.APIKey{}, wrapStoreError(errorSubjectAPIKey, errorCodeGet, err)
	}
	developerID, err := parseDeveloperID(model.DeveloperID, errorSubjectAPIKey)
	if err != nil {
		return auth.APIKey{}, err
	}
	var rawPermissions []string
	if err := json.Unmarshal(model.Permissions, &rawPermissions); err != nil {
		return auth.APIKey{}, wrapStoreError(errorSubjectAPIKey, errorCodeInvalid, err)
	}
	permissions := make([]auth.Permission, 0, len(rawPermissions))
	for _, raw := range rawPermissions {
		permission, err := auth.ParsePermission(raw)
		if err != nil {
			return auth.APIKey{}, wrapStoreError(errorSubjectAPIKey, errorCodeInvalid, err)
		}
		permissions = append(permissions, permission)
	}
	return auth.APIKey{
		ID:          model.ID,
		DeveloperID: developerID,
		Prefix:      model.Prefix,
		KeyHash:     model.KeyHash,
		Permissions: permissions,
		Active:      model.Active,
		CreatedAt:   model.CreatedAt.UTC(),
		LastUsedAt:  timePointer(model.LastUsedAt),
	}, nil
}

func (store *Store) TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", usedAt.UTC()).Error
	if err != nil {
		return wrapStoreError(errorSubjectAPIKey, errorCodeUpdate, err)
	}
	return nil
}
