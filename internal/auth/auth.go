package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/google/uuid"
)

// Permission scopes a developer API key.
type Permission string

const (
	PermissionEconomy  Permission = "economy"
	PermissionReserves Permission = "reserves"
	PermissionBilling  Permission = "billing"

	keyPrefix       = "pts_"
	keyRandomBytes  = 24
	storedPrefixLen = 12
)

// Authorization failures. Both are raised before any ledger read.
var (
	ErrUnauthenticated   = errors.New("invalid or missing api key")
	ErrForbidden         = errors.New("permission denied")
	ErrKeyNotFound       = errors.New("api key not found")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidConfig     = errors.New("invalid authenticator config")
)

// ParsePermission validates a raw permission.
func ParsePermission(raw string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionEconomy:
		return PermissionEconomy, nil
	case PermissionReserves:
		return PermissionReserves, nil
	case PermissionBilling:
		return PermissionBilling, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
}

// APIKey is a stored developer key.
type APIKey struct {
	ID          string
	DeveloperID ledger.DeveloperID
	Prefix      string
	KeyHash     string
	Permissions []Permission
	Active      bool
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// Principal is the authenticated caller.
type Principal struct {
	Admin       bool
	DeveloperID ledger.DeveloperID
	Permissions []Permission
}

// Allows reports whether the principal may use the permission scope.
func (principal Principal) Allows(permission Permission) bool {
	if principal.Admin {
		return true
	}
	for _, granted := range principal.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// Store persists API keys and exposes account eligibility.
type Store interface {
	InsertAPIKey(ctx context.Context, key APIKey) error
	// FindAPIKeyByHash returns the key or ErrKeyNotFound.
	FindAPIKeyByHash(ctx context.Context, keyHash string) (APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error
	GetAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error)
}

const operationTouchKey = "auth.touch_key"

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithOperationLogger receives bookkeeping failures that do not block authentication.
func WithOperationLogger(logger ledger.OperationLogger) AuthenticatorOption {
	return func(authenticator *Authenticator) {
		authenticator.logger = logger
	}
}

// Authenticator resolves X-API-Key values into principals.
type Authenticator struct {
	store        Store
	adminKeyHash [sha256.Size]byte
	clock        func() time.Time
	logger       ledger.OperationLogger
}

// NewAuthenticator builds an Authenticator. The admin key is kept only as a hash.
func NewAuthenticator(store Store, adminKey string, clock func() time.Time, options ...AuthenticatorOption) (*Authenticator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if strings.TrimSpace(adminKey) == "" {
		return nil, fmt.Errorf("%w: admin key is empty", ErrInvalidConfig)
	}
	if clock == nil {
		clock = time.Now
	}
	authenticator := &Authenticator{store: store, adminKeyHash: sha256.Sum256([]byte(adminKey)), clock: clock}
	for _, option := range options {
		if option != nil {
			option(authenticator)
		}
	}
	return authenticator, nil
}

// Authenticate resolves a raw key. Developer keys must be active and belong to an active,
// verified account.
func (authenticator *Authenticator) Authenticate(ctx context.Context, rawKey string) (Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return Principal{}, ErrUnauthenticated
	}
	presented := sha256.Sum256([]byte(rawKey))
	if subtle.ConstantTimeCompare(presented[:], authenticator.adminKeyHash[:]) == 1 {
		return Principal{Admin: true}, nil
	}
	key, err := authenticator.store.FindAPIKeyByHash(ctx, hex.EncodeToString(presented[:]))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	if !key.Active {
		return Principal{}, ErrUnauthenticated
	}
	account, err := authenticator.store.GetAccount(ctx, key.DeveloperID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	if !account.Active || !account.Verified {
		return Principal{}, fmt.Errorf("%w: developer account is not active and verified", ErrForbidden)
	}
	// last_used_at is advisory; a failed touch is logged and the request proceeds.
	if err := authenticator.store.TouchAPIKey(ctx, key.ID, authenticator.clock().UTC()); err != nil {
		ledger.EmitOperation(ctx, authenticator.logger, ledger.OperationLog{
			Operation:   operationTouchKey,
			DeveloperID: key.DeveloperID,
			Subject:     key.Prefix,
			Error:       err,
		})
	}
	return Principal{DeveloperID: key.DeveloperID, Permissions: key.Permissions}, nil
}

// IssueKey creates a developer key and returns the raw value, which is never stored.
func (authenticator *Authenticator) IssueKey(ctx context.Context, developerID ledger.DeveloperID, permissions []Permission) (string, APIKey, error) {
	if developerID.IsZero() {
		return "", APIKey{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if len(permissions) == 0 {
		return "", APIKey{}, fmt.Errorf("%w: at least one permission is required", ErrInvalidPermission)
	}
	if _, err := authenticator.store.GetAccount(ctx, developerID); err != nil {
		return "", APIKey{}, err
	}
	randomBytes := make([]byte, keyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	rawKey := keyPrefix + hex.EncodeToString(randomBytes)
	key := APIKey{
		ID:          uuid.NewString(),
		DeveloperID: developerID,
		Prefix:      rawKey[:storedPrefixLen],
		KeyHash:     HashKey(rawKey),
		Permissions: dedupePermissions(permissions),
		Active:      true,
		CreatedAt:   authenticator.clock().UTC(),
	}
	if err := authenticator.store.InsertAPIKey(ctx, key); err != nil {
		return "", APIKey{}, err
	}
	return rawKey, key, nil
}

// HashKey returns the hex SHA-256 digest stored for a raw key.
func HashKey(rawKey string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(rawKey)))
	return hex.EncodeToString(digest[:])
}

func dedupePermissions(permissions []Permission) []Permission {
	seen := make(map[Permission]bool, len(permissions))
	deduped := make([]Permission, 0, len(permissions))
	for _, permission := range permissions {
		if seen[permission] {
			continue
		}
		seen[permission] = true
		deduped = append(deduped, permission)
	}
	return deduped
}
