package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
)

const testAdminKey = "admin-secret-key"

type memoryStore struct {
	mutex    sync.Mutex
	keys     map[string]APIKey
	accounts map[string]ledger.Account
	touched  map[string]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		keys:     make(map[string]APIKey),
		accounts: make(map[string]ledger.Account),
		touched:  make(map[string]time.Time),
	}
}

func (store *memoryStore) InsertAPIKey(_ context.Context, key APIKey) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.keys[key.KeyHash] = key
	return nil
}

func (store *memoryStore) FindAPIKeyByHash(_ context.Context, keyHash string) (APIKey, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key, ok := store.keys[keyHash]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (store *memoryStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.touched[keyID] = usedAt
	return nil
}

func (store *memoryStore) GetAccount(_ context.Context, developerID ledger.DeveloperID) (ledger.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[developerID.String()]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) setAccount(account ledger.Account) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accounts[account.DeveloperID.String()] = account
}

func (store *memoryStore) deactivateKeys() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for hash, key := range store.keys {
		key.Active = false
		store.keys[hash] = key
	}
}

type failingTouchStore struct {
	*memoryStore
	err error
}

func (store failingTouchStore) TouchAPIKey(context.Context, string, time.Time) error {
	return store.err
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

func fixedClock() time.Time {
	return time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC)
}

func mustDeveloperID(test *testing.T, raw string) ledger.DeveloperID {
	test.Helper()
	developerID, err := ledger.NewDeveloperID(raw)
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	return developerID
}

func mustAuthenticator(test *testing.T, store Store) *Authenticator {
	test.Helper()
	authenticator, err := NewAuthenticator(store, testAdminKey, fixedClock)
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	return authenticator
}

func TestAuthenticateAdminKey(test *testing.T) {
	test.Parallel()
	authenticator := mustAuthenticator(test, newMemoryStore())
	principal, err := authenticator.Authenticate(context.Background(), " "+testAdminKey+" ")
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if !principal.Admin || !principal.Allows(PermissionBilling) {
		test.Fatalf("expected admin principal, got %+v", principal)
	}
}

func TestIssuedKeyAuthenticatesWithPermissions(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	developerID := mustDeveloperID(test, "dev-keys")
	store.setAccount(ledger.Account{DeveloperID: developerID, Active: true, Verified: true})
	authenticator := mustAuthenticator(test, store)

	rawKey, key, err := authenticator.IssueKey(context.Background(), developerID, []Permission{PermissionEconomy, PermissionEconomy, PermissionReserves})
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(rawKey, keyPrefix) || key.Prefix != rawKey[:storedPrefixLen] || key.KeyHash == rawKey {
		test.Fatalf("unexpected issued key: %s %+v", rawKey, key)
	}
	if len(key.Permissions) != 2 {
		test.Fatalf("expected deduplicated permissions, got %v", key.Permissions)
	}

	principal, err := authenticator.Authenticate(context.Background(), rawKey)
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if principal.Admin || principal.DeveloperID != developerID {
		test.Fatalf("unexpected principal: %+v", principal)
	}
	if !principal.Allows(PermissionReserves) || principal.Allows(PermissionBilling) {
		test.Fatalf("unexpected permission scope: %v", principal.Permissions)
	}
	if _, ok := store.touched[key.ID]; !ok {
		test.Fatalf("expected last-used timestamp to be recorded")
	}
}

func TestAuthenticateLogsFailedTouch(test *testing.T) {
	test.Parallel()
	touchErr := errors.New("database is locked")
	store := failingTouchStore{memoryStore: newMemoryStore(), err: touchErr}
	developerID := mustDeveloperID(test, "dev-touch")
	store.setAccount(ledger.Account{DeveloperID: developerID, Active: true, Verified: true})
	logger := &recordingLogger{}
	authenticator, err := NewAuthenticator(store, testAdminKey, fixedClock, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	rawKey, key, err := authenticator.IssueKey(context.Background(), developerID, []Permission{PermissionBilling})
	if err != nil {
		test.Fatalf("issue: %v", err)
	}

	principal, err := authenticator.Authenticate(context.Background(), rawKey)
	if err != nil {
		test.Fatalf("expected authentication to survive a failed touch, got %v", err)
	}
	if principal.DeveloperID != developerID {
		test.Fatalf("unexpected principal: %+v", principal)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one logged failure, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationTouchKey || entry.Status != ledger.OperationStatusError || !errors.Is(entry.Error, touchErr) {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.DeveloperID != developerID || entry.Subject != key.Prefix {
		test.Fatalf("expected key identity in log entry, got %+v", entry)
	}
}

func TestAuthenticateRejections(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	developerID := mustDeveloperID(test, "dev-rejected")
	store.setAccount(ledger.Account{DeveloperID: developerID, Active: true, Verified: true})
	authenticator := mustAuthenticator(test, store)
	rawKey, _, err := authenticator.IssueKey(context.Background(), developerID, []Permission{PermissionEconomy})
	if err != nil {
		test.Fatalf("issue: %v", err)
	}

	if _, err := authenticator.Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated for empty key, got %v", err)
	}
	if _, err := authenticator.Authenticate(context.Background(), "pts_unknown"); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated for unknown key, got %v", err)
	}

	store.setAccount(ledger.Account{DeveloperID: developerID, Active: true, Verified: false})
	if _, err := authenticator.Authenticate(context.Background(), rawKey); !errors.Is(err, ErrForbidden) {
		test.Fatalf("expected ErrForbidden for unverified account, got %v", err)
	}

	store.setAccount(ledger.Account{DeveloperID: developerID, Active: true, Verified: true})
	store.deactivateKeys()
	if _, err := authenticator.Authenticate(context.Background(), rawKey); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated for revoked key, got %v", err)
	}
}

func TestIssueKeyValidation(test *testing.T) {
	test.Parallel()
	authenticator := mustAuthenticator(test, newMemoryStore())
	if _, _, err := authenticator.IssueKey(context.Background(), mustDeveloperID(test, "dev-none"), nil); !errors.Is(err, ErrInvalidPermission) {
		test.Fatalf("expected ErrInvalidPermission, got %v", err)
	}
	if _, _, err := authenticator.IssueKey(context.Background(), mustDeveloperID(test, "dev-none"), []Permission{PermissionBilling}); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestParsePermission(test *testing.T) {
	test.Parallel()
	permission, err := ParsePermission(" Billing ")
	if err != nil || permission != PermissionBilling {
		test.Fatalf("expected billing, got %q, %v", permission, err)
	}
	if _, err := ParsePermission("root"); !errors.Is(err, ErrInvalidPermission) {
		test.Fatalf("expected ErrInvalidPermission, got %v", err)
	}
}

func TestNewAuthenticatorValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewAuthenticator(nil, testAdminKey, fixedClock); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig for nil store, got %v", err)
	}
	if _, err := NewAuthenticator(newMemoryStore(), "  ", fixedClock); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig for empty admin key, got %v", err)
	}
}
