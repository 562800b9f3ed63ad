package accounts

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaymsg/accountd/internal/account"
	"github.com/relaymsg/accountd/internal/store"
)

// AccountStore is the durable primary store contract.
type AccountStore interface {
	// Create inserts a new account; on a number conflict it takes over the
	// existing record, rewrites a.ACI to the existing identifier, and
	// returns false.
	Create(ctx context.Context, a *account.Account) (bool, error)
	// Update writes a back conditional on its version; account.ErrContested
	// signals a lost race.
	Update(ctx context.Context, a *account.Account) error
	ChangeNumber(ctx context.Context, a *account.Account, newNumber string, newPNI uuid.UUID) error
	SetUsername(ctx context.Context, a *account.Account, username string) error
	ClearUsername(ctx context.Context, a *account.Account) error
	GetByE164(ctx context.Context, number string) (*account.Account, error)
	GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*account.Account, error)
	GetByUsername(ctx context.Context, username string) (*account.Account, error)
	GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*account.Account, error)
	GetAllFromStart(ctx context.Context, length int) (*store.CrawlChunk, error)
	GetAllFrom(ctx context.Context, after uuid.UUID, length int) (*store.CrawlChunk, error)
	Delete(ctx context.Context, aci uuid.UUID) error
}

// AccountCache is the write-through cache contract. Implementations are
// best-effort: reads return nil on any failure and writes log instead of
// failing.
type AccountCache interface {
	Set(ctx context.Context, a *account.Account)
	Delete(ctx context.Context, a *account.Account)
	GetByACI(ctx context.Context, aci uuid.UUID) *account.Account
	GetByE164(ctx context.Context, number string) *account.Account
	GetByPNI(ctx context.Context, pni uuid.UUID) *account.Account
	GetByUsername(ctx context.Context, username string) *account.Account
}

// DeletedAccountsGate serializes per-number lifecycle transitions and
// remembers recently deleted account identifiers. Lease waits honor the
// caller's context; the tombstone-writing sections (LockAndPut,
// LockAndTransfer) hand fn a non-cancellable context and run to completion
// once the lease is held.
type DeletedAccountsGate interface {
	LockAndTake(ctx context.Context, number string, fn func(ctx context.Context, recentlyDeleted *uuid.UUID) error) error
	LockAndPut(ctx context.Context, number string, fn func(ctx context.Context) (uuid.UUID, error)) error
	LockAndTransfer(ctx context.Context, oldNumber, newNumber string, fn func(ctx context.Context, deletedForNewNumber *uuid.UUID) (*uuid.UUID, error)) error
}

// PhoneNumberIdentifiers resolves numbers to stable identifiers, allocating
// on first request.
type PhoneNumberIdentifiers interface {
	PNI(ctx context.Context, number string) (uuid.UUID, error)
}

// DirectoryQueue propagates discoverability changes downstream.
type DirectoryQueue interface {
	DeleteAccount(ctx context.Context, a *account.Account) error
	RefreshAccount(ctx context.Context, a *account.Account) error
	ChangePhoneNumber(ctx context.Context, a *account.Account, oldNumber, newNumber string) error
}

// KeyStore deletes published prekeys by ACI or PNI.
type KeyStore interface {
	Delete(ctx context.Context, identifier uuid.UUID) error
}

// MessageStore clears queued messages by ACI or PNI.
type MessageStore interface {
	Clear(ctx context.Context, identifier uuid.UUID) error
}

// ProfileStore deletes all profile versions for an account.
type ProfileStore interface {
	DeleteAll(ctx context.Context, aci uuid.UUID) error
}

// PendingAccounts removes outstanding verification codes.
type PendingAccounts interface {
	Remove(ctx context.Context, number string) error
}

// ReservedUsernames answers whether a username is reserved to someone other
// than the asking account.
type ReservedUsernames interface {
	IsReserved(ctx context.Context, username string, aci uuid.UUID) (bool, error)
}

// SecureStorageClient deletes storage-service data for an account.
type SecureStorageClient interface {
	DeleteStoredData(ctx context.Context, aci uuid.UUID) error
}

// SecureBackupClient deletes backup-service data for an account.
type SecureBackupClient interface {
	DeleteBackups(ctx context.Context, aci uuid.UUID) error
}

// PresenceManager disconnects a device's presence; best-effort.
type PresenceManager interface {
	DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID int64) error
}
