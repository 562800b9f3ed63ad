// Package accounts is the lifecycle coordinator for account records: the
// single authority through which accounts are created, mutated, looked up,
// renumbered, and deleted. It keeps the durable store and the write-through
// cache coherent and fans lifecycle transitions out to the secondary
// subsystems.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaymsg/accountd/internal/account"
	"github.com/relaymsg/accountd/internal/auth"
	"github.com/relaymsg/accountd/internal/store"
	"github.com/relaymsg/accountd/internal/util"
)

// DeletionReason tags deletion metrics with why the account went away.
type DeletionReason string

const (
	DeletionReasonAdmin       DeletionReason = "admin"
	DeletionReasonExpired     DeletionReason = "expired"
	DeletionReasonUserRequest DeletionReason = "userRequest"
)

// Deps wires the coordinator's collaborators.
type Deps struct {
	Accounts          AccountStore
	PNIs              PhoneNumberIdentifiers
	Cache             AccountCache
	DeletedAccounts   DeletedAccountsGate
	DirectoryQueue    DirectoryQueue
	Keys              KeyStore
	Messages          MessageStore
	Profiles          ProfileStore
	ReservedUsernames ReservedUsernames
	PendingAccounts   PendingAccounts
	SecureStorage     SecureStorageClient
	SecureBackup      SecureBackupClient
	Presence          PresenceManager
	// Now supplies timestamps for creation and badge bookkeeping;
	// defaults to time.Now.
	Now func() time.Time
}

// Manager is the account lifecycle coordinator. It holds no mutable state of
// its own and is safe for concurrent use; all shared state lives behind the
// collaborators.
type Manager struct {
	accounts          AccountStore
	pnis              PhoneNumberIdentifiers
	cache             AccountCache
	deletedAccounts   DeletedAccountsGate
	directoryQueue    DirectoryQueue
	keys              KeyStore
	messages          MessageStore
	profiles          ProfileStore
	reservedUsernames ReservedUsernames
	pendingAccounts   PendingAccounts
	secureStorage     SecureStorageClient
	secureBackup      SecureBackupClient
	presence          PresenceManager
	now               func() time.Time
}

// NewManager creates the coordinator.
func NewManager(d Deps) *Manager {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		accounts:          d.Accounts,
		pnis:              d.PNIs,
		cache:             d.Cache,
		deletedAccounts:   d.DeletedAccounts,
		directoryQueue:    d.DirectoryQueue,
		keys:              d.Keys,
		messages:          d.Messages,
		profiles:          d.Profiles,
		reservedUsernames: d.ReservedUsernames,
		pendingAccounts:   d.PendingAccounts,
		secureStorage:     d.SecureStorage,
		secureBackup:      d.SecureBackup,
		presence:          d.Presence,
		now:               now,
	}
}

// Create registers an account for a number. Inside the number's exclusive
// section it builds the record with its primary device, reclaiming a
// recently deleted identifier when one is remembered for the number.
func (m *Manager) Create(ctx context.Context, number, password, userAgent string, attrs account.Attributes, badges []account.Badge) (*account.Account, error) {
	defer timeOp("create")()

	var created *account.Account

	err := m.deletedAccounts.LockAndTake(ctx, number, func(ctx context.Context, recentlyDeleted *uuid.UUID) error {
		pni, err := m.pnis.PNI(ctx, number)
		if err != nil {
			return err
		}

		authTokenHash, err := auth.HashAuthToken(password)
		if err != nil {
			return fmt.Errorf("hash device password: %w", err)
		}

		now := m.now()
		a := &account.Account{
			Number:                         number,
			PNI:                            pni,
			RegistrationLock:               attrs.RegistrationLock,
			UnidentifiedAccessKey:          attrs.UnidentifiedAccessKey,
			UnrestrictedUnidentifiedAccess: attrs.UnrestrictedUnidentifiedAccess,
			DiscoverableByPhoneNumber:      attrs.DiscoverableByPhoneNumber,
			CreatedAt:                      now.UnixMilli(),
		}
		if recentlyDeleted != nil {
			a.ACI = *recentlyDeleted
		} else {
			a.ACI = uuid.New()
		}
		a.AddDevice(&account.Device{
			ID:              account.PrimaryDeviceID,
			AuthTokenHash:   authTokenHash,
			FetchesMessages: attrs.FetchesMessages,
			RegistrationID:  attrs.RegistrationID,
			Name:            attrs.Name,
			Capabilities:    attrs.Capabilities,
			UserAgent:       userAgent,
			Created:         now.UnixMilli(),
			LastSeen:        util.StartOfDayMillis(now),
		})
		a.SetBadges(now, badges)

		originalACI := a.ACI

		fresh, err := m.accounts.Create(ctx, a)
		if err != nil {
			return err
		}

		// Create rewrites the identifier when a live account already held
		// the number.
		actualACI := a.ACI

		m.cache.Set(ctx, a)

		if err := m.pendingAccounts.Remove(ctx, number); err != nil {
			log.Warn().Err(err).Str("number", number).Msg("failed to remove pending verification code")
		}

		// Three mutually exclusive prior states: nothing existed (fresh), a
		// live account held the number (identifier rewritten — its stored
		// residue must go), or a recently deleted account's identifier was
		// reclaimed (residue already cleared at deletion time).
		if originalACI != actualACI {
			m.clearResidue(ctx, actualACI)
		}

		switch {
		case fresh:
			createCounter.WithLabelValues("new").Inc()
		case originalACI != actualACI:
			createCounter.WithLabelValues("re-registration").Inc()
		default:
			createCounter.WithLabelValues("recently-deleted").Inc()
		}

		if !a.DiscoverableByPhoneNumber {
			// The new account explicitly opted out of discoverability.
			if err := m.directoryQueue.DeleteAccount(ctx, a); err != nil {
				log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to enqueue directory delete")
			}
		}

		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (m *Manager) clearResidue(ctx context.Context, aci uuid.UUID) {
	if err := m.messages.Clear(ctx, aci); err != nil {
		log.Warn().Err(err).Str("aci", aci.String()).Msg("failed to clear displaced account messages")
	}
	if err := m.keys.Delete(ctx, aci); err != nil {
		log.Warn().Err(err).Str("aci", aci.String()).Msg("failed to delete displaced account prekeys")
	}
	if err := m.profiles.DeleteAll(ctx, aci); err != nil {
		log.Warn().Err(err).Str("aci", aci.String()).Msg("failed to delete displaced account profiles")
	}
}

// ChangeNumber moves an account to a new number, deleting any live account
// that already holds it. Returns the updated copy; the argument is stale
// afterwards.
func (m *Manager) ChangeNumber(ctx context.Context, a *account.Account, newNumber string) (*account.Account, error) {
	originalNumber := a.Number
	if originalNumber == newNumber {
		return a, nil
	}

	var updated *account.Account

	err := m.deletedAccounts.LockAndTransfer(ctx, originalNumber, newNumber, func(ctx context.Context, deletedForNewNumber *uuid.UUID) (*uuid.UUID, error) {
		m.cache.Delete(ctx, a)

		existing, err := m.GetByE164(ctx, newNumber)
		if err != nil {
			return nil, err
		}

		var displaced *uuid.UUID
		if existing != nil {
			if err := m.deleteAccount(ctx, existing); err != nil {
				return nil, err
			}
			if err := m.directoryQueue.DeleteAccount(ctx, existing); err != nil {
				log.Warn().Err(err).Str("aci", existing.ACI.String()).Msg("failed to enqueue directory delete")
			}
			id := existing.ACI
			displaced = &id
		} else {
			displaced = deletedForNewNumber
		}

		pni, err := m.pnis.PNI(ctx, newNumber)
		if err != nil {
			return nil, err
		}

		aci := a.ACI
		updated, err = updateWithRetries(ctx, a,
			func(*account.Account) bool { return true },
			func(ctx context.Context, acct *account.Account) error {
				return m.accounts.ChangeNumber(ctx, acct, newNumber, pni)
			},
			func(ctx context.Context) (*account.Account, error) {
				return m.requireByACI(ctx, aci)
			},
		)
		if err != nil {
			return nil, err
		}

		m.cache.Set(ctx, updated)

		if err := m.directoryQueue.ChangePhoneNumber(ctx, updated, originalNumber, newNumber); err != nil {
			log.Warn().Err(err).Str("aci", updated.ACI.String()).Msg("failed to enqueue directory number change")
		}

		return displaced, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetUsername assigns a canonical username. ErrUsernameNotAvailable surfaces
// when the name is held or reserved by another live account.
func (m *Manager) SetUsername(ctx context.Context, a *account.Account, raw string) (*account.Account, error) {
	canonical := util.CanonicalUsername(raw)
	if canonical == "" {
		return nil, account.ErrUsernameNotAvailable
	}
	if a.Username == canonical {
		return a, nil
	}

	reserved, err := m.reservedUsernames.IsReserved(ctx, canonical, a.ACI)
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, account.ErrUsernameNotAvailable
	}

	m.cache.Delete(ctx, a)

	aci := a.ACI
	return updateWithRetries(ctx, a,
		func(*account.Account) bool { return true },
		func(ctx context.Context, acct *account.Account) error {
			return m.accounts.SetUsername(ctx, acct, canonical)
		},
		func(ctx context.Context) (*account.Account, error) {
			return m.requireByACI(ctx, aci)
		},
	)
}

// ClearUsername removes the account's username, if any.
func (m *Manager) ClearUsername(ctx context.Context, a *account.Account) (*account.Account, error) {
	m.cache.Delete(ctx, a)

	aci := a.ACI
	return updateWithRetries(ctx, a,
		func(*account.Account) bool { return true },
		m.accounts.ClearUsername,
		func(ctx context.Context) (*account.Account, error) {
			return m.requireByACI(ctx, aci)
		},
	)
}

// Update applies a general-purpose mutation. The updater must not touch
// number, PNI, or username; those change only through their dedicated
// operations.
func (m *Manager) Update(ctx context.Context, a *account.Account, updater func(*account.Account)) (*account.Account, error) {
	// Assume all updaters passed to the public method actually modify the
	// account.
	return m.update(ctx, a, func(acct *account.Account) bool {
		updater(acct)
		return true
	})
}

// UpdateDevice locates a device and applies the mutation to it.
func (m *Manager) UpdateDevice(ctx context.Context, a *account.Account, deviceID int64, updater func(*account.Device)) (*account.Account, error) {
	return m.update(ctx, a, func(acct *account.Account) bool {
		if d := acct.Device(deviceID); d != nil {
			updater(d)
		}
		return true
	})
}

// UpdateDeviceLastSeen advances a device's last-seen timestamp, skipping the
// write entirely when the stored value is already current. Last-seen bumps
// are the most frequent and most contended update, so the no-op path
// matters.
func (m *Manager) UpdateDeviceLastSeen(ctx context.Context, a *account.Account, device *account.Device, lastSeen int64) (*account.Account, error) {
	return m.update(ctx, a, func(acct *account.Account) bool {
		d := acct.Device(device.ID)
		if d == nil || d.LastSeen >= lastSeen {
			return false
		}
		d.LastSeen = lastSeen
		return true
	})
}

func (m *Manager) update(ctx context.Context, a *account.Account, updater func(*account.Account) bool) (*account.Account, error) {
	defer timeOp("update")()

	wasVisible := a.ShouldBeVisibleInDirectory()

	m.cache.Delete(ctx, a)

	aci := a.ACI
	originalNumber := a.Number
	originalPNI := a.PNI
	originalUsername := a.Username

	updated, err := updateWithRetries(ctx, a, updater,
		m.accounts.Update,
		func(ctx context.Context) (*account.Account, error) {
			return m.requireByACI(ctx, aci)
		},
	)
	if err != nil {
		return nil, err
	}

	// Diagnostic only: these fields have dedicated operations and a generic
	// update that moved one indicates a bug upstream, but the write has
	// already happened and raising here would not undo it.
	if updated.Number != originalNumber {
		log.Error().Str("aci", aci.String()).Msg("number changed via generic update; numbers must change via ChangeNumber")
	}
	if updated.PNI != originalPNI {
		log.Error().Str("aci", aci.String()).Msg("pni changed via generic update; pnis must change via ChangeNumber")
	}
	if updated.Username != originalUsername {
		log.Error().Str("aci", aci.String()).Msg("username changed via generic update; usernames must change via SetUsername")
	}

	m.cache.Set(ctx, updated)

	if updated.ShouldBeVisibleInDirectory() != wasVisible {
		if err := m.directoryQueue.RefreshAccount(ctx, updated); err != nil {
			log.Warn().Err(err).Str("aci", aci.String()).Msg("failed to enqueue directory refresh")
		}
	}

	return updated, nil
}

// GetByE164 is a read-through lookup by phone number.
func (m *Manager) GetByE164(ctx context.Context, number string) (*account.Account, error) {
	defer timeOp("getByNumber")()

	if a := m.cache.GetByE164(ctx, number); a != nil {
		return a, nil
	}
	a, err := m.accounts.GetByE164(ctx, number)
	if err != nil {
		return nil, err
	}
	if a != nil {
		m.cache.Set(ctx, a)
	}
	return a, nil
}

// GetByPhoneNumberIdentifier is a read-through lookup by PNI.
func (m *Manager) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*account.Account, error) {
	defer timeOp("getByPni")()

	if a := m.cache.GetByPNI(ctx, pni); a != nil {
		return a, nil
	}
	a, err := m.accounts.GetByPhoneNumberIdentifier(ctx, pni)
	if err != nil {
		return nil, err
	}
	if a != nil {
		m.cache.Set(ctx, a)
	}
	return a, nil
}

// GetByUsername is a read-through lookup by username.
func (m *Manager) GetByUsername(ctx context.Context, raw string) (*account.Account, error) {
	defer timeOp("getByUsername")()

	canonical := util.CanonicalUsername(raw)

	if a := m.cache.GetByUsername(ctx, canonical); a != nil {
		return a, nil
	}
	a, err := m.accounts.GetByUsername(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if a != nil {
		m.cache.Set(ctx, a)
	}
	return a, nil
}

// GetByAccountIdentifier is a read-through lookup by ACI.
func (m *Manager) GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*account.Account, error) {
	defer timeOp("getByAci")()

	if a := m.cache.GetByACI(ctx, aci); a != nil {
		return a, nil
	}
	a, err := m.accounts.GetByAccountIdentifier(ctx, aci)
	if err != nil {
		return nil, err
	}
	if a != nil {
		m.cache.Set(ctx, a)
	}
	return a, nil
}

// GetAllFromStart returns the first crawl page straight from the primary
// store.
func (m *Manager) GetAllFromStart(ctx context.Context, length int) (*store.CrawlChunk, error) {
	return m.accounts.GetAllFromStart(ctx, length)
}

// GetAllFrom returns the crawl page after the given identifier.
func (m *Manager) GetAllFrom(ctx context.Context, after uuid.UUID, length int) (*store.CrawlChunk, error) {
	return m.accounts.GetAllFrom(ctx, after, length)
}

// Delete removes an account and writes its identifier as the number's
// tombstone so a prompt re-registration reclaims it.
func (m *Manager) Delete(ctx context.Context, a *account.Account, reason DeletionReason) error {
	defer timeOp("delete")()

	// The gate hands the callback a non-cancellable context: once the lease
	// is held the deletion runs to completion, tombstone included.
	err := m.deletedAccounts.LockAndPut(ctx, a.Number, func(ctx context.Context) (uuid.UUID, error) {
		if err := m.deleteAccount(ctx, a); err != nil {
			return uuid.Nil, err
		}
		if err := m.directoryQueue.DeleteAccount(ctx, a); err != nil {
			log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to enqueue directory delete")
		}
		return a.ACI, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to delete account")
		return err
	}

	deleteCounter.WithLabelValues(util.CountryCode(a.Number), string(reason)).Inc()
	return nil
}

// deleteAccount is the inner fan-out shared by Delete and the change-number
// displacement path. The secure-service deletions run concurrently and both
// must land before the durable row goes away, so a crashed delete stays
// retryable; the other secondary stores are cleaned best-effort.
func (m *Manager) deleteAccount(ctx context.Context, a *account.Account) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.secureStorage.DeleteStoredData(gctx, a.ACI)
	})
	g.Go(func() error {
		return m.secureBackup.DeleteBackups(gctx, a.ACI)
	})

	if err := m.profiles.DeleteAll(ctx, a.ACI); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to delete profiles")
	}
	if err := m.keys.Delete(ctx, a.ACI); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to delete aci prekeys")
	}
	if err := m.keys.Delete(ctx, a.PNI); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to delete pni prekeys")
	}
	if err := m.messages.Clear(ctx, a.ACI); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to clear aci messages")
	}
	if err := m.messages.Clear(ctx, a.PNI); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("failed to clear pni messages")
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("secure-service deletion: %w", err)
	}

	if err := m.accounts.Delete(ctx, a.ACI); err != nil {
		return err
	}
	m.cache.Delete(ctx, a)

	// The row is already gone; a device that stays connected will drop off
	// on its own, so presence failures are only logged.
	for _, d := range a.Devices {
		if err := m.presence.DisconnectPresence(ctx, a.ACI, d.ID); err != nil {
			log.Warn().Err(err).Str("aci", a.ACI.String()).Int64("device", d.ID).Msg("failed to disconnect presence")
		}
	}
	return nil
}

// requireByACI fetches the authoritative copy for a retry loop; the account
// vanishing mid-update is unexpected and surfaces as an error.
func (m *Manager) requireByACI(ctx context.Context, aci uuid.UUID) (*account.Account, error) {
	a, err := m.accounts.GetByAccountIdentifier(ctx, aci)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.New("account disappeared during update: " + aci.String())
	}
	return a, nil
}
