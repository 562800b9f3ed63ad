package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTombstoneTTL bounds how long a deleted account's identifier can be
// reclaimed by re-registering the same number. Long enough to cover a user
// reinstalling and re-verifying.
const DefaultTombstoneTTL = 4 * time.Hour

// DeletedAccounts is the gate that serializes lifecycle transitions per
// phone number and remembers recently deleted account identifiers.
//
// Exclusivity comes from transaction-scoped Postgres advisory locks keyed by
// the number: the lock is held from acquisition until the surrounding
// transaction commits or rolls back, which brackets the callback. Context
// cancellation while waiting on the lock aborts the transaction and
// surfaces to the caller; once a tombstone-writing section holds the lock it
// runs to completion on a non-cancellable context, so the callback's durable
// effects and the tombstone commit together or the caller sees the error
// before anything happened.
type DeletedAccounts struct {
	DB  *pgxpool.Pool
	TTL time.Duration
}

// NewDeletedAccounts creates the gate. A zero ttl selects the default.
func NewDeletedAccounts(db *pgxpool.Pool, ttl time.Duration) *DeletedAccounts {
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	return &DeletedAccounts{DB: db, TTL: ttl}
}

// LockAndTake acquires the number's exclusive section, consumes any
// unexpired tombstone for it, and runs fn with the remembered identifier
// (nil when none). The tombstone removal commits only if fn succeeds.
func (s *DeletedAccounts) LockAndTake(ctx context.Context, number string, fn func(ctx context.Context, recentlyDeleted *uuid.UUID) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin number lease: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquire(ctx, tx, number); err != nil {
		return err
	}

	aci, err := take(ctx, tx, number)
	if err != nil {
		return err
	}

	if err := fn(ctx, aci); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LockAndPut acquires the number's exclusive section, runs fn, and stores
// its returned identifier as the tombstone for the number. Used by delete.
func (s *DeletedAccounts) LockAndPut(ctx context.Context, number string, fn func(ctx context.Context) (uuid.UUID, error)) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin number lease: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquire(ctx, tx, number); err != nil {
		return err
	}

	// Cancellation must not split the section: the callback deletes the
	// durable row through the pool, outside this transaction, and losing the
	// tombstone commit afterwards would let a re-registration mint a fresh
	// identifier for the same person.
	ctx = context.WithoutCancel(ctx)

	aci, err := fn(ctx)
	if err != nil {
		return err
	}

	if err := s.put(ctx, tx, number, aci); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LockAndTransfer acquires the exclusive sections for both numbers, hands fn
// any unexpired tombstone for newNumber, and stores the displaced identifier
// fn returns (if any) as the tombstone for newNumber — the number the
// displaced account held when it went away. Used by changeNumber.
func (s *DeletedAccounts) LockAndTransfer(ctx context.Context, oldNumber, newNumber string, fn func(ctx context.Context, deletedForNewNumber *uuid.UUID) (*uuid.UUID, error)) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin number lease: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquire(ctx, tx, oldNumber, newNumber); err != nil {
		return err
	}

	// Same run-to-completion discipline as LockAndPut: the callback may
	// delete a displaced live account through the pool, and its tombstone
	// must not be lost to a late cancellation.
	ctx = context.WithoutCancel(ctx)

	deleted, err := find(ctx, tx, newNumber)
	if err != nil {
		return err
	}

	displaced, err := fn(ctx, deleted)
	if err != nil {
		return err
	}

	if displaced != nil {
		if err := s.put(ctx, tx, newNumber, *displaced); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// acquire takes advisory locks for the numbers in a stable global order so
// that concurrent two-number sections cannot deadlock.
func acquire(ctx context.Context, tx pgx.Tx, numbers ...string) error {
	sort.Strings(numbers)
	for _, n := range numbers {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, n); err != nil {
			return fmt.Errorf("acquire lease on %s: %w", n, err)
		}
	}
	return nil
}

// take removes and returns the tombstone for number; expired tombstones are
// discarded.
func take(ctx context.Context, tx pgx.Tx, number string) (*uuid.UUID, error) {
	var aci uuid.UUID
	var expiresAt time.Time
	err := tx.QueryRow(ctx,
		`DELETE FROM deleted_accounts WHERE number = $1 RETURNING aci, expires_at`,
		number).Scan(&aci, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take tombstone for %s: %w", number, err)
	}
	if time.Now().After(expiresAt) {
		return nil, nil
	}
	return &aci, nil
}

// find returns the unexpired tombstone for number without consuming it.
func find(ctx context.Context, tx pgx.Tx, number string) (*uuid.UUID, error) {
	var aci uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT aci FROM deleted_accounts WHERE number = $1 AND expires_at > now()`,
		number).Scan(&aci)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tombstone for %s: %w", number, err)
	}
	return &aci, nil
}

func (s *DeletedAccounts) put(ctx context.Context, tx pgx.Tx, number string, aci uuid.UUID) error {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO deleted_accounts (number, aci, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (number) DO UPDATE SET aci = EXCLUDED.aci, expires_at = EXCLUDED.expires_at
	`, number, aci, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("put tombstone for %s: %w", number, err)
	}
	return nil
}
