package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PendingAccounts stores outstanding registration verification codes keyed
// by phone number.
type PendingAccounts struct {
	DB *pgxpool.Pool
}

// NewPendingAccounts creates the pending-verification store.
func NewPendingAccounts(db *pgxpool.Pool) *PendingAccounts {
	return &PendingAccounts{DB: db}
}

// Store records the current verification code for a number, replacing any
// previous one.
func (s *PendingAccounts) Store(ctx context.Context, number, code string) error {
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO pending_accounts (number, code)
		VALUES ($1, $2)
		ON CONFLICT (number) DO UPDATE SET code = EXCLUDED.code, created_at = now()
	`, number, code); err != nil {
		return fmt.Errorf("store verification code: %w", err)
	}
	return nil
}

// Get returns the outstanding code for a number, or "" when none exists.
func (s *PendingAccounts) Get(ctx context.Context, number string) (string, error) {
	var code string
	err := s.DB.QueryRow(ctx,
		`SELECT code FROM pending_accounts WHERE number = $1`, number).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get verification code: %w", err)
	}
	return code, nil
}

// Remove drops any outstanding code for a number.
func (s *PendingAccounts) Remove(ctx context.Context, number string) error {
	if _, err := s.DB.Exec(ctx,
		`DELETE FROM pending_accounts WHERE number = $1`, number); err != nil {
		return fmt.Errorf("remove verification code: %w", err)
	}
	return nil
}
