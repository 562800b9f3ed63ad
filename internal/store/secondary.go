package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Messages holds queued message envelopes per recipient identifier (ACI or
// PNI). The coordinator only ever clears them wholesale.
type Messages struct {
	DB *pgxpool.Pool
}

// NewMessages creates the message store adapter.
func NewMessages(db *pgxpool.Pool) *Messages {
	return &Messages{DB: db}
}

// Clear drops every queued message for the identifier.
func (s *Messages) Clear(ctx context.Context, identifier uuid.UUID) error {
	if _, err := s.DB.Exec(ctx,
		`DELETE FROM messages WHERE recipient = $1`, identifier); err != nil {
		return fmt.Errorf("clear messages for %s: %w", identifier, err)
	}
	return nil
}

// Keys holds published prekeys per identifier (ACI or PNI).
type Keys struct {
	DB *pgxpool.Pool
}

// NewKeys creates the prekey store adapter.
func NewKeys(db *pgxpool.Pool) *Keys {
	return &Keys{DB: db}
}

// Delete drops every prekey for the identifier.
func (s *Keys) Delete(ctx context.Context, identifier uuid.UUID) error {
	if _, err := s.DB.Exec(ctx,
		`DELETE FROM prekeys WHERE identifier = $1`, identifier); err != nil {
		return fmt.Errorf("delete prekeys for %s: %w", identifier, err)
	}
	return nil
}

// Profiles holds versioned profile documents per account.
type Profiles struct {
	DB *pgxpool.Pool
}

// NewProfiles creates the profile store adapter.
func NewProfiles(db *pgxpool.Pool) *Profiles {
	return &Profiles{DB: db}
}

// DeleteAll drops every profile version for the account.
func (s *Profiles) DeleteAll(ctx context.Context, aci uuid.UUID) error {
	if _, err := s.DB.Exec(ctx,
		`DELETE FROM profiles WHERE aci = $1`, aci); err != nil {
		return fmt.Errorf("delete profiles for %s: %w", aci, err)
	}
	return nil
}
