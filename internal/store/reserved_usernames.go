package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReservedUsernames is the index of usernames held back from general
// assignment. A reservation may name the account it is held for; that
// account can still claim it.
type ReservedUsernames struct {
	DB *pgxpool.Pool
}

// NewReservedUsernames creates the reserved-username index.
func NewReservedUsernames(db *pgxpool.Pool) *ReservedUsernames {
	return &ReservedUsernames{DB: db}
}

// IsReserved reports whether username is reserved to someone other than aci.
func (s *ReservedUsernames) IsReserved(ctx context.Context, username string, aci uuid.UUID) (bool, error) {
	var reserved bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reserved_usernames
			WHERE username = $1 AND (aci IS NULL OR aci <> $2)
		)
	`, username, aci).Scan(&reserved)
	if err != nil {
		return false, fmt.Errorf("check reserved username: %w", err)
	}
	return reserved, nil
}
