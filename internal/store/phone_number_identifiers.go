package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PhoneNumberIdentifiers maps E.164 numbers to their stable phone-number
// identifiers, allocating one on first request. A number's PNI never changes
// once allocated, even across deletion and re-registration.
type PhoneNumberIdentifiers struct {
	DB *pgxpool.Pool
}

// NewPhoneNumberIdentifiers creates the PNI directory.
func NewPhoneNumberIdentifiers(db *pgxpool.Pool) *PhoneNumberIdentifiers {
	return &PhoneNumberIdentifiers{DB: db}
}

// PNI returns the identifier for a number, allocating it if necessary.
func (s *PhoneNumberIdentifiers) PNI(ctx context.Context, number string) (uuid.UUID, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row when the
	// candidate identifier loses the insert race.
	var pni uuid.UUID
	err := s.DB.QueryRow(ctx, `
		INSERT INTO phone_number_identifiers (number, pni)
		VALUES ($1, $2)
		ON CONFLICT (number) DO UPDATE SET number = EXCLUDED.number
		RETURNING pni
	`, number, uuid.New()).Scan(&pni)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve pni for %s: %w", number, err)
	}
	return pni, nil
}
