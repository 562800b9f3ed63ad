// Package store implements the durable Postgres-backed stores: the primary
// account table, the deleted-accounts tombstone gate, the phone-number
// identifier directory, and the secondary per-account stores.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymsg/accountd/internal/account"
)

const accountColumns = `aci, number, pni, username, version, data`

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// Accounts is the primary store adapter. The table carries the canonical
// JSON document plus dedicated columns for the three secondary keys, and a
// version column that backs optimistic concurrency: every write is
// conditional on the version the caller read.
type Accounts struct {
	DB *pgxpool.Pool
}

// NewAccounts creates the primary store adapter.
func NewAccounts(db *pgxpool.Pool) *Accounts {
	return &Accounts{DB: db}
}

// CrawlChunk is one page of a full-table scan.
type CrawlChunk struct {
	Accounts []*account.Account
	// Last is the cursor for the next page; nil when the page was empty.
	Last *uuid.UUID
}

// Create inserts a new account. If a live account already holds the number,
// the existing row is taken over in place: it receives the new registration's
// devices and credentials, and a.ACI is rewritten to the existing identifier.
// The second outcome is signalled by the false return, not by an error.
func (s *Accounts) Create(ctx context.Context, a *account.Account) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingACI uuid.UUID
	var existingVersion int
	err = tx.QueryRow(ctx,
		`SELECT aci, version FROM accounts WHERE number = $1 FOR UPDATE`,
		a.Number).Scan(&existingACI, &existingVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		a.Version = 1
		data, err := json.Marshal(a)
		if err != nil {
			return false, fmt.Errorf("serialize account %s: %w", a.ACI, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (aci, number, pni, username, version, data)
			VALUES ($1, $2, $3, NULL, $4, $5)
		`, a.ACI, a.Number, a.PNI, a.Version, data); err != nil {
			return false, fmt.Errorf("insert account: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit create: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("probe number %s: %w", a.Number, err)
	}

	// Number conflict: the caller's registration takes over the existing
	// identity. Usernames do not survive a re-registration.
	a.ACI = existingACI
	a.Username = ""
	a.Version = existingVersion + 1

	data, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET pni = $1, username = NULL, version = $2, data = $3 WHERE aci = $4
	`, a.PNI, a.Version, data, a.ACI); err != nil {
		return false, fmt.Errorf("take over account %s: %w", a.ACI, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit create: %w", err)
	}
	return false, nil
}

// Update writes a back, conditional on a.Version. On success the version is
// bumped in both the row and the object; if the stored row has moved on, the
// write fails with account.ErrContested and a is left untouched.
func (s *Accounts) Update(ctx context.Context, a *account.Account) error {
	prev := a.Version
	a.Version = prev + 1

	data, err := json.Marshal(a)
	if err != nil {
		a.Version = prev
		return fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE accounts SET username = $1, version = $2, data = $3
		WHERE aci = $4 AND version = $5
	`, nullable(a.Username), a.Version, data, a.ACI, prev)
	if err != nil {
		a.Version = prev
		return fmt.Errorf("update account %s: %w", a.ACI, err)
	}
	if tag.RowsAffected() == 0 {
		a.Version = prev
		return account.ErrContested
	}
	return nil
}

// ChangeNumber atomically swaps the number and phone-number identifier,
// with the same contested semantics as Update.
func (s *Accounts) ChangeNumber(ctx context.Context, a *account.Account, newNumber string, newPNI uuid.UUID) error {
	prev := a.Version
	prevNumber, prevPNI := a.Number, a.PNI
	a.Number, a.PNI, a.Version = newNumber, newPNI, prev+1

	restore := func() {
		a.Number, a.PNI, a.Version = prevNumber, prevPNI, prev
	}

	data, err := json.Marshal(a)
	if err != nil {
		restore()
		return fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE accounts SET number = $1, pni = $2, version = $3, data = $4
		WHERE aci = $5 AND version = $6
	`, newNumber, newPNI, a.Version, data, a.ACI, prev)
	if err != nil {
		restore()
		return fmt.Errorf("change number for account %s: %w", a.ACI, err)
	}
	if tag.RowsAffected() == 0 {
		restore()
		return account.ErrContested
	}
	return nil
}

// SetUsername atomically assigns a canonical username. A unique-index
// violation means another live account holds it and surfaces as
// account.ErrUsernameNotAvailable; a lost version race surfaces as
// account.ErrContested.
func (s *Accounts) SetUsername(ctx context.Context, a *account.Account, username string) error {
	prev := a.Version
	prevUsername := a.Username
	a.Username, a.Version = username, prev+1

	restore := func() {
		a.Username, a.Version = prevUsername, prev
	}

	data, err := json.Marshal(a)
	if err != nil {
		restore()
		return fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE accounts SET username = $1, version = $2, data = $3
		WHERE aci = $4 AND version = $5
	`, username, a.Version, data, a.ACI, prev)
	if err != nil {
		restore()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return account.ErrUsernameNotAvailable
		}
		return fmt.Errorf("set username for account %s: %w", a.ACI, err)
	}
	if tag.RowsAffected() == 0 {
		restore()
		return account.ErrContested
	}
	return nil
}

// ClearUsername atomically removes the username, if any.
func (s *Accounts) ClearUsername(ctx context.Context, a *account.Account) error {
	prev := a.Version
	prevUsername := a.Username
	a.Username, a.Version = "", prev+1

	data, err := json.Marshal(a)
	if err != nil {
		a.Username, a.Version = prevUsername, prev
		return fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE accounts SET username = NULL, version = $1, data = $2
		WHERE aci = $3 AND version = $4
	`, a.Version, data, a.ACI, prev)
	if err != nil {
		a.Username, a.Version = prevUsername, prev
		return fmt.Errorf("clear username for account %s: %w", a.ACI, err)
	}
	if tag.RowsAffected() == 0 {
		a.Username, a.Version = prevUsername, prev
		return account.ErrContested
	}
	return nil
}

// GetByE164 looks an account up by phone number. A miss returns (nil, nil).
func (s *Accounts) GetByE164(ctx context.Context, number string) (*account.Account, error) {
	return s.scanOne(s.DB.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE number = $1`, number))
}

// GetByPhoneNumberIdentifier looks an account up by PNI.
func (s *Accounts) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*account.Account, error) {
	return s.scanOne(s.DB.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pni = $1`, pni))
}

// GetByUsername looks an account up by canonical username.
func (s *Accounts) GetByUsername(ctx context.Context, username string) (*account.Account, error) {
	return s.scanOne(s.DB.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username))
}

// GetByAccountIdentifier looks an account up by ACI.
func (s *Accounts) GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*account.Account, error) {
	return s.scanOne(s.DB.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE aci = $1`, aci))
}

// GetAllFromStart returns the first page of a full-table crawl, ordered by
// account identifier.
func (s *Accounts) GetAllFromStart(ctx context.Context, length int) (*CrawlChunk, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY aci LIMIT $1`, length)
	if err != nil {
		return nil, fmt.Errorf("crawl accounts: %w", err)
	}
	return s.scanChunk(rows)
}

// GetAllFrom returns the crawl page following the given cursor.
func (s *Accounts) GetAllFrom(ctx context.Context, after uuid.UUID, length int) (*CrawlChunk, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE aci > $1 ORDER BY aci LIMIT $2`, after, length)
	if err != nil {
		return nil, fmt.Errorf("crawl accounts: %w", err)
	}
	return s.scanChunk(rows)
}

// Delete removes the row; the secondary keys live on the same row, so no
// separate index cleanup is needed.
func (s *Accounts) Delete(ctx context.Context, aci uuid.UUID) error {
	if _, err := s.DB.Exec(ctx, `DELETE FROM accounts WHERE aci = $1`, aci); err != nil {
		return fmt.Errorf("delete account %s: %w", aci, err)
	}
	return nil
}

func (s *Accounts) scanOne(row pgx.Row) (*account.Account, error) {
	var (
		aci, pni uuid.UUID
		number   string
		username *string
		version  int
		data     []byte
	)
	err := row.Scan(&aci, &number, &pni, &username, &version, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return rehydrate(aci, number, pni, username, version, data)
}

func (s *Accounts) scanChunk(rows pgx.Rows) (*CrawlChunk, error) {
	defer rows.Close()

	chunk := &CrawlChunk{}
	for rows.Next() {
		var (
			aci, pni uuid.UUID
			number   string
			username *string
			version  int
			data     []byte
		)
		if err := rows.Scan(&aci, &number, &pni, &username, &version, &data); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a, err := rehydrate(aci, number, pni, username, version, data)
		if err != nil {
			return nil, err
		}
		chunk.Accounts = append(chunk.Accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crawl accounts: %w", err)
	}
	if n := len(chunk.Accounts); n > 0 {
		last := chunk.Accounts[n-1].ACI
		chunk.Last = &last
	}
	return chunk, nil
}

// rehydrate decodes the JSON document and then overwrites the indexed fields
// from their columns, which stay authoritative.
func rehydrate(aci uuid.UUID, number string, pni uuid.UUID, username *string, version int, data []byte) (*account.Account, error) {
	var a account.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("deserialize account %s: %w", aci, err)
	}
	a.ACI = aci
	a.Number = number
	a.PNI = pni
	if username != nil {
		a.Username = *username
	} else {
		a.Username = ""
	}
	a.Version = version
	return &a, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
