package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

// CredentialRepo implements transport.CredentialStore on PostgreSQL. The
// bridge holds exactly one pairing, so the table effectively has one row.
type CredentialRepo struct {
	db       *DB
	deviceID string
}

func NewCredentialRepo(db *DB, deviceID string) *CredentialRepo {
	return &CredentialRepo{db: db, deviceID: deviceID}
}

type credentialRow struct {
	DeviceID string    `db:"device_id"`
	Token    string    `db:"token"`
	PairedAt time.Time `db:"paired_at"`
}

// Load returns the stored credentials, or nil when the device has never
// been paired.
func (r *CredentialRepo) Load(ctx context.Context) (*domain.Credentials, error) {
	var row credentialRow
	err := r.db.GetContext(ctx, &row,
		`SELECT device_id, token, paired_at FROM credentials WHERE device_id = $1`,
		r.deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return &domain.Credentials{
		DeviceID: row.DeviceID,
		Token:    row.Token,
		PairedAt: row.PairedAt,
	}, nil
}

// Save upserts the credentials.
func (r *CredentialRepo) Save(ctx context.Context, creds *domain.Credentials) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (device_id, token, paired_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (device_id)
		DO UPDATE SET token = EXCLUDED.token, updated_at = now()`,
		creds.DeviceID, creds.Token, creds.PairedAt)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Delete wipes the credentials, forcing a fresh pairing.
func (r *CredentialRepo) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE device_id = $1`, r.deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// Has reports whether credentials are present, used by the health monitor.
func (r *CredentialRepo) Has(ctx context.Context) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT count(*) FROM credentials WHERE device_id = $1`, r.deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to count credentials: %w", err)
	}
	return count > 0, nil
}
