package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
)

// PostgresStore implements Store using PostgreSQL, in the raw
// database/sql + lib/pq style of the teacher's event store (rather than an
// ORM or sqlx, neither of which the teacher's actual repository code uses).
type PostgresStore struct {
	db *sql.DB
}

// Open opens a PostgreSQL connection pool for the given DSN.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-open *sql.DB, for callers (and tests)
// that construct the pool themselves.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates every table named in spec §6 if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS states (
			serial TEXT NOT NULL,
			object_key TEXT NOT NULL,
			object_revision BIGINT NOT NULL DEFAULT 0,
			object_timestamp BIGINT NOT NULL DEFAULT 0,
			value_json JSONB NOT NULL DEFAULT '{}',
			updated_at_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (serial, object_key)
		);
		CREATE INDEX IF NOT EXISTS idx_states_serial ON states(serial);

		CREATE TABLE IF NOT EXISTS "entryKeys" (
			code TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL,
			claimed_by TEXT,
			claimed_at_ms BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_entrykeys_serial ON "entryKeys"(serial);

		CREATE TABLE IF NOT EXISTS "deviceOwners" (
			serial TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deviceowners_user ON "deviceOwners"(user_id);

		CREATE TABLE IF NOT EXISTS users (
			clerk_id TEXT PRIMARY KEY,
			email TEXT,
			created_at_ms BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS weather (
			postal_code TEXT NOT NULL,
			country TEXT NOT NULL,
			fetched_at_ms BIGINT NOT NULL,
			data_json JSONB NOT NULL,
			PRIMARY KEY (postal_code, country)
		);

		CREATE TABLE IF NOT EXISTS "apiKeys" (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			key_preview TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT,
			permissions_json JSONB NOT NULL DEFAULT '[]',
			created_at_ms BIGINT NOT NULL,
			last_used_at_ms BIGINT
		);

		CREATE TABLE IF NOT EXISTS "deviceShares" (
			id TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			shared_with_user_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS "deviceShareInvites" (
			id TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			invited_email TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS integrations (
			kind TEXT PRIMARY KEY,
			config_json JSONB NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			serial TEXT,
			level TEXT NOT NULL,
			meta_json JSONB,
			created_at_ms BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) GetBucket(ctx context.Context, serial, key string) (*bucket.Bucket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT object_key, object_revision, object_timestamp, value_json, updated_at_ms
		FROM states WHERE serial = $1 AND object_key = $2
	`, serial, key)
	return scanBucket(serial, row)
}

func scanBucket(serial string, row *sql.Row) (*bucket.Bucket, error) {
	var (
		b        bucket.Bucket
		rawValue []byte
	)
	b.Serial = serial
	if err := row.Scan(&b.Key, &b.Revision, &b.Timestamp, &rawValue, &b.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rawValue, &b.Value); err != nil {
		return nil, fmt.Errorf("unmarshal bucket value: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) PutBucket(ctx context.Context, b *bucket.Bucket) error {
	raw, err := json.Marshal(b.Value)
	if err != nil {
		return fmt.Errorf("marshal bucket value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO states (serial, object_key, object_revision, object_timestamp, value_json, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (serial, object_key) DO UPDATE SET
			object_revision = EXCLUDED.object_revision,
			object_timestamp = EXCLUDED.object_timestamp,
			value_json = EXCLUDED.value_json,
			updated_at_ms = EXCLUDED.updated_at_ms
	`, b.Serial, b.Key, b.Revision, b.Timestamp, raw, b.UpdatedAt)
	return err
}

func (s *PostgresStore) ListBucketsForSerial(ctx context.Context, serial string) ([]*bucket.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_key, object_revision, object_timestamp, value_json, updated_at_ms
		FROM states WHERE serial = $1
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBucketRows(serial, rows)
}

func (s *PostgresStore) ListAllBuckets(ctx context.Context) ([]*bucket.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, object_key, object_revision, object_timestamp, value_json, updated_at_ms
		FROM states
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bucket.Bucket
	for rows.Next() {
		var (
			b   bucket.Bucket
			raw []byte
		)
		if err := rows.Scan(&b.Serial, &b.Key, &b.Revision, &b.Timestamp, &raw, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &b.Value); err != nil {
			return nil, fmt.Errorf("unmarshal bucket value: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func scanBucketRows(serial string, rows *sql.Rows) ([]*bucket.Bucket, error) {
	var out []*bucket.Bucket
	for rows.Next() {
		var (
			b   bucket.Bucket
			raw []byte
		)
		b.Serial = serial
		if err := rows.Scan(&b.Key, &b.Revision, &b.Timestamp, &raw, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &b.Value); err != nil {
			return nil, fmt.Errorf("unmarshal bucket value: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBucketsForSerial(ctx context.Context, serial string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE serial = $1`, serial)
	return err
}

func (s *PostgresStore) DeleteEntryCodesForSerial(ctx context.Context, serial string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM "entryKeys" WHERE serial = $1`, serial)
	return err
}

// InsertEntryCodeIfUnused attempts to insert a candidate code, relying on
// the primary key constraint to detect a collision. Returns false (no
// error) on collision so the caller's bounded-retry loop (spec §4.A, §4.F)
// can try the next candidate.
func (s *PostgresStore) InsertEntryCodeIfUnused(ctx context.Context, code, serial string, createdAt, expiresAt int64) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "entryKeys" (code, serial, created_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO NOTHING
	`, code, serial, createdAt, expiresAt)
	if err != nil {
		return false, err
	}
	// Confirm our row actually landed (ON CONFLICT DO NOTHING reports no
	// error on collision, so check for a live row at that serial matching
	// this code rather than trusting RowsAffected alone across drivers).
	row := s.db.QueryRowContext(ctx, `SELECT serial FROM "entryKeys" WHERE code = $1`, code)
	var owner string
	if err := row.Scan(&owner); err != nil {
		return false, err
	}
	return owner == serial, nil
}

func (s *PostgresStore) GetEntryCodeForSerial(ctx context.Context, serial string, now int64) (*EntryCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, serial, created_at_ms, expires_at_ms, claimed_by, claimed_at_ms
		FROM "entryKeys" WHERE serial = $1 ORDER BY created_at_ms DESC LIMIT 1
	`, serial)

	var (
		e         EntryCode
		claimedBy sql.NullString
		claimedAt sql.NullInt64
	)
	if err := row.Scan(&e.Code, &e.Serial, &e.CreatedAt, &e.ExpiresAt, &claimedBy, &claimedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = claimedAt.Int64
	_ = now
	return &e, nil
}

// ClaimEntryCode performs the atomic claim update spec §4.F requires: the
// WHERE clause encodes "matches, is unexpired, and is currently unclaimed"
// entirely inside the single UPDATE so a concurrent second claim cannot
// race past this one (spec §8 scenario 6).
func (s *PostgresStore) ClaimEntryCode(ctx context.Context, code, userID string, now int64) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE "entryKeys" SET claimed_by = $1, claimed_at_ms = $2
		WHERE code = $3 AND expires_at_ms > $4 AND claimed_by IS NULL
		RETURNING serial
	`, userID, now, code, now)

	var serial string
	if err := row.Scan(&serial); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return serial, true, nil
}

func (s *PostgresStore) GetOwner(ctx context.Context, serial string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM "deviceOwners" WHERE serial = $1`, serial)
	var userID string
	if err := row.Scan(&userID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) UpsertOwner(ctx context.Context, serial, userID string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "deviceOwners" (serial, user_id, created_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (serial) DO UPDATE SET user_id = EXCLUDED.user_id
	`, serial, userID, createdAt)
	return err
}

func (s *PostgresStore) DeleteOwner(ctx context.Context, serial string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM "deviceOwners" WHERE serial = $1`, serial)
	return err
}

func (s *PostgresStore) ListOwnedSerials(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial FROM "deviceOwners" WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnsureUser(ctx context.Context, clerkID, email string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (clerk_id, email, created_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (clerk_id) DO UPDATE SET email = EXCLUDED.email
	`, clerkID, email, createdAt)
	return err
}

func (s *PostgresStore) GetWeather(ctx context.Context, postalCode, country string) (*WeatherRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT postal_code, country, fetched_at_ms, data_json
		FROM weather WHERE postal_code = $1 AND country = $2
	`, postalCode, country)
	var rec WeatherRecord
	var raw []byte
	if err := row.Scan(&rec.PostalCode, &rec.Country, &rec.FetchedAt, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.DataJSON = string(raw)
	return &rec, nil
}

func (s *PostgresStore) PutWeather(ctx context.Context, rec *WeatherRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather (postal_code, country, fetched_at_ms, data_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (postal_code, country) DO UPDATE SET
			fetched_at_ms = EXCLUDED.fetched_at_ms,
			data_json = EXCLUDED.data_json
	`, rec.PostalCode, rec.Country, rec.FetchedAt, rec.DataJSON)
	return err
}

func (s *PostgresStore) GetIntegrationConfig(ctx context.Context, kind string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT config_json FROM integrations WHERE kind = $1`, kind)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(raw), nil
}

func (s *PostgresStore) PutIntegrationConfig(ctx context.Context, kind, configJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (kind, config_json)
		VALUES ($1, $2)
		ON CONFLICT (kind) DO UPDATE SET config_json = EXCLUDED.config_json
	`, kind, configJSON)
	return err
}
