// Package store implements the persistent key/value surface backing every
// other component (spec §4.A): durable bucket rows plus the ancillary
// tables named in spec §6 (users, device ownership, entry codes, weather
// cache, integration config). The cache (internal/cache) is the only
// caller that touches buckets through this package in steady state; the
// pairing, operator and weather packages use the ancillary operations
// directly.
package store

import (
	"context"
	"errors"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
)

// ErrNotFound is returned by single-row lookups that find nothing. Callers
// that treat absence as a normal outcome (bucket lookups, owner lookups)
// check for it with errors.Is rather than propagating a ServiceError
// themselves — that choice belongs to the calling layer.
var ErrNotFound = errors.New("store: not found")

// EntryCode mirrors the entryKeys table row (spec §3 "Entry code", §6
// entryKeys schema).
type EntryCode struct {
	Code       string
	Serial     string
	CreatedAt  int64
	ExpiresAt  int64
	ClaimedBy  string // empty if unclaimed
	ClaimedAt  int64  // 0 if unclaimed
}

// Claimed reports whether the code has been claimed.
func (e *EntryCode) Claimed() bool { return e.ClaimedBy != "" }

// WeatherRecord mirrors the weather table row (spec §6).
type WeatherRecord struct {
	PostalCode string
	Country    string
	FetchedAt  int64
	DataJSON   string
}

// Store is the persistence surface spec §4.A requires: get/put/delete
// bucket by (serial, key); list buckets for a serial; list all buckets (to
// warm the cache at startup); CRUD on ancillary tables; atomic claim and
// atomic fresh-code generation.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Buckets (spec §3, §4.A, §4.B).
	GetBucket(ctx context.Context, serial, key string) (*bucket.Bucket, error)
	PutBucket(ctx context.Context, b *bucket.Bucket) error
	ListBucketsForSerial(ctx context.Context, serial string) ([]*bucket.Bucket, error)
	ListAllBuckets(ctx context.Context) ([]*bucket.Bucket, error)
	DeleteBucketsForSerial(ctx context.Context, serial string) error

	// Entry codes (spec §3 "Entry code", §4.F).
	DeleteEntryCodesForSerial(ctx context.Context, serial string) error
	InsertEntryCodeIfUnused(ctx context.Context, code, serial string, createdAt, expiresAt int64) (bool, error)
	GetEntryCodeForSerial(ctx context.Context, serial string, now int64) (*EntryCode, error)
	ClaimEntryCode(ctx context.Context, code, userID string, now int64) (serial string, ok bool, err error)

	// Device ownership (spec §3 "Device ownership").
	GetOwner(ctx context.Context, serial string) (userID string, err error)
	UpsertOwner(ctx context.Context, serial, userID string, createdAt int64) error
	DeleteOwner(ctx context.Context, serial string) error
	ListOwnedSerials(ctx context.Context, userID string) ([]string, error)

	// Users (spec §6 users table).
	EnsureUser(ctx context.Context, clerkID, email string, createdAt int64) error

	// Weather cache (spec §6 weather table).
	GetWeather(ctx context.Context, postalCode, country string) (*WeatherRecord, error)
	PutWeather(ctx context.Context, rec *WeatherRecord) error

	// Integration config (spec §6 integrations table; EXPANSION C MQTT).
	GetIntegrationConfig(ctx context.Context, kind string) (string, error)
	PutIntegrationConfig(ctx context.Context, kind, configJSON string) error

	Close() error
}
