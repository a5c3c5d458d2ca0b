// Package pairing implements the three-tier trust model gating device
// access (spec §4.F): unknown, pending (an unclaimed entry code exists),
// and paired (an owner exists). It also owns entry-code issuance and
// claim, and the pairing-dialog bucket synthesis spec §9 calls out as
// needed at two points.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

// Tier is one of the three auth tiers spec §4.F defines.
type Tier int

const (
	TierUnknown Tier = iota
	TierPending
	TierPaired
)

func (t Tier) String() string {
	switch t {
	case TierPaired:
		return "paired"
	case TierPending:
		return "pending"
	default:
		return "unknown"
	}
}

// ErrCodeSpaceExhausted is returned by IssueCode when every candidate
// within the bounded retry collided with a live code (spec §4.A, §4.F).
var ErrCodeSpaceExhausted = errors.New("pairing: entry code space exhausted")

const (
	maxGenerateAttempts = 20
	defaultTTLSeconds   = 3600
)

// Clock lets tests stub the current time; in production it is
// time.Now().UnixMilli.
type Clock func() int64

// Machine is the pairing state machine.
type Machine struct {
	store store.Store
	cache *cache.Cache
	now   Clock
}

// New constructs a Machine.
func New(st store.Store, c *cache.Cache, now Clock) *Machine {
	return &Machine{store: st, cache: c, now: now}
}

// Tier computes the auth tier for a serial (spec §4.F): paired if a
// DeviceOwner row exists, else pending if an unclaimed unexpired entry
// code exists, else unknown.
func (m *Machine) Tier(ctx context.Context, serial string) (Tier, error) {
	if _, err := m.store.GetOwner(ctx, serial); err == nil {
		return TierPaired, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return TierUnknown, err
	}

	code, err := m.store.GetEntryCodeForSerial(ctx, serial, m.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TierUnknown, nil
		}
		return TierUnknown, err
	}
	if !code.Claimed() && code.ExpiresAt > m.now() {
		return TierPending, nil
	}
	return TierUnknown, nil
}

// IssueCode implements spec §4.F's entry-code issuance: delete prior codes
// for the serial, generate candidates until one inserts cleanly (bounded
// retry), and synthesise the pairing-confirmation dialog bucket if absent
// (spec §9: synthesised at issuance and at first listing).
func (m *Machine) IssueCode(ctx context.Context, serial string, ttlSeconds int) (code string, expiresAt int64, err error) {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultTTLSeconds
	}

	if err := m.store.DeleteEntryCodesForSerial(ctx, serial); err != nil {
		return "", 0, err
	}

	now := m.now()
	expiresAt = now + int64(ttlSeconds)*1000

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		candidate, genErr := generateCode()
		if genErr != nil {
			return "", 0, genErr
		}
		ok, insertErr := m.store.InsertEntryCodeIfUnused(ctx, candidate, serial, now, expiresAt)
		if insertErr != nil {
			return "", 0, insertErr
		}
		if ok {
			code = candidate
			break
		}
	}
	if code == "" {
		return "", 0, ErrCodeSpaceExhausted
	}

	if err := m.synthesiseAlertDialog(ctx, serial); err != nil {
		return "", 0, err
	}

	return code, expiresAt, nil
}

// StatusResult mirrors the /nest/passphrase/status response shape
// (EXPANSION C, spec §6).
type StatusResult struct {
	Status    string // "no_key" | "pending" | "claimed"
	Claimed   bool
	ExpiresAt int64
	ClaimedBy string
	ClaimedAt int64
}

// Status polls the claim state of the most recent entry code for serial.
func (m *Machine) Status(ctx context.Context, serial string) (*StatusResult, error) {
	code, err := m.store.GetEntryCodeForSerial(ctx, serial, m.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &StatusResult{Status: "no_key", Claimed: false}, nil
		}
		return nil, err
	}
	if code.Claimed() {
		return &StatusResult{
			Status:    "claimed",
			Claimed:   true,
			ClaimedBy: code.ClaimedBy,
			ClaimedAt: code.ClaimedAt,
		}, nil
	}
	if code.ExpiresAt <= m.now() {
		return &StatusResult{Status: "no_key", Claimed: false}, nil
	}
	return &StatusResult{Status: "pending", Claimed: false, ExpiresAt: code.ExpiresAt}, nil
}

// Claim attempts to atomically claim code on behalf of userID (spec §4.F,
// §8 scenario 6). The claim condition (matches, unexpired, unclaimed) is
// evaluated entirely inside the store's single atomic update, so a
// concurrent second claim cannot race past this one. Returns false, nil
// on a lost race (no error — the caller surfaces the *Conflict*
// 200-with-success-false shape per spec §7).
func (m *Machine) Claim(ctx context.Context, code, userID string) (bool, error) {
	serial, ok, err := m.store.ClaimEntryCode(ctx, code, userID, m.now())
	if err != nil || !ok {
		return false, err
	}

	if err := m.store.UpsertOwner(ctx, serial, userID, m.now()); err != nil {
		return false, err
	}
	return true, nil
}

// synthesiseAlertDialog creates device_alert_dialog.<serial> at revision 1
// with dialog_id "confirm-pairing" if it does not already exist (spec
// §4.F, §9 Open Question "mode echo").
func (m *Machine) synthesiseAlertDialog(ctx context.Context, serial string) error {
	key := bucket.AlertDialogKey(serial)
	if _, ok := m.cache.Get(serial, key); ok {
		return nil
	}
	_, _, err := m.cache.Mutate(ctx, serial, key, m.now(), func(current bucket.Value) bucket.Value {
		if len(current) > 0 {
			return current
		}
		return bucket.Value{"dialog_id": "confirm-pairing"}
	})
	return err
}

// DismissDialog implements the operator-facing dismissal: upsert
// device_alert_dialog.<serial> to an empty value at a bumped revision so
// woken subscribers observe the change and hide the pairing prompt (spec
// §4.F).
func (m *Machine) DismissDialog(ctx context.Context, serial string) error {
	key := bucket.AlertDialogKey(serial)
	_, _, err := m.cache.Mutate(ctx, serial, key, m.now(), func(bucket.Value) bucket.Value {
		return bucket.Value{}
	})
	return err
}

// SynthesiseAlertDialogIfOwned is called from the listing endpoint (spec
// §4.E.1): if the device has an owner and no device_alert_dialog bucket
// exists, synthesise one at revision 1 with an empty value.
func (m *Machine) SynthesiseAlertDialogIfOwned(ctx context.Context, serial string) error {
	if _, err := m.store.GetOwner(ctx, serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	key := bucket.AlertDialogKey(serial)
	if _, ok := m.cache.Get(serial, key); ok {
		return nil
	}
	// Mutate would leave an empty value on an absent bucket at revision 0,
	// so the bucket is installed at revision 1 directly.
	return m.cache.PutRaw(ctx, &bucket.Bucket{
		Serial:    serial,
		Key:       key,
		Revision:  1,
		Timestamp: m.now(),
		Value:     bucket.Value{},
	})
}

// generateCode produces a 3-digit + 4-uppercase-letter candidate (spec §3
// "Entry code", EXPANSION C generation format).
func generateCode() (string, error) {
	digits := make([]byte, 3)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	letters := make([]byte, 4)
	for i := range letters {
		n, err := rand.Int(rand.Reader, big.NewInt(26))
		if err != nil {
			return "", err
		}
		letters[i] = byte('A') + byte(n.Int64())
	}
	return string(digits) + string(letters), nil
}
