package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/config"
)

// ErrTransient marks lock-wait/deadlock failures that survived the
// bounded retry. The caller drops the enforcement decision rather than
// risking double-processing.
var ErrTransient = errors.New("transient storage error")

// ActivityRecord is one row of the activity ledger, keyed by IP.
type ActivityRecord struct {
	IP         string
	UsageCount int
	LastSeen   time.Time
}

// BanRecord is one row of the ban ledger, keyed by (IP, jail). A nil
// ExpireAt is a permanent ban.
type BanRecord struct {
	IP         string
	Jail       string
	UsageCount int
	ExpireAt   *time.Time
}

// BanKey identifies a ban row.
type BanKey struct {
	IP   string
	Jail string
}

// ActivityStore is the sliding-window dedup ledger.
type ActivityStore interface {
	// Touch atomically performs the check-then-update for ip: it
	// reports whether the IP was already seen inside the window, and
	// in every case refreshes last_seen_at and increments usage_count
	// (creating the row on first sighting). Two concurrent Touch calls
	// for the same new IP never both report "outside window".
	Touch(ctx context.Context, ip string, window time.Duration) (withinWindow bool, err error)

	// GetActivity returns the row for ip, or nil if none exists.
	GetActivity(ctx context.Context, ip string) (*ActivityRecord, error)

	// SweepInactive deletes rows whose last_seen_at is before cutoff
	// and returns how many were removed.
	SweepInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// BanStore is the per-(IP, jail) ban ledger.
type BanStore interface {
	// AddOrRenew inserts or renews a ban. A nil duration means a
	// permanent ban. A permanent row is never downgraded to a
	// temporary one unless force is set; a temporary row's expiry only
	// moves forward (or to permanent) unless force is set. usage_count
	// increments on every call.
	AddOrRenew(ctx context.Context, ip, jail string, duration *time.Duration, force bool) error

	// GetBan returns the row for (ip, jail), or nil if none exists.
	GetBan(ctx context.Context, ip, jail string) (*BanRecord, error)

	// ListExpired returns every row whose expiry is non-null and
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]BanKey, error)

	// Remove deletes the row; removing an absent row is not an error.
	Remove(ctx context.Context, ip, jail string) error

	// ActiveBans returns rows that are permanent or not yet expired.
	ActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error)
}

// CheckpointStore persists the last successfully processed timestamp
// per log source.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, source string, ts time.Time) error
	// LoadCheckpoint returns the zero time when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, source string) (time.Time, error)
}

// Store is the full persistent ledger surface. All mutation goes
// through these methods; nothing else read-modify-writes the tables.
type Store interface {
	ActivityStore
	BanStore
	CheckpointStore
	Close() error
}

// Open selects the backend from configuration.
func Open(cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return OpenSQLite(cfg.Storage.SQLitePath, logger)
	case "postgres":
		return OpenPostgres(cfg.Storage.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// renewExpiry computes the new expiry for an AddOrRenew call.
// prev is the stored expiry (nil = permanent), found reports whether a
// row existed, d is the requested duration (nil = permanent).
func renewExpiry(found bool, prev *time.Time, d *time.Duration, force bool, now time.Time) *time.Time {
	if d == nil {
		// Upgrading to permanent is always allowed.
		return nil
	}
	next := now.Add(*d)
	if !found {
		return &next
	}
	if prev == nil {
		// Permanent ban: a finite renew is a no-op without force.
		if !force {
			return nil
		}
		return &next
	}
	// Expiry never silently moves backward.
	if !force && prev.After(next) {
		p := *prev
		return &p
	}
	return &next
}
