package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS activity (
	ip_address   TEXT PRIMARY KEY,
	usage_count  INTEGER NOT NULL DEFAULT 1,
	last_seen_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ban (
	ip_address      TEXT NOT NULL,
	jail            TEXT NOT NULL,
	usage_count     INTEGER NOT NULL DEFAULT 1,
	ban_expire_time TIMESTAMPTZ,
	PRIMARY KEY (ip_address, jail)
);
CREATE TABLE IF NOT EXISTS checkpoint (
	source         TEXT PRIMARY KEY,
	last_processed TIMESTAMPTZ NOT NULL
);`

// PostgresStore is the client-server ledger backend.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// OpenPostgres connects to the ledger database described by dsn.
func OpenPostgres(dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "store").Str("backend", "postgres").Logger(),
		now: time.Now,
	}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func postgresTransient(err error) bool {
	var perr *pq.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}
	return false
}

// serializableTx holds the isolation level for the check-then-update
// transactions. FOR UPDATE cannot lock a row that does not exist yet,
// so under READ COMMITTED two concurrent calls for a fresh IP would
// both read "no row" and both report a first sighting. Serializable
// isolation turns the loser into a 40001, which withRetry replays.
var serializableTx = &sql.TxOptions{Isolation: sql.LevelSerializable}

func (s *PostgresStore) Touch(ctx context.Context, ip string, window time.Duration) (bool, error) {
	var within bool
	err := withRetry(ctx, postgresTransient, func() error {
		tx, err := s.db.BeginTx(ctx, serializableTx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.now().UTC()
		var last time.Time
		err = tx.QueryRowContext(ctx,
			`SELECT last_seen_at FROM activity WHERE ip_address = $1 FOR UPDATE`, ip).Scan(&last)
		switch {
		case err == nil:
			within = now.Sub(last) <= window
		case errors.Is(err, sql.ErrNoRows):
			within = false
		default:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity (ip_address, usage_count, last_seen_at)
			VALUES ($1, 1, $2)
			ON CONFLICT (ip_address) DO UPDATE SET
				usage_count  = activity.usage_count + 1,
				last_seen_at = EXCLUDED.last_seen_at`,
			ip, now)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return within, nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, ip string) (*ActivityRecord, error) {
	var rec ActivityRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT ip_address, usage_count, last_seen_at FROM activity WHERE ip_address = $1`, ip).
		Scan(&rec.IP, &rec.UsageCount, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) SweepInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity WHERE last_seen_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) AddOrRenew(ctx context.Context, ip, jail string, duration *time.Duration, force bool) error {
	return withRetry(ctx, postgresTransient, func() error {
		tx, err := s.db.BeginTx(ctx, serializableTx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.now().UTC()
		var prevExpire sql.NullTime
		found := true
		err = tx.QueryRowContext(ctx,
			`SELECT ban_expire_time FROM ban WHERE ip_address = $1 AND jail = $2 FOR UPDATE`,
			ip, jail).Scan(&prevExpire)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return err
		}

		var prev *time.Time
		if prevExpire.Valid {
			t := prevExpire.Time
			prev = &t
		}
		next := renewExpiry(found, prev, duration, force, now)

		var nextVal interface{}
		if next != nil {
			nextVal = next.UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ban (ip_address, jail, usage_count, ban_expire_time)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (ip_address, jail) DO UPDATE SET
				usage_count     = ban.usage_count + 1,
				ban_expire_time = EXCLUDED.ban_expire_time`,
			ip, jail, nextVal)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *PostgresStore) GetBan(ctx context.Context, ip, jail string) (*BanRecord, error) {
	var rec BanRecord
	var expire sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT ip_address, jail, usage_count, ban_expire_time FROM ban
		 WHERE ip_address = $1 AND jail = $2`, ip, jail).
		Scan(&rec.IP, &rec.Jail, &rec.UsageCount, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expire.Valid {
		t := expire.Time
		rec.ExpireAt = &t
	}
	return &rec, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]BanKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_address, jail FROM ban
		 WHERE ban_expire_time IS NOT NULL AND ban_expire_time < $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []BanKey
	for rows.Next() {
		var k BanKey
		if err := rows.Scan(&k.IP, &k.Jail); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, ip, jail string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ban WHERE ip_address = $1 AND jail = $2`, ip, jail)
	return err
}

func (s *PostgresStore) ActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_address, jail, usage_count, ban_expire_time FROM ban
		 WHERE ban_expire_time IS NULL OR ban_expire_time >= $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BanRecord
	for rows.Next() {
		var rec BanRecord
		var expire sql.NullTime
		if err := rows.Scan(&rec.IP, &rec.Jail, &rec.UsageCount, &expire); err != nil {
			return nil, err
		}
		if expire.Valid {
			t := expire.Time
			rec.ExpireAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, source string, ts time.Time) error {
	return withRetry(ctx, postgresTransient, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoint (source, last_processed)
			VALUES ($1, $2)
			ON CONFLICT (source) DO UPDATE SET
				last_processed = EXCLUDED.last_processed`,
			source, ts.UTC())
		return err
	})
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, source string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed FROM checkpoint WHERE source = $1`, source).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}
