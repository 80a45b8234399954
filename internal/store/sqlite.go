package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS activity (
	ip_address   TEXT PRIMARY KEY,
	usage_count  INTEGER NOT NULL DEFAULT 1,
	last_seen_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ban (
	ip_address      TEXT NOT NULL,
	jail            TEXT NOT NULL,
	usage_count     INTEGER NOT NULL DEFAULT 1,
	ban_expire_time TIMESTAMP,
	PRIMARY KEY (ip_address, jail)
);
CREATE TABLE IF NOT EXISTS checkpoint (
	source         TEXT PRIMARY KEY,
	last_processed TIMESTAMP NOT NULL
);`

// SQLiteStore is the embedded ledger backend.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger database at path.
// Transactions take the write lock up front so Touch's check-then-
// update is serialized across connections.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteStore{
		db:  db,
		log: logger.With().Str("component", "store").Str("backend", "sqlite").Logger(),
		now: time.Now,
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqliteTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteStore) Touch(ctx context.Context, ip string, window time.Duration) (bool, error) {
	var within bool
	err := withRetry(ctx, sqliteTransient, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.now().UTC()
		var last time.Time
		err = tx.QueryRowContext(ctx,
			`SELECT last_seen_at FROM activity WHERE ip_address = ?`, ip).Scan(&last)
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
			VALUES (?, 1, ?)
			ON CONFLICT (ip_address) DO UPDATE SET
				usage_count  = usage_count + 1,
				last_seen_at = excluded.last_seen_at`,
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

func (s *SQLiteStore) GetActivity(ctx context.Context, ip string) (*ActivityRecord, error) {
	var rec ActivityRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT ip_address, usage_count, last_seen_at FROM activity WHERE ip_address = ?`, ip).
		Scan(&rec.IP, &rec.UsageCount, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) SweepInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity WHERE last_seen_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AddOrRenew(ctx context.Context, ip, jail string, duration *time.Duration, force bool) error {
	return withRetry(ctx, sqliteTransient, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.now().UTC()
		var prevExpire sql.NullTime
		found := true
		err = tx.QueryRowContext(ctx,
			`SELECT ban_expire_time FROM ban WHERE ip_address = ? AND jail = ?`,
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
			VALUES (?, ?, 1, ?)
			ON CONFLICT (ip_address, jail) DO UPDATE SET
				usage_count     = usage_count + 1,
				ban_expire_time = excluded.ban_expire_time`,
			ip, jail, nextVal)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) GetBan(ctx context.Context, ip, jail string) (*BanRecord, error) {
	var rec BanRecord
	var expire sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT ip_address, jail, usage_count, ban_expire_time FROM ban
		 WHERE ip_address = ? AND jail = ?`, ip, jail).
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

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]BanKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_address, jail FROM ban
		 WHERE ban_expire_time IS NOT NULL AND ban_expire_time < ?`, now.UTC())
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

func (s *SQLiteStore) Remove(ctx context.Context, ip, jail string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ban WHERE ip_address = ? AND jail = ?`, ip, jail)
	return err
}

func (s *SQLiteStore) ActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_address, jail, usage_count, ban_expire_time FROM ban
		 WHERE ban_expire_time IS NULL OR ban_expire_time >= ?`, now.UTC())
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

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, source string, ts time.Time) error {
	return withRetry(ctx, sqliteTransient, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoint (source, last_processed)
			VALUES (?, ?)
			ON CONFLICT (source) DO UPDATE SET
				last_processed = excluded.last_processed`,
			source, ts.UTC())
		return err
	})
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, source string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed FROM checkpoint WHERE source = ?`, source).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}
