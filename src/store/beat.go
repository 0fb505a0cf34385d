package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveBeatTick records the last fire instant of a beat entry so no
// minute is lost across restarts.
func (s *Store) SaveBeatTick(ctx context.Context, entry string, tick time.Time) error {
	return s.withRetry(ctx, func() error {
		if s.driver == "pgx" {
			_, err := s.exec(ctx, `INSERT INTO beat_ticks (entry_name, last_tick)
				VALUES (?, ?)
				ON CONFLICT (entry_name) DO UPDATE SET last_tick = EXCLUDED.last_tick`,
				entry, tick.UTC())
			return err
		}
		res, err := s.exec(ctx, `UPDATE beat_ticks SET last_tick = ? WHERE entry_name = ?`,
			tick.UTC(), entry)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = s.exec(ctx, `INSERT INTO beat_ticks (entry_name, last_tick) VALUES (?, ?)`,
				entry, tick.UTC())
		}
		return err
	})
}

// LoadBeatTick returns the persisted last fire instant for an entry, or
// the zero time when none is recorded.
func (s *Store) LoadBeatTick(ctx context.Context, entry string) (time.Time, error) {
	var tick time.Time
	err := s.withRetry(ctx, func() error {
		row := s.queryRow(ctx, `SELECT last_tick FROM beat_ticks WHERE entry_name = ?`, entry)
		return row.Scan(&tick)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return tick.UTC(), err
}

// AppendInbox stores an in-app notification for a user.
func (s *Store) AppendInbox(ctx context.Context, userID, taskID int64, message string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.withRetry(ctx, func() error {
		_, err := s.exec(ctx, `INSERT INTO inbox_notifications
			(user_id, task_id, message, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, taskID, message, now, now.Add(ttl))
		return err
	})
}

// CleanupInbox removes expired in-app notifications and returns how many
// were deleted.
func (s *Store) CleanupInbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.exec(ctx, `DELETE FROM inbox_notifications WHERE expires_at < ?`,
			time.Now().UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
