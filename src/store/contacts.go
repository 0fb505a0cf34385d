package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/apimgr/assistant/src/task"
)

// SaveUserContact upserts a user's delivery addresses. Empty values
// clear the corresponding channel.
func (s *Store) SaveUserContact(ctx context.Context, userID int64, email, phone string) error {
	return s.withRetry(ctx, func() error {
		if s.driver == "pgx" {
			_, err := s.exec(ctx, `INSERT INTO user_contacts (user_id, email, phone)
				VALUES (?, ?, ?)
				ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, phone = EXCLUDED.phone`,
				userID, email, phone)
			return err
		}
		res, err := s.exec(ctx, `UPDATE user_contacts SET email = ?, phone = ? WHERE user_id = ?`,
			email, phone, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = s.exec(ctx, `INSERT INTO user_contacts (user_id, email, phone) VALUES (?, ?, ?)`,
				userID, email, phone)
		}
		return err
	})
}

// UserEmail returns the user's email address for notification delivery.
func (s *Store) UserEmail(ctx context.Context, userID int64) (string, error) {
	return s.contactField(ctx, userID, "email")
}

// UserPhone returns the user's phone number for SMS delivery.
func (s *Store) UserPhone(ctx context.Context, userID int64) (string, error) {
	return s.contactField(ctx, userID, "phone")
}

func (s *Store) contactField(ctx context.Context, userID int64, column string) (string, error) {
	var val sql.NullString
	err := s.withRetry(ctx, func() error {
		row := s.queryRow(ctx, `SELECT `+column+` FROM user_contacts WHERE user_id = ?`, userID)
		return row.Scan(&val)
	})
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (!val.Valid || val.String == "")) {
		return "", fmt.Errorf("user %d has no %s on file: %w", userID, column, task.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return val.String, nil
}
