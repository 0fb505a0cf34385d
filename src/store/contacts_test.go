package store

import (
	"context"
	"errors"
	"testing"

	"github.com/apimgr/assistant/src/task"
)

func TestUserContactRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveUserContact(ctx, 1, "alice@example.com", "+15550100"); err != nil {
		t.Fatalf("save: %v", err)
	}
	email, err := s.UserEmail(ctx, 1)
	if err != nil || email != "alice@example.com" {
		t.Errorf("email = %q, %v", email, err)
	}
	phone, err := s.UserPhone(ctx, 1)
	if err != nil || phone != "+15550100" {
		t.Errorf("phone = %q, %v", phone, err)
	}

	// Upsert replaces, and an emptied field reads as missing.
	if err := s.SaveUserContact(ctx, 1, "alice@new.example.com", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	email, err = s.UserEmail(ctx, 1)
	if err != nil || email != "alice@new.example.com" {
		t.Errorf("updated email = %q, %v", email, err)
	}
	if _, err := s.UserPhone(ctx, 1); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("cleared phone err = %v, want ErrNotFound", err)
	}
}

func TestUserContactMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.UserEmail(context.Background(), 42); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("missing contact err = %v, want ErrNotFound", err)
	}
}
