package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fcmrelay/internal/logging"
	"fcmrelay/internal/model"
	"fcmrelay/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsBadSchedule(t *testing.T) {
	s := openTestStore(t)
	if _, err := New(s, logging.Discard(), "not a cron expr", 7); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNewDisabledIgnoresSchedule(t *testing.T) {
	s := openTestStore(t)
	// With the sweep disabled the schedule is never parsed.
	j, err := New(s, logging.Discard(), "not a cron expr", 0)
	if err != nil {
		t.Fatalf("disabled janitor: %v", err)
	}
	j.Start()
	j.Stop()
}

func TestSweepDeletesOldMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cred := model.NewCredential(model.CreateCredentialRequest{
		Name: "aged", APIKey: "k", AppID: "a", ProjectID: "p",
		WebhookURL: "https://example.com/hook",
	})
	if err := s.CreateCredential(ctx, &cred); err != nil {
		t.Fatal(err)
	}

	old := model.NewMessageLog(cred.ID, "", "old")
	old.ReceivedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	recent := model.NewMessageLog(cred.ID, "", "recent")
	for _, m := range []*model.MessageLog{&old, &recent} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	j, err := New(s, logging.Discard(), "0 3 * * *", 7)
	if err != nil {
		t.Fatal(err)
	}
	j.sweep()

	n, err := s.CountMessages(ctx, cred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	if _, err := s.GetMessage(ctx, recent.ID); err != nil {
		t.Errorf("recent message should survive the sweep: %v", err)
	}
}
