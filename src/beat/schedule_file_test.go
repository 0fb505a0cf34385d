package beat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apimgr/assistant/src/task"
)

func writeSchedule(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	return path
}

func TestLoadEntries(t *testing.T) {
	path := writeSchedule(t, `
- name: refresh_reports
  cron: "15 6 * * 1"
  queue: sync_tasks
  priority: 4
- name: process_due_ai_tasks
  cron: "*/5 * * * *"
  queue: ai_tasks
  priority: 10
`)
	entries, err := LoadEntries(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Name != "refresh_reports" || entries[0].Priority != 4 {
		t.Errorf("first entry = %+v", entries[0])
	}
}

func TestLoadEntriesRejectsBadCron(t *testing.T) {
	path := writeSchedule(t, `
- name: broken
  cron: "61 * * * *"
  queue: sync_tasks
`)
	if _, err := LoadEntries(path); !errors.Is(err, task.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestLoadEntriesRejectsMissingName(t *testing.T) {
	path := writeSchedule(t, `
- cron: "* * * * *"
  queue: sync_tasks
`)
	if _, err := LoadEntries(path); !errors.Is(err, task.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestLoadEntriesMissingFile(t *testing.T) {
	if _, err := LoadEntries(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestMergeEntries(t *testing.T) {
	extras := []Entry{
		{Name: "process_due_ai_tasks", Expr: "*/5 * * * *", Queue: "ai_tasks", Priority: 10},
		{Name: "refresh_reports", Expr: "15 6 * * 1", Queue: "sync_tasks", Priority: 4},
	}
	merged := MergeEntries(DefaultEntries(), extras)
	if len(merged) != len(DefaultEntries())+1 {
		t.Fatalf("len = %d, want %d", len(merged), len(DefaultEntries())+1)
	}
	for _, e := range merged {
		if e.Name == "process_due_ai_tasks" && e.Expr != "*/5 * * * *" {
			t.Errorf("override not applied: %+v", e)
		}
	}
	if merged[len(merged)-1].Name != "refresh_reports" {
		t.Errorf("new entry should append last, got %s", merged[len(merged)-1].Name)
	}
}
