package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/runner"
	"github.com/apimgr/assistant/src/task"
)

// Maintenance job names seeded by the beat.
const (
	JobProcessEmailQueue  = "process_email_queue"
	JobCleanupOldLogs     = "cleanup_old_logs"
	JobCleanupTempFiles   = "cleanup_temp_files"
	JobOptimizeDatabase   = "optimize_database"
	JobCleanupOldSessions = "cleanup_old_sessions"
	JobSyncCalendarEvents = "sync_calendar_events"
	JobSyncNotionPages    = "sync_notion_pages"
)

// EmailOutbox drains queued outbound email. Implementations report how
// many messages were sent.
type EmailOutbox interface {
	ProcessQueue(ctx context.Context) (int, error)
}

// MaintenanceStore is the slice of the store maintenance jobs need.
type MaintenanceStore interface {
	Optimize(ctx context.Context) error
	CleanupInbox(ctx context.Context) (int64, error)
}

// Maintenance hosts the system job handlers.
type Maintenance struct {
	Store  MaintenanceStore
	Logger *slog.Logger
	// LogDir is swept by cleanup_old_logs; empty disables the sweep.
	LogDir string
	// LogMaxAge bounds log file retention. Zero means 14 days.
	LogMaxAge time.Duration
	// TempPattern matches scratch files in os.TempDir().
	TempPattern string
	// SyncRunner executes external-sync jobs when configured.
	SyncRunner runner.TaskRunner
	// Outbox drains queued outbound email when configured.
	Outbox EmailOutbox
}

// RegisterAll binds every maintenance handler onto a worker.
func (m *Maintenance) RegisterAll(w *Worker) {
	w.Register(JobProcessEmailQueue, m.HandleProcessEmailQueue)
	w.Register(JobCleanupOldLogs, m.HandleCleanupOldLogs)
	w.Register(JobCleanupTempFiles, m.HandleCleanupTempFiles)
	w.Register(JobOptimizeDatabase, m.HandleOptimizeDatabase)
	w.Register(JobCleanupOldSessions, m.HandleCleanupOldSessions)
	w.Register(JobSyncCalendarEvents, m.syncHandler("calendar events"))
	w.Register(JobSyncNotionPages, m.syncHandler("notion pages"))
}

// HandleProcessEmailQueue drains the outbound email queue. Without an
// outbox configured the seed is a no-op.
func (m *Maintenance) HandleProcessEmailQueue(ctx context.Context, job *broker.Job) error {
	if m.Outbox == nil {
		return nil
	}
	n, err := m.Outbox.ProcessQueue(ctx)
	if err != nil {
		return fmt.Errorf("process email queue: %w", err)
	}
	if n > 0 {
		m.Logger.Info("outbound email sent", "count", n)
	}
	return nil
}

// HandleCleanupOldLogs removes rotated log files past their retention.
func (m *Maintenance) HandleCleanupOldLogs(ctx context.Context, job *broker.Job) error {
	if m.LogDir == "" {
		return nil
	}
	maxAge := m.LogMaxAge
	if maxAge <= 0 {
		maxAge = 14 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(m.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read log dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.LogDir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.Logger.Info("old log files removed", "count", removed)
	}
	return nil
}

// HandleCleanupTempFiles removes aged scratch files.
func (m *Maintenance) HandleCleanupTempFiles(ctx context.Context, job *broker.Job) error {
	pattern := m.TempPattern
	if pattern == "" {
		pattern = "assistant-*"
	}
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), pattern))
	if err != nil {
		return fmt.Errorf("glob temp files: %w", err)
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.Logger.Info("temp files removed", "count", removed)
	}
	return nil
}

// HandleOptimizeDatabase runs the store's maintenance statements.
func (m *Maintenance) HandleOptimizeDatabase(ctx context.Context, job *broker.Job) error {
	if err := m.Store.Optimize(ctx); err != nil {
		return fmt.Errorf("optimize database: %w", err)
	}
	m.Logger.Info("database optimized")
	return nil
}

// HandleCleanupOldSessions purges expired inbox notifications.
func (m *Maintenance) HandleCleanupOldSessions(ctx context.Context, job *broker.Job) error {
	n, err := m.Store.CleanupInbox(ctx)
	if err != nil {
		return fmt.Errorf("cleanup inbox: %w", err)
	}
	if n > 0 {
		m.Logger.Info("expired inbox notifications removed", "count", n)
	}
	return nil
}

// syncHandler delegates an external-sync job to the agent runner. With
// no runner configured the job is a logged no-op.
func (m *Maintenance) syncHandler(what string) Handler {
	return func(ctx context.Context, job *broker.Job) error {
		if m.SyncRunner == nil {
			m.Logger.Debug("sync runner not configured, skipping", "job", job.Name)
			return nil
		}
		res, err := m.SyncRunner.Execute(ctx, &task.Task{
			Title:    "Sync " + what,
			TaskType: task.TypeAutomated,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", job.Name, err)
		}
		if !res.Success {
			return fmt.Errorf("%s: %s", job.Name, res.Error)
		}
		m.Logger.Info("sync completed", "job", job.Name, "duration", res.Duration)
		return nil
	}
}
