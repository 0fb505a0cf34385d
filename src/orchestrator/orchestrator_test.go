package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/config"
	"github.com/apimgr/assistant/src/store"
	"github.com/apimgr/assistant/src/task"
	"github.com/apimgr/assistant/src/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{
		LogLevel:  "error",
		Store:     store.DefaultConfig(),
		BrokerURL: "memory://",
		Queue:     broker.DefaultOptions(),
		Worker:    worker.DefaultConfig(),
		Retry:     worker.DefaultRetryPolicy(),
		Features: config.Features{
			Metrics:      true,
			Alerting:     true,
			Optimization: false,
			Dependencies: true,
		},
	}
	cfg.Store.URL = ":memory:"
	cfg.Store.SlowQueryThreshold = 0
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollTimeout = 20 * time.Millisecond
	cfg.Worker.GracefulTimeout = 2 * time.Second
	return cfg
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerURL = ""
	o := New(cfg, testLogger())
	if err := o.Configure(context.Background()); err == nil {
		t.Fatal("missing broker URL must fail configure")
	}
}

func TestHealthBeforeConfigure(t *testing.T) {
	o := New(testConfig(), testLogger())
	if h := o.Health(context.Background()); h.Status != "error" {
		t.Errorf("status = %q, want error", h.Status)
	}
}

func TestStartRequiresConfigure(t *testing.T) {
	o := New(testConfig(), testLogger())
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("start without configure must fail")
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	o := New(testConfig(), testLogger())
	if err := o.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Shutdown()

	if h := o.Health(ctx); h.Status != "healthy" {
		t.Fatalf("health = %q, want healthy", h.Status)
	}
	if o.MetricsHandler() == nil {
		t.Error("metrics handler should be exposed when metrics are on")
	}

	// Create a due reminder and push the scan seed instead of waiting
	// for the next beat minute.
	var sc task.ScheduleConfig
	sc.SetRunAt(time.Now().UTC().Add(time.Hour))
	created, err := o.Store().Create(ctx, &task.Task{
		UserID:               1,
		Title:                "Water the plants",
		TaskType:             task.TypeReminder,
		ScheduleType:         task.ScheduleOnce,
		ScheduleConfig:       sc,
		NotificationChannels: []string{"in_app"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	forceDue(t, o.Store(), created.ID)

	if err := o.Broker().Enqueue(ctx, &broker.Job{
		Queue:    broker.QueueAITasks,
		Name:     "process_due_ai_tasks",
		Priority: 10,
	}); err != nil {
		t.Fatalf("enqueue seed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := o.Store().Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task status = %s, want completed", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := New(testConfig(), testLogger())
	if err := o.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Shutdown()
	o.Shutdown()
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Metrics = false
	o := New(cfg, testLogger())
	if err := o.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	defer func() {
		o.Broker().Close()
		o.Store().Close()
	}()
	if o.MetricsHandler() != nil {
		t.Error("metrics handler should be nil when metrics are off")
	}
}

// forceDue rewrites next_run_at so the claim query picks the task up.
func forceDue(t *testing.T, s *store.Store, id int64) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.DB().Exec(
		`UPDATE ai_tasks SET status = 'active', next_run_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("force due: %v", err)
	}
}
