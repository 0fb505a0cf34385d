// Package orchestrator owns process lifecycle: it wires the store,
// broker, workers, beat and observability together, starts them in
// dependency order and drains them in reverse on shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apimgr/assistant/src/alerting"
	"github.com/apimgr/assistant/src/beat"
	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/config"
	"github.com/apimgr/assistant/src/depgraph"
	"github.com/apimgr/assistant/src/email"
	"github.com/apimgr/assistant/src/metrics"
	"github.com/apimgr/assistant/src/notify"
	"github.com/apimgr/assistant/src/optimizer"
	"github.com/apimgr/assistant/src/runner"
	"github.com/apimgr/assistant/src/store"
	"github.com/apimgr/assistant/src/task"
	"github.com/apimgr/assistant/src/worker"
)

// throttlePause is how long beat emission stays suspended after a
// producer hits a full queue.
const throttlePause = 30 * time.Second

// Health is the health check contract.
type Health struct {
	Status       string              `json:"status"`
	ResponseTime time.Duration       `json:"response_time"`
	PoolStats    store.PoolStats     `json:"pool_stats"`
	Performance  *optimizer.Analysis `json:"performance,omitempty"`
}

// Orchestrator wires and runs every subsystem.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	broker     broker.Broker
	mailer     *email.Mailer
	dispatcher *notify.Dispatcher
	runner     runner.TaskRunner
	deps       *depgraph.Scheduler
	collector  *metrics.Collector
	sampler    *metrics.Sampler
	prom       http.Handler
	alerts     *alerting.Manager
	optimizer  *optimizer.Optimizer
	worker     *worker.Worker
	pipeline   *worker.Pipeline
	beat       *beat.Beat

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	configured bool
	running    bool
}

// New creates an unconfigured orchestrator.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Configure validates the configuration and builds every component.
// Nothing runs until Start.
func (o *Orchestrator) Configure(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(o.cfg.Store, o.logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("configure store: %w", err)
	}
	o.store = st

	if o.broker, err = o.openBroker(); err != nil {
		st.Close()
		return fmt.Errorf("configure broker: %w", err)
	}

	o.mailer = email.NewMailer(o.cfg.Email)
	o.dispatcher = o.buildDispatcher()
	o.runner = o.buildRunner()

	if o.cfg.Features.Dependencies {
		o.deps = depgraph.NewScheduler(0)
	}
	if o.cfg.Features.Metrics {
		o.collector = metrics.NewCollector()
		o.prom = o.collector.EnablePrometheus()
		o.sampler = metrics.NewSampler(o.collector, metrics.DefaultProbe(),
			o.broker, 30*time.Second, o.logger.With("component", "metrics"))
		o.sampler.WorkerCount = func() int { return o.cfg.Worker.Concurrency }
	}
	if o.cfg.Features.Alerting {
		o.alerts = alerting.NewManager(o.buildAlertChannels())
	}
	if o.cfg.Features.Optimization {
		o.optimizer = optimizer.New(metrics.DefaultProbe(), 5*time.Minute,
			o.logger.With("component", "optimizer"))
	}

	o.worker = worker.New(o.cfg.Worker, o.broker, o.logger.With("component", "worker"))
	o.pipeline = &worker.Pipeline{
		Store:       o.store,
		Broker:      o.broker,
		Runner:      o.runner,
		Notifier:    o.dispatcher,
		Deps:        o.deps,
		Metrics:     o.collector,
		Retry:       o.cfg.Retry,
		Logger:      o.logger.With("component", "pipeline"),
		TaskTimeout: o.cfg.Worker.TaskTimeout,
		SoftTimeout: o.cfg.Worker.SoftTimeout,
		OnFailure:   o.onTaskFailure,
	}
	o.pipeline.RegisterAll(o.worker)

	maint := &worker.Maintenance{
		Store:      o.store,
		Logger:     o.logger.With("component", "maintenance"),
		LogDir:     o.cfg.LogDir,
		SyncRunner: o.runner,
	}
	maint.RegisterAll(o.worker)

	entries := beat.DefaultEntries()
	if o.cfg.BeatScheduleFile != "" {
		extras, err := beat.LoadEntries(o.cfg.BeatScheduleFile)
		if err != nil {
			st.Close()
			o.broker.Close()
			return fmt.Errorf("configure beat: %w", err)
		}
		entries = beat.MergeEntries(entries, extras)
	}
	bt, err := beat.New(o.broker, o.store, entries,
		o.logger.With("component", "beat"))
	if err != nil {
		st.Close()
		o.broker.Close()
		return fmt.Errorf("configure beat: %w", err)
	}
	bt.OnQueueFull = o.throttleBeat
	o.beat = bt

	o.configured = true
	return nil
}

// Start launches the subsystems. Configure must have succeeded.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.configured {
		return fmt.Errorf("orchestrator: not configured")
	}
	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.goRun(func() { o.store.MonitorHealth(runCtx) })
	if o.sampler != nil {
		o.goRun(func() { o.sampler.Run(runCtx) })
	}
	if o.alerts != nil {
		o.goRun(func() { o.alertLoop(runCtx) })
	}
	if o.optimizer != nil {
		o.goRun(func() { o.optimizer.Run(runCtx) })
	}
	o.worker.Start(runCtx)
	o.beat.Start(runCtx)

	o.running = true
	o.logger.Info("orchestrator started",
		"queues", len(o.broker.Queues()),
		"metrics", o.collector != nil,
		"alerting", o.alerts != nil,
		"optimization", o.optimizer != nil)
	return nil
}

// Shutdown drains in reverse start order: stop producing, finish
// consuming, then release resources.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.logger.Info("orchestrator shutting down")

	o.beat.Stop()
	o.worker.Stop()
	o.cancel()
	o.wg.Wait()

	if err := o.broker.Close(); err != nil {
		o.logger.Warn("broker close failed", "error", err)
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn("store close failed", "error", err)
	}
	o.running = false
	o.logger.Info("orchestrator stopped")
}

// Health reports overall system condition.
func (o *Orchestrator) Health(ctx context.Context) Health {
	if !o.configured {
		return Health{Status: "error"}
	}
	report := o.store.Health(ctx)
	h := Health{
		ResponseTime: report.ResponseTime,
		PoolStats:    report.Pool,
	}
	switch {
	case !report.Healthy:
		h.Status = "unhealthy"
	case o.broker.Ping(ctx) != nil:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	if o.optimizer != nil {
		h.Performance = o.optimizer.Analyze(1)
	}
	return h
}

// MetricsHandler exposes the Prometheus registry, or nil when metrics
// are disabled.
func (o *Orchestrator) MetricsHandler() http.Handler {
	return o.prom
}

// Store exposes the task store for API consumers.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Broker exposes the job transport for API consumers.
func (o *Orchestrator) Broker() broker.Broker {
	return o.broker
}

// Dependencies exposes the dependency scheduler, nil when disabled.
func (o *Orchestrator) Dependencies() *depgraph.Scheduler {
	return o.deps
}

func (o *Orchestrator) goRun(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

func (o *Orchestrator) openBroker() (broker.Broker, error) {
	url := o.cfg.BrokerURL
	if strings.HasPrefix(url, "memory://") {
		return broker.NewMemoryBroker(o.cfg.Queue), nil
	}
	return broker.NewRedisBroker(&broker.RedisConfig{URL: url}, o.cfg.Queue)
}

func (o *Orchestrator) buildDispatcher() *notify.Dispatcher {
	logger := o.logger.With("component", "notify")
	channels := []notify.Channel{
		notify.NewInAppChannel(o.store, 0),
	}
	if o.mailer.IsEnabled() {
		channels = append(channels,
			notify.NewEmailChannel(o.mailer, "Assistant", o.store.UserEmail))
	}
	if o.cfg.Twilio.AccountSID != "" {
		channels = append(channels,
			notify.NewSMSChannel(o.cfg.Twilio, logger, o.store.UserPhone))
	}
	return notify.NewDispatcher(logger, channels...)
}

func (o *Orchestrator) buildRunner() runner.TaskRunner {
	if o.cfg.Agent.URL == "" {
		o.logger.Warn("AGENT_URL not set, tasks will run as no-ops")
		return runner.NoopRunner{}
	}
	agent := o.cfg.Agent
	if agent.Timeout <= 0 {
		agent.Timeout = o.cfg.AgentTimeoutOrDefault()
	}
	return runner.NewAgentRunner(agent, o.logger.With("component", "runner"))
}

func (o *Orchestrator) buildAlertChannels() []alerting.Channel {
	channels := []alerting.Channel{
		alerting.NewLogChannel(o.logger.With("component", "alerting")),
	}
	if o.mailer.IsEnabled() {
		channels = append(channels, alerting.NewEmailChannel(o.mailer))
	}
	if o.cfg.AlertSlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(o.cfg.AlertSlackWebhookURL))
	}
	if o.cfg.AlertWebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(o.cfg.AlertWebhookURL))
	}
	return channels
}

// alertLoop evaluates the rule set once a minute.
func (o *Orchestrator) alertLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evaluateAlerts(ctx)
		}
	}
}

func (o *Orchestrator) evaluateAlerts(ctx context.Context) {
	m := alerting.Metrics{}
	if o.collector != nil {
		m.TaskFailureRate = o.collector.FailureRate()
		if snaps := o.collector.Snapshots(); len(snaps) > 0 {
			latest := snaps[len(snaps)-1]
			m.CPUPercent = latest.CPUPercent
			m.MemoryPercent = latest.MemoryPercent
		}
	}
	if lengths, err := o.broker.QueueLengths(ctx); err == nil {
		m.QueueLengths = lengths
	}
	o.alerts.Evaluate(ctx, m)
}

// onTaskFailure runs on every terminal task failure: re-evaluate the
// alert rules immediately instead of waiting for the next sweep.
func (o *Orchestrator) onTaskFailure(t *task.Task, errMsg string) {
	if o.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.evaluateAlerts(ctx)
}

// throttleBeat pauses beat emission briefly after back-pressure.
func (o *Orchestrator) throttleBeat(entry string) {
	o.logger.Warn("throttling beat after queue-full", "entry", entry, "pause", throttlePause)
	o.beat.Pause()
	time.AfterFunc(throttlePause, o.beat.Resume)
}
