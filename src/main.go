// Command assistant runs the task scheduling and execution core: the
// store, broker queues, worker pool, beat and observability endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/apimgr/assistant/src/config"
	"github.com/apimgr/assistant/src/logging"
	"github.com/apimgr/assistant/src/orchestrator"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	flagVersion    bool
	flagHelp       bool
	flagConfigInfo bool
	flagStatus     bool
	flagDebug      bool
)

func init() {
	flag.BoolVar(&flagVersion, "version", false, "Show version information")
	flag.BoolVar(&flagVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&flagHelp, "help", false, "Show help message")
	flag.BoolVar(&flagHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(&flagConfigInfo, "config-info", false, "Show resolved configuration")
	flag.BoolVar(&flagStatus, "status", false, "Query a running instance's health endpoint")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func main() {
	flag.Usage = printHelp
	flag.Parse()

	switch {
	case flagVersion:
		printVersion()
		return
	case flagHelp:
		printHelp()
		return
	}

	if flagDebug {
		os.Setenv("DEBUG", "true")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "assistant: %v\n", err)
		os.Exit(1)
	}

	switch {
	case flagConfigInfo:
		printConfigInfo(cfg)
		return
	case flagStatus:
		os.Exit(queryStatus(cfg))
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "assistant: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logMgr, err := logging.New(logging.Options{
		Dir:   cfg.LogDir,
		Level: cfg.LogLevel,
		Debug: cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logMgr.Close()
	logger := logMgr.Logger()

	printBanner(cfg)

	orch := orchestrator.New(cfg, logger)
	ctx := context.Background()
	if err := orch.Configure(ctx); err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	var httpSrv *http.Server
	if handler := orch.MetricsHandler(); handler != nil && cfg.MetricsAddr != "" {
		httpSrv = serveObservability(cfg.MetricsAddr, handler, orch, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("rotating logs on SIGHUP")
			if err := logMgr.Rotate(); err != nil {
				logger.Warn("log rotation failed", "error", err)
			}
			continue
		}
		logger.Info("shutdown signal received", "signal", sig.String())
		break
	}

	if httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpSrv.Shutdown(shutCtx)
		cancel()
	}
	orch.Shutdown()
	return nil
}

// serveObservability exposes /metrics and /healthz.
func serveObservability(addr string, metricsHandler http.Handler, orch *orchestrator.Orchestrator, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := orch.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("observability endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability endpoint failed", "error", err)
		}
	}()
	return srv
}

func queryStatus(cfg *config.Config) int {
	url := "http://" + cfg.MetricsAddr + "/healthz"
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assistant: not reachable at %s: %v\n", url, err)
		return 1
	}
	defer resp.Body.Close()

	var h orchestrator.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		fmt.Fprintf(os.Stderr, "assistant: bad health response: %v\n", err)
		return 1
	}
	fmt.Printf("status:        %s\n", h.Status)
	fmt.Printf("response time: %s\n", h.ResponseTime)
	fmt.Printf("pool:          %d open, %d in use, %d idle\n",
		h.PoolStats.Open, h.PoolStats.InUse, h.PoolStats.Idle)
	if h.Status != "healthy" {
		return 1
	}
	return 0
}

func printBanner(cfg *config.Config) {
	fmt.Printf("Assistant %s\n", Version)
	fmt.Printf("  queues:   ai_tasks sync_tasks email_tasks file_tasks maintenance_tasks\n")
	fmt.Printf("  workers:  %d slots\n", cfg.Worker.Concurrency)
	fmt.Printf("  broker:   %s\n", redactURL(cfg.BrokerURL))
	fmt.Printf("  metrics:  %s\n", enabledStr(cfg.Features.Metrics))
	fmt.Printf("  alerting: %s\n", enabledStr(cfg.Features.Alerting))
	fmt.Println()
}

func printConfigInfo(cfg *config.Config) {
	fmt.Printf("database:       %s\n", redactURL(cfg.Store.URL))
	fmt.Printf("broker:         %s\n", redactURL(cfg.BrokerURL))
	fmt.Printf("pool:           %d (+%d overflow)\n", cfg.Store.PoolSize, cfg.Store.MaxOverflow)
	fmt.Printf("worker slots:   %d\n", cfg.Worker.Concurrency)
	fmt.Printf("task timeout:   %s\n", cfg.Worker.TaskTimeout)
	fmt.Printf("log level:      %s\n", cfg.LogLevel)
	fmt.Printf("metrics:        %s\n", enabledStr(cfg.Features.Metrics))
	fmt.Printf("alerting:       %s\n", enabledStr(cfg.Features.Alerting))
	fmt.Printf("optimization:   %s\n", enabledStr(cfg.Features.Optimization))
	fmt.Printf("dependencies:   %s\n", enabledStr(cfg.Features.Dependencies))
	fmt.Printf("alert email:    %s\n", enabledStr(cfg.Email.Enabled))
	fmt.Printf("sms:            %s\n", enabledStr(cfg.Twilio.AccountSID != ""))
	fmt.Printf("agent runner:   %s\n", enabledStr(cfg.Agent.URL != ""))
}

func printVersion() {
	fmt.Printf("assistant %s\n", Version)
	fmt.Printf("go: %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printHelp() {
	fmt.Println(`assistant - AI task scheduling and execution core

Usage:
  assistant [flags]

Flags:
  -v, --version      Show version information
  -h, --help         Show this help
      --config-info  Show resolved configuration and exit
      --status       Query a running instance's health endpoint
      --debug        Enable debug logging

Required environment:
  DATABASE_URL       Database connection string
  BROKER_URL         Queue backend (redis://... or memory://)

See the documented environment variables for tuning: DB_POOL_SIZE,
WORKER_CONCURRENCY, TASK_TIMEOUT, ALERT_SMTP_SERVER, TWILIO_ACCOUNT_SID,
AGENT_URL, METRICS_ENABLED and friends.`)
}

func enabledStr(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// redactURL strips credentials from a connection string for display.
func redactURL(url string) string {
	at := strings.IndexByte(url, '@')
	scheme := strings.Index(url, "://")
	if at >= 0 && scheme >= 0 && scheme+3 < at {
		return url[:scheme+3] + "***" + url[at:]
	}
	return url
}
