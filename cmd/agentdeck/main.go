package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/HobbyCoders/agentdeck/internal/agentclient"
	"github.com/HobbyCoders/agentdeck/internal/bus"
	"github.com/HobbyCoders/agentdeck/internal/config"
	"github.com/HobbyCoders/agentdeck/internal/cron"
	"github.com/HobbyCoders/agentdeck/internal/gateway"
	"github.com/HobbyCoders/agentdeck/internal/orchestrator"
	deckotel "github.com/HobbyCoders/agentdeck/internal/otel"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/scheduler"
	"github.com/HobbyCoders/agentdeck/internal/synchub"
	"github.com/HobbyCoders/agentdeck/internal/telemetry"
	"github.com/HobbyCoders/agentdeck/internal/workspace"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentdeck - session and background-run server for an AI coding agent

USAGE:
  %s [flags]                 Start the server
  %s status                  Show server health (/healthz)
  %s version                 Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTDECK_HOME          Data directory (default: ~/.agentdeck)
  AGENTDECK_AUTH_TOKEN    Override the on-disk auth token
  AGENTDECK_BIND_ADDR     Override bind_addr from config.yaml
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, nothing on stdout")
	flag.Usage = printUsage
	flag.Parse()

	// File-only logging when stdout is not a terminal (service managers
	// capture the log file instead).
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx))
		case "version":
			fmt.Println(deckotel.Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOG_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	provider, err := deckotel.Init(ctx, deckotel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := deckotel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "agentdeck.db"))
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened")

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	eventBus := bus.New()
	hub := synchub.New(logger)
	hub.SetMetrics(metrics)
	factory := agentclient.NewFactory(logger)
	ws := workspace.NewManager(cfg.Repo, cfg.Runs.Dir, logger)

	orch := orchestrator.New(orchestrator.Config{
		Logger:      logger,
		Store:       store,
		Hub:         hub,
		Bus:         eventBus,
		Factory:     factory,
		Agent:       cfg.Agent,
		Repo:        cfg.Repo,
		IdleTimeout: cfg.SessionIdleTimeout(),
		Metrics:     metrics,
		Tracer:      provider.Tracer,
	})

	sched := scheduler.New(scheduler.Config{
		Logger:    logger,
		Store:     store,
		Bus:       eventBus,
		Factory:   factory,
		Workspace: ws,
		Agent:     cfg.Agent,
		Runs:      cfg.Runs,
		Metrics:   metrics,
		Tracer:    provider.Tracer,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "max_concurrent", cfg.Runs.MaxConcurrent)

	// Cron: fires due schedules and piggybacks stale-state cleanup.
	cronSched := cron.NewScheduler(cron.Config{
		Store:    store,
		Launcher: sched,
		Logger:   logger,
		Maintenance: func(maintCtx context.Context) {
			if n := orch.CleanupStale(maintCtx); n > 0 {
				logger.Info("idle sessions evicted", "count", n)
			}
			if n := hub.CleanupStale(time.Now().Add(-cfg.StaleConnectionAge())); n > 0 {
				logger.Info("stale devices dropped", "count", n)
			}

			// Retention: persisted sessions past their window are
			// deleted for good, and runs left active with no agent
			// activity are failed so their slots free up.
			stale, err := store.StaleSessions(maintCtx, time.Now().Add(-cfg.SessionRetention()))
			if err != nil {
				logger.Warn("session retention scan failed", "error", err)
			}
			deleted := 0
			for _, sess := range stale {
				if err := store.DeleteSession(maintCtx, sess.ID); err != nil {
					logger.Warn("session retention delete failed", "session_id", sess.ID, "error", err)
					continue
				}
				deleted++
			}
			if deleted > 0 {
				logger.Info("expired sessions deleted", "count", deleted)
			}

			abandoned, err := store.StaleActiveRuns(maintCtx, time.Now().Add(-2*cfg.RunMaxDuration()))
			if err != nil {
				logger.Warn("stale run scan failed", "error", err)
			}
			for _, run := range abandoned {
				if err := store.FinishRun(maintCtx, run.ID, persistence.RunStatusFailed, "", "run stalled: no agent activity"); err != nil {
					logger.Warn("fail stalled run failed", "run_id", run.ID, "error", err)
					continue
				}
				logger.Warn("stalled run failed by maintenance", "run_id", run.ID)
			}
		},
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	// Config watcher: log changes so operators know a restart is needed
	// for anything beyond log level.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				newCfg, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				logger.Info("config.yaml changed on disk",
					"fingerprint", newCfg.Fingerprint(),
					"note", "most settings apply on next restart")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Orchestrator:      orch,
		Scheduler:         sched,
		Hub:               hub,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           deckotel.Version,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake first, then running work, then the DB
	// via the deferred store.Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	orch.Shutdown()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadAuthToken returns the gateway bearer token, generating and
// persisting one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("AGENTDECK_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func runStatusCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentdeck is not running at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
