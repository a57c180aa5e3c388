// Package main is the entry point for the fieldscout-agent binary. It wires
// every internal package together into the running agent and starts the
// connectivity loop.
//
// Startup sequence:
//  1. Resolve configuration (defaults -> env -> config file -> CLI flags)
//  2. Build the logger (zap, with a rotating file sink via lumberjack)
//  3. Enroll for an mTLS client certificate if not already enrolled
//  4. Open the durable queue
//  5. Build the command dispatcher and register built-ins and probes
//  6. Build the connection state machine, control-link client, queue worker,
//     SFTP fallback uploader, and the manager that supervises all of them
//  7. Start the local scheduler
//  8. Run the manager until SIGINT/SIGTERM, then shut down gracefully
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldscout/agent/internal/command"
	"github.com/fieldscout/agent/internal/config"
	"github.com/fieldscout/agent/internal/connstate"
	"github.com/fieldscout/agent/internal/control"
	"github.com/fieldscout/agent/internal/enroll"
	"github.com/fieldscout/agent/internal/fallback"
	"github.com/fieldscout/agent/internal/hooks"
	"github.com/fieldscout/agent/internal/manager"
	"github.com/fieldscout/agent/internal/queue"
	"github.com/fieldscout/agent/internal/scheduler"
	"github.com/fieldscout/agent/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flags holds the CLI overrides layered on top of config.Load's result.
// A flag left at its zero value does not override the loaded config.
type flags struct {
	serverURL string
	agentID   string
	agentName string
	token     string
	stateDir  string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	defaults := config.Defaults()

	root := &cobra.Command{
		Use:   "fieldscout-agent",
		Short: "fieldscout agent — endpoint agent for the fieldscout asset inventory system",
		Long: `fieldscout agent runs on each monitored machine. It maintains a
persistent WebSocket control link to the fieldscout server, executes
commands the server dispatches, runs its own local inventory schedule,
and falls back to an encrypted SFTP drop when the control link has
been down long enough.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.serverURL, "server-url", "", fmt.Sprintf("fieldscout server base URL (default %q, overrides FIELDSCOUT_SERVER_URL)", defaults.ServerURL))
	root.PersistentFlags().StringVar(&f.agentID, "agent-id", "", "agent identifier (overrides FIELDSCOUT_AGENT_ID)")
	root.PersistentFlags().StringVar(&f.agentName, "agent-name", "", "human-readable agent name (overrides FIELDSCOUT_AGENT_NAME)")
	root.PersistentFlags().StringVar(&f.token, "agent-token", "", "bearer token used for enrollment and control-link auth (overrides FIELDSCOUT_AGENT_TOKEN)")
	root.PersistentFlags().StringVar(&f.stateDir, "state-dir", "", fmt.Sprintf("directory for agent state (default %q)", defaults.StateDir))
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides FIELDSCOUT_LOG_LEVEL)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fieldscout-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// applyFlags layers non-empty CLI flags on top of the loaded config, giving
// flags the highest precedence in the defaults -> env -> file -> flags chain.
func applyFlags(cfg *config.Config, f *flags) {
	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
	}
	if f.agentID != "" {
		cfg.AgentID = f.agentID
	}
	if f.agentName != "" {
		cfg.AgentName = f.agentName
	}
	if f.token != "" {
		cfg.AgentToken = f.token
	}
	if f.stateDir != "" {
		cfg.StateDir = f.stateDir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(&cfg, f)

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.AgentToken == "" || cfg.AgentToken == "change-me-in-production" {
		logger.Warn("agent token not configured, using insecure default — set FIELDSCOUT_AGENT_TOKEN in production")
	} else if msg := enroll.WarnIfExpiringSoon(cfg.AgentToken, 7*24*time.Hour); msg != "" {
		logger.Warn(msg)
	}

	logger.Info("starting fieldscout agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("server", cfg.ServerURL),
		zap.String("state_dir", cfg.StateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Enrollment ---
	// A missing certificate triggers a one-shot enrollment call. A server
	// that has not yet approved the agent (ErrNotApproved) is not fatal —
	// the agent keeps running on bearer-token auth alone and picks up
	// mTLS on a future restart once an operator approves it.
	certPaths := enroll.CertPaths(cfg.StateDir)
	if !certPaths.AlreadyEnrolled() {
		req := enroll.Request{AgentID: cfg.AgentID, AgentName: cfg.AgentName}
		if err := enroll.Enroll(ctx, cfg.ServerURL, cfg.AgentToken, req, certPaths); err != nil {
			if err == enroll.ErrNotApproved {
				logger.Warn("agent not yet approved for enrollment, continuing on token auth")
			} else {
				logger.Warn("enrollment failed, continuing on token auth", zap.Error(err))
			}
		} else {
			logger.Info("enrollment complete, mTLS certificate material written")
		}
	}
	if certPaths.AlreadyEnrolled() {
		if cfg.TLS.ClientCertFile == "" {
			cfg.TLS.ClientCertFile = certPaths.CertFile
		}
		if cfg.TLS.ClientKeyFile == "" {
			cfg.TLS.ClientKeyFile = certPaths.KeyFile
		}
		if cfg.TLS.CAFile == "" {
			cfg.TLS.CAFile = certPaths.CAFile
		}
	}

	// --- Durable queue ---
	q, err := queue.Open(queue.Config{Path: filepath.Join(cfg.StateDir, "queue.db"), Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	// --- Command dispatch ---
	dispatcher := command.New(logger)
	command.RegisterBuiltins(dispatcher, command.Deps{
		Queue:      q,
		PingRunner: hooks.NewRunner(0),
	})
	// No network-probe adapters are wired in yet — port_scan, dns_resolve,
	// wmi_probe, ssh_probe, and snmp_probe all report "not implemented"
	// until a concrete scanning backend is selected. The actions still
	// exist on the dispatcher so the server can discover their absence
	// rather than getting an unknown-action error.
	command.RegisterProbes(dispatcher, command.Adapters{})

	// --- Connectivity subsystems ---
	// fsm's OnSFTPRequired callback needs the manager, and the manager
	// needs fsm to exist first — resolved with a forward-declared pointer
	// the closure captures by reference; it is only invoked after mgr is
	// assigned below, once a real SFTP-fallback transition occurs.
	var mgr *manager.Manager
	fsm := connstate.New(connstate.Config{
		OnSFTPRequired: func() bool { return mgr.OnSFTPRequired() },
	})

	onCommand := func(ctx context.Context, id, action string, params map[string]any) (bool, string, any, string) {
		res := dispatcher.Handle(ctx, id, action, params)
		return res.Success, res.Status, res.Data, res.Error
	}

	controlClient := control.New(control.Config{
		ServerURL: cfg.ServerURL,
		AgentID:   cfg.AgentID,
		Token:     cfg.AgentToken,
		Version:   version,
		StateDir:  cfg.StateDir,
		TLS: control.TLSConfig{
			CAFile:             cfg.TLS.CAFile,
			ClientCertFile:     cfg.TLS.ClientCertFile,
			ClientKeyFile:      cfg.TLS.ClientKeyFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
	}, fsm, logger, onCommand)

	w := worker.New(worker.Config{Queue: q, Sender: controlClient, Logger: logger})

	uploader := fallback.New(cfg.AgentID, fallback.Config{
		Enabled:             cfg.SFTP.Enabled,
		Host:                cfg.SFTP.Host,
		Port:                cfg.SFTP.Port,
		Username:            cfg.SFTP.Username,
		Password:            cfg.SFTP.Password,
		PrivateKeyPath:      cfg.SFTP.PrivateKeyPath,
		RemotePath:          cfg.SFTP.RemotePath,
		ServerPublicKeyPath: cfg.SFTP.ServerPublicKeyPath,
		Timeout:             time.Duration(cfg.SFTP.TimeoutSeconds) * time.Second,
	}, logger)

	mgr = manager.New(manager.Config{
		FSM:      fsm,
		Control:  controlClient,
		Worker:   w,
		Uploader: uploader,
		Queue:    q,
		Logger:   logger,
	})

	// --- Local scheduler ---
	// Scheduled job results are enqueued onto the durable queue rather than
	// sent directly — a scan that fires at 3am with the control link down
	// still needs to survive until the worker (or the SFTP fallback) can
	// deliver it.
	sink := func(taskID, status string, data any, errMsg string) {
		payload, err := json.Marshal(worker.Payload{Status: status, Data: data, Error: errMsg})
		if err != nil {
			logger.Warn("failed to marshal scheduled job result", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if _, err := q.Enqueue(context.Background(), taskID, "result", string(payload), 0); err != nil {
			logger.Warn("failed to enqueue scheduled job result", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		Dispatcher: dispatcher,
		Sink:       sink,
		Logger:     logger,
		StateDir:   cfg.StateDir,
	})
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("fieldscout agent stopped")
	return nil
}

// buildLogger constructs a zap logger that writes human-readable console
// output to stderr and JSON lines to a size-rotated file under stateDir,
// via lumberjack.
func buildLogger(level, stateDir string) (*zap.Logger, error) {
	zapLevel := parseLevel(level)

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename: filepath.Join(stateDir, "logs", "agent.log"),
		MaxSize:  10, // megabytes
		MaxAge:   7,  // days
		Compress: true,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), zapLevel),
		zapcore.NewCore(fileEncoder, fileSink, zapLevel),
	)

	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
