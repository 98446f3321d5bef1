package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/agent/claude"
	"github.com/oxvale/drover/internal/agent/codex"
	"github.com/oxvale/drover/internal/agent/codex/appserver"
	"github.com/oxvale/drover/internal/audit"
	"github.com/oxvale/drover/internal/cleanup"
	"github.com/oxvale/drover/internal/config"
	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
	"github.com/oxvale/drover/internal/ptypool"
	"github.com/oxvale/drover/internal/registry"
	"github.com/oxvale/drover/internal/store"
	"github.com/oxvale/drover/internal/stream"
	"github.com/oxvale/drover/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "run":
			cmdRun(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("drover %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Printf(`Drover %s - Coding Agent Orchestration Engine

Usage: drover <command> [options]

Commands:
  run          Run one prompt through a backend
  init         Initialize the drover directory structure

Run Options:
  --backend <name>      claude | codex | codex-server | pty (default: claude)
  --prompt <text>       Prompt text (required)
  --dir <path>          Working directory for the agent (default: cwd)
  --owner <key>         Conversation key, e.g. C123:U456 (default: cli)
  --mode <mode>         Permission mode (claude) or sandbox mode (codex)
  --model <model>       Model name, codex accepts a -low/-high effort suffix
  --resume <id>         External session id to resume (default: from store)
  --no-resume           Ignore any stored session id
  --config <dir>        Directory containing drover.jsonc
  --metrics-addr <addr> Serve Prometheus metrics on this address while running
  --unattended          Auto-approve server-side approval requests (codex-server)

Examples:
  drover init
  drover run --prompt "list the repo layout"
  drover run --backend codex --model gpt-5-high --prompt "fix the tests"
  drover run --backend pty --owner C1:U1 --prompt "continue where we left off"
`, Version)
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.drover)")
	_ = fs.Parse(args)

	baseDir := *dirFlag
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		baseDir = filepath.Join(homeDir, ".drover")
	}

	for _, sub := range []string{"config", "data", "logs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", sub, err)
			os.Exit(1)
		}
	}

	configPath := filepath.Join(baseDir, "config", "drover.jsonc")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("already initialized: %s\n", configPath)
		return
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigJSONC), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", baseDir)
}

const defaultConfigJSONC = `{
  // Drover engine configuration. Unset values fall back to defaults.
  "claude": {
    "binary": "claude",
    "default_mode": "acceptEdits"
  },
  "codex": {
    "binary": "codex",
    "default_sandbox": "workspace-write"
  },
  "pty": {
    "max_sessions": 10,
    "sweep_spec": "* * * * *"
  },
  "store": {
    "data_dir": "data"
  },
  "log_dir": "logs",
  "debug": false
}
`

type runFlags struct {
	backend     string
	prompt      string
	workingDir  string
	owner       string
	mode        string
	model       string
	resume      string
	noResume    bool
	configDir   string
	metricsAddr string
	unattended  bool
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var rf runFlags
	fs.StringVar(&rf.backend, "backend", "claude", "Backend: claude | codex | codex-server | pty")
	fs.StringVar(&rf.prompt, "prompt", "", "Prompt text")
	fs.StringVar(&rf.workingDir, "dir", "", "Working directory for the agent")
	fs.StringVar(&rf.owner, "owner", "cli", "Conversation owner key")
	fs.StringVar(&rf.mode, "mode", "", "Permission or sandbox mode")
	fs.StringVar(&rf.model, "model", "", "Model name")
	fs.StringVar(&rf.resume, "resume", "", "External session id to resume")
	fs.BoolVar(&rf.noResume, "no-resume", false, "Ignore any stored session id")
	fs.StringVar(&rf.configDir, "config", "", "Directory containing drover.jsonc")
	fs.StringVar(&rf.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&rf.unattended, "unattended", false, "Auto-approve server approval requests")
	_ = fs.Parse(args)

	if rf.prompt == "" {
		fmt.Fprintln(os.Stderr, "--prompt is required")
		fs.Usage()
		os.Exit(2)
	}

	if err := run(rf); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(rf runFlags) error {
	cfg := loadConfig(rf.configDir)

	if err := logger.Init(cfg.LogDir, cfg.Debug); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Close()

	if rf.workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		rf.workingDir = cwd
	}
	if err := validation.ValidateOwnerKey(rf.owner); err != nil {
		return err
	}
	if err := validation.ValidateWorkingDir(rf.workingDir); err != nil {
		return err
	}

	if rf.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(rf.metricsAddr, mux); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	st, err := store.NewStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cleaner := cleanup.New(cleanup.DefaultConfig(cfg.LogDir, cfg.Store.DataDir))
	cleaner.Start()
	defer cleaner.Stop()

	reg := registry.New(cfg.Limits.SpawnsPerMinute, cfg.Limits.SpawnBurst)

	// Resume precedence: explicit flag, then stored id, unless disabled
	resume := rf.resume
	if resume == "" && !rf.noResume {
		if stored, storedMode, err := st.Latest(rf.owner); err == nil {
			resume = stored
			if rf.mode == "" {
				rf.mode = storedMode
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("reading stored session for %s: %v", rf.owner, err)
		}
	}

	execID := uuid.NewString()
	req := agent.Request{
		Prompt:          rf.prompt,
		WorkingDir:      rf.workingDir,
		ResumeSessionID: resume,
		Mode:            rf.mode,
		Model:           rf.model,
		ExecutionID:     execID,
		OwnerKey:        rf.owner,
		OnMessage:       printProgress,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit.LogStart(rf.owner, execID, rf.backend)
	started := time.Now()

	res, err := dispatch(ctx, rf, cfg, reg, req)

	var resultErr error
	if err != nil {
		resultErr = err
	} else if !res.Success {
		resultErr = errors.New(res.Err)
	}
	sessionID := ""
	if res != nil {
		sessionID = res.ExternalSessionID
	}
	audit.LogEnd(rf.owner, execID, rf.backend, sessionID, time.Since(started).Milliseconds(), resultErr)

	if err != nil {
		return err
	}
	if res.ExternalSessionID != "" {
		if err := st.SetSessionID(rf.owner, res.ExternalSessionID); err != nil {
			logger.Warn("persisting session id: %v", err)
		}
	}
	if rf.mode != "" {
		if err := st.SetMode(rf.owner, rf.mode); err != nil {
			logger.Warn("persisting mode: %v", err)
		}
	}

	return report(res)
}

func loadConfig(configDir string) *config.Config {
	path, err := config.FindConfigPath(configDir)
	if err != nil {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error in %s: %v (using defaults)\n", path, err)
		return config.Default()
	}
	return cfg
}

func dispatch(ctx context.Context, rf runFlags, cfg *config.Config, reg *registry.Registry, req agent.Request) (*agent.ExecutionResult, error) {
	switch rf.backend {
	case "claude":
		exec := claude.NewExecutor(claude.Config{
			Binary:          cfg.Claude.Binary,
			PermissionModes: cfg.Claude.PermissionModes,
			DefaultMode:     cfg.Claude.DefaultMode,
			Models:          cfg.Claude.Models,
			DefaultModel:    cfg.Claude.DefaultModel,
			ReadLineTimeout: cfg.Timeouts.ReadLine(),
			PlanWriteGrace:  cfg.Timeouts.PlanWriteGrace(),
			TermGrace:       cfg.Timeouts.TermGrace(),
			MaxRetryDepth:   cfg.Limits.MaxRetryDepth,
			MaxLineBytes:    cfg.Limits.MaxLineBytes,
		}, reg)
		return exec.Execute(ctx, req)

	case "codex":
		exec := codex.NewExecutor(codex.Config{
			Binary:          cfg.Codex.Binary,
			SandboxModes:    cfg.Codex.SandboxModes,
			DefaultSandbox:  cfg.Codex.DefaultSandbox,
			ApprovalModes:   cfg.Codex.ApprovalModes,
			Models:          cfg.Codex.Models,
			DefaultModel:    cfg.Codex.DefaultModel,
			ReadLineTimeout: cfg.Timeouts.ReadLine(),
			TermGrace:       cfg.Timeouts.TermGrace(),
			MaxRetryDepth:   cfg.Limits.MaxRetryDepth,
			MaxLineBytes:    cfg.Limits.MaxLineBytes,
		}, reg)
		return exec.Execute(ctx, req)

	case "codex-server":
		bridge := appserver.NewBridge(appserver.Options{
			Binary:        cfg.Codex.Binary,
			WorkingDir:    req.WorkingDir,
			Unattended:    rf.unattended,
			CallTimeout:   cfg.Timeouts.CallTimeout(),
			TermGrace:     cfg.Timeouts.TermGrace(),
			MaxRetryDepth: cfg.Limits.MaxRetryDepth,
			MaxLineBytes:  cfg.Limits.MaxLineBytes,
		}, reg)
		return bridge.Execute(ctx, req)

	case "pty":
		pool := ptypool.NewPool(ptypool.PoolConfig{
			MaxSessions: cfg.PTY.MaxSessions,
			IdleTimeout: cfg.Timeouts.IdleTimeout(),
			SweepSpec:   cfg.PTY.SweepSpec,
			Registry:    reg,
		})
		defer pool.Shutdown()
		return pool.Send(ctx, req.ExecutionID, req.OwnerKey, req.Prompt, ptypool.SessionConfig{
			Binary:            cfg.Codex.Binary,
			Dialect:           stream.DialectCodex,
			WorkingDir:        req.WorkingDir,
			Mode:              req.Mode,
			Model:             req.Model,
			StartupTimeout:    cfg.Timeouts.Startup(),
			InactivityTimeout: cfg.Timeouts.PTYInactivity(),
			ReadTimeout:       cfg.Timeouts.PTYRead(),
			CallTimeout:       cfg.Timeouts.CallTimeout(),
			StopGrace:         cfg.Timeouts.TermGrace(),
			MaxLineBytes:      cfg.Limits.MaxLineBytes,
		}, req.OnMessage)

	default:
		return nil, fmt.Errorf("unknown backend %q", rf.backend)
	}
}

// printProgress shows tool activity on stderr while the turn runs.
func printProgress(msg *stream.Message) {
	switch msg.Type {
	case stream.ToolCall:
		for _, tool := range msg.Tools {
			if tool.InputSummary != "" {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", tool.Name, tool.InputSummary)
			} else {
				fmt.Fprintf(os.Stderr, "  [%s]\n", tool.Name)
			}
		}
	case stream.Error:
		fmt.Fprintf(os.Stderr, "  error: %s\n", msg.Text)
	}
}

func report(res *agent.ExecutionResult) error {
	if res.Text != "" {
		fmt.Println(strings.TrimRight(res.Text, "\n"))
	}

	switch {
	case res.WasCancelled:
		return errors.New("cancelled")
	case res.PendingQuestion:
		fmt.Fprintln(os.Stderr, "agent is waiting for an answer; reply and resume the session")
	case res.PendingPlanApproval:
		fmt.Fprintln(os.Stderr, "agent produced a plan awaiting approval:")
		if res.PlanCandidateText != "" {
			fmt.Fprintln(os.Stderr, res.PlanCandidateText)
		}
	case !res.Success:
		if res.Err != "" {
			return errors.New(res.Err)
		}
		return errors.New("execution failed")
	}

	if res.CostUnits != nil {
		fmt.Fprintf(os.Stderr, "cost: %.4f\n", *res.CostUnits)
	}
	return nil
}
