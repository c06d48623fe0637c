// Command apc is the Agentic Planning Coordinator's terminal front end:
// an `init`/`status`/`provider` subcommand tree for one-shot administration,
// generalized from the teacher's cmd/agsh/main.go bootstrap (env loading,
// sandbox/cache wiring, goroutine startup, REPL) plus a proper subcommand
// dispatcher the teacher never had, adopted from daydemir-ralph's
// spf13/cobra dependency. With no subcommand it drops into the interactive
// REPL the teacher's own main always ran.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/apc-project/apc/internal/audit"
	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/config"
	ctxstore "github.com/apc-project/apc/internal/context"
	"github.com/apc-project/apc/internal/coordinator"
	"github.com/apc-project/apc/internal/executor"
	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/presenter"
	"github.com/apc-project/apc/internal/provider"
	"github.com/apc-project/apc/internal/tasklog"
)

var (
	flagWorkdir  string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "apc",
		Short: "Agentic Planning Coordinator — single-writer plan/execute/analyze loop for a terminal coding assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive()
		},
	}
	root.PersistentFlags().StringVar(&flagWorkdir, "workdir", "", "sandbox working directory override")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log verbosity override (info, debug)")

	root.AddCommand(newInitCmd(), newStatusCmd(), newProviderCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apc:", err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config) {
	if flagWorkdir != "" {
		cfg.Workdir = flagWorkdir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if cfg.Logging.Level == "debug" {
		log.SetFlags(log.Ldate | log.Lmicroseconds | log.Lshortfile)
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a fresh persisted config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the persisted configuration and a project health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyFlagOverrides(&cfg)

			fmt.Printf("active provider: %s\n", emptyAs(cfg.ActiveProvider, "(none)"))
			fmt.Printf("active model:    %s\n", emptyAs(cfg.ActiveModel, "(none)"))
			fmt.Printf("workdir:         %s\n", cfg.Workdir)
			fmt.Printf("providers configured: %d\n", len(cfg.Providers))

			store := ctxstore.NewStore(cfg.Workdir, ctxstore.DefaultLimits, nil, nil)
			report := store.HealthCheck(map[string]*plan.Plan{}, false)
			if len(report.Warnings) == 0 {
				fmt.Println("project health: ok")
				return nil
			}
			fmt.Println("project health warnings:")
			for _, w := range report.Warnings {
				fmt.Printf("  [%s] %s\n", w.Severity, w.Message)
			}
			return nil
		},
	}
}

func newProviderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "manage configured model providers"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				fmt.Println("(no providers configured)")
				return nil
			}
			for name, pd := range cfg.Providers {
				marker := " "
				if name == cfg.ActiveProvider {
					marker = "*"
				}
				fmt.Printf("%s %-16s default_model=%s base_url=%s\n", marker, name, pd.DefaultModel, emptyAs(pd.BaseURL, "(default)"))
			}
			return nil
		},
	})

	var baseURL string
	addCmd := &cobra.Command{
		Use:   "add <name> <default-model>",
		Short: "add or update a provider's persisted defaults",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Providers == nil {
				cfg.Providers = map[string]config.ProviderDefaults{}
			}
			cfg.Providers[args[0]] = config.ProviderDefaults{DefaultModel: args[1], BaseURL: baseURL}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("provider %s saved (default model %s)\n", args[0], args[1])
			return nil
		},
	}
	addCmd.Flags().StringVar(&baseURL, "base-url", "", "override API base URL for this provider")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "remove a configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if _, ok := cfg.Providers[args[0]]; !ok {
				return fmt.Errorf("no such provider %q", args[0])
			}
			delete(cfg.Providers, args[0])
			if cfg.ActiveProvider == args[0] {
				cfg.ActiveProvider = ""
				cfg.ActiveModel = ""
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("provider %s removed\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "set the active provider (and its default model)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pd, ok := cfg.Providers[args[0]]
			if !ok {
				return fmt.Errorf("no such provider %q — add it first with `apc provider add`", args[0])
			}
			cfg.ActiveProvider = args[0]
			cfg.ActiveModel = pd.DefaultModel
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("active provider set to %s (model %s)\n", args[0], pd.DefaultModel)
			return nil
		},
	})

	return cmd
}

// runInteractive wires the full coordinator stack and runs the REPL, the
// no-subcommand path matching the teacher's own cmd/agsh/main.go, which
// always dropped into a chat loop.
func runInteractive() error {
	if err := config.LoadCredentialEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	configDir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	b := bus.New()

	sandbox, err := executor.NewSandbox(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("sandbox init: %w", err)
	}
	sandbox.OnViolation = func(rawPath string) {
		b.Publish(bus.Event{Kind: bus.KindSecurityEvent, Payload: fmt.Sprintf("rejected path outside sandbox: %s", rawPath)})
	}

	providerImpl := resolveProvider(cfg)
	executorImpl := executor.NewSandboxExecutor(sandbox, providerImpl)

	cachePath := filepath.Join(configDir, "summary-cache.leveldb")
	cache, err := ctxstore.OpenSummaryCache(cachePath)
	if err != nil {
		log.Printf("[apc] WARNING: could not open summary cache at %s: %v (continuing without a durable cache)", cachePath, err)
		cache = nil
	} else {
		defer cache.Close()
	}

	limits := ctxstore.DefaultLimits
	limits.MaxFileBytes = cfg.Context.MaxFileBytes
	limits.TotalByteCeiling = cfg.Context.TotalByteCeiling
	limits.SummaryTTL = cfg.Context.SummaryTTL
	if len(cfg.Context.PriorityExt) > 0 {
		limits.PriorityExt = cfg.Context.PriorityExt
	}
	if len(cfg.Context.ExcludePatterns) > 0 {
		limits.ExcludePatterns = cfg.Context.ExcludePatterns
	}
	summarize := func(text, prior string) (string, error) {
		return providerImpl.Summarize(context.Background(), text, prior)
	}
	store := ctxstore.NewStore(cfg.Workdir, limits, cache, summarize)

	reg := tasklog.NewRegistry(filepath.Join(configDir, "tasklogs"))

	coordCfg := coordinator.DefaultConfig
	if cfg.Execution.RetryCeiling > 0 {
		coordCfg.RetryCeiling = cfg.Execution.RetryCeiling
	}
	if cfg.Execution.DefaultTimeout > 0 {
		coordCfg.ExecuteTimeout = cfg.Execution.DefaultTimeout
	}
	coord := coordinator.New(providerImpl, executorImpl, store, b, reg, coordCfg)

	auditor := audit.New(b, b.NewTap(), filepath.Join(configDir, "audit.log"), filepath.Join(configDir, "audit-stats.json"), 5*time.Minute)
	display := presenter.New(b.NewTap(), coord, &cfg)

	auditCtx, cancel := context.WithCancel(context.Background())

	if err := coord.Start(); err != nil {
		cancel()
		return fmt.Errorf("coordinator start: %w", err)
	}
	go auditor.Run(auditCtx)
	go display.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
		coord.Shutdown()
		if err := config.Save(cfg); err != nil {
			log.Printf("[apc] WARNING: could not persist config on shutdown: %v", err)
		}
		os.Exit(0)
	}()

	return runREPL(coord, display, &cfg)
}

func resolveProvider(cfg config.Config) provider.Provider {
	if cfg.ActiveProvider == "" {
		log.Printf("[apc] no active provider configured — using the deterministic stub provider. Run `apc provider add` and `apc provider set` to use a real model.")
		return provider.NewStub()
	}
	if _, ok := config.CredentialFor(cfg.ActiveProvider); !ok {
		log.Printf("[apc] no credential found for provider %q (expected env var APC_%s_API_KEY) — using the stub provider instead",
			cfg.ActiveProvider, strings.ToUpper(cfg.ActiveProvider))
		return provider.NewStub()
	}
	return provider.NewTier(strings.ToUpper(cfg.ActiveProvider))
}

func runREPL(coord *coordinator.Coordinator, display *presenter.Display, cfg *config.Config) error {
	rl, err := readline.New(promptFor(cfg))
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	fmt.Println("apc ready — type a request, or /status, /history, /model, /provider, /workdir, /reset-context")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if cmd, ok := presenter.ParseCommand(line); ok {
			resp, err := display.Dispatch(cmd)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(resp)
			rl.SetPrompt(promptFor(cfg))
			continue
		}

		if _, err := coord.SubmitPrompt(plan.NewUserPrompt(line, plan.PriorityNormal)); err != nil {
			fmt.Println("error submitting prompt:", err)
		}
	}
}

func promptFor(cfg *config.Config) string {
	name := cfg.ActiveProvider
	if name == "" {
		name = "stub"
	}
	return fmt.Sprintf("apc(%s)> ", name)
}

func emptyAs(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
