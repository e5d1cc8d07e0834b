package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/horsyncd/internal/config"
	"github.com/schaermu/horsyncd/internal/reconcile"
	"github.com/schaermu/horsyncd/internal/registry"
	"github.com/schaermu/horsyncd/internal/remote"
	horsync "github.com/schaermu/horsyncd/internal/sync"
	"github.com/schaermu/horsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	policy    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "horsyncd",
	Short: "Keep environment tags on the default branch of GitHub repositories",
	Long: `horsyncd keeps one environment tag per tracked repository (for example
"production") pointing at the head of the repository's default branch.

It can run as a oneshot sync (via systemd timer) or as a long-running service
that syncs on a schedule, on demand and when GitHub reports a push.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of every tracked project",
	Long: `Sync reads the default branch head and the environment tag of every project
in the registry and creates or moves the tag where it lags behind.

The exit status is non-zero if any project could not be reconciled.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync service",
	Long: `Serve starts a long-running HTTP server. A sync pass runs on start, on the
configured schedule, on POST /sync and when a signed GitHub push to the default
branch of a tracked repository arrives on POST /webhook.`,
	RunE: runServe,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List the tracked projects",
	RunE:  runProjects,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("horsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/horsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&policy, "policy", "", "failure policy (fail-fast, isolate); overrides sync.policy")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, _, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	// Run sync
	report, err := engine.Run(ctx)
	printReport(cmd.OutOrStdout(), report)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, reg, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, engine, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Start(ctx)
}

func runProjects(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg, err := cfg.ProjectRegistry()
	if err != nil {
		return fmt.Errorf("failed to load project registry: %w", err)
	}

	printProjects(cmd.OutOrStdout(), reg.Projects())
	return nil
}

// buildEngine wires the registry, the GitHub client and the reconciler. The
// client must be built before an engine can exist.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*horsync.Engine, registry.Registry, error) {
	client, err := remote.NewGitHubClient(remote.GitHubOptions{
		APIURL:    cfg.GitHub.APIURL,
		TokenFile: cfg.GitHub.TokenFile,
		Timeout:   cfg.GitHub.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	return newEngine(cfg, client, logger)
}

func newEngine(cfg *config.Config, client remote.Client, logger *slog.Logger) (*horsync.Engine, registry.Registry, error) {
	reg, err := cfg.ProjectRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load project registry: %w", err)
	}

	rec := reconcile.New(client, logger, cfg.Sync.DryRun)
	engine, err := horsync.NewEngine(reg, rec, logger, horsync.Options{
		Policy:      cfg.Sync.Policy,
		Concurrency: cfg.Sync.Concurrency,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, reg, nil
}

func printReport(w io.Writer, report *horsync.Report) {
	if report == nil {
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for _, res := range report.Results {
		name := res.Project.String()
		outcome := res.Outcome

		if res.Err != nil {
			_, _ = red.Fprint(w, "  failed  ")
			_, _ = fmt.Fprintf(w, "%s: %v\n", name, res.Err)
			continue
		}

		switch outcome.Decision.Action {
		case reconcile.NoOp:
			_, _ = fmt.Fprintf(w, "  ok      %s at %s\n", name, shortSHA(outcome.Decision.SHA))
		case reconcile.CreateTag, reconcile.UpdateTag:
			verb := "created"
			if outcome.Decision.Action == reconcile.UpdateTag {
				verb = "moved"
			}
			c := green
			if outcome.DryRun {
				verb = "would be " + verb
				c = yellow
			}
			_, _ = c.Fprintf(w, "  %-7s ", outcome.Decision.Action)
			_, _ = fmt.Fprintf(w, "%s %s", name, verb)
			if outcome.Previous != "" {
				_, _ = fmt.Fprintf(w, " %s ->", shortSHA(outcome.Previous))
			}
			_, _ = fmt.Fprintf(w, " %s\n", shortSHA(outcome.Decision.SHA))
		}
	}

	failed := len(report.Failures())
	summary := green
	if failed > 0 {
		summary = red
	}
	_, _ = summary.Fprintf(w, "%d project(s), %d changed, %d failed in %s\n",
		len(report.Results), report.Changed(), failed, report.Duration.Round(time.Millisecond))
}

func printProjects(w io.Writer, projects []registry.Project) {
	if len(projects) == 0 {
		_, _ = fmt.Fprintln(w, "No projects configured")
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, p := range projects {
		_, _ = fmt.Fprintf(w, "%-8s %-40s %-16s ", p.Kind, p.FullName(), p.Environment)
		if horsync.Supported(p.Kind) {
			_, _ = green.Fprintln(w, "supported")
		} else {
			_, _ = red.Fprintln(w, "unsupported")
		}
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the configuration and applies command line overrides
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/horsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dryRun {
		cfg.Sync.DryRun = true
	}
	if policy != "" {
		cfg.Sync.Policy = config.Policy(policy)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger.Debug("configuration loaded",
		"projects", len(cfg.Projects),
		"registry_file", cfg.Registry.File,
		"policy", cfg.Sync.Policy,
		"concurrency", cfg.Sync.Concurrency,
		"dry_run", cfg.Sync.DryRun,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
