package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwkit/mpdeploy/internal/build"
	"github.com/fwkit/mpdeploy/internal/checksum"
	"github.com/fwkit/mpdeploy/internal/compiler"
	"github.com/fwkit/mpdeploy/internal/config"
	"github.com/fwkit/mpdeploy/internal/deploy"
	"github.com/fwkit/mpdeploy/internal/manifest"
	"github.com/fwkit/mpdeploy/internal/mpremote"
	"github.com/fwkit/mpdeploy/internal/source"
	"github.com/fwkit/mpdeploy/internal/watch"
	"github.com/fwkit/mpdeploy/internal/webrepl"
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
	srcDir    string
	outputDir string
	dryRun    bool

	// Command flags
	device        string
	useWebREPL    bool
	webreplClient string
	preserveDirs  bool
	bumpPolicy    string
	watchDeploy   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mpdeploy",
	Short: "Build and deploy MicroPython modules to devices",
	Long: `mpdeploy compiles MicroPython sources into bytecode, tracks per-module
versions in a content-addressed manifest, and synchronizes the artifact tree
onto an attached device via mpremote (or over the network via WebREPL).

Only files whose SHA-256 hash differs from the copy on the device are
transferred; files on the device that no longer exist locally are removed.`,
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile and collect modules into the output tree",
	Long: `Build resolves each configured module against the source directory and
submodule roots, compiles Python modules to .mpy bytecode, copies copy-only
files verbatim, and writes version manifests for both the source tree and the
resulting artifact tree.`,
	RunE: runBuild,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Sync the artifact tree onto a device",
	Long: `Deploy hashes the local artifact tree, probes the device for its file
hashes, and transfers only what changed. Obsolete files are removed from the
device, except protected ones such as webrepl_cfg.py.`,
	RunE: runDeploy,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, then deploy",
	RunE:  runBuildAndDeploy,
}

var bumpCmd = &cobra.Command{
	Use:   "bump",
	Short: "Bump versions of modified source modules",
	Long: `Bump compares every Python source file against the hash recorded in the
source manifest and increments the __version__ declaration of each file that
changed. The manifest is updated with the new versions and hashes.`,
	RunE: runBump,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report source and artifact tree state",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild automatically when sources change",
	Long: `Watch monitors the source directory and submodule roots and re-runs the
build whenever a Python module changes. With --deploy, each successful build
is followed by a deploy.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mpdeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches prepare.json, src/prepare.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&srcDir, "src-dir", "src", "source directory")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", config.DefaultOutputDir, "artifact output directory")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Build flags
	for _, cmd := range []*cobra.Command{buildCmd, runCmd, watchCmd} {
		cmd.Flags().BoolVar(&preserveDirs, "preserve-dirs", false, "mirror source directory structure in the output tree")
	}

	// Deploy flags
	for _, cmd := range []*cobra.Command{deployCmd, runCmd, watchCmd} {
		cmd.Flags().StringVar(&device, "device", "", "target device (e.g. /dev/ttyUSB0), overrides config and auto-detection")
		cmd.Flags().BoolVar(&useWebREPL, "webrepl", false, "transfer over WebREPL instead of a serial connection")
		cmd.Flags().StringVar(&webreplClient, "webrepl-client", "webrepl_cli.py", "path to the WebREPL client script")
	}

	bumpCmd.Flags().StringVar(&bumpPolicy, "policy", "minor", "version component to bump (patch, minor, major)")
	watchCmd.Flags().BoolVar(&watchDeploy, "deploy", false, "deploy after each successful build")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bumpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return buildOnce(ctx, cfg, logger)
}

func buildOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	comp, err := newCompiler(cfg)
	if err != nil {
		return err
	}

	orchestrator := build.New(cfg, comp, logger, build.Options{
		SrcDir:       srcDir,
		OutputDir:    outputDir,
		PreserveDirs: preserveDirs,
		DryRun:       dryRun,
	})

	logger.Info("starting build")
	result, err := orchestrator.Run(ctx)
	if err != nil {
		logger.Error("build failed", "error", err)
		return err
	}
	if n := result.FailureCount(); n > 0 {
		return fmt.Errorf("build completed with %d failed modules", n)
	}
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return deployOnce(ctx, cfg, logger)
}

func deployOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if useWebREPL {
		cfg.Deploy.UseWebREPL = true
	}
	if cfg.Deploy.UseWebREPL && cfg.Deploy.Password == "" {
		return webrepl.ErrNoPassword
	}

	pusher := webrepl.NewShellPusher(webreplClient, cfg.Deploy.Host, cfg.Deploy.Password)
	engine := deploy.NewEngine(cfg, mpremote.NewShellAgent(), pusher, logger, deploy.Options{
		OutputDir: outputDir,
		Device:    device,
		DryRun:    dryRun,
	})

	logger.Info("starting deploy")
	if err := engine.Run(ctx); err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}
	return nil
}

func runBuildAndDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := buildOnce(ctx, cfg, logger); err != nil {
		return err
	}
	return deployOnce(ctx, cfg, logger)
}

func runBump(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	policy, err := manifest.ParsePolicy(bumpPolicy)
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(srcDir, manifest.FileName)
	man, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	files, err := source.DiscoverPython(srcDir)
	if err != nil {
		return fmt.Errorf("failed to scan source directory: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no Python sources found in %s", srcDir)
	}

	var bumped, unchanged, missing []string
	for _, path := range files {
		rel, err := source.RelativePath(srcDir, path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read source", "file", rel, "error", err)
			continue
		}
		hash := checksum.Sum(data)

		recorded, known := man.Hash(rel)
		if !known {
			// First sighting: record as-is so the next bump has a baseline.
			man.Record(rel, manifest.ExtractVersion(data), hash)
			missing = append(missing, rel)
			continue
		}
		if recorded == hash {
			unchanged = append(unchanged, rel)
			continue
		}

		current := manifest.ExtractVersion(data)
		next := manifest.Increment(current, policy)

		if dryRun {
			logger.Info("[dry-run] would bump version", "file", rel, "from", current, "to", next)
			bumped = append(bumped, rel)
			continue
		}

		if next != current {
			rewritten, found := manifest.RewriteVersion(data, next)
			if !found {
				logger.Warn("no version declaration to rewrite", "file", rel)
			} else {
				if err := os.WriteFile(path, rewritten, 0644); err != nil {
					return fmt.Errorf("failed to rewrite %s: %w", rel, err)
				}
				data = rewritten
				hash = checksum.Sum(data)
			}
		}

		man.Record(rel, next, hash)
		bumped = append(bumped, rel)
		logger.Info("version bumped", "file", rel, "from", current, "to", next)
	}

	if dryRun {
		logger.Info("dry-run complete, manifest not written",
			"bumped", len(bumped), "unchanged", len(unchanged), "new", len(missing))
		return nil
	}

	man.Touch(time.Now())
	if err := man.Save(manifestPath); err != nil {
		return err
	}

	logger.Info("bump complete",
		"bumped", len(bumped), "unchanged", len(unchanged), "new", len(missing))
	if len(missing) > 0 {
		sort.Strings(missing)
		logger.Info("modules recorded for the first time", "files", missing)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sources, err := source.DiscoverPython(srcDir)
	if err != nil {
		logger.Warn("source directory unreadable", "dir", srcDir, "error", err)
	}
	fmt.Printf("source directory:  %s (%d Python files)\n", srcDir, len(sources))

	srcManifest, err := manifest.Load(filepath.Join(srcDir, manifest.FileName))
	if err != nil {
		fmt.Printf("source manifest:   unreadable (%v)\n", err)
	} else {
		fmt.Printf("source manifest:   %d tracked modules\n", len(srcManifest.Modules))
	}

	outDir := cfg.OutputDir(outputDir)
	artifacts, err := source.DiscoverFiles(outDir)
	if err != nil {
		fmt.Printf("output directory:  %s (not built)\n", outDir)
		return nil
	}
	fmt.Printf("output directory:  %s (%d files)\n", outDir, len(artifacts))

	outManifest, err := manifest.Load(filepath.Join(outDir, manifest.FileName))
	if err != nil {
		fmt.Printf("output manifest:   unreadable (%v)\n", err)
	} else if outManifest.CompiledAt != "" {
		fmt.Printf("output manifest:   %d modules, compiled at %s\n",
			len(outManifest.Modules), outManifest.CompiledAt)
	} else {
		fmt.Printf("output manifest:   missing\n")
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	roots := append([]string{srcDir}, cfg.FallbackRoots()...)
	watcher, err := watch.New(watch.Options{
		Roots: roots,
		OnChange: func(ctx context.Context, changed []string) error {
			if err := buildOnce(ctx, cfg, logger); err != nil {
				return err
			}
			if watchDeploy {
				return deployOnce(ctx, cfg, logger)
			}
			return nil
		},
	}, logger)
	if err != nil {
		return err
	}

	return watcher.Run(ctx)
}

// newCompiler builds the compiler from the configured command template.
// Configurations without compiled modules need no compiler at all.
func newCompiler(cfg *config.Config) (compiler.Compiler, error) {
	if len(cfg.Modules) == 0 {
		return nil, nil
	}
	c, err := compiler.NewShellCompiler(cfg.Command)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func setupLogger() *slog.Logger {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Info("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"modules", len(cfg.Modules),
		"copy_only", len(cfg.CopyOnly),
		"submodules", cfg.Submodules,
		"arch", cfg.Arch())

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
