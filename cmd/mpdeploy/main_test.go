package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fwkit/mpdeploy/internal/manifest"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	configContent := []byte(`{
  "description": "test firmware",
  "modules": ["main.py"],
  "command": "mpy-cross -march=xtensa -O2",
  "deploy": {"device": "/dev/ttyUSB0"}
}`)
	cfgPath := filepath.Join(tmpDir, "prepare.json")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg == nil {
		t.Fatal("loadConfig returned nil config")
	}
	if cfg.Arch() != "xtensa" {
		t.Errorf("Arch() = %q, want xtensa", cfg.Arch())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.json")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestRunBump(t *testing.T) {
	origSrcDir := srcDir
	origPolicy := bumpPolicy
	origDryRun := dryRun
	t.Cleanup(func() {
		srcDir = origSrcDir
		bumpPolicy = origPolicy
		dryRun = origDryRun
	})

	tmpDir := t.TempDir()
	srcDir = tmpDir
	bumpPolicy = "minor"
	dryRun = false

	mainPy := filepath.Join(tmpDir, "main.py")
	if err := os.WriteFile(mainPy, []byte("__version__ = \"1.2.3\"\nprint('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Seed the manifest with a stale hash so main.py registers as changed.
	man := manifest.New()
	man.Record("main.py", "1.2.3", "stale-hash")
	if err := man.Save(filepath.Join(tmpDir, manifest.FileName)); err != nil {
		t.Fatal(err)
	}

	if err := runBump(bumpCmd, nil); err != nil {
		t.Fatalf("runBump returned error: %v", err)
	}

	content, err := os.ReadFile(mainPy)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "__version__ = \"1.3.3\"") {
		t.Errorf("source not rewritten, got: %s", content)
	}

	updated, err := manifest.Load(filepath.Join(tmpDir, manifest.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := updated.Version("main.py"); v != "1.3.3" {
		t.Errorf("manifest version = %q, want 1.3.3", v)
	}
}

func TestRunBump_DryRunLeavesManifest(t *testing.T) {
	origSrcDir := srcDir
	origDryRun := dryRun
	t.Cleanup(func() {
		srcDir = origSrcDir
		dryRun = origDryRun
	})

	tmpDir := t.TempDir()
	srcDir = tmpDir
	dryRun = true

	if err := os.WriteFile(filepath.Join(tmpDir, "boot.py"), []byte("__version__ = \"0.1.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runBump(bumpCmd, nil); err != nil {
		t.Fatalf("runBump returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, manifest.FileName)); !os.IsNotExist(err) {
		t.Error("dry-run must not create the manifest")
	}
}

func TestRunBump_InvalidPolicy(t *testing.T) {
	origPolicy := bumpPolicy
	t.Cleanup(func() { bumpPolicy = origPolicy })

	bumpPolicy = "huge"
	if err := runBump(bumpCmd, nil); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}
