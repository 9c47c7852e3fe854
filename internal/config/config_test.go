package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "prepare.json", `{
  "description": "pump controller modules",
  "modules": ["main.py", "pump.py"],
  "copy_only": ["boot.py"],
  "submodules": ["../esp32base"],
  "command": "mpy-cross -O2 -march=xtensawin",
  "deploy": {
    "device": "/dev/ttyACM0",
    "auto_reset": false,
    "custom_clean": ["old_main.mpy"]
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Modules) != 2 || cfg.Modules[0] != "main.py" {
		t.Errorf("unexpected modules: %v", cfg.Modules)
	}
	if cfg.Deploy.Device != "/dev/ttyACM0" {
		t.Errorf("unexpected device: %s", cfg.Deploy.Device)
	}
	if cfg.Deploy.AutoReset {
		t.Error("auto_reset=false must override the default")
	}
	// Omitted fields keep their defaults.
	if cfg.Deploy.Host != "micropython.local" || cfg.Deploy.Port != 8266 {
		t.Errorf("defaults not applied: %s:%d", cfg.Deploy.Host, cfg.Deploy.Port)
	}
	if len(cfg.Deploy.CustomClean) != 1 {
		t.Errorf("unexpected custom_clean: %v", cfg.Deploy.CustomClean)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "prepare.yaml", `
description: yaml variant
modules:
  - main.py
command: "mpy-cross -march=armv7m"
deploy:
  host: 192.168.4.1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Deploy.Host != "192.168.4.1" {
		t.Errorf("unexpected host: %s", cfg.Deploy.Host)
	}
	if cfg.Arch() != "armv7m" {
		t.Errorf("unexpected arch: %s", cfg.Arch())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "prepare.json")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, "prepare.json", `{"modules": [`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PUMP_ARCH", "xtensawin")
	t.Setenv("WEBREPL_PASSWORD", "secret")

	path := writeConfig(t, "prepare.json", `{
  "modules": ["main.py"],
  "command": "mpy-cross -march=${PUMP_ARCH}"
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Arch() != "xtensawin" {
		t.Errorf("env expansion failed, arch = %s", cfg.Arch())
	}
	if cfg.Deploy.Password != "secret" {
		t.Error("password must fall back to WEBREPL_PASSWORD")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "no modules at all", mutate: func(c *Config) {
			c.Modules = nil
			c.CopyOnly = nil
		}, wantErr: true},
		{name: "copy only without command", mutate: func(c *Config) {
			c.Modules = nil
			c.Command = ""
		}, wantErr: false},
		{name: "modules without command", mutate: func(c *Config) {
			c.Command = ""
		}, wantErr: true},
		{name: "absolute module path", mutate: func(c *Config) {
			c.Modules = []string{"/etc/passwd"}
		}, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) {
			c.Deploy.Port = 0
		}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Modules = []string{"main.py"}
			cfg.CopyOnly = []string{"boot.py"}
			cfg.Command = "mpy-cross -O2 -march=xtensawin"
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestArch(t *testing.T) {
	for _, tc := range []struct {
		command string
		want    string
	}{
		{command: "mpy-cross -O2 -march=xtensawin", want: "xtensawin"},
		{command: "mpy-cross -march=armv6m -O3", want: "armv6m"},
		{command: "mpy-cross -O2", want: ""},
		{command: "", want: ""},
	} {
		cfg := Config{Command: tc.command}
		if got := cfg.Arch(); got != tc.want {
			t.Errorf("Arch(%q) = %q, want %q", tc.command, got, tc.want)
		}
	}
}

func TestOutputDir(t *testing.T) {
	cfg := Config{Command: "mpy-cross -march=armv7m"}

	if got := cfg.OutputDir(DefaultOutputDir); got != "mpy_armv7m" {
		t.Errorf("default dir should follow arch, got %s", got)
	}
	if got := cfg.OutputDir("out"); got != "out" {
		t.Errorf("explicit dir must not be rewritten, got %s", got)
	}

	xtensa := Config{Command: "mpy-cross -march=xtensa"}
	if got := xtensa.OutputDir(DefaultOutputDir); got != DefaultOutputDir {
		t.Errorf("xtensa keeps the default dir, got %s", got)
	}
}

func TestFallbackRoots(t *testing.T) {
	cfg := Config{Submodules: []string{"../base", "../drivers"}}
	roots := cfg.FallbackRoots()

	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0] != filepath.Join("..", "base", "src") {
		t.Errorf("unexpected first root: %s", roots[0])
	}
	if roots[1] != filepath.Join("..", "drivers", "src") {
		t.Errorf("unexpected second root: %s", roots[1])
	}
}
