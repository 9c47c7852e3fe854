package webrepl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPush_NoPassword(t *testing.T) {
	p := NewShellPusher("webrepl_cli.py", "micropython.local", "")
	err := p.Push(context.Background(), "main.py", "/main.py")
	if !errors.Is(err, ErrNoPassword) {
		t.Errorf("expected ErrNoPassword, got %v", err)
	}
}

func TestPush_MissingClient(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "webrepl_cli.py")
	p := NewShellPusher(missing, "micropython.local", "secret")

	err := p.Push(context.Background(), "main.py", "/main.py")
	if err == nil {
		t.Fatal("expected error for missing client script")
	}
	if errors.Is(err, ErrNoPassword) {
		t.Error("missing client must not report a password error")
	}
}

func TestTest_NoPassword(t *testing.T) {
	tmpDir := t.TempDir()
	client := filepath.Join(tmpDir, "webrepl_cli.py")
	if err := os.WriteFile(client, []byte("#!/usr/bin/env python3\n"), 0755); err != nil {
		t.Fatal(err)
	}

	p := NewShellPusher(client, "micropython.local", "")
	if !errors.Is(p.Test(context.Background()), ErrNoPassword) {
		t.Error("expected ErrNoPassword")
	}
}
