package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("go.mod not found under %s: %v", root, err)
	}
	if _, err := os.Stat(filepath.Join(root, "cmd", "mpdeploy")); err != nil {
		t.Errorf("expected cmd/mpdeploy under project root %s: %v", root, err)
	}
}
