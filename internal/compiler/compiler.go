package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ArtifactExt is the extension of a compiled module.
const ArtifactExt = ".mpy"

// ErrNotInstalled indicates the configured compiler binary is absent from
// PATH, as opposed to an invocation that ran and failed.
var ErrNotInstalled = errors.New("compiler not found in PATH")

// Compiler produces a bytecode artifact from a source module.
type Compiler interface {
	// Check verifies the compiler can be invoked at all.
	Check(ctx context.Context) error
	// Compile runs the compiler on srcPath and returns the path of the
	// artifact, which is produced adjacent to the source.
	Compile(ctx context.Context, srcPath string) (string, error)
}

// ShellCompiler implements Compiler by running the configured invocation
// template (e.g. "mpy-cross -O2 -march=xtensawin") with the source path
// appended.
type ShellCompiler struct {
	argv []string
}

// NewShellCompiler creates a compiler from an invocation template.
func NewShellCompiler(command string) (*ShellCompiler, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty compiler command")
	}
	return &ShellCompiler{argv: argv}, nil
}

// Check runs the compiler with --version to verify it is installed.
func (c *ShellCompiler) Check(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.argv[0], "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotInstalled, c.argv[0])
		}
		return fmt.Errorf("%s --version failed: %w: %s", c.argv[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Compile invokes the compiler on srcPath. The artifact is expected
// adjacent to the source with the compiled extension; a non-zero exit or a
// missing artifact is a failure.
func (c *ShellCompiler) Compile(ctx context.Context, srcPath string) (string, error) {
	args := append(append([]string{}, c.argv[1:]...), srcPath)
	cmd := exec.CommandContext(ctx, c.argv[0], args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotInstalled, c.argv[0])
		}
		return "", fmt.Errorf("compile failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	artifact := ArtifactPath(srcPath)
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("compiler produced no artifact at %s", artifact)
	}

	return artifact, nil
}

// ArtifactPath returns where the compiler writes the artifact for a given
// source path.
func ArtifactPath(srcPath string) string {
	return strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ArtifactExt
}
