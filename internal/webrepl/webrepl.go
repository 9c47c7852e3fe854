package webrepl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNoPassword indicates the pre-shared secret is missing; the fallback
// channel cannot authenticate without it.
var ErrNoPassword = errors.New("webrepl password not configured")

// Pusher transfers files over the password-authenticated WebREPL channel.
// The channel offers no listing or hashing, so callers always push the
// full local file set.
type Pusher interface {
	// Test verifies a connection can be established.
	Test(ctx context.Context) error
	// Push copies one local file to remotePath on the configured host.
	Push(ctx context.Context, localPath, remotePath string) error
}

// ShellPusher implements Pusher by invoking the webrepl client script.
type ShellPusher struct {
	clientPath string
	host       string
	password   string
}

// NewShellPusher creates a pusher for the given host using the client
// script at clientPath.
func NewShellPusher(clientPath, host, password string) *ShellPusher {
	return &ShellPusher{
		clientPath: clientPath,
		host:       host,
		password:   password,
	}
}

func (p *ShellPusher) run(ctx context.Context, args ...string) (string, error) {
	if p.password == "" {
		return "", ErrNoPassword
	}
	if _, err := os.Stat(p.clientPath); err != nil {
		return "", fmt.Errorf("webrepl client not found at %s", p.clientPath)
	}

	argv := append([]string{p.clientPath, "-p", p.password}, args...)
	cmd := exec.CommandContext(ctx, "python3", argv...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("python3 not found in PATH")
		}
		return "", fmt.Errorf("webrepl client failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// Test opens a REPL connection to verify host and password.
func (p *ShellPusher) Test(ctx context.Context) error {
	_, err := p.run(ctx, p.host)
	return err
}

// Push copies localPath to host:remotePath.
func (p *ShellPusher) Push(ctx context.Context, localPath, remotePath string) error {
	_, err := p.run(ctx, localPath, p.host+":"+remotePath)
	return err
}
