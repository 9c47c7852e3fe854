//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fwkit/mpdeploy/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// mpremoteShim is installed on PATH ahead of any real mpremote. Every
// invocation is appended to the log file; responses for the read-only
// subcommands come from fixture files so tests control what the fake
// device reports.
const mpremoteShim = `#!/bin/sh
echo "$@" >> "$MPDEPLOY_SHIM_LOG"
case "$*" in
  "connect list")
    echo "/dev/ttyUSB0 10c4:ea60 Silicon Labs CP210x"
    ;;
  *"fs ls")
    if [ -n "$MPDEPLOY_SHIM_LS" ] && [ -f "$MPDEPLOY_SHIM_LS" ]; then
      cat "$MPDEPLOY_SHIM_LS"
    fi
    ;;
  *"fs sha256sum"*)
    echo "0000000000000000000000000000000000000000000000000000000000000000  x"
    ;;
esac
exit 0
`

// Harness builds the mpdeploy binary once and runs it against a recording
// mpremote shim.
type Harness struct {
	t       *testing.T
	binPath string
	shimDir string
	logPath string
	lsPath  string
}

// NewHarness compiles the binary and installs the shim. The shim log and
// device listing fixture live in per-test temp directories.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	workDir := t.TempDir()
	binPath := filepath.Join(workDir, "mpdeploy")

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	build := exec.CommandContext(ctx, "go", "build", "-o", binPath, "./cmd/mpdeploy")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}

	shimDir := filepath.Join(workDir, "shim")
	if err := os.MkdirAll(shimDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shimDir, "mpremote"), []byte(mpremoteShim), 0755); err != nil {
		t.Fatalf("install shim: %v", err)
	}

	return &Harness{
		t:       t,
		binPath: binPath,
		shimDir: shimDir,
		logPath: filepath.Join(workDir, "mpremote.log"),
		lsPath:  filepath.Join(workDir, "device-ls.txt"),
	}
}

// SetDeviceListing defines what the fake device reports for `fs ls`.
func (h *Harness) SetDeviceListing(listing string) {
	h.t.Helper()
	if err := os.WriteFile(h.lsPath, []byte(listing), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes the binary with the shim ahead of PATH and returns combined
// output and exit code.
func (h *Harness) Run(dir string, args ...string) (string, int) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.binPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"PATH="+h.shimDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"MPDEPLOY_SHIM_LOG="+h.logPath,
		"MPDEPLOY_SHIM_LS="+h.lsPath,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			h.t.Fatalf("run %v: %v\n%s", args, err, out.String())
		}
	}
	return out.String(), exitCode
}

// MustRun executes the binary and fails the test on a non-zero exit.
func (h *Harness) MustRun(dir string, args ...string) string {
	h.t.Helper()
	out, exitCode := h.Run(dir, args...)
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\noutput: %s\nargs: %v", exitCode, out, args)
	}
	return out
}

// ShimCalls reads and parses the recorded mpremote invocations.
func (h *Harness) ShimCalls() []ShimCall {
	h.t.Helper()

	data, err := os.ReadFile(h.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		h.t.Fatal(err)
	}

	var calls []ShimCall
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		calls = append(calls, ShimCall{Args: strings.Fields(line)})
	}
	if err := scanner.Err(); err != nil {
		h.t.Fatal(err)
	}
	return calls
}

// ClearShimLog resets the recorded invocations.
func (h *Harness) ClearShimLog() {
	h.t.Helper()
	if err := os.WriteFile(h.logPath, nil, 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ShimCall is one recorded mpremote invocation.
type ShimCall struct {
	Args []string
}

// String returns a human-readable representation.
func (c ShimCall) String() string {
	return "mpremote " + strings.Join(c.Args, " ")
}

// HasArgs checks whether the call starts with the given arguments.
func (c ShimCall) HasArgs(args ...string) bool {
	if len(c.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if c.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks whether the call contains an argument anywhere.
func (c ShimCall) ContainsArg(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// anyCall reports whether some recorded call satisfies the predicate.
func anyCall(calls []ShimCall, pred func(ShimCall) bool) bool {
	for _, call := range calls {
		if pred(call) {
			return true
		}
	}
	return false
}

// dumpCalls formats the call log for failure messages.
func dumpCalls(calls []ShimCall) string {
	var b strings.Builder
	for _, call := range calls {
		fmt.Fprintf(&b, "  %s\n", call)
	}
	return b.String()
}
