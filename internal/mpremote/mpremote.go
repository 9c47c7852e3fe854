package mpremote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotInstalled indicates the mpremote binary is absent from PATH. It is
// distinguishable from an operation that ran and returned nothing.
var ErrNotInstalled = errors.New("mpremote not found in PATH (pip install mpremote)")

// Agent provides file and control operations on an attached MicroPython
// device.
type Agent interface {
	// ListDevices enumerates serial ports with a connected device.
	ListDevices(ctx context.Context) ([]string, error)
	// ListFiles returns the relative paths of files on the device.
	ListFiles(ctx context.Context, device string) ([]string, error)
	// FileHash returns the SHA256 hash of a remote file.
	FileHash(ctx context.Context, device, path string) (string, error)
	// Remove deletes a remote file.
	Remove(ctx context.Context, device, path string) error
	// Mkdir creates a remote directory. Creating an existing directory is
	// not an error.
	Mkdir(ctx context.Context, device, path string) error
	// CopyTo copies a local file to a remote path.
	CopyTo(ctx context.Context, device, localPath, remotePath string) error
	// SoftReset triggers a soft restart of the device.
	SoftReset(ctx context.Context, device string) error
}

// ShellAgent implements Agent by shelling out to the mpremote command.
type ShellAgent struct {
	bin string
}

// NewShellAgent creates an agent that uses the mpremote command.
func NewShellAgent() *ShellAgent {
	return &ShellAgent{bin: "mpremote"}
}

// run executes an mpremote invocation and returns trimmed stdout+stderr.
func (a *ShellAgent) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrNotInstalled
		}
		return "", fmt.Errorf("mpremote %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// ListDevices enumerates connected MicroPython devices.
func (a *ShellAgent) ListDevices(ctx context.Context) ([]string, error) {
	output, err := a.run(ctx, "connect", "list")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(output), nil
}

// ListFiles lists files in the device filesystem root.
func (a *ShellAgent) ListFiles(ctx context.Context, device string) ([]string, error) {
	output, err := a.run(ctx, "connect", device, "fs", "ls")
	if err != nil {
		return nil, err
	}
	return parseFileList(output), nil
}

// FileHash reads the SHA256 hash of a remote file as computed on-device.
func (a *ShellAgent) FileHash(ctx context.Context, device, path string) (string, error) {
	output, err := a.run(ctx, "connect", device, "fs", "sha256sum", path)
	if err != nil {
		return "", err
	}
	return parseHashOutput(output), nil
}

// Remove deletes a remote file.
func (a *ShellAgent) Remove(ctx context.Context, device, path string) error {
	_, err := a.run(ctx, "connect", device, "fs", "rm", path)
	return err
}

// Mkdir creates a remote directory, treating an existing directory as
// success.
func (a *ShellAgent) Mkdir(ctx context.Context, device, path string) error {
	_, err := a.run(ctx, "connect", device, "fs", "mkdir", ":"+path)
	if err != nil && isExistsError(err) {
		return nil
	}
	return err
}

// CopyTo copies a local file onto the device.
func (a *ShellAgent) CopyTo(ctx context.Context, device, localPath, remotePath string) error {
	_, err := a.run(ctx, "connect", device, "fs", "cp", localPath, ":"+remotePath)
	return err
}

// SoftReset soft-restarts the device so newly deployed modules load.
func (a *ShellAgent) SoftReset(ctx context.Context, device string) error {
	_, err := a.run(ctx, "connect", device, "soft-reset")
	return err
}

// isExistsError reports whether an mpremote failure was caused by the
// target already existing.
func isExistsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EEXIST") || strings.Contains(msg, "File exists")
}

// parseDeviceList extracts device lines from `mpremote connect list`
// output. Serial port names and Espressif USB descriptors are accepted.
func parseDeviceList(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		port := strings.Fields(line)[0]
		if strings.HasPrefix(port, "/dev/tty") || strings.HasPrefix(port, "COM") ||
			strings.Contains(line, "Espressif") {
			devices = append(devices, port)
		}
	}
	return devices
}

// parseFileList extracts filenames from `mpremote fs ls` output.
// Directory entries (trailing slash) and the echoed command line are
// skipped.
func parseFileList(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "ls :") || strings.HasSuffix(line, "/") {
			continue
		}
		// Entries are "<size> <name>".
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			files = append(files, parts[len(parts)-1])
		}
	}
	return files
}

// parseHashOutput extracts the digest from `fs sha256sum` output. Entries
// are "<hash> <name>"; the echoed command line is skipped. An empty result
// means the hash is unknown.
func parseHashOutput(output string) string {
	hash := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "sha256sum ") {
			continue
		}
		hash = strings.Fields(line)[0]
	}
	return hash
}
