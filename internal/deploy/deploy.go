package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/fwkit/mpdeploy/internal/checksum"
	"github.com/fwkit/mpdeploy/internal/config"
	"github.com/fwkit/mpdeploy/internal/mpremote"
	"github.com/fwkit/mpdeploy/internal/source"
	"github.com/fwkit/mpdeploy/internal/webrepl"
)

// Options control a deploy run.
type Options struct {
	OutputDir string
	// Device overrides device selection from config and auto-detection.
	Device string
	DryRun bool
}

// Engine orchestrates the differential sync of an artifact tree onto a
// device.
type Engine struct {
	cfg       *config.Config
	agent     mpremote.Agent
	pusher    webrepl.Pusher
	logger    *slog.Logger
	outputDir string
	device    string
	dryRun    bool
	protected map[string]struct{}
}

// NewEngine creates a deploy engine.
func NewEngine(cfg *config.Config, agent mpremote.Agent, pusher webrepl.Pusher, logger *slog.Logger, opts Options) *Engine {
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = config.DefaultOutputDir
	}

	return &Engine{
		cfg:       cfg,
		agent:     agent,
		pusher:    pusher,
		logger:    logger,
		outputDir: cfg.OutputDir(outputDir),
		device:    opts.Device,
		dryRun:    opts.DryRun,
		protected: DefaultProtected(),
	}
}

// LocalFiles hashes every file in the artifact tree, keyed by its
// slash-separated relative path. Hidden files are excluded.
func LocalFiles(dir string) (map[string]string, error) {
	files, err := source.DiscoverFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact tree: %w", err)
	}

	hashes := make(map[string]string, len(files))
	for _, filePath := range files {
		rel, err := source.RelativePath(dir, filePath)
		if err != nil {
			return nil, err
		}
		hash, err := checksum.File(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		hashes[rel] = hash
	}

	return hashes, nil
}

// Run executes the complete deploy: device selection, local and remote
// hashing, diff, and ordered application.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Deploy.UseWebREPL {
		return e.runWebREPL(ctx)
	}

	device, err := e.selectDevice(ctx)
	if err != nil {
		return err
	}

	local, err := LocalFiles(e.outputDir)
	if err != nil {
		return err
	}
	if len(local) == 0 {
		return fmt.Errorf("no files to deploy in %s (run build first)", e.outputDir)
	}
	e.logger.Info("local artifact tree hashed", "dir", e.outputDir, "files", len(local))

	remote := e.probeRemote(ctx, device)

	diff := ComputeDiff(local, remote, e.protected)
	e.logSummary(diff)

	if diff.Empty() {
		e.logger.Info("device is up to date, nothing to transfer")
		return nil
	}

	if e.dryRun {
		e.logPlanDetails(diff)
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	return e.apply(ctx, device, diff)
}

// selectDevice picks the target device: explicit flag, then configured
// device, then auto-detection requiring exactly one attached device.
func (e *Engine) selectDevice(ctx context.Context) (string, error) {
	if e.device != "" {
		e.logger.Info("using specified device", "device", e.device)
		return e.device, nil
	}
	if e.cfg.Deploy.Device != "" {
		e.logger.Info("using configured device", "device", e.cfg.Deploy.Device)
		return e.cfg.Deploy.Device, nil
	}

	e.logger.Info("searching for attached devices")
	devices, err := e.agent.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("device search failed: %w", err)
	}

	switch len(devices) {
	case 0:
		return "", fmt.Errorf("no MicroPython device found (check USB connection and dialout group membership)")
	case 1:
		e.logger.Info("device found", "device", devices[0])
		return devices[0], nil
	default:
		return "", fmt.Errorf("multiple devices found (%s), select one with --device", strings.Join(devices, ", "))
	}
}

// probeRemote queries the device for its file set and per-file hashes.
// The probe is best-effort: a listing failure degrades to an empty map,
// which the diff treats as a full re-push; a single file's hash failure
// records an unknown hash, forcing that file's re-transfer.
func (e *Engine) probeRemote(ctx context.Context, device string) map[string]string {
	if e.cfg.Deploy.CleanDeploy {
		e.logger.Info("clean deploy requested, ignoring remote state")
		return nil
	}

	files, err := e.agent.ListFiles(ctx, device)
	if err != nil {
		e.logger.Warn("remote file listing unavailable, treating all files as new", "error", err)
		return nil
	}

	hashes := make(map[string]string, len(files))
	for _, name := range files {
		hash, err := e.agent.FileHash(ctx, device, name)
		if err != nil {
			e.logger.Warn("remote hash unavailable", "file", name, "error", err)
			hash = ""
		}
		hashes[name] = hash
	}

	e.logger.Info("remote state probed", "files", len(hashes))
	return hashes
}

// apply executes the diff in order: custom clean, obsolete deletion,
// directory creation, transfer, soft reset. Only a transfer failure
// fails the run.
func (e *Engine) apply(ctx context.Context, device string, diff Diff) error {
	for _, name := range e.cfg.Deploy.CustomClean {
		e.logger.Info("custom clean", "file", name)
		if err := e.agent.Remove(ctx, device, name); err != nil {
			e.logger.Warn("custom clean failed", "file", name, "error", err)
		}
	}

	e.removeObsolete(ctx, device, diff.Obsolete)
	e.ensureRemoteDirs(ctx, device, diff.Transfers())

	if err := e.copyFiles(ctx, device, diff.Transfers()); err != nil {
		return err
	}

	if e.cfg.Deploy.AutoReset {
		e.logger.Info("soft-resetting device")
		if err := e.agent.SoftReset(ctx, device); err != nil {
			e.logger.Warn("soft reset failed", "error", err)
		}
	}

	e.logger.Info("deploy completed successfully")
	return nil
}

// removeObsolete deletes files present on the device but absent from the
// artifact tree. Per-file failures are logged and never block the run.
func (e *Engine) removeObsolete(ctx context.Context, device string, obsolete []string) {
	for _, name := range obsolete {
		e.logger.Info("removing obsolete file", "file", name)
		if err := e.agent.Remove(ctx, device, name); err != nil {
			e.logger.Warn("failed to remove obsolete file", "file", name, "error", err)
		}
	}
}

// ensureRemoteDirs creates the directory components of nested transfer
// targets, shallowest first. Creation is idempotent and fail-soft; a
// failed mkdir surfaces later as a transfer error if the directory truly
// is missing.
func (e *Engine) ensureRemoteDirs(ctx context.Context, device string, files []string) {
	seen := make(map[string]struct{})
	var dirs []string

	for _, name := range files {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := seen[dir]; !ok {
				seen[dir] = struct{}{}
				dirs = append(dirs, dir)
			}
		}
	}

	// Parents before children.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") < strings.Count(dirs[j], "/")
	})

	for _, dir := range dirs {
		if err := e.agent.Mkdir(ctx, device, "/"+dir); err != nil {
			e.logger.Warn("failed to create remote directory", "dir", dir, "error", err)
		}
	}
}

// copyFiles transfers new and updated files. Any failure marks the run
// as failed, but the batch still attempts every file so one bad transfer
// does not hide the rest.
func (e *Engine) copyFiles(ctx context.Context, device string, files []string) error {
	var failed []error

	for _, name := range files {
		localPath := source.LocalPath(e.outputDir, name)
		e.logger.Info("copying", "file", name)
		if err := e.agent.CopyTo(ctx, device, localPath, "/"+name); err != nil {
			e.logger.Warn("copy failed", "file", name, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("transfer failed for %d of %d files: %w",
			len(failed), len(files), errors.Join(failed...))
	}
	return nil
}

// runWebREPL is the fallback path for targets reachable only over the
// network channel. The channel cannot report remote hashes, so the full
// local set is transferred unconditionally.
func (e *Engine) runWebREPL(ctx context.Context) error {
	e.logger.Info("webrepl mode", "host", e.cfg.Deploy.Host, "port", e.cfg.Deploy.Port)

	if err := e.pusher.Test(ctx); err != nil {
		return fmt.Errorf("webrepl connection failed: %w", err)
	}

	local, err := LocalFiles(e.outputDir)
	if err != nil {
		return err
	}
	if len(local) == 0 {
		return fmt.Errorf("no files to deploy in %s (run build first)", e.outputDir)
	}

	names := make([]string, 0, len(local))
	for name := range local {
		names = append(names, name)
	}
	sort.Strings(names)

	e.logger.Info("webrepl cannot report remote hashes, transferring full file set", "files", len(names))

	if e.dryRun {
		for _, name := range names {
			e.logger.Info("[dry-run] would push", "file", name, "target", e.cfg.Deploy.Host+":/"+name)
		}
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	var failed []error
	for _, name := range names {
		e.logger.Info("pushing", "file", name)
		if err := e.pusher.Push(ctx, source.LocalPath(e.outputDir, name), "/"+name); err != nil {
			e.logger.Warn("push failed", "file", name, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("webrepl transfer failed for %d of %d files: %w",
			len(failed), len(names), errors.Join(failed...))
	}

	e.logger.Info("webrepl deploy completed successfully")
	return nil
}

func (e *Engine) logSummary(diff Diff) {
	e.logger.Info("sync plan",
		"new", len(diff.New),
		"updated", len(diff.Updated),
		"obsolete", len(diff.Obsolete),
		"total", diff.Total())
}

// logPlanDetails logs the per-file plan for dry-run.
func (e *Engine) logPlanDetails(diff Diff) {
	for _, name := range diff.New {
		e.logger.Info("[dry-run] would copy new file", "file", name)
	}
	for _, name := range diff.Updated {
		e.logger.Info("[dry-run] would update file", "file", name)
	}
	for _, name := range diff.Obsolete {
		e.logger.Info("[dry-run] would delete file", "file", name)
	}
}
