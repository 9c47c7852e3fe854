package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fwkit/mpdeploy/internal/checksum"
	"github.com/fwkit/mpdeploy/internal/compiler"
	"github.com/fwkit/mpdeploy/internal/config"
	"github.com/fwkit/mpdeploy/internal/manifest"
	"github.com/fwkit/mpdeploy/internal/source"
)

// ErrSourceNotFound marks a configured module with no resolvable source
// file in any lookup root.
var ErrSourceNotFound = errors.New("source module not found")

// dryRunSizeFactor estimates compiled artifact size without invoking the
// compiler.
const dryRunSizeFactor = 0.7

// Outcome records the per-module result of a best-effort batch step.
type Outcome struct {
	Name string
	Err  error
}

// Failed reports whether the module's step failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Result aggregates the outcomes of one build run.
type Result struct {
	Copied   []Outcome
	Compiled []Outcome
}

// FailureCount returns the number of failed outcomes across both batches.
func (r *Result) FailureCount() int {
	n := 0
	for _, o := range append(append([]Outcome{}, r.Copied...), r.Compiled...) {
		if o.Failed() {
			n++
		}
	}
	return n
}

// Options control where the orchestrator reads and writes.
type Options struct {
	SrcDir       string
	OutputDir    string
	PreserveDirs bool
	DryRun       bool
}

// Orchestrator resolves configured modules, compiles or copies them into
// the output tree, and maintains the source and output manifests.
type Orchestrator struct {
	cfg          *config.Config
	comp         compiler.Compiler
	logger       *slog.Logger
	srcDir       string
	outputDir    string
	preserveDirs bool
	dryRun       bool
	now          func() time.Time
}

// New creates a build orchestrator.
func New(cfg *config.Config, comp compiler.Compiler, logger *slog.Logger, opts Options) *Orchestrator {
	srcDir := opts.SrcDir
	if srcDir == "" {
		srcDir = "src"
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = config.DefaultOutputDir
	}

	return &Orchestrator{
		cfg:          cfg,
		comp:         comp,
		logger:       logger,
		srcDir:       srcDir,
		outputDir:    cfg.OutputDir(outputDir),
		preserveDirs: opts.PreserveDirs,
		dryRun:       opts.DryRun,
		now:          time.Now,
	}
}

// OutputDir returns the resolved artifact tree location.
func (b *Orchestrator) OutputDir() string {
	return b.outputDir
}

// Run executes the complete build: source manifest, output tree
// preparation, copy-only batch, compile batch, output manifest. Per-module
// failures accumulate in the Result; only configuration-level problems
// abort the run.
func (b *Orchestrator) Run(ctx context.Context) (*Result, error) {
	b.logger.Info("starting build",
		"src", b.srcDir,
		"output", b.outputDir,
		"arch", b.cfg.Arch(),
		"dry_run", b.dryRun)

	if len(b.cfg.Modules) > 0 && !b.dryRun {
		if err := b.comp.Check(ctx); err != nil {
			return nil, fmt.Errorf("compiler unavailable: %w", err)
		}
	}

	srcManifest := b.collectSourceManifest()
	if err := b.writeSourceManifest(srcManifest); err != nil {
		b.logger.Warn("failed to write source manifest", "error", err)
	}

	if err := b.prepareOutputDir(); err != nil {
		return nil, err
	}

	result := &Result{}
	result.Copied = b.copyOnlyFiles(ctx)
	result.Compiled = b.compileModules(ctx)

	if err := b.writeOutputManifest(srcManifest); err != nil {
		b.logger.Warn("failed to write output manifest", "error", err)
	}

	b.logSummary(result)
	return result, nil
}

// resolve finds the source file for a configured module name.
func (b *Orchestrator) resolve(name string) (string, error) {
	path := source.Resolve(name, b.srcDir, b.cfg.FallbackRoots())
	if path == "" {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	return path, nil
}

// collectSourceManifest hashes every configured module and extracts its
// declared version. Unresolvable modules are skipped with a warning; a
// read failure records the error sentinel in both maps so they stay in
// lockstep.
func (b *Orchestrator) collectSourceManifest() *manifest.Manifest {
	m := manifest.New()
	m.Description = b.cfg.Description
	m.SourceDirectory = b.srcDir
	m.Format = manifest.FormatSource
	m.Architecture = "source"
	m.Touch(b.now())

	all := append(append([]string{}, b.cfg.Modules...), b.cfg.CopyOnly...)
	for _, name := range all {
		path, err := b.resolve(name)
		if err != nil {
			b.logger.Warn("module not found, skipped", "module", name)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("failed to read module", "module", name, "error", err)
			m.Record(name, manifest.VersionError, manifest.VersionError)
			continue
		}

		version := manifest.ExtractVersion(data)
		hash := checksum.Sum(data)
		m.Record(name, version, hash)
		b.logger.Debug("collected module", "module", name, "version", version, "hash", hash[:16])
	}

	return m
}

func (b *Orchestrator) writeSourceManifest(m *manifest.Manifest) error {
	path := filepath.Join(b.srcDir, manifest.FileName)
	if b.dryRun {
		b.logger.Info("[dry-run] would write source manifest", "path", path, "modules", len(m.Modules))
		return nil
	}

	if err := m.Save(path); err != nil {
		return err
	}
	b.logger.Info("source manifest written", "path", path, "modules", len(m.Modules))
	return nil
}

// prepareOutputDir clears any previous artifact tree and recreates it.
func (b *Orchestrator) prepareOutputDir() error {
	if b.dryRun {
		b.logger.Info("[dry-run] would recreate output directory", "path", b.outputDir)
		return nil
	}

	if _, err := os.Stat(b.outputDir); err == nil {
		b.logger.Info("clearing existing output directory", "path", b.outputDir)
		if err := os.RemoveAll(b.outputDir); err != nil {
			return fmt.Errorf("failed to clear output directory: %w", err)
		}
	}

	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// destPath maps a module name to its location in the output tree. The
// flatten mode drops subdirectories; mirror mode preserves them.
func (b *Orchestrator) destPath(name string, compiled bool) string {
	if compiled {
		name = compiler.ArtifactPath(name)
	}
	if b.preserveDirs {
		return filepath.Join(b.outputDir, filepath.FromSlash(name))
	}
	return filepath.Join(b.outputDir, filepath.Base(name))
}

// copyOnlyFiles transfers the copy-only list verbatim into the output
// tree. Every module yields an outcome; a failure never aborts the batch.
func (b *Orchestrator) copyOnlyFiles(ctx context.Context) []Outcome {
	outcomes := make([]Outcome, 0, len(b.cfg.CopyOnly))

	for _, name := range b.cfg.CopyOnly {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, Outcome{Name: name, Err: err})
			continue
		}
		outcomes = append(outcomes, Outcome{Name: name, Err: b.copyOne(name)})
	}

	return outcomes
}

func (b *Orchestrator) copyOne(name string) error {
	srcPath, err := b.resolve(name)
	if err != nil {
		b.logger.Warn("module not found, skipped", "module", name)
		return err
	}

	dest := b.destPath(name, false)
	if b.dryRun {
		b.logger.Info("[dry-run] would copy", "module", name, "dest", dest)
		return nil
	}

	if b.preserveDirs {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
	}

	if err := copyFile(srcPath, dest); err != nil {
		b.logger.Warn("copy failed", "module", name, "error", err)
		return err
	}

	b.logger.Info("copied", "module", name, "dest", dest)
	return nil
}

// compileModules compiles the module list. Compilation is a best-effort
// batch: a failed module is recorded and the batch continues.
func (b *Orchestrator) compileModules(ctx context.Context) []Outcome {
	outcomes := make([]Outcome, 0, len(b.cfg.Modules))

	for _, name := range b.cfg.Modules {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, Outcome{Name: name, Err: err})
			continue
		}
		outcomes = append(outcomes, Outcome{Name: name, Err: b.compileOne(ctx, name)})
	}

	return outcomes
}

func (b *Orchestrator) compileOne(ctx context.Context, name string) error {
	srcPath, err := b.resolve(name)
	if err != nil {
		b.logger.Warn("module not found, skipped", "module", name)
		return err
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	originalSize := info.Size()

	dest := b.destPath(name, true)
	if b.dryRun {
		estimated := int64(float64(originalSize) * dryRunSizeFactor)
		b.logger.Info("[dry-run] would compile",
			"module", name,
			"dest", dest,
			"size", originalSize,
			"estimated_size", estimated)
		return nil
	}

	artifact, err := b.comp.Compile(ctx, srcPath)
	if err != nil {
		b.logger.Warn("compile failed", "module", name, "error", err)
		return err
	}

	if b.preserveDirs {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
	}
	if err := os.Rename(artifact, dest); err != nil {
		return fmt.Errorf("failed to place artifact: %w", err)
	}

	compiledInfo, err := os.Stat(dest)
	if err != nil {
		return err
	}
	b.logger.Info("compiled",
		"module", name,
		"dest", dest,
		"size", originalSize,
		"compiled_size", compiledInfo.Size())
	return nil
}

// writeOutputManifest recomputes the manifest over the files actually
// present in the output tree, cross-referencing declared versions by
// reversing the extension change against the source manifest.
func (b *Orchestrator) writeOutputManifest(srcManifest *manifest.Manifest) error {
	path := filepath.Join(b.outputDir, manifest.FileName)
	if b.dryRun {
		b.logger.Info("[dry-run] would write output manifest", "path", path)
		return nil
	}

	m := manifest.New()
	m.Description = srcManifest.Description
	m.SourceDirectory = srcManifest.SourceDirectory
	m.GeneratedAt = srcManifest.GeneratedAt
	m.Format = manifest.FormatCompiled
	m.Optimization = "O2"
	m.TouchCompiled(b.now())
	if arch := b.cfg.Arch(); arch != "" {
		m.Architecture = arch
	}

	files, err := source.DiscoverFiles(b.outputDir)
	if err != nil {
		return err
	}

	for _, filePath := range files {
		rel, err := source.RelativePath(b.outputDir, filePath)
		if err != nil {
			return err
		}

		hash, err := checksum.File(filePath)
		if err != nil {
			b.logger.Warn("failed to hash output file", "file", rel, "error", err)
			m.Record(rel, manifest.VersionError, manifest.VersionError)
			continue
		}

		version := manifest.VersionUnknown
		if v, ok := srcManifest.Version(source.NameFor(rel)); ok {
			version = v
		}
		m.Record(rel, version, hash)
	}

	if err := m.Save(path); err != nil {
		return err
	}
	b.logger.Info("output manifest written", "path", path, "files", len(m.Modules))
	return nil
}

func (b *Orchestrator) logSummary(r *Result) {
	copyFailed := 0
	for _, o := range r.Copied {
		if o.Failed() {
			copyFailed++
		}
	}
	compileFailed := 0
	for _, o := range r.Compiled {
		if o.Failed() {
			compileFailed++
		}
	}

	b.logger.Info("build summary",
		"copied", len(r.Copied)-copyFailed,
		"copy_failed", copyFailed,
		"compiled", len(r.Compiled)-compileFailed,
		"compile_failed", compileFailed)

	for _, o := range append(append([]Outcome{}, r.Copied...), r.Compiled...) {
		if o.Failed() {
			b.logger.Warn("module failed", "module", o.Name, "error", o.Err)
		}
	}
}

// copyFile copies a file from src to dst, preserving the source mode.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}

	return dstFile.Close()
}
