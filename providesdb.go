// Package providesdb builds and incrementally updates a "what provides this
// file" index for a pacman package repository set: for every package, the
// list of files it installs, recovered from a (mostly) short prefix fetch of
// its archive rather than downloading every package in full.
package providesdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/index"
	"github.com/archtools/providesdb/internal/metrics"
	"github.com/archtools/providesdb/mirror"
	"github.com/archtools/providesdb/runner"
	"github.com/archtools/providesdb/tmp"
)

// Config holds every tunable of a providesdb run. Zero-value fields are
// filled in with the defaults the original tool hardcoded.
type Config struct {
	// Arch is the architecture suffix package filenames carry, e.g. "x86_64".
	Arch string
	// DBPath is where the index is read from and written to.
	DBPath string
	// TempDir is where a fallback write lands if DBPath can't be written,
	// and where scratch files are created.
	TempDir string

	ShortFetchSize int
	ShortTimeout   time.Duration
	LongTimeout    time.Duration
	MaxThreads     int

	// ForceOldUpdate skips the "is the new version actually newer"
	// sanity check when deciding whether to re-fetch a package.
	ForceOldUpdate bool
	// ConvertOnly migrates DBPath in place to the current format and exits,
	// without fetching anything.
	ConvertOnly bool
}

// withDefaults fills zero fields with the original tool's hardcoded constants.
func (c Config) withDefaults() Config {
	if c.Arch == "" {
		c.Arch = "x86_64"
	}
	if c.DBPath == "" {
		c.DBPath = "/var/lib/pacman/.providesDB"
	}
	if c.TempDir == "" {
		c.TempDir = tmp.Dir()
	}
	if c.ShortFetchSize == 0 {
		c.ShortFetchSize = 1024 * 200
	}
	if c.ShortTimeout == 0 {
		c.ShortTimeout = 15 * time.Second
	}
	if c.LongTimeout == 0 {
		c.LongTimeout = 8 * time.Minute
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = 6
	}
	return c
}

// Orchestrator wires together the injected collaborators (mirror list,
// package list, version comparator, metadata refresh) and runs a complete
// providesdb build or update.
type Orchestrator struct {
	Cfg        Config
	Mirrors    driver.MirrorProvider
	Packages   driver.PackageProvider
	Comparator driver.VersionComparator
	Refresher  driver.MetadataRefresher
	Metrics    *metrics.Metrics

	// PromptIn, if set, is read (and PromptOut written) to ask for
	// confirmation before running with fewer worker threads than configured
	// because too few mirrors are available. A nil PromptIn answers "yes"
	// automatically.
	PromptIn  io.Reader
	PromptOut io.Writer
}

func (o *Orchestrator) metrics() *metrics.Metrics {
	if o.Metrics == nil {
		return metrics.Noop()
	}
	return o.Metrics
}

// ErrAborted is returned when the user declines the reduced-parallelism
// prompt.
var ErrAborted = errors.New("providesdb: aborted by user")

// ErrNoMirrors is returned when MirrorProvider yields no mirrors.
var ErrNoMirrors = errors.New("providesdb: no mirrors available")

// Run performs a full build or incremental update and returns the path the
// resulting database was written to.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	cfg := o.Cfg.withDefaults()

	if o.Refresher != nil && !cfg.ConvertOnly {
		if err := o.Refresher.Refresh(ctx); err != nil && !errors.Is(err, driver.Unchanged) {
			slog.WarnContext(ctx, "providesdb: metadata refresh failed, continuing with stale data", "reason", err)
		}
	}

	prior, priorErr := o.loadPrior(ctx, cfg)
	if priorErr != nil {
		slog.WarnContext(ctx, "providesdb: cannot read prior database, will query every package", "path", cfg.DBPath, "reason", priorErr)
	}

	if cfg.ConvertOnly {
		if prior == nil {
			return "", fmt.Errorf("providesdb: asked to convert but could not read %q: %w", cfg.DBPath, priorErr)
		}
		return index.Write(prior, cfg.DBPath, cfg.TempDir)
	}

	pkgs, err := o.Packages.Packages(ctx)
	if err != nil {
		return "", fmt.Errorf("providesdb: listing packages: %w", err)
	}
	slog.InfoContext(ctx, "providesdb: read package list", "count", len(pkgs))

	idx := index.New()
	toFetch := pkgs
	if prior != nil {
		toFetch = o.diff(ctx, cfg, prior, idx, pkgs)
		slog.InfoContext(ctx, "providesdb: trimmed update set against prior database", "count", len(toFetch))
	}

	mirrors, err := o.Mirrors.Mirrors(ctx)
	if err != nil {
		return "", fmt.Errorf("providesdb: listing mirrors: %w", err)
	}
	if len(mirrors) == 0 {
		return "", ErrNoMirrors
	}

	threads := cfg.MaxThreads
	if len(mirrors) < threads {
		if !o.confirmReducedParallelism(len(mirrors), threads) {
			return "", ErrAborted
		}
		threads = len(mirrors)
	}

	templates := make([]mirror.Template, 0, len(mirrors))
	for _, raw := range mirrors {
		tpl, err := mirror.New(raw)
		if err != nil {
			return "", fmt.Errorf("providesdb: %w", err)
		}
		templates = append(templates, tpl.Bind(cfg.Arch))
	}

	run := &runner.Runner{
		Mirrors: templates,
		Cfg: runner.Config{
			MaxThreads:     threads,
			ShortFetchSize: cfg.ShortFetchSize,
			ShortTimeout:   cfg.ShortTimeout,
			LongTimeout:    cfg.LongTimeout,
			Arch:           cfg.Arch,
			Metrics:        o.metrics(),
			Filename:       packageFilename(cfg.Arch),
			Refresher:      o.Refresher,
		},
	}

	failed := run.Run(ctx, idx, toFetch)
	if len(failed) > 0 {
		slog.WarnContext(ctx, "providesdb: retrying packages with a refreshed metadata snapshot", "count", len(failed))
		failed = o.retryAfterRefresh(ctx, run, idx, failed)
		if len(failed) > 0 {
			names := make([]string, len(failed))
			for i, p := range failed {
				names[i] = p.Name
			}
			slog.WarnContext(ctx, "providesdb: packages still failed after every retry", "packages", strings.Join(names, ", "))
		}
	}

	path, err := index.Write(idx, cfg.DBPath, cfg.TempDir)
	if err != nil {
		o.metrics().RecordIndexWrite("error")
		return "", fmt.Errorf("providesdb: writing database: %w", err)
	}
	o.metrics().RecordIndexWrite("ok")
	return path, nil
}

// retryAfterRefresh implements the final retry phase: refresh the package
// manager's metadata, re-query the package list, and have a single worker
// (first mirror as primary, the next ones as backups) retry only the
// packages whose upstream version actually changed since the first attempt.
func (o *Orchestrator) retryAfterRefresh(ctx context.Context, run *runner.Runner, idx *index.Index, failed []driver.PackageRef) []driver.PackageRef {
	if o.Refresher == nil {
		return failed
	}
	if err := o.Refresher.Refresh(ctx); err != nil && !errors.Is(err, driver.Unchanged) {
		slog.WarnContext(ctx, "providesdb: metadata refresh before final retry failed", "reason", err)
		return failed
	}

	fresh, err := o.Packages.Packages(ctx)
	if err != nil {
		slog.WarnContext(ctx, "providesdb: could not re-list packages for final retry", "reason", err)
		return failed
	}

	oldVersions := make(map[string]string, len(failed))
	for _, p := range failed {
		oldVersions[p.Name] = p.Version
	}

	var changed []driver.PackageRef
	for _, p := range fresh {
		if v, ok := oldVersions[p.Name]; ok && v != p.Version {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return failed
	}

	single := &runner.Runner{Mirrors: run.Mirrors, Cfg: run.Cfg}
	single.Cfg.MaxThreads = 1
	stillFailed := single.RunSingle(ctx, idx, changed)

	changedSet := make(map[string]bool, len(changed))
	for _, p := range changed {
		changedSet[p.Name] = true
	}
	out := stillFailed
	for _, p := range failed {
		if !changedSet[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// loadPrior reads and decodes the existing database at cfg.DBPath, if any.
func (o *Orchestrator) loadPrior(ctx context.Context, cfg Config) (*index.Index, error) {
	body, err := os.ReadFile(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	idx, err := index.Load(body)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// diff walks pkgs against prior, copying unchanged records straight into
// idx and returning only the packages that need a fresh fetch: new
// packages, and packages whose version increased (or, with ForceOldUpdate,
// any version change at all).
func (o *Orchestrator) diff(ctx context.Context, cfg Config, prior *index.Index, idx *index.Index, pkgs []driver.PackageRef) []driver.PackageRef {
	var out []driver.PackageRef
	for _, p := range pkgs {
		old, ok := prior.Get(p.Name)
		if !ok {
			out = append(out, p)
			continue
		}
		if old.Version == p.Version {
			idx.Set(p.Name, old)
			continue
		}

		if cfg.ForceOldUpdate || o.Comparator == nil {
			out = append(out, p)
			continue
		}
		cmp, ok := o.Comparator.Compare(p.Version, old.Version)
		if !ok || cmp > 0 {
			out = append(out, p)
			continue
		}
		slog.WarnContext(ctx, "providesdb: new version is not newer than recorded version, skipping",
			"package", p.Name, "old", old.Version, "new", p.Version)
	}
	return out
}

// confirmReducedParallelism asks the user (via PromptIn/PromptOut) whether
// to continue with fewer worker threads than requested because too few
// mirrors were configured. With no PromptIn set, it answers yes.
func (o *Orchestrator) confirmReducedParallelism(available, requested int) bool {
	if o.PromptIn == nil {
		return true
	}
	out := o.PromptOut
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Only %d mirror(s) available but %d threads requested. Limit threads to %d and continue? (y/n): ", available, requested, available)

	sc := bufio.NewScanner(o.PromptIn)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "y":
			return true
		case "n":
			return false
		}
		fmt.Fprint(out, "Please answer y or n: ")
	}
	return false
}

// packageFilename returns the canonical pacman archive filename for pkg,
// the same "name-version-arch.pkg.tar.xz" scheme the original tool used.
func packageFilename(arch string) func(pkg driver.PackageRef) string {
	return func(pkg driver.PackageRef) string {
		return pkg.Name + "-" + pkg.Version + "-" + arch + ".pkg.tar.xz"
	}
}
