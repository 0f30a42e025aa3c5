// Package runner drives the worker pool across the three phases spec.md
// describes: an initial pass over every package, a sleep-then-retry pass
// over whatever failed, and a final single-worker pass over packages whose
// upstream version changed during the run.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/fetch"
	"github.com/archtools/providesdb/index"
	"github.com/archtools/providesdb/internal/metrics"
	"github.com/archtools/providesdb/mirror"
	"github.com/archtools/providesdb/worker"
)

// startStagger is the delay the original tool inserts between spinning up
// consecutive worker goroutines, to avoid a thundering-herd of first
// requests against the mirrors.
const startStagger = 350 * time.Millisecond

// retryDelay is how long phase two waits before retrying packages that
// failed phase one, giving a transient mirror outage a chance to clear.
const retryDelay = 60 * time.Second

// maxExtraURLs bounds how many backup mirrors are handed to each worker,
// beyond the one each worker is assigned as primary.
const maxExtraURLs = 3

// Config configures a Runner.
type Config struct {
	MaxThreads     int
	ShortFetchSize int
	ShortTimeout   time.Duration
	LongTimeout    time.Duration
	Filename       func(pkg driver.PackageRef) string
	Arch           string
	Metrics        *metrics.Metrics
	// Refresher, if set, is invoked between phase one and phase two, a
	// best-effort refresh of the host package manager's metadata before
	// retrying whatever failed the first pass.
	Refresher driver.MetadataRefresher
}

// Runner owns a mirror list and package set and runs the full retry
// pipeline, producing a final index.Index.
type Runner struct {
	Mirrors []mirror.Template
	Cfg     Config
}

// Run executes phase one (initial pass) and phase two (sleep, shuffle,
// long-timeout retry) against pkgs, writing results into idx and returning
// the packages that still failed after both phases.
func (r *Runner) Run(ctx context.Context, idx *index.Index, pkgs []driver.PackageRef) []driver.PackageRef {
	failed := r.pass(ctx, idx, pkgs, r.Cfg.ShortTimeout, r.Cfg.LongTimeout)
	if len(failed) == 0 || ctx.Err() != nil {
		return failed
	}

	slog.InfoContext(ctx, "runner: phase one complete, retrying failures", "count", len(failed))
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return failed
	}

	if r.Cfg.Refresher != nil {
		if err := r.Cfg.Refresher.Refresh(ctx); err != nil && !errors.Is(err, driver.Unchanged) {
			slog.WarnContext(ctx, "runner: metadata refresh before phase two failed, continuing with stale data", "reason", err)
		}
	}

	rand.Shuffle(len(failed), func(i, j int) { failed[i], failed[j] = failed[j], failed[i] })
	return r.pass(ctx, idx, failed, r.Cfg.LongTimeout, r.Cfg.LongTimeout)
}

// RunSingle re-processes pkgs on a single worker, with the first mirror as
// its primary and the next mirrors (up to maxExtraURLs) as its backups, for
// the final refresh-and-diff pass over packages whose version changed
// mid-run.
func (r *Runner) RunSingle(ctx context.Context, idx *index.Index, pkgs []driver.PackageRef) []driver.PackageRef {
	single := *r
	single.Cfg.MaxThreads = 1
	return single.pass(ctx, idx, pkgs, r.Cfg.ShortTimeout, r.Cfg.LongTimeout)
}

// pass splits pkgs across min(MaxThreads, len(Mirrors), len(pkgs)) workers
// and runs them to completion, merging every Outcome into idx and returning
// the packages that failed.
func (r *Runner) pass(ctx context.Context, idx *index.Index, pkgs []driver.PackageRef, shortTimeout, longTimeout time.Duration) []driver.PackageRef {
	if len(pkgs) == 0 {
		return nil
	}

	n := r.Cfg.MaxThreads
	if n <= 0 {
		n = 1
	}
	if n > len(r.Mirrors) {
		n = len(r.Mirrors)
	}
	if n > len(pkgs) {
		n = len(pkgs)
	}
	if n < 1 {
		n = 1
	}

	backups := r.sharedBackups(n)

	fetcher := &fetch.Fetcher{Arch: r.Cfg.Arch}
	workers := make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		workers[i] = &worker.Worker{
			ID:      i,
			Primary: r.Mirrors[i%len(r.Mirrors)],
			Backups: backups,
			Fetcher: fetcher,
			Metrics: r.Cfg.Metrics,
			Cfg: worker.Config{
				ShortFetchSize: r.Cfg.ShortFetchSize,
				ShortTimeout:   shortTimeout,
				LongTimeout:    longTimeout,
				Filename:       r.Cfg.Filename,
			},
		}
	}

	queues := split(pkgs, n)
	out := make(chan worker.Outcome, n)

	eg, ctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		i, w := i, w
		ch := make(chan driver.PackageRef, len(queues[i]))
		for _, pkg := range queues[i] {
			ch <- pkg
		}
		close(ch)

		delay := time.Duration(i) * startStagger
		eg.Go(func() error {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			w.Run(ctx, ch, out)
			return nil
		})
	}

	go func() {
		eg.Wait()
		close(out)
	}()

	var failed []driver.PackageRef
	for o := range out {
		idx.Set(o.Pkg.Name, o.Record)
		if o.Failed {
			failed = append(failed, o.Pkg)
		}
	}
	return failed
}

// sharedBackups returns the single pool of backup mirrors every worker in a
// pass of n workers shares: the surplus beyond the n mirrors already
// assigned as a primary, capped at maxExtraURLs. With no surplus (n >=
// len(r.Mirrors)), it's empty — a mirror already carrying a primary's
// traffic is never also handed out as someone else's backup.
func (r *Runner) sharedBackups(n int) []mirror.Template {
	if n >= len(r.Mirrors) {
		return nil
	}
	end := n + maxExtraURLs
	if end > len(r.Mirrors) {
		end = len(r.Mirrors)
	}
	return r.Mirrors[n:end]
}

// split divides pkgs into n contiguous, near-equal chunks; the last chunk
// absorbs any remainder.
func split(pkgs []driver.PackageRef, n int) [][]driver.PackageRef {
	out := make([][]driver.PackageRef, n)
	size := len(pkgs) / n
	if size == 0 {
		size = 1
	}
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i == n-1 || end > len(pkgs) {
			end = len(pkgs)
		}
		out[i] = pkgs[start:end]
		start = end
	}
	return out
}
