// Package worker implements the per-goroutine package-processing loop: pace
// requests, try each mirror in order (a primary plus a shared pool of
// backups) with a short timeout before falling back to a long one, and
// record either a successful PackageRecord or a failure for later retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/fetch"
	"github.com/archtools/providesdb/internal/metrics"
	"github.com/archtools/providesdb/mirror"
	"github.com/archtools/providesdb/task"
)

// pace is the minimum spacing the original tool enforces between starting
// consecutive packages on a single worker, to avoid hammering a mirror.
const pace = 1500 * time.Millisecond

// Config holds everything a Worker needs that doesn't vary per package.
type Config struct {
	ShortFetchSize int
	ShortTimeout   time.Duration
	LongTimeout    time.Duration
	Filename       func(pkg driver.PackageRef) string
}

// Worker processes a queue of packages against a primary mirror and a shared
// set of backup mirrors.
type Worker struct {
	ID      int
	Primary mirror.Template
	Backups []mirror.Template
	Fetcher *fetch.Fetcher
	Cfg     Config
	Metrics *metrics.Metrics
}

// Outcome is one package's result, ready to be merged into the index or the
// retry list by the caller.
type Outcome struct {
	Pkg    driver.PackageRef
	Record driver.PackageRecord
	Failed bool
}

// Run drains tasks, emitting one Outcome per package to out. It returns only
// on context cancellation or once tasks is exhausted and closed.
func (w *Worker) Run(ctx context.Context, tasks <-chan driver.PackageRef, out chan<- Outcome) {
	last := time.Now().Add(-pace)
	for {
		select {
		case <-ctx.Done():
			return
		case pkg, ok := <-tasks:
			if !ok {
				return
			}
			if wait := pace - time.Since(last); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			last = time.Now()

			outcome := w.process(ctx, pkg)
			select {
			case out <- outcome:
			case <-ctx.Done():
				return
			}
		}
	}
}

// process runs the two-stage (short-probe, then full-fetch-on-miss) attempt
// against the primary mirror first. A primary attempt that times out falls
// back to the backup mirrors in order, each given the long timeout for both
// of its own stages; a primary or backup attempt that fails for any other
// reason is terminal, with no further mirrors tried, per spec.
func (w *Worker) process(ctx context.Context, pkg driver.PackageRef) Outcome {
	start := time.Now()
	filename := w.Cfg.Filename(pkg)

	files, err := w.attemptPrimary(ctx, w.Primary.URL(pkg.Repo, filename))
	if err == nil {
		slog.DebugContext(ctx, "worker: processed package", "worker", w.ID, "package", pkg.Name, "files", len(files))
		w.metrics().RecordTask("ok", time.Since(start).Seconds())
		return Outcome{Pkg: pkg, Record: driver.PackageRecord{Files: files, Version: pkg.Version}}
	}
	slog.WarnContext(ctx, "worker: primary mirror attempt failed", "worker", w.ID, "package", pkg.Name, "reason", err)

	lastErr := err
	if errors.Is(lastErr, context.DeadlineExceeded) {
		for i, m := range w.Backups {
			w.metrics().RecordMirrorFailover()
			files, err = w.attemptBackup(ctx, m.URL(pkg.Repo, filename))
			if err == nil {
				slog.DebugContext(ctx, "worker: processed package via backup mirror", "worker", w.ID, "package", pkg.Name, "backup", i, "files", len(files))
				w.metrics().RecordTask("ok", time.Since(start).Seconds())
				return Outcome{Pkg: pkg, Record: driver.PackageRecord{Files: files, Version: pkg.Version}}
			}
			lastErr = err
			slog.WarnContext(ctx, "worker: backup mirror attempt failed", "worker", w.ID, "package", pkg.Name, "backup", i, "reason", err)
			if !errors.Is(lastErr, context.DeadlineExceeded) {
				break
			}
		}
	}

	w.metrics().RecordTask("failed", time.Since(start).Seconds())
	msg := fmt.Sprintf("all mirrors failed for %s: %v", pkg.Name, lastErr)
	return Outcome{
		Pkg:    pkg,
		Failed: true,
		Record: driver.PackageRecord{Version: pkg.Version, Error: &msg},
	}
}

func (w *Worker) metrics() *metrics.Metrics {
	if w.Metrics == nil {
		return metrics.Noop()
	}
	return w.Metrics
}

// attemptPrimary runs the short-probe stage under ShortTimeout and, only if
// the probe signals task.ErrRetryFull, a second attempt forced onto the full
// fetch under LongTimeout, matching the original tool's two separately timed
// calls against the primary mirror.
func (w *Worker) attemptPrimary(ctx context.Context, url string) ([]string, error) {
	shortCtx, cancel := context.WithTimeout(ctx, w.Cfg.ShortTimeout)
	files, err := task.Execute(shortCtx, w.Fetcher, url, w.Cfg.ShortFetchSize)
	timedOut := shortCtx.Err() != nil
	cancel()
	w.recordFetch("short", err)
	w.recordProbe(err)

	if err == nil {
		return files, nil
	}
	if errors.Is(err, task.ErrRetryFull) {
		longCtx, cancel := context.WithTimeout(ctx, w.Cfg.LongTimeout)
		defer cancel()
		files, err = task.ExecuteFull(longCtx, w.Fetcher, url)
		w.recordFetch("full", err)
		if err != nil && longCtx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return files, err
	}
	if timedOut {
		return nil, context.DeadlineExceeded
	}
	return nil, err
}

// attemptBackup runs both stages of a backup mirror attempt under a single
// LongTimeout budget, since a backup is already the degraded path.
func (w *Worker) attemptBackup(ctx context.Context, url string) ([]string, error) {
	longCtx, cancel := context.WithTimeout(ctx, w.Cfg.LongTimeout)
	defer cancel()

	files, err := task.Execute(longCtx, w.Fetcher, url, w.Cfg.ShortFetchSize)
	w.recordFetch("short", err)
	w.recordProbe(err)

	if err == nil {
		return files, nil
	}
	if errors.Is(err, task.ErrRetryFull) {
		files, err = task.ExecuteFull(longCtx, w.Fetcher, url)
		w.recordFetch("full", err)
	}
	if err != nil && longCtx.Err() != nil {
		return nil, context.DeadlineExceeded
	}
	return files, err
}

// recordFetch records the outcome of one fetch stage: "ok" on success, the
// stable driver.ErrKind string when the failure is a *driver.TaskError, or
// "error" otherwise.
func (w *Worker) recordFetch(stage string, err error) {
	if err == nil {
		w.metrics().RecordFetch(stage, "ok")
		return
	}
	var te *driver.TaskError
	if errors.As(err, &te) {
		w.metrics().RecordFetch(stage, string(te.Kind))
		return
	}
	w.metrics().RecordFetch(stage, "error")
}

// recordProbe records whether the short-fetch probe found the .MTREE member
// ("found") or missed it and signaled an escalation ("miss"); it has
// nothing to say about errors unrelated to the probe itself.
func (w *Worker) recordProbe(err error) {
	switch {
	case err == nil:
		w.metrics().RecordProbe("found")
	case errors.Is(err, task.ErrRetryFull):
		w.metrics().RecordProbe("miss")
	}
}
