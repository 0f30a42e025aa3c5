// Command providesdb builds and incrementally updates the pacman
// "what provides this file" index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/archtools/providesdb"
	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/internal/metrics"
	"github.com/archtools/providesdb/pkgver"
)

const (
	versionString   = "1.0.0"
	databaseVersion = "0.2"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("providesdb", flag.ContinueOnError)
	var (
		singleThread   = fs.Bool("single-thread", false, "use exactly one worker thread")
		threads        = fs.Int("threads", 0, "number of worker threads (default 6)")
		convert        = fs.Bool("convert", false, "convert the existing database to the current format and exit")
		forceOldUpdate = fs.Bool("force-old-update", false, "refetch a package even if its new version does not compare newer")
		verbose        = fs.Bool("v", false, "enable verbose logging")
		superVerbose   = fs.Bool("vv", false, "enable debug logging")
		showVersion    = fs.Bool("version", false, "print version information and exit")
		dbPath         = fs.String("db", "/var/lib/pacman/.providesDB", "path to the provides database")
	)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	if *showVersion {
		fmt.Fprintf(os.Stderr, "providesdb version %s\nDatabase version: %s\n", versionString, databaseVersion)
		return 0
	}

	if *singleThread && *threads != 0 && *threads != 1 {
		fmt.Fprintln(os.Stderr, "cannot combine --single-thread with --threads=N for N != 1")
		return 1
	}

	level := slog.LevelWarn
	switch {
	case *superVerbose:
		level = slog.LevelDebug
	case *verbose:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	numThreads := *threads
	if *singleThread {
		numThreads = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := &providesdb.Orchestrator{
		Cfg: providesdb.Config{
			DBPath:         *dbPath,
			MaxThreads:     numThreads,
			ForceOldUpdate: *forceOldUpdate,
			ConvertOnly:    *convert,
		},
		Mirrors:    mirrorlistProvider{},
		Packages:   pacmanPackageProvider{},
		Comparator: pkgver.Comparator{},
		Refresher:  pacmanRefresher{},
		Metrics:    metrics.New(),
		PromptIn:   os.Stdin,
		PromptOut:  os.Stdout,
	}

	path, err := o.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case ctx.Err() != nil:
			return 130
		case errors.Is(err, providesdb.ErrAborted):
			return 2
		case errors.Is(err, providesdb.ErrNoMirrors):
			return 1
		default:
			return 1
		}
	}

	fmt.Fprintf(os.Stdout, "Wrote database to %s\n", path)
	return 0
}

// mirrorlistProvider reads /etc/pacman.d/mirrorlist, the same file pacman
// itself consults, and turns each uncommented "Server = " line into a
// "{repo}"/"{arch}"-templated URL.
type mirrorlistProvider struct{ Path string }

func (p mirrorlistProvider) Mirrors(context.Context) ([]string, error) {
	path := p.Path
	if path == "" {
		path = "/etc/pacman.d/mirrorlist"
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mirrorlist: %w", err)
	}

	var urls []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Server") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		raw := strings.TrimSpace(line[idx+1:])
		raw = strings.ReplaceAll(raw, "$repo", "{repo}")
		raw = strings.ReplaceAll(raw, "$arch", "{arch}")
		urls = append(urls, raw)
	}
	return urls, nil
}

// pacmanPackageProvider shells out to "pacman -Sl" to enumerate every
// package in every enabled repository.
type pacmanPackageProvider struct{}

func (pacmanPackageProvider) Packages(ctx context.Context) ([]driver.PackageRef, error) {
	cmd := exec.CommandContext(ctx, "pacman", "-Sl")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running pacman -Sl: %w", err)
	}

	var pkgs []driver.PackageRef
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pkgs = append(pkgs, driver.PackageRef{Repo: fields[0], Name: fields[1], Version: fields[2]})
	}
	return pkgs, nil
}

// pacmanRefresher runs "pacman -Sy" to refresh the local package database.
// Requires root; a failure here is never fatal to the overall run.
type pacmanRefresher struct{}

func (pacmanRefresher) Refresh(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "pacman", "-Sy")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pacman -Sy: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
