package providesdb

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/index"
)

type fakeMirrors struct{ urls []string }

func (f fakeMirrors) Mirrors(context.Context) ([]string, error) { return f.urls, nil }

type fakePackages struct{ pkgs []driver.PackageRef }

func (f fakePackages) Packages(context.Context) ([]driver.PackageRef, error) { return f.pkgs, nil }

func buildArchive(t *testing.T, mtreeText string) []byte {
	t.Helper()
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte(mtreeText))
	gw.Close()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	tw.WriteHeader(&tar.Header{Name: ".MTREE", Mode: 0o644, Size: int64(gz.Len())})
	tw.Write(gz.Bytes())
	tw.Close()

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	xw.Write(tarBuf.Bytes())
	xw.Close()
	return xzBuf.Bytes()
}

func TestRunFullBuild(t *testing.T) {
	body := buildArchive(t, "./usr/bin/foo time=1.0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "providesDB")

	o := &Orchestrator{
		Cfg: Config{
			Arch:   "x86_64",
			DBPath: dbPath,
		},
		Mirrors:  fakeMirrors{urls: []string{srv.URL + "/{repo}/os/{arch}"}},
		Packages: fakePackages{pkgs: []driver.PackageRef{{Repo: "core", Name: "foo", Version: "1.0-1"}}},
	}

	path, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if path != dbPath {
		t.Fatalf("got path %q, want %q", path, dbPath)
	}

	body2, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	idx, err := index.Load(body2)
	if err != nil {
		t.Fatalf("index.Load: %v", err)
	}
	rec, ok := idx.Get("foo")
	if !ok || len(rec.Files) != 1 || rec.Files[0] != "/usr/bin/foo" {
		t.Fatalf("record wrong: %+v", rec)
	}
}

func TestRunNoMirrors(t *testing.T) {
	o := &Orchestrator{
		Cfg:      Config{DBPath: filepath.Join(t.TempDir(), "db")},
		Mirrors:  fakeMirrors{},
		Packages: fakePackages{},
	}
	_, err := o.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no mirrors") {
		t.Fatalf("got %v, want no-mirrors error", err)
	}
}

func TestRunSkipsUnchangedPackages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(buildArchive(t, "./usr/bin/foo time=1.0\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "providesDB")

	prior := index.New()
	prior.Set("foo", driver.PackageRecord{Files: []string{"/usr/bin/foo"}, Version: "1.0-1"})
	if _, err := index.Write(prior, dbPath, dir); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	o := &Orchestrator{
		Cfg: Config{
			Arch:   "x86_64",
			DBPath: dbPath,
		},
		Mirrors:  fakeMirrors{urls: []string{srv.URL + "/{repo}/os/{arch}"}},
		Packages: fakePackages{pkgs: []driver.PackageRef{{Repo: "core", Name: "foo", Version: "1.0-1"}}},
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no fetches for an unchanged package, got %d", calls)
	}
}
