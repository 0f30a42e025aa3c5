package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/index"
	"github.com/archtools/providesdb/mirror"
)

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

func TestSharedBackupsAreEmptyWithNoSurplusMirrors(t *testing.T) {
	tpls := make([]mirror.Template, 3)
	for i := range tpls {
		tpl, err := mirror.New("https://example.com/{repo}/os/{arch}")
		if err != nil {
			t.Fatalf("mirror.New: %v", err)
		}
		tpls[i] = tpl.Bind("x86_64")
	}
	r := &Runner{Mirrors: tpls}

	if got := r.sharedBackups(3); len(got) != 0 {
		t.Fatalf("expected no backups when every mirror is a primary, got %d", len(got))
	}
}

func TestSharedBackupsAreTheSurplusCappedAtMaxExtraURLs(t *testing.T) {
	tpls := make([]mirror.Template, 6)
	for i := range tpls {
		tpl, err := mirror.New("https://example.com/{repo}/os/{arch}")
		if err != nil {
			t.Fatalf("mirror.New: %v", err)
		}
		tpls[i] = tpl.Bind("x86_64")
	}
	r := &Runner{Mirrors: tpls}

	got := r.sharedBackups(2)
	if len(got) != maxExtraURLs {
		t.Fatalf("got %d backups, want %d", len(got), maxExtraURLs)
	}
	for i, b := range got {
		if b != tpls[2+i] {
			t.Fatalf("backup %d = %v, want the surplus mirror at index %d", i, b, 2+i)
		}
	}
}

func TestRunProcessesAllPackages(t *testing.T) {
	body := buildArchive(t, "./usr/bin/foo time=1.0\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	tpl, err := mirror.New(srv.URL + "/{repo}/os/{arch}")
	if err != nil {
		t.Fatalf("mirror.New: %v", err)
	}

	r := &Runner{
		Mirrors: []mirror.Template{tpl.Bind("x86_64")},
		Cfg: Config{
			MaxThreads:     1,
			ShortFetchSize: 1024 * 200,
			ShortTimeout:   5 * time.Second,
			LongTimeout:    5 * time.Second,
			Arch:           "x86_64",
			Filename: func(pkg driver.PackageRef) string {
				return pkg.Name + "-" + pkg.Version + "-x86_64.pkg.tar.xz"
			},
		},
	}

	pkgs := []driver.PackageRef{
		{Repo: "core", Name: "foo", Version: "1.0-1"},
		{Repo: "core", Name: "bar", Version: "2.0-1"},
	}

	idx := index.New()
	failed := r.Run(context.Background(), idx, pkgs)
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if idx.Len() != 2 {
		t.Fatalf("got %d records, want 2", idx.Len())
	}
	foo, ok := idx.Get("foo")
	if !ok || len(foo.Files) != 1 || foo.Files[0] != "/usr/bin/foo" {
		t.Fatalf("foo record wrong: %+v", foo)
	}
}
