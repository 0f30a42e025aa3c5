package task

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/fetch"
)

// buildArchive produces a .pkg.tar.xz body containing a .MTREE member whose
// content is the gzip-compressed mtreeText, plus filler members so a short
// prefix fetch alone won't necessarily see the whole thing.
func buildArchive(t *testing.T, mtreeText string, fillerBytes int) []byte {
	t.Helper()

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write([]byte(mtreeText)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if fillerBytes > 0 {
		// Incompressible filler: a real pacman package's .PKGINFO/compressed
		// payload doesn't compress away to nothing, so neither should this,
		// or a tiny short-fetch prefix could accidentally decode the whole
		// thing once run through xz.
		filler := make([]byte, fillerBytes)
		rand.New(rand.NewSource(1)).Read(filler)
		if err := tw.WriteHeader(&tar.Header{Name: ".PKGINFO", Mode: 0o644, Size: int64(len(filler))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(filler); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.WriteHeader(&tar.Header{Name: ".MTREE", Mode: 0o644, Size: int64(gz.Len())}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(gz.Bytes()); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	if _, err := xw.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := xw.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}
	return xzBuf.Bytes()
}

func TestExecuteShortPathFindsMtree(t *testing.T) {
	mtreeText := "./usr/bin/foo time=1.0\n./usr/share/foo/README time=1.0\n"
	body := buildArchive(t, mtreeText, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	f := &fetch.Fetcher{Arch: "x86_64"}
	files, err := Execute(context.Background(), f, srv.URL+"/foo-1.0-1-x86_64.pkg.tar.xz", 1024*200)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"/usr/bin/foo", "/usr/share/foo/README"}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("got %v, want %v", files, want)
	}
}

func TestExecuteSignalsRetryFullWhenMtreeMissesShortWindow(t *testing.T) {
	mtreeText := "./usr/bin/foo time=1.0\n"
	// Enough filler that the .MTREE member lands past a tiny short-fetch
	// window, forcing the probe to miss.
	body := buildArchive(t, mtreeText, 4096)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	f := &fetch.Fetcher{Arch: "x86_64"}
	url := srv.URL + "/foo-1.0-1-x86_64.pkg.tar.xz"
	_, err := Execute(context.Background(), f, url, 64)
	if !errors.Is(err, ErrRetryFull) {
		t.Fatalf("Execute: got %v, want ErrRetryFull", err)
	}

	files, err := ExecuteFull(context.Background(), f, url)
	if err != nil {
		t.Fatalf("ExecuteFull: %v", err)
	}
	if len(files) != 1 || files[0] != "/usr/bin/foo" {
		t.Fatalf("got %v", files)
	}
}

func TestExecuteEmptyFetchIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &fetch.Fetcher{Arch: "x86_64"}
	_, err := Execute(context.Background(), f, srv.URL+"/foo-1.0-1-x86_64.pkg.tar.xz", 1024)
	if err == nil {
		t.Fatalf("expected error for empty fetch")
	}
	te, ok := err.(*driver.TaskError)
	if !ok {
		t.Fatalf("got %T, want *driver.TaskError", err)
	}
	if te.Kind != driver.ErrFetchEmpty {
		t.Fatalf("got kind %v, want %v", te.Kind, driver.ErrFetchEmpty)
	}
}

func TestExecuteMissingMtreeIsTerminal(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if err := tw.WriteHeader(&tar.Header{Name: ".PKGINFO", Mode: 0o644, Size: 3}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	tw.Write([]byte("abc"))
	tw.Close()

	var xzBuf bytes.Buffer
	xw, _ := xz.NewWriter(&xzBuf)
	xw.Write(tarBuf.Bytes())
	xw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(xzBuf.Bytes())
	}))
	defer srv.Close()

	f := &fetch.Fetcher{Arch: "x86_64"}
	_, err := ExecuteFull(context.Background(), f, srv.URL+"/foo-1.0-1-x86_64.pkg.tar.xz")
	if err == nil {
		t.Fatalf("expected error")
	}
	te, ok := err.(*driver.TaskError)
	if !ok {
		t.Fatalf("got %T, want *driver.TaskError", err)
	}
	if te.Kind != driver.ErrMtreeMissing {
		t.Fatalf("got kind %v, want %v", te.Kind, driver.ErrMtreeMissing)
	}
}
