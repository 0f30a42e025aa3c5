// Package index implements the on-disk provides database: a gzip-compressed
// JSON object mapping package name to driver.PackageRecord, plus a reserved
// "__vers" key carrying the format version, with migration from the legacy
// 0.1 format.
package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/archtools/providesdb/driver"
)

// versKey is reserved: it never names a real package.
const versKey = "__vers"

// CurrentVersion is the format version this package writes.
const CurrentVersion = "0.2"

// supportedVersions lists every format version Load can read (after
// migration, if needed).
var supportedVersions = map[string]bool{"0.1": true, "0.2": true}

// ErrUnsupportedVersion is returned by Load when the database's format
// version isn't one this package knows how to read or migrate.
var ErrUnsupportedVersion = errors.New("index: unsupported database version")

// Index is an in-memory provides database.
type Index struct {
	records map[string]driver.PackageRecord
}

// New returns an empty Index at CurrentVersion.
func New() *Index {
	return &Index{records: make(map[string]driver.PackageRecord)}
}

// Set records the result for a package, overwriting any prior entry.
func (idx *Index) Set(name string, rec driver.PackageRecord) {
	idx.records[name] = rec
}

// Get returns the record for name, if any.
func (idx *Index) Get(name string) (driver.PackageRecord, bool) {
	rec, ok := idx.records[name]
	return rec, ok
}

// Delete removes name's entry, if present.
func (idx *Index) Delete(name string) {
	delete(idx.records, name)
}

// Names returns every package name currently recorded.
func (idx *Index) Names() []string {
	out := make([]string, 0, len(idx.records))
	for name := range idx.records {
		out = append(out, name)
	}
	return out
}

// Len reports how many packages are recorded.
func (idx *Index) Len() int { return len(idx.records) }

// legacyEnvelope is the on-disk shape before migration: each value is either
// a files array (success), a plain error string (failure), or (only once
// migrated) a structured record.
type legacyEnvelope map[string]json.RawMessage

// Load reads and decodes a provides database from r, migrating it to
// CurrentVersion in memory if it's in an older supported format.
func Load(r []byte) (*Index, error) {
	gz, err := gzip.NewReader(bytes.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("index: gzip: %w", err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return nil, fmt.Errorf("index: decompressing: %w", err)
	}

	var raw legacyEnvelope
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("index: decoding json: %w", err)
	}

	version := "0.1"
	if v, ok := raw[versKey]; ok {
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, fmt.Errorf("index: decoding %s: %w", versKey, err)
		}
		delete(raw, versKey)
	}
	if !supportedVersions[version] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	idx := New()
	for name, v := range raw {
		rec, err := decodeRecord(version, v)
		if err != nil {
			return nil, fmt.Errorf("index: migrating %q: %w", name, err)
		}
		idx.records[name] = rec
	}
	return idx, nil
}

// decodeRecord decodes one entry, applying the 0.1-to-0.2 shape migration
// inline: a bare string was an error, a bare array was a file list, and
// any other shape in a 0.1 database is rejected with an error.
func decodeRecord(version string, raw json.RawMessage) (driver.PackageRecord, error) {
	if version == "0.2" {
		var rec driver.PackageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return driver.PackageRecord{}, err
		}
		return rec, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return driver.PackageRecord{Error: &asString}, nil
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return driver.PackageRecord{Files: asList}, nil
	}

	return driver.PackageRecord{}, fmt.Errorf("unrecognized 0.1 record shape")
}

// Write gzip-compresses and JSON-encodes idx, writing it atomically to path
// (a temp file beside path, then renamed over it). On failure to write path,
// it falls back to a temp file in tmpDir and returns that path
// instead, matching the original tool's behavior of never losing a
// freshly-built database to a filesystem permission error.
func Write(idx *Index, path, tmpDir string) (string, error) {
	envelope := make(map[string]any, idx.Len()+1)
	for name, rec := range idx.records {
		envelope[name] = rec
	}
	envelope[versKey] = CurrentVersion

	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("index: encoding json: %w", err)
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(body); err != nil {
		return "", fmt.Errorf("index: gzip: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("index: gzip: %w", err)
	}

	if tf, err := os.CreateTemp(filepath.Dir(path), ".providesdb-*"); err == nil {
		tmpName := tf.Name()
		_, werr := tf.Write(gzBuf.Bytes())
		cerr := tf.Close()
		if werr == nil && cerr == nil && os.Chmod(tmpName, 0o644) == nil && os.Rename(tmpName, path) == nil {
			return path, nil
		}
		os.Remove(tmpName)
	}

	f, err := os.CreateTemp(tmpDir, "providesdb-*.gz")
	if err != nil {
		return "", fmt.Errorf("index: writing to %s failed and fallback temp file could not be created: %w", path, err)
	}
	if _, err := f.Write(gzBuf.Bytes()); err != nil {
		f.Close()
		return "", fmt.Errorf("index: writing fallback file %s: %w", f.Name(), err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("index: closing fallback file %s: %w", name, err)
	}
	return filepath.Clean(name), nil
}
