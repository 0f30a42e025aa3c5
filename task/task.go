// Package task implements the per-package extraction state machine: a short
// prefix fetch and permissive probe, escalating to a full fetch and proper
// tar extraction when the probe can't find or fully read the .MTREE member.
package task

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/archtools/providesdb/archive"
	"github.com/archtools/providesdb/compress"
	"github.com/archtools/providesdb/driver"
	"github.com/archtools/providesdb/fetch"
	"github.com/archtools/providesdb/mtree"
)

const mtreeMember = ".MTREE"

// ErrRetryFull signals that the short-fetch probe could not find or fully
// read the .MTREE member and the caller must retry against the same URL
// with ExecuteFull. It is the caller's job (worker.attemptPrimary and
// worker.attemptBackup) to decide what
// timeout governs that retry; Execute never escalates on its own, since the
// original tool runs the short probe and the full-fetch retry as two
// separately timed attempts (func_timeout(SHORT_TIMEOUT, ...) then
// func_timeout(LONG_TIMEOUT, ..., useTarMod=True)).
var ErrRetryFull = errors.New("task: short probe missed .MTREE, retry with ExecuteFull")

// Execute performs the short prefix fetch (shortFetchSize bytes) and a
// best-effort probe for the .MTREE member.
//
// It never escalates to a full fetch itself: on a probe miss it returns
// ErrRetryFull so the caller can retry with ExecuteFull under whatever
// timeout that retry is supposed to run under.
func Execute(ctx context.Context, f *fetch.Fetcher, url string, shortFetchSize int) ([]string, error) {
	shortBody := f.FetchPrefix(ctx, url, shortFetchSize)
	if len(shortBody) == 0 {
		return nil, driver.NewTaskError(driver.ErrFetchEmpty, fmt.Sprintf("unable to fetch %s", url))
	}

	kind := compress.KindFromFilename(url)
	decompressed := compress.DecompressPartial(kind, shortBody)

	payload, err := archive.Probe(decompressed, mtreeMember)
	if err != nil {
		return nil, ErrRetryFull
	}

	mtreeData, err := compress.InnerGunzip(payload)
	if err != nil {
		return nil, driver.NewTaskError(driver.ErrInnerDecode, fmt.Sprintf("decoding %s from %s: %v", mtreeMember, url, err))
	}
	return mtree.Files(mtreeData), nil
}

// ExecuteFull performs a full fetch and proper tar extraction. Unlike
// Execute, a failure here is always terminal: there is no further
// escalation.
//
// The archive is fetched into memory and then written to a scratch file
// (see fetch.FetchAllToTemp); decompression and tar extraction read it back
// from that file rather than from the fetched byte slice.
func ExecuteFull(ctx context.Context, f *fetch.Fetcher, url string) ([]string, error) {
	file, err := f.FetchAllToTemp(ctx, url)
	if err != nil {
		return nil, driver.NewTaskError(driver.ErrFetchEmpty, fmt.Sprintf("fetching %s: %v", url, err))
	}
	if file == nil {
		return nil, driver.NewTaskError(driver.ErrFetchEmpty, fmt.Sprintf("unable to fetch %s", url))
	}
	defer file.Close()

	kind := compress.KindFromFilename(url)
	r, err := compress.OuterDecompressReader(kind, file)
	if err != nil {
		return nil, driver.NewTaskError(driver.ErrOuterDecode, fmt.Sprintf("decompressing %s: %v", url, err))
	}

	tr := tar.NewReader(r)
	var payload []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, driver.NewTaskError(driver.ErrOuterDecode, fmt.Sprintf("reading tar from %s: %v", url, err))
		}
		if hdr.Name != mtreeMember {
			continue
		}
		payload, err = io.ReadAll(tr)
		if err != nil {
			return nil, driver.NewTaskError(driver.ErrOuterDecode, fmt.Sprintf("reading %s from %s: %v", mtreeMember, url, err))
		}
		break
	}
	if payload == nil {
		return nil, driver.NewTaskError(driver.ErrMtreeMissing, fmt.Sprintf("%s not found in %s", mtreeMember, url))
	}

	mtreeData, err := compress.InnerGunzip(payload)
	if err != nil {
		return nil, driver.NewTaskError(driver.ErrInnerDecode, fmt.Sprintf("decoding %s from %s: %v", mtreeMember, url, err))
	}
	return mtree.Files(mtreeData), nil
}
