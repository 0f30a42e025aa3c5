// Package compress provides decompressors for the two compression layers a
// package archive can carry: an outer xz or gzip (chosen by the archive's
// file extension) wrapping the tarball, and an inner gzip wrapping the
// extracted .MTREE member, whose readers are pooled. A zstd outer layer is
// recognized by its extension but not decompressed.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// OuterKind identifies the outer archive's compression, inferred from its
// filename suffix the way pacman package filenames always carry one.
type OuterKind int

const (
	OuterUnknown OuterKind = iota
	OuterXZ
	OuterGZIP
	OuterZSTD
)

// KindFromFilename infers an OuterKind from a package archive's filename.
func KindFromFilename(name string) OuterKind {
	switch {
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".pkg.tar.xz"):
		return OuterXZ
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".pkg.tar.gz"):
		return OuterGZIP
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".pkg.tar.zst"):
		return OuterZSTD
	default:
		return OuterUnknown
	}
}

var gzReaderPool = sync.Pool{
	New: func() any { return new(gzip.Reader) },
}

// InnerGunzip decompresses the .MTREE member payload, which pacman always
// stores gzip-compressed regardless of the outer archive's compression.
//
// It is tolerant of a missing gzip trailer: .MTREE payloads
// recovered via the prefix probe are frequently truncated mid-stream, and a
// partial decode of the lines we did get is still useful to the caller.
func InnerGunzip(payload []byte) ([]byte, error) {
	zr, _ := gzReaderPool.Get().(*gzip.Reader)
	defer gzReaderPool.Put(zr)

	if err := zr.Reset(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("compress: gzip header: %w", err)
	}
	zr.Multistream(false)

	out, err := io.ReadAll(zr)
	if len(out) > 0 {
		// A truncated stream surfaces as io.ErrUnexpectedEOF once the
		// decoder runs out of input; whatever was flushed before that is
		// still a valid (if incomplete) line-oriented payload.
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compress: gzip decode: %w", err)
	}
	return out, nil
}

// DecompressPartial decompresses as much of body as it can, tolerating a
// truncated or otherwise incomplete stream; it is meant for short-fetch
// prefixes that were never expected to contain a complete archive.
//
// A decode error is swallowed: whatever bytes the decoder managed to produce
// before hitting it are still returned, since the archive probe only needs
// enough of the stream to reach the .MTREE header.
func DecompressPartial(kind OuterKind, body []byte) []byte {
	r, err := OuterDecompress(kind, body)
	if err != nil {
		return nil
	}
	out, _ := io.ReadAll(r)
	return out
}

// OuterDecompress decompresses a full archive body according to kind,
// yielding the inner tar stream.
func OuterDecompress(kind OuterKind, body []byte) (io.Reader, error) {
	return OuterDecompressReader(kind, bytes.NewReader(body))
}

// OuterDecompressReader is the streaming form of OuterDecompress, for a full
// archive that was spooled to a scratch file rather than held in memory.
func OuterDecompressReader(kind OuterKind, r io.Reader) (io.Reader, error) {
	switch kind {
	case OuterXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: xz: %w", err)
		}
		return zr, nil
	case OuterGZIP:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		return zr, nil
	case OuterZSTD:
		return nil, fmt.Errorf("compress: zstd archives are not supported for full extraction")
	default:
		return nil, fmt.Errorf("compress: unknown outer archive kind")
	}
}
