// Package archive implements the prefix-probe algorithm: given a buffer
// holding a (possibly truncated) prefix of a decompressed outer archive,
// locate a named inner tar member by its header and return its payload.
//
// The probe is deliberately permissive. It targets the common, well-formed
// ustar layout where the member name appears verbatim ahead of its header;
// anything else is left to a full-archive extraction path.
package archive

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// Tar header layout (ustar): the 12-byte octal size field starts at offset
// 124 and the payload begins 512 bytes (one header block) after the start of
// the header.
const (
	sizeFieldOffset = 124
	sizeFieldLen    = 12
	headerBlockSize = 512
)

// ErrShortRead indicates the probe could not locate or fully read the member
// within the provided buffer; the caller should retry with more data (a
// short-fetch retry, or escalate to a full fetch).
var ErrShortRead = errors.New("archive: short read, need more data")

// Probe locates the named member's header within buf by searching for the
// last occurrence of its name (some outer formats append an auxiliary
// listing section that also mentions the name near the start of the
// archive; the real header is the last match) and returns the member's
// payload bytes.
//
// Probe returns ErrShortRead, never a panic, for any of: the name isn't
// present in buf, the size field doesn't parse as octal, or the declared
// size would run past the end of buf.
func Probe(buf []byte, name string) ([]byte, error) {
	marker := []byte(name)
	idx := bytes.LastIndex(buf, marker)
	if idx < 0 {
		return nil, ErrShortRead
	}

	header := buf[idx:]
	if len(header) < sizeFieldOffset+sizeFieldLen {
		return nil, ErrShortRead
	}

	size, err := parseOctalSize(header[sizeFieldOffset : sizeFieldOffset+sizeFieldLen])
	if err != nil {
		return nil, ErrShortRead
	}

	payloadStart := headerBlockSize
	if len(header) < payloadStart+size {
		return nil, ErrShortRead
	}

	payload := make([]byte, size)
	copy(payload, header[payloadStart:payloadStart+size])
	return payload, nil
}

// parseOctalSize decodes a tar header size field: a NUL- or space-terminated
// ASCII octal integer, left-padded with spaces or zeros.
func parseOctalSize(field []byte) (int, error) {
	s := string(bytes.TrimRight(field, "\x00 "))
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return 0, errors.New("archive: empty size field")
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("archive: negative size")
	}
	return int(n), nil
}
