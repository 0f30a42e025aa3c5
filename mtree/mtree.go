// Package mtree parses the pacman .MTREE file format: one line per
// filesystem entry, each beginning with "./" relative to the install root.
package mtree

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// entryPattern matches a single decoded .MTREE line and captures the path.
// Real lines look like:
//
//	./usr/bin/foo time=1690000000.0 mode=0755 type=file
//
// Directory and other non-path lines (e.g. the leading "/set" stanza) are
// simply skipped by requiring the line to start with ".".
var entryPattern = regexp.MustCompile(`^\.(\S+)\s+time`)

// Files extracts every filesystem path named in an .MTREE payload.
//
// Malformed or partial trailing lines (the payload may have been truncated
// by a short fetch) are silently dropped rather than erroring: a partial
// result is still useful, and the caller can distinguish "zero files" from
// "some files" to decide whether to escalate to a full fetch.
func Files(payload []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, ".") {
			continue
		}
		m := entryPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, m[1])
	}
	return out
}
