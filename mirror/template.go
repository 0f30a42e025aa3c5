// Package mirror implements MirrorTemplate substitution: a URL template with
// two ordered slots, "{repo}" and a pre-bound "{arch}", that yields a fetch
// URL when applied to a repository name and filename.
package mirror

import (
	"fmt"
	"strings"
)

const (
	repoSlot = "{repo}"
	archSlot = "{arch}"
)

// Template is a mirror URL template. It must contain exactly one "{repo}" and
// one "{arch}" marker when constructed; Bind consumes the "{arch}" marker,
// leaving only "{repo}" for per-request substitution.
type Template struct {
	raw string
}

// New validates and wraps a raw mirror URL template.
func New(raw string) (Template, error) {
	if !strings.Contains(raw, repoSlot) {
		return Template{}, fmt.Errorf("mirror: template %q missing %s", raw, repoSlot)
	}
	if !strings.Contains(raw, archSlot) {
		return Template{}, fmt.Errorf("mirror: template %q missing %s", raw, archSlot)
	}
	return Template{raw: raw}, nil
}

// Bind substitutes the "{arch}" slot, returning a Template with only the
// "{repo}" slot left open. This is done once, at load time, per spec.
func (t Template) Bind(arch string) Template {
	return Template{raw: strings.ReplaceAll(t.raw, archSlot, arch)}
}

// URL applies the template to a repo name and filename, yielding a fetch URL.
//
// The filename is appended as a path segment after the repo substitution;
// templates are expected to end with a directory, matching the original
// tool's "%s/%s" % (repo, filename) convention.
func (t Template) URL(repo, filename string) string {
	base := strings.ReplaceAll(t.raw, repoSlot, repo)
	base = strings.TrimRight(base, "/")
	return base + "/" + filename
}

// String returns the template's raw form, useful for logging.
func (t Template) String() string { return t.raw }
