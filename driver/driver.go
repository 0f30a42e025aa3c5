// Package driver defines the types and pluggable-backend interfaces shared
// across providesdb: the data this system indexes, and the collaborators
// (mirror list, package list, version ordering, metadata refresh) that are
// deliberately left as injection points rather than implemented here.
package driver

import (
	"context"
	"errors"
)

// PackageRef identifies a single package to index.
//
// Version is opaque to this package; ordering, when needed, goes through a
// VersionComparator.
type PackageRef struct {
	Repo    string
	Name    string
	Version string
}

// PackageRecord is the indexed result for one package.
//
// Exactly one of Files (non-empty, Error nil) or Error (non-nil, Files empty)
// describes a successful vs. failed record.
type PackageRecord struct {
	Files   []string `json:"files"`
	Version string   `json:"version"`
	Error   *string  `json:"error"`
}

// OK reports whether r describes a successful fetch.
func (r *PackageRecord) OK() bool {
	return r.Error == nil && len(r.Files) > 0
}

// ErrKind enumerates the stable error categories a task can fail with,
// surfaced in PackageRecord.Error and logged as a structured attribute.
type ErrKind string

const (
	ErrFetchEmpty   ErrKind = "fetch_empty"
	ErrMtreeMissing ErrKind = "mtree_missing"
	ErrInnerDecode  ErrKind = "inner_decode"
	ErrOuterDecode  ErrKind = "outer_decode"
	ErrTimeout      ErrKind = "timeout"
)

// TaskError pairs a stable ErrKind with a human-readable message, and is what
// ends up (stringified) in a failed PackageRecord.Error.
type TaskError struct {
	Kind ErrKind
	Msg  string
}

func (e *TaskError) Error() string { return e.Msg }

// NewTaskError builds a TaskError.
func NewTaskError(kind ErrKind, msg string) *TaskError {
	return &TaskError{Kind: kind, Msg: msg}
}

// Unchanged is returned by a MetadataRefresher to indicate nothing changed;
// callers should not treat it as a failure. Named the way the teacher's
// driver.Unchanged sentinel error is used in libvuln/driver.
var Unchanged = errors.New("driver: unchanged")

// MirrorProvider yields the ordered list of mirror URL templates to use, each
// containing exactly two substitution markers: "{repo}" then "{arch}".
//
// Reading this list (e.g. from /etc/pacman.d/mirrorlist) is explicitly out of
// THE CORE; implementations live in cmd/providesdb.
type MirrorProvider interface {
	Mirrors(ctx context.Context) ([]string, error)
}

// PackageProvider yields every package in the active repositories.
//
// Invoking the host package manager to produce this list is explicitly out
// of THE CORE; implementations live in cmd/providesdb.
type PackageProvider interface {
	Packages(ctx context.Context) ([]PackageRef, error)
}

// VersionComparator orders two opaque version strings.
//
// Compare returns <0, 0, or >0 as a < b, a == b, or a > b. Ok reports whether
// a meaningful comparison was possible; when Ok is false, the caller must
// treat any textual difference as "newer" per spec.
type VersionComparator interface {
	Compare(a, b string) (cmp int, ok bool)
}

// MetadataRefresher triggers a best-effort metadata refresh against the host
// package manager (e.g. "pacman -Sy"). A refresh failure is never fatal.
type MetadataRefresher interface {
	Refresh(ctx context.Context) error
}
