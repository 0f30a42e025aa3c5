// Package pkgver provides the default driver.VersionComparator, backed by
// RPM-style version-compare semantics (epoch:version-release, with the same
// rpmvercmp tokenization pacman's own vercmp implements).
package pkgver

import (
	version "github.com/knqyf263/go-rpm-version"

	"github.com/archtools/providesdb/driver"
)

// Comparator is the default driver.VersionComparator.
type Comparator struct{}

var _ driver.VersionComparator = Comparator{}

// Compare orders two version strings using RPM version-compare rules.
//
// pacman's own package versions (epoch:pkgver-pkgrel) follow the same
// dash/colon-segmented, alpha-numeric-tokenized scheme RPM uses, so the
// comparator here is a faithful stand-in rather than an approximation.
func (Comparator) Compare(a, b string) (int, bool) {
	av, aok := parse(a)
	bv, bok := parse(b)
	if !aok || !bok {
		return 0, false
	}
	return av.Compare(bv), true
}

func parse(s string) (v version.Version, ok bool) {
	if s == "" {
		return version.Version{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return version.NewVersion(s), true
}
