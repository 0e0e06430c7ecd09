package updater

import (
	"strconv"

	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/probe"
	"github.com/robbat2/gemato/pkg/manifest"
)

// refreshEntry recomputes the size and checksums of the file at abspath and
// writes them into e in place, replacing whatever checksum set e previously
// carried with exactly the names requested in hashes. It reports whether
// anything in e actually changed.
//
// If the file no longer exists, refreshEntry returns a
// *manifest.InvalidPathError with detail "__exists__" rather than mutating
// e -- the caller decides what that means (drop the entry, or propagate,
// depending on whether e is OPTIONAL). If expectedDev is non-nil and the
// file resides on a different device, a *manifest.CrossDeviceError is
// returned, matching the same invariant the Entry Verifier enforces.
func refreshEntry(abspath string, e *manifest.Entry, hashes []string, expectedDev *uint64) (changed bool, err error) {
	p := probe.New(abspath)
	defer p.Close()

	exists, err := p.Exists()
	if err != nil {
		return false, err
	}
	if !exists {
		return false, &manifest.InvalidPathError{Detail: "__exists__"}
	}

	dev, err := p.DeviceID()
	if err != nil {
		return false, err
	}
	if expectedDev != nil && dev != *expectedDev {
		return false, &manifest.CrossDeviceError{Path: abspath}
	}

	_, typeName, err := p.Type()
	if err != nil {
		return false, err
	}
	if typeName != "regular file" {
		return false, &manifest.InvalidPathError{Detail: "__type__: " + typeName}
	}

	if _, err := p.Size(); err != nil {
		return false, err
	}

	sums, err := p.Checksums(hashes)
	if err != nil {
		return false, err
	}

	size, err := strconv.ParseUint(sums[manifest.SyntheticSizeHash], 10, 64)
	if err != nil {
		return false, err
	}

	newChecksums := make(map[string]string, len(hashes))
	for _, h := range hashes {
		newChecksums[h] = sums[h]
	}

	changed = size != e.Size || !checksumsEqual(e.Checksums, newChecksums)
	e.Size = size
	e.Checksums = newChecksums
	return changed, nil
}

func checksumsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// stripAuxPrefix validates that relpath (already relative to the owning
// Manifest's directory) lies under "files/", as required for a fresh AUX
// entry, and returns it with that prefix removed.
func stripAuxPrefix(relpath string) (string, error) {
	if !gematoutil.PathInsideDir(relpath, "files") {
		return "", &manifest.InvalidPathError{Detail: "AUX entry " + relpath + " is not under files/"}
	}
	return relpath[len("files/"):], nil
}
