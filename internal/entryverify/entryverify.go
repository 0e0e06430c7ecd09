// Package entryverify implements the Entry Verifier: comparing a path
// against the Manifest entry that claims it, and comparing two entries for
// the same path against each other for merge compatibility.
package entryverify

import (
	"sort"
	"strconv"

	"github.com/robbat2/gemato/internal/probe"
	"github.com/robbat2/gemato/pkg/manifest"
)

// VerifyPath compares the file at path against entry, which may be nil to
// mean "no entry claims this path". If expectedDev is non-nil and the path
// resides on a different device, a *manifest.CrossDeviceError is returned;
// this is always fatal and never folded into diff.
//
// The path/filename is not matched against entry -- the caller is
// responsible for passing the entry that actually applies to path.
func VerifyPath(path string, entry *manifest.Entry, expectedDev *uint64) (ok bool, diff []manifest.Diff, err error) {
	if entry != nil && entry.Tag == manifest.TagIgnore {
		return true, nil, nil
	}

	p := probe.New(path)
	defer p.Close()

	exists, err := p.Exists()
	if err != nil {
		return false, nil, err
	}

	expectExist := entry != nil && entry.Tag != manifest.TagOptional
	if exists != expectExist {
		return false, []manifest.Diff{{Name: "__exists__", Expected: expectExist, Got: exists}}, nil
	}
	if !exists {
		return true, nil, nil
	}

	dev, err := p.DeviceID()
	if err != nil {
		return false, nil, err
	}
	if expectedDev != nil && dev != *expectedDev {
		return false, nil, &manifest.CrossDeviceError{Path: path}
	}

	_, typeName, err := p.Type()
	if err != nil {
		return false, nil, err
	}
	if typeName != "regular file" {
		return false, []manifest.Diff{{Name: "__type__", Expected: "regular file", Got: typeName}}, nil
	}

	size, err := p.Size()
	if err != nil {
		return false, nil, err
	}
	// A zero on-disk size is treated with suspicion (some filesystems
	// report it for files that are not actually empty) and does not
	// short-circuit here; any other mismatch does, without reading the
	// file at all.
	if size != 0 && uint64(size) != entry.Size {
		return false, []manifest.Diff{{Name: "__size__", Expected: entry.Size, Got: uint64(size)}}, nil
	}

	names := make([]string, 0, len(entry.Checksums))
	for name := range entry.Checksums {
		names = append(names, name)
	}
	sort.Strings(names)

	sums, err := p.Checksums(names)
	if err != nil {
		return false, nil, err
	}

	var diffs []manifest.Diff
	gotSize, _ := strconv.ParseUint(sums[manifest.SyntheticSizeHash], 10, 64)
	if gotSize != entry.Size {
		diffs = append(diffs, manifest.Diff{Name: "__size__", Expected: entry.Size, Got: gotSize})
	}
	for _, name := range names {
		if got := sums[name]; got != entry.Checksums[name] {
			diffs = append(diffs, manifest.Diff{Name: name, Expected: entry.Checksums[name], Got: got})
		}
	}
	if len(diffs) > 0 {
		return false, diffs, nil
	}
	return true, nil, nil
}

// VerifyEntryCompatibility compares e1 and e2, both describing the same
// path, to decide whether they may coexist or be merged. A hash present in
// only one of the two entries is reported in diff as informational and does
// not make the entries incompatible -- this is what lets dedup union
// disjoint hash sets. A hash present in both with different values does.
func VerifyEntryCompatibility(e1, e2 *manifest.Entry) (compatible bool, diff []manifest.Diff) {
	if e1.Tag != e2.Tag && !manifest.TagsCompatible(e1.Tag, e2.Tag) {
		return false, []manifest.Diff{{Name: "__type__", Expected: e1.Tag, Got: e2.Tag}}
	}
	if e1.Size != e2.Size {
		return false, []manifest.Diff{{Name: "__size__", Expected: e1.Size, Got: e2.Size}}
	}

	names := make(map[string]bool, len(e1.Checksums)+len(e2.Checksums))
	for name := range e1.Checksums {
		names[name] = true
	}
	for name := range e2.Checksums {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	compatible = true
	for _, name := range sorted {
		h1, ok1 := e1.Checksums[name]
		h2, ok2 := e2.Checksums[name]
		if h1 == h2 {
			continue
		}
		var exp, got interface{}
		if ok1 {
			exp = h1
		}
		if ok2 {
			got = h2
		}
		diff = append(diff, manifest.Diff{Name: name, Expected: exp, Got: got})
		if ok1 && ok2 {
			compatible = false
		}
	}
	return compatible, diff
}
