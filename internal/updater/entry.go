package updater

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/pkg/manifest"
)

// UpdateEntryForPath ensures path's Manifest entries reflect the file
// currently on disk, creating, updating or removing entries as needed, and
// marks every Manifest it touches dirty. path must not fall under an
// IGNORE scope.
//
// Walking deepest-first over the Manifests covering path, the first
// matching non-OPTIONAL entry found is refreshed in place; any further
// duplicates are removed (dedup is this function's job only incidentally --
// DedupEntries is the general-purpose version). An OPTIONAL entry matching
// path is left untouched but still counts as "had an entry". If the file no
// longer exists, every matching non-OPTIONAL entry is removed. If no entry
// existed anywhere, a new one of newTag is created in the deepest Manifest
// whose scope covers path -- for newTag == AUX, path must lie under
// "files/" relative to that Manifest, and the stored entry path has that
// prefix stripped.
func UpdateEntryForPath(f *loader.Forest, path string, newTag manifest.Tag, hashes []string) error {
	if hashes == nil {
		hashes = f.Hashes()
	}

	if err := f.EnsureLoadedForPath(path, false); err != nil {
		return err
	}
	refs := f.ManifestsForPath(path, false)

	hadEntry := false
	abspath := filepath.Join(f.RootDir(), path)
	dev := f.DeviceID()

	for _, ref := range refs {
		var toRemove []*manifest.Entry
		for _, e := range ref.M.Entries {
			switch e.Tag {
			case manifest.TagIgnore, manifest.TagDist, manifest.TagTimestamp:
				continue
			case manifest.TagOptional:
				if gematoutil.Join(ref.Dir, e.Path) == path {
					hadEntry = true
				}
				continue
			}

			if gematoutil.Join(ref.Dir, e.Path) != path {
				continue
			}
			if hadEntry {
				toRemove = append(toRemove, e)
				continue
			}

			changed, err := refreshEntry(abspath, e, hashes, &dev)
			if err != nil {
				if ipe, ok := err.(*manifest.InvalidPathError); ok && ipe.Detail == "__exists__" {
					toRemove = append(toRemove, e)
					hadEntry = true
					continue
				}
				return err
			}
			if changed {
				f.MarkDirty(ref.Path)
			}
			hadEntry = true
		}

		if len(toRemove) > 0 {
			ref.M.Entries = removeEntries(ref.M.Entries, toRemove)
			f.MarkDirty(ref.Path)
		}
	}

	if hadEntry {
		return nil
	}

	switch newTag {
	case manifest.TagDist, manifest.TagIgnore, manifest.TagOptional:
		return fmt.Errorf("updater: cannot create a new %s entry via UpdateEntryForPath", newTag)
	}

	for _, ref := range refs {
		newpath := strings.TrimPrefix(path, ref.Dir)
		if newTag == manifest.TagAux {
			stripped, err := stripAuxPrefix(newpath)
			if err != nil {
				return err
			}
			newpath = stripped
		}

		e := manifest.NewFileEntry(newTag, newpath, 0, nil)
		if _, err := refreshEntry(abspath, e, hashes, &dev); err != nil {
			return err
		}
		ref.M.Entries = append(ref.M.Entries, e)
		f.MarkDirty(ref.Path)
		break
	}

	return nil
}

// removeEntries returns entries with every element of doomed removed,
// preserving order.
func removeEntries(entries []*manifest.Entry, doomed []*manifest.Entry) []*manifest.Entry {
	skip := make(map[*manifest.Entry]bool, len(doomed))
	for _, e := range doomed {
		skip[e] = true
	}
	out := entries[:0:0]
	for _, e := range entries {
		if !skip[e] {
			out = append(out, e)
		}
	}
	return out
}
