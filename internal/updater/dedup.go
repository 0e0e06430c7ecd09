package updater

import (
	"github.com/robbat2/gemato/internal/entryverify"
	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/pkg/manifest"
)

// DedupedEntry pairs a surviving entry with the relpath of the Manifest
// that owns it.
type DedupedEntry struct {
	MPath string
	Entry *manifest.Entry
}

// DedupEntries ensures path is fully recursively loaded, then walks every
// covering Manifest deepest-first, collecting one entry per composed path.
// When the same path is claimed by more than one Manifest, the first
// (deepest) occurrence is kept; later duplicates are checked for semantic
// compatibility against it via entryverify.VerifyEntryCompatibility -- an
// incompatible pair is a hard *manifest.IncompatibleEntryError, otherwise
// the kept entry's checksum map is extended with whatever the duplicate
// carries and didn't, and the duplicate is removed from its Manifest (which
// is then marked dirty).
//
// Note this resolves conflicts more strictly than a literal port of the
// upstream tool would: any genuine hash collision between the two entries
// is always an error here (matching internal/loader's ComposedEntrySet),
// not silently overwritten.
func DedupEntries(f *loader.Forest, path string) (map[string]DedupedEntry, error) {
	if err := f.EnsureLoadedForPath(path, true); err != nil {
		return nil, err
	}

	out := make(map[string]DedupedEntry)
	dirty := make(map[string]bool)

	for _, ref := range f.ManifestsForPath(path, true) {
		var toRemove []*manifest.Entry
		for _, e := range ref.M.Entries {
			if e.Tag == manifest.TagDist || e.Tag == manifest.TagTimestamp {
				continue
			}
			full := gematoutil.Join(ref.Dir, e.Path)
			if !gematoutil.PathStartsWith(full, path) {
				continue
			}

			if existing, ok := out[full]; ok {
				compat, diff := entryverify.VerifyEntryCompatibility(existing.Entry, e)
				if !compat {
					return nil, &manifest.IncompatibleEntryError{Entry1: existing.Entry, Entry2: e, Diff: diff}
				}
				for _, d := range diff {
					if d.Expected == nil {
						if hash, ok := d.Got.(string); ok {
							existing.Entry.Checksums[d.Name] = hash
						}
					}
				}
				toRemove = append(toRemove, e)
				continue
			}
			out[full] = DedupedEntry{MPath: ref.Path, Entry: e}
		}

		if len(toRemove) > 0 {
			ref.M.Entries = removeEntries(ref.M.Entries, toRemove)
			dirty[ref.Path] = true
		}
	}

	for mpath := range dirty {
		f.MarkDirty(mpath)
	}
	return out, nil
}
