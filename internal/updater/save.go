package updater

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robbat2/gemato/internal/compressfile"
	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/pkg/manifest"
)

// SaveOptions configures SaveManifests.
type SaveOptions struct {
	// Hashes overrides the hash set used to refresh MANIFEST entries
	// pointing at sub-Manifests this call re-saves. A nil Hashes uses the
	// Forest's configured default.
	Hashes []string

	// Force saves every loaded Manifest, not just the ones already marked
	// dirty.
	Force bool

	// Sort writes every saved Manifest's entries in sorted order.
	Sort bool

	// Sign clearsigns the top-level Manifest via the Forest's configured
	// signer.
	Sign bool

	// CompressWatermark, when non-nil, recompresses each Manifest saved
	// this call once its saved size reaches the watermark, using
	// CompressFormat; a saved size below the watermark is instead stored
	// uncompressed. A nil CompressWatermark leaves every Manifest's
	// compression form alone.
	CompressWatermark *int64

	// CompressFormat is the suffix applied when the watermark is met (for
	// example ".gz"). Only consulted when CompressWatermark is set.
	CompressFormat string
}

// SaveManifests writes every dirty (or, with opts.Force, every loaded)
// Manifest back to disk. Manifests are visited deepest-first, so a parent's
// MANIFEST entry for a child is refreshed against the child's just-written
// bytes before the parent itself is saved -- a change there can in turn
// mark the parent dirty even if nothing under it but the child's hash
// changed. A child recompressed past the watermark is renamed in the same
// pass, and since the parent is always visited later in this same
// deepest-first walk, the parent's MANIFEST entry picks up the rename (and
// is marked dirty, forcing it to be saved too) before SaveManifests returns.
//
// It takes the Forest's save lock for the duration and returns an error if
// any Manifest remains dirty once it returns, which would mean a bug in the
// dirty-propagation logic above rather than anything the caller did wrong.
func SaveManifests(f *loader.Forest, opts SaveOptions) error {
	hashes := opts.Hashes
	if hashes == nil {
		hashes = f.Hashes()
	}

	lck, err := f.SaveLock()
	if err != nil {
		return err
	}
	defer lck.Unlock()

	refs := f.ManifestsForPath("", true)
	saved := make(map[string]bool, len(refs))
	// renamed maps a Manifest's full path before a watermark-triggered
	// recompression to its path after, so that an ancestor's MANIFEST
	// entry -- visited later in this same walk -- can be corrected.
	renamed := make(map[string]string)

	for _, ref := range refs {
		dirty := f.IsDirty(ref.Path) || opts.Force

		for _, e := range ref.M.Entries {
			if e.Tag != manifest.TagManifest {
				continue
			}
			oldPath := gematoutil.Join(ref.Dir, e.Path)
			if newPath, ok := renamed[oldPath]; ok {
				e.Path = strings.TrimPrefix(newPath, ref.Dir)
				dirty = true
			}
			childPath := gematoutil.Join(ref.Dir, e.Path)
			if childPath == ref.Path || !saved[childPath] {
				continue
			}
			abspath := filepath.Join(f.RootDir(), childPath)
			changed, err := refreshEntry(abspath, e, hashes, nil)
			if err != nil {
				return err
			}
			if changed {
				dirty = true
			}
		}

		if !dirty {
			continue
		}

		sign := opts.Sign && ref.Path == f.TopPath()
		n, err := f.SaveManifest(ref.Path, opts.Sort, sign)
		if err != nil {
			return err
		}
		f.ClearDirty(ref.Path)

		savedPath := ref.Path
		if opts.CompressWatermark != nil {
			newPath, err := applyCompressWatermark(f, ref.Path, n, opts)
			if err != nil {
				return err
			}
			if newPath != ref.Path {
				renamed[ref.Path] = newPath
				savedPath = newPath
			}
		}
		saved[savedPath] = true
	}

	if dirty := f.DirtyPaths(); len(dirty) > 0 {
		return fmt.Errorf("updater: %d manifest(s) remained dirty after save: %v", len(dirty), dirty)
	}
	return nil
}

// applyCompressWatermark compares path's just-saved uncompressed size
// against opts.CompressWatermark and, if its current compression form
// doesn't match what that verdict calls for, rewrites it under the other
// form and updates the Forest's bookkeeping to follow. It returns the path
// the Manifest ends up at, which equals path unchanged when no rename was
// needed.
func applyCompressWatermark(f *loader.Forest, path string, uncompressedSize int64, opts SaveOptions) (string, error) {
	curSuffix := compressfile.CompressedSuffix(path)
	wantSuffix := ""
	if uncompressedSize >= *opts.CompressWatermark {
		wantSuffix = opts.CompressFormat
	}
	if wantSuffix == curSuffix {
		return path, nil
	}

	isTop := path == f.TopPath()
	newPath := strings.TrimSuffix(path, curSuffix) + wantSuffix
	debugf("updater: recompressing %s to %s (size %d, watermark %d)", path, newPath, uncompressedSize, *opts.CompressWatermark)

	if isTop {
		f.RenameTop(newPath)
	} else {
		f.Rename(path, newPath)
	}

	sign := opts.Sign && isTop
	if _, err := f.SaveManifest(newPath, opts.Sort, sign); err != nil {
		return "", err
	}
	f.ClearDirty(newPath)

	if err := gematoutil.RemoveFile(f.RootDir(), path); err != nil {
		return "", err
	}
	return newPath, nil
}
