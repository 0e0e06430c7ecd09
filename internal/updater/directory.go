package updater

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/robbat2/gemato/internal/compressfile"
	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/internal/profile"
	"github.com/robbat2/gemato/pkg/manifest"
)

// UpdateDirectoryEntries is the heaviest updater operation: it brings every
// Manifest entry under path in sync with what is actually on disk,
// recursively. New files are picked up with a profile-chosen entry type,
// removed files have their entries dropped, and any sub-Manifest the
// profile wants in a directory that doesn't have one yet is created on the
// spot.
//
// It proceeds in the order the spec lays out: first an unregistered-
// Manifest scan (files named like a Manifest that no Manifest entry yet
// points at), then a deduplicated view of every existing entry under path,
// then a single filesystem walk that reconciles the two against what it
// finds, maintaining the Manifest that currently owns newly-discovered
// entries as it descends -- and finally, whatever is left over in the
// deduplicated view once the walk completes describes files that were
// removed.
func UpdateDirectoryEntries(f *loader.Forest, prof profile.Profile, path string, hashes []string) error {
	if hashes == nil {
		hashes = f.Hashes()
	}
	if prof == nil {
		prof = f.Profile()
	}

	newManifests, err := scanUnregisteredManifests(f, path)
	if err != nil {
		return err
	}
	newManifestSet := make(map[string]bool, len(newManifests))
	for _, m := range newManifests {
		newManifestSet[m] = true
	}

	dedup, err := DedupEntries(f, path)
	if err != nil {
		return err
	}

	refs := f.ManifestsForPath(path, false)
	if len(refs) == 0 {
		return fmt.Errorf("updater: no Manifest covers %q", path)
	}
	// refs is deepest-first; the initial stack is ascending (shallowest
	// first) so stack[len-1] is always the deepest Manifest covering the
	// directory currently being processed.
	stack := make([]loader.ManifestRef, len(refs))
	for i, ref := range refs {
		stack[len(refs)-1-i] = ref
	}

	manifestNames := make(map[string]bool)
	for _, n := range compressfile.CandidateNames("Manifest") {
		manifestNames[n] = true
	}

	if err := processDirectory(f, prof, path, stack, dedup, newManifestSet, manifestNames, hashes); err != nil {
		return err
	}

	var removed []string
	for rel := range dedup {
		removed = append(removed, rel)
	}
	sort.Strings(removed)
	for _, rel := range removed {
		de := dedup[rel]
		if de.Entry.Tag == manifest.TagIgnore || de.Entry.Tag == manifest.TagOptional {
			continue
		}
		m := f.Get(de.MPath)
		m.Entries = removeEntries(m.Entries, []*manifest.Entry{de.Entry})
		f.MarkDirty(de.MPath)
	}
	return nil
}

// scanUnregisteredManifests walks the tree under path, skipping IGNORE
// subtrees, looking for files named like a (possibly compressed) Manifest
// that no Manifest entry anywhere yet references. Each one found is loaded
// speculatively; a syntax error just means it wasn't really a Manifest and
// is silently skipped.
func scanUnregisteredManifests(f *loader.Forest, path string) ([]string, error) {
	ignored, err := f.ComposedEntrySet(path, []manifest.Tag{manifest.TagIgnore})
	if err != nil {
		return nil, err
	}

	var found []string
	var walk func(dirRel string) error
	walk = func(dirRel string) error {
		dirAbs := filepath.Join(f.RootDir(), dirRel)
		dirents, err := os.ReadDir(dirAbs)
		if err != nil {
			return err
		}

		var dirNames []string
		fileSet := make(map[string]bool)
		for _, de := range dirents {
			name := de.Name()
			if len(name) > 0 && name[0] == '.' {
				continue
			}
			info, statErr := os.Stat(filepath.Join(dirAbs, name))
			if statErr != nil {
				return statErr
			}
			if info.IsDir() {
				dirNames = append(dirNames, name)
			} else {
				fileSet[name] = true
			}
		}
		sort.Strings(dirNames)

		var recurse []string
		for _, d := range dirNames {
			dpath := gematoutil.Join(dirRel, d)
			if _, had := ignored[dpath]; had {
				delete(ignored, dpath)
				continue
			}
			var st syscall.Stat_t
			if err := syscall.Stat(filepath.Join(dirAbs, d), &st); err != nil {
				return err
			}
			if uint64(st.Dev) != f.DeviceID() {
				return &manifest.CrossDeviceError{Path: filepath.Join(dirAbs, d)}
			}
			recurse = append(recurse, dpath)
		}

		for _, name := range compressfile.CandidateNames("Manifest") {
			if !fileSet[name] {
				continue
			}
			fpath := gematoutil.Join(dirRel, name)
			if f.Get(fpath) != nil {
				continue
			}
			if _, err := f.LoadManifest(fpath, nil, false); err != nil {
				if _, isSyntax := err.(*manifest.SyntaxError); isSyntax {
					debugf("updater: %s is not a valid Manifest, skipping", fpath)
					continue
				}
				return err
			}
			found = append(found, fpath)
		}

		for _, dpath := range recurse {
			if err := walk(dpath); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(path); err != nil {
		return nil, err
	}
	return found, nil
}

// processDirectory handles one directory of the reconciliation walk. stack
// holds the chain of Manifests covering dirRel, shallowest first; the last
// element is dirRel's current governing Manifest before considering whether
// dirRel wants one of its own.
func processDirectory(f *loader.Forest, prof profile.Profile, dirRel string, stack []loader.ManifestRef, dedup map[string]DedupedEntry, newManifestSet, manifestNames map[string]bool, hashes []string) error {
	ancestor := stack[len(stack)-1]
	dirAbs := filepath.Join(f.RootDir(), dirRel)

	dirents, err := os.ReadDir(dirAbs)
	if err != nil {
		return err
	}
	var dirNames, fileNames []string
	for _, de := range dirents {
		name := de.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		info, statErr := os.Stat(filepath.Join(dirAbs, name))
		if statErr != nil {
			return statErr
		}
		if info.IsDir() {
			dirNames = append(dirNames, name)
		} else {
			fileNames = append(fileNames, name)
		}
	}
	sort.Strings(dirNames)
	sort.Strings(fileNames)

	wantManifest := prof.WantManifestInDirectory(dirRel, dirNames, fileNames)
	dev := f.DeviceID()

	skip := make(map[string]bool)
	for _, d := range dirNames {
		dpath := gematoutil.Join(dirRel, d)
		de, had := dedup[dpath]
		if had {
			delete(dedup, dpath)
		}
		if !had {
			var st syscall.Stat_t
			if err := syscall.Stat(filepath.Join(dirAbs, d), &st); err != nil {
				return err
			}
			if uint64(st.Dev) != dev {
				return &manifest.CrossDeviceError{Path: filepath.Join(dirAbs, d)}
			}
			continue
		}
		if de.Entry.Tag == manifest.TagIgnore {
			skip[d] = true
			continue
		}
		return fmt.Errorf("updater: %s is a directory but is claimed by a %s entry", dpath, de.Entry.Tag)
	}

	// ref.Dir always carries a trailing "/" for a non-root directory
	// (matching gematoutil.Dir's own convention) so TrimPrefix against it
	// below leaves no stray leading separator; dirSlash is dirRel in that
	// form.
	dirSlash := dirRel
	if dirSlash != "" {
		dirSlash += "/"
	}

	var localManifest *loader.ManifestRef
	var newFileEntries, newManifestEntries []*manifest.Entry

	for _, fn := range fileNames {
		fpath := gematoutil.Join(dirRel, fn)
		if dirRel == "" && manifestNames[fn] {
			continue
		}

		if de, had := dedup[fpath]; had {
			delete(dedup, fpath)
			switch de.Entry.Tag {
			case manifest.TagIgnore, manifest.TagOptional:
				continue
			case manifest.TagManifest:
				sub := f.Get(fpath)
				ref := loader.ManifestRef{Path: fpath, Dir: dirSlash, M: sub}
				localManifest = &ref
				continue
			default:
				abspath := filepath.Join(dirAbs, fn)
				changed, err := refreshEntry(abspath, de.Entry, hashes, &dev)
				if err != nil {
					return err
				}
				if changed {
					f.MarkDirty(de.MPath)
				}
				continue
			}
		}

		var ftype manifest.Tag
		if newManifestSet[fpath] {
			ftype = manifest.TagManifest
		} else {
			ftype = prof.EntryTypeForPath(fpath)
		}

		e := manifest.NewFileEntry(ftype, fpath, 0, nil)
		abspath := filepath.Join(dirAbs, fn)
		if _, err := refreshEntry(abspath, e, hashes, &dev); err != nil {
			return err
		}

		if ftype == manifest.TagManifest {
			ref := loader.ManifestRef{Path: fpath, Dir: dirSlash, M: f.Get(fpath)}
			localManifest = &ref
			newManifestEntries = append(newManifestEntries, e)
		} else {
			newFileEntries = append(newFileEntries, e)
		}
	}

	if wantManifest && localManifest == nil && ancestor.Dir != dirSlash {
		mpath := gematoutil.Join(dirRel, "Manifest")
		m, err := f.LoadManifest(mpath, nil, true)
		if err != nil {
			return err
		}
		ref := loader.ManifestRef{Path: mpath, Dir: dirSlash, M: m}
		localManifest = &ref
		e := manifest.NewFileEntry(manifest.TagManifest, mpath, 0, nil)
		newManifestEntries = append(newManifestEntries, e)
	}

	directoryOwner := ancestor
	if localManifest != nil {
		directoryOwner = *localManifest
	}

	if len(newFileEntries) > 0 {
		for _, e := range newFileEntries {
			rel := strings.TrimPrefix(e.Path, directoryOwner.Dir)
			if e.Tag == manifest.TagAux {
				stripped, err := stripAuxPrefix(rel)
				if err != nil {
					return err
				}
				rel = stripped
			}
			e.Path = rel
			directoryOwner.M.Entries = append(directoryOwner.M.Entries, e)
		}
		f.MarkDirty(directoryOwner.Path)
	}

	if len(newManifestEntries) > 0 {
		for _, e := range newManifestEntries {
			e.Path = strings.TrimPrefix(e.Path, ancestor.Dir)
			ancestor.M.Entries = append(ancestor.M.Entries, e)
		}
		f.MarkDirty(ancestor.Path)
	}

	nextStack := stack
	if localManifest != nil {
		nextStack = append(append([]loader.ManifestRef{}, stack...), *localManifest)
	}

	for _, d := range dirNames {
		if skip[d] {
			continue
		}
		if err := processDirectory(f, prof, gematoutil.Join(dirRel, d), nextStack, dedup, newManifestSet, manifestNames, hashes); err != nil {
			return err
		}
	}
	return nil
}
