// Package treeverify implements the tree verifier: a whole-subtree walk
// that checks every file against the forest's composed entry set, detects
// stray files and cross-device subtrees, and reports missing files once the
// walk completes.
package treeverify

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/robbat2/gemato/internal/compressfile"
	"github.com/robbat2/gemato/internal/entryverify"
	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/pkg/manifest"
)

// Handler is called whenever a file or stray entry fails verification. A
// non-nil returned error aborts the walk and propagates past
// AssertDirectoryVerifies. Otherwise the boolean return is folded into the
// walk's overall AND-accumulated result.
type Handler func(err error) (bool, error)

// AssertDirectoryVerifies walks the filesystem under root/path, following
// symlinks, and checks every entry it finds against the forest's composed
// view of the Manifests covering path. Dotfiles are skipped. A directory
// with no corresponding Manifest entry is a stray directory and is
// recursed into only after its device id is confirmed to match the
// forest's; a foreign device is always a hard error, never routed through
// a handler. An IGNORE-tagged directory is skipped outright, entries and
// all.
//
// fail_handler is invoked for DATA/EBUILD/AUX/MANIFEST mismatches and for
// files with no matching entry at all; warn_handler (defaulting to
// fail_handler when nil) is invoked for MISC/OPTIONAL mismatches. Once the
// walk completes, any entries remaining in the composed set denote files
// that were expected but never seen, and are run through the same handler
// flow as a missing-file diff.
//
// The boolean result is true unless some handler call explicitly returned
// false; a handler that returns a non-nil error aborts the walk immediately
// with that error.
func AssertDirectoryVerifies(f *loader.Forest, path string, failHandler, warnHandler Handler) (bool, error) {
	if warnHandler == nil {
		warnHandler = failHandler
	}

	if err := f.EnsureLoadedForPath(path, true); err != nil {
		return false, err
	}
	entries, err := f.ComposedEntrySet(path, nil)
	if err != nil {
		return false, err
	}

	manifestNames := make(map[string]bool)
	for _, n := range compressfile.CandidateNames("Manifest") {
		manifestNames[n] = true
	}

	root := f.RootDir()
	dev := f.DeviceID()
	ret := true

	verifyOne := func(relpath string, e *manifest.Entry, h Handler) error {
		abspath := filepath.Join(root, relpath)
		ok, diff, verr := entryverify.VerifyPath(abspath, e, &dev)
		if verr != nil {
			return verr
		}
		if ok {
			return nil
		}
		mismatch := &manifest.MismatchError{Path: relpath, Entry: e, Diff: diff}
		handlerOK, herr := h(mismatch)
		if herr != nil {
			return herr
		}
		ret = ret && handlerOK
		return nil
	}

	handlerFor := func(e *manifest.Entry) Handler {
		if e != nil && (e.Tag == manifest.TagMisc || e.Tag == manifest.TagOptional) {
			return warnHandler
		}
		return failHandler
	}

	var walk func(dirRel string) error
	walk = func(dirRel string) error {
		dirAbs := filepath.Join(root, dirRel)
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

		var skip []string
		for _, d := range dirNames {
			dpath := gematoutil.Join(dirRel, d)
			de, had := entries[dpath]
			if had {
				delete(entries, dpath)
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
			if de.Tag == manifest.TagIgnore {
				skip = append(skip, d)
				continue
			}
			if err := verifyOne(dpath, de, handlerFor(de)); err != nil {
				return err
			}
		}
		skipSet := make(map[string]bool, len(skip))
		for _, d := range skip {
			skipSet[d] = true
		}

		for _, fn := range fileNames {
			fpath := gematoutil.Join(dirRel, fn)
			if dirRel == "" && manifestNames[fn] {
				continue
			}
			fe := entries[fpath]
			if fe != nil {
				delete(entries, fpath)
			}
			if err := verifyOne(fpath, fe, handlerFor(fe)); err != nil {
				return err
			}
		}

		for _, d := range dirNames {
			if skipSet[d] {
				continue
			}
			dpath := gematoutil.Join(dirRel, d)
			debugf("treeverify: descending into %s", dpath)
			if err := walk(dpath); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(path); err != nil {
		return false, err
	}

	var missing []string
	for rel := range entries {
		missing = append(missing, rel)
	}
	sort.Strings(missing)
	for _, rel := range missing {
		e := entries[rel]
		if err := verifyOne(rel, e, handlerFor(e)); err != nil {
			return false, err
		}
	}

	return ret, nil
}
