// Package loader implements the Recursive Loader: a forest of lazily loaded
// Manifests covering a directory tree, plus the queries (deepest-first
// lookup, fixed-point recursive loading, composed entry sets) the Tree
// Verifier and Updater build on.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/crypto/openpgp/packet"

	"github.com/robbat2/gemato/internal/compressfile"
	"github.com/robbat2/gemato/internal/entryverify"
	"github.com/robbat2/gemato/internal/gematoutil"
	"github.com/robbat2/gemato/internal/profile"
	"github.com/robbat2/gemato/pkg/manifest"
)

// Forest holds every Manifest loaded so far for one tree, keyed by the
// Manifest file's path relative to the tree root.
type Forest struct {
	rootDir string

	loaded map[string]*manifest.Manifest
	dirty  map[string]bool

	// deviceID is fixed once, from the top-level Manifest, and never
	// reassigned by a later sub-Manifest load. The original implementation
	// updates it on every load_manifest call, which lets the tree's anchor
	// device drift to whatever sub-Manifest loaded most recently; per the
	// spec's own conservative recommendation this is treated as a latent
	// bug and deliberately not reproduced here.
	deviceID    uint64
	deviceIDSet bool

	verifyOpenPGP bool
	keyRing       []*packet.PublicKey
	hashes        []string
	profile       profile.Profile
	topPath       string
	topSigned     bool
	signFunc      func(body []byte) ([]byte, error)
}

// OpenOptions configures Open.
type OpenOptions struct {
	VerifyOpenPGP bool
	KeyRing       []*packet.PublicKey

	// Hashes is the default hash set used by update operations that do
	// not specify one explicitly.
	Hashes []string

	// AllowCreate permits initializing a new, empty tree when the
	// top-level Manifest does not exist yet.
	AllowCreate bool

	// Profile is consulted by the Updater; it has no effect on loading
	// or verification. A nil Profile is fine for trees that are only
	// ever read.
	Profile profile.Profile
}

// Open loads the top-level Manifest at topManifestPath and returns a Forest
// rooted at its containing directory.
func Open(topManifestPath string, opts OpenOptions) (*Forest, error) {
	f := &Forest{
		rootDir:       filepath.Dir(topManifestPath),
		loaded:        make(map[string]*manifest.Manifest),
		dirty:         make(map[string]bool),
		verifyOpenPGP: opts.VerifyOpenPGP,
		keyRing:       opts.KeyRing,
		hashes:        opts.Hashes,
		profile:       opts.Profile,
	}

	topRelpath := filepath.Base(topManifestPath)
	m, err := f.LoadManifest(topRelpath, nil, opts.AllowCreate)
	if err != nil {
		return nil, err
	}
	f.topPath = topRelpath
	f.topSigned = m.Signed
	return f, nil
}

// TopPath returns the top-level Manifest's path relative to the tree root,
// as it was opened (e.g. "Manifest" or "Manifest.gz"). It has no
// self-referencing MANIFEST entry in any Manifest and is never a candidate
// for the device/stray-file checks a directory walk performs on everything
// else.
func (f *Forest) TopPath() string { return f.topPath }

// RootDir returns the directory the Forest is rooted at.
func (f *Forest) RootDir() string { return f.rootDir }

// DeviceID returns the device id fixed at construction time.
func (f *Forest) DeviceID() uint64 { return f.deviceID }

// TopSigned reports whether the top-level Manifest was OpenPGP-signed.
func (f *Forest) TopSigned() bool { return f.topSigned }

// Hashes returns the default hash set configured at construction, which may
// be nil.
func (f *Forest) Hashes() []string { return f.hashes }

// Profile returns the policy collaborator configured at construction, which
// may be nil.
func (f *Forest) Profile() profile.Profile { return f.profile }

// Get returns the loaded Manifest at relpath, or nil if it is not loaded.
func (f *Forest) Get(relpath string) *manifest.Manifest { return f.loaded[relpath] }

// MarkDirty records relpath as differing from its on-disk representation.
func (f *Forest) MarkDirty(relpath string) { f.dirty[relpath] = true }

// ClearDirty removes relpath from the dirty set.
func (f *Forest) ClearDirty(relpath string) { delete(f.dirty, relpath) }

// IsDirty reports whether relpath is marked dirty.
func (f *Forest) IsDirty(relpath string) bool { return f.dirty[relpath] }

// DirtyPaths returns the relpaths currently marked dirty, in no particular
// order.
func (f *Forest) DirtyPaths() []string {
	out := make([]string, 0, len(f.dirty))
	for k := range f.dirty {
		out = append(out, k)
	}
	return out
}

// Rename moves the loaded Manifest and its dirty/loaded-map bookkeeping from
// oldRelpath to newRelpath, used when a saved Manifest is recompressed under
// a different suffix.
func (f *Forest) Rename(oldRelpath, newRelpath string) {
	f.loaded[newRelpath] = f.loaded[oldRelpath]
	delete(f.loaded, oldRelpath)
	if f.dirty[oldRelpath] {
		delete(f.dirty, oldRelpath)
		f.dirty[newRelpath] = true
	}
}

// RenameTop is Rename for the top-level Manifest specifically: it also
// updates the path TopPath reports, since the top-level Manifest is its own
// special case (never referenced by a MANIFEST entry anywhere, so no
// ancestor bookkeeping needs fixing up).
func (f *Forest) RenameTop(newRelpath string) {
	f.Rename(f.topPath, newRelpath)
	f.topPath = newRelpath
}

// LoadManifest loads a single Manifest file whose path, relative to the
// tree root, is relpath. If verifyAgainst is non-nil, the file is verified
// against that entry before being parsed. If allowCreate is true and the
// file does not exist, a new empty Manifest is registered and marked dirty
// instead of failing.
func (f *Forest) LoadManifest(relpath string, verifyAgainst *manifest.Entry, allowCreate bool) (*manifest.Manifest, error) {
	path := filepath.Join(f.rootDir, relpath)

	if verifyAgainst != nil {
		ok, diff, err := entryverify.VerifyPath(path, verifyAgainst, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &manifest.MismatchError{Path: relpath, Entry: verifyAgainst, Diff: diff}
		}
	}

	r, stack, err := compressfile.OpenRead(path)
	if err != nil {
		if os.IsNotExist(err) && allowCreate {
			debugf("loader: creating new manifest %s", relpath)
			var st syscall.Stat_t
			if serr := syscall.Stat(filepath.Dir(path), &st); serr != nil {
				return nil, serr
			}
			f.setDeviceID(uint64(st.Dev))
			m := manifest.New()
			f.loaded[relpath] = m
			f.dirty[relpath] = true
			return m, nil
		}
		return nil, err
	}

	m, _, err := manifest.Load(r, manifest.LoadOptions{VerifyOpenPGP: f.verifyOpenPGP, KeyRing: f.keyRing})
	closeErr := stack.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return nil, err
	}
	f.setDeviceID(uint64(st.Dev))

	f.loaded[relpath] = m
	debugf("loader: loaded manifest %s (%d entries)", relpath, len(m.Entries))
	return m, nil
}

func (f *Forest) setDeviceID(dev uint64) {
	if f.deviceIDSet {
		return
	}
	f.deviceID = dev
	f.deviceIDSet = true
}

// SaveManifest writes the already-loaded Manifest at relpath through the
// compression layer, returning the number of uncompressed bytes written.
// The Manifest is signed when sign is true, whatever its path; callers pass
// sign only for the top-level Manifest.
func (f *Forest) SaveManifest(relpath string, sortEntries, sign bool) (int64, error) {
	m, ok := f.loaded[relpath]
	if !ok {
		return 0, fmt.Errorf("loader: cannot save unregistered manifest %s", relpath)
	}
	path := filepath.Join(f.rootDir, relpath)

	cw, stack, err := compressfile.OpenWrite(path)
	if err != nil {
		return 0, err
	}
	_, dumpErr := manifest.Dump(cw, m, manifest.DumpOptions{Sort: sortEntries, Sign: sign, Signer: f.signer})
	closeErr := stack.Close()
	if dumpErr != nil {
		return 0, dumpErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	debugf("loader: saved manifest %s (%d uncompressed bytes)", relpath, cw.N())
	return cw.N(), nil
}

// signer is set by SetSigner; it is consulted only when saving a signed
// top-level Manifest.
func (f *Forest) signer(body []byte) ([]byte, error) {
	if f.signFunc == nil {
		return nil, fmt.Errorf("loader: no OpenPGP signer configured")
	}
	return f.signFunc(body)
}

// SetSigner installs the callback used to clearsign the top-level Manifest
// when SaveManifest is called with sign=true.
func (f *Forest) SetSigner(fn func(body []byte) ([]byte, error)) { f.signFunc = fn }

// ManifestRef identifies one loaded Manifest applicable to a query, paired
// with the relative directory it owns.
type ManifestRef struct {
	Path string
	Dir  string
	M    *manifest.Manifest
}

// ManifestsForPath returns loaded Manifests whose directory is a prefix of
// path, plus -- if recursive -- those whose directory has path as a prefix.
// Results are sorted deepest-first by directory length; ties break on Path
// for determinism (the original gives no such guarantee, but a stable order
// makes this implementation's behavior reproducible without weakening any
// documented invariant).
func (f *Forest) ManifestsForPath(path string, recursive bool) []ManifestRef {
	var out []ManifestRef
	for relpath, m := range f.loaded {
		dir := gematoutil.Dir(relpath)
		if gematoutil.PathStartsWith(path, dir) {
			out = append(out, ManifestRef{Path: relpath, Dir: dir, M: m})
		} else if recursive && gematoutil.PathStartsWith(dir, path) {
			out = append(out, ManifestRef{Path: relpath, Dir: dir, M: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Dir) != len(out[j].Dir) {
			return len(out[i].Dir) > len(out[j].Dir)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// EnsureLoadedForPath loads every Manifest that may apply to path,
// recursively. If recursive is true, it also loads Manifests for every
// subdirectory of path. This is a fixed-point loop: newly loaded Manifests
// may themselves reference further Manifests within scope, so candidates
// are re-gathered from every currently applicable Manifest each pass until
// a pass triggers no new loads.
func (f *Forest) EnsureLoadedForPath(path string, recursive bool) error {
	type candidate struct {
		mpath string
		e     *manifest.Entry
	}
	for {
		var toLoad []candidate
		for _, ref := range f.ManifestsForPath(path, recursive) {
			for _, e := range ref.M.Entries {
				if e.Tag != manifest.TagManifest {
					continue
				}
				mpath := gematoutil.Join(ref.Dir, e.Path)
				if ref.Path == mpath {
					continue
				}
				if _, ok := f.loaded[mpath]; ok {
					continue
				}
				mdir := gematoutil.Dir(mpath)
				if gematoutil.PathStartsWith(path, mdir) {
					toLoad = append(toLoad, candidate{mpath, e})
				} else if recursive && gematoutil.PathStartsWith(mdir, path) {
					toLoad = append(toLoad, candidate{mpath, e})
				}
			}
		}
		if len(toLoad) == 0 {
			return nil
		}
		for _, c := range toLoad {
			if _, err := f.LoadManifest(c.mpath, c.e, false); err != nil {
				return err
			}
		}
	}
}

// FindTimestamp returns the first TIMESTAMP entry found in deepest-first
// order across the whole tree, or nil if there is none.
func (f *Forest) FindTimestamp() (*manifest.Entry, error) {
	if err := f.EnsureLoadedForPath("", false); err != nil {
		return nil, err
	}
	for _, ref := range f.ManifestsForPath("", false) {
		for _, e := range ref.M.Entries {
			if e.Tag == manifest.TagTimestamp {
				return e, nil
			}
		}
	}
	return nil, nil
}

// FindPathEntry returns the entry applicable to path: the first IGNORE
// entry (in deepest-first Manifest order) whose directory covers path, else
// the first non-DIST/non-TIMESTAMP entry whose composed path equals path.
// DIST entries are never returned.
func (f *Forest) FindPathEntry(path string) (*manifest.Entry, error) {
	if err := f.EnsureLoadedForPath(path, false); err != nil {
		return nil, err
	}
	for _, ref := range f.ManifestsForPath(path, false) {
		for _, e := range ref.M.Entries {
			switch e.Tag {
			case manifest.TagIgnore:
				full := gematoutil.Join(ref.Dir, e.Path)
				if gematoutil.PathStartsWith(path, full) {
					return e, nil
				}
			case manifest.TagDist, manifest.TagTimestamp:
				continue
			default:
				full := gematoutil.Join(ref.Dir, e.Path)
				if full == path {
					return e, nil
				}
			}
		}
	}
	return nil, nil
}

// FindDistEntry returns the DIST entry matching filename, considering only
// Manifests whose scope covers dirHint (a directory, not a file path).
// dirHint may be empty to search the whole tree.
func (f *Forest) FindDistEntry(filename, dirHint string) (*manifest.Entry, error) {
	scope := dirHint
	if scope != "" {
		scope += "/"
	}
	if err := f.EnsureLoadedForPath(scope, false); err != nil {
		return nil, err
	}
	for _, ref := range f.ManifestsForPath(scope, false) {
		for _, e := range ref.M.Entries {
			if e.Tag == manifest.TagDist && e.Filename == filename {
				return e, nil
			}
		}
	}
	return nil, nil
}

// ComposedEntrySet returns the entries applicable to paths starting with
// path, keyed by composed full path. If onlyTags is non-empty, only entries
// with one of those tags are considered (matching load_unregistered_manifests'
// IGNORE-only scan); otherwise DIST and TIMESTAMP entries are excluded, as
// neither describes a local tree file.
//
// Entries for the same composed path found in different (overlapping)
// Manifests are merged via entryverify.VerifyEntryCompatibility: a hash
// present on only one side is folded into the result (union of checksums,
// producing a new Entry rather than mutating either source), a collision on
// a shared hash or an incompatible tag is a hard *manifest.IncompatibleEntryError.
func (f *Forest) ComposedEntrySet(path string, onlyTags []manifest.Tag) (map[string]*manifest.Entry, error) {
	if err := f.EnsureLoadedForPath(path, true); err != nil {
		return nil, err
	}

	only := make(map[manifest.Tag]bool, len(onlyTags))
	for _, t := range onlyTags {
		only[t] = true
	}

	out := make(map[string]*manifest.Entry)
	for _, ref := range f.ManifestsForPath(path, true) {
		for _, e := range ref.M.Entries {
			dir := ref.Dir
			if len(only) > 0 {
				if !only[e.Tag] {
					continue
				}
				if e.Tag == manifest.TagDist {
					dir = ""
				}
			} else if e.Tag == manifest.TagDist || e.Tag == manifest.TagTimestamp {
				continue
			}

			full := gematoutil.Join(dir, e.Path)
			if !gematoutil.PathStartsWith(full, path) {
				continue
			}

			if existing, ok := out[full]; ok {
				compat, diff := entryverify.VerifyEntryCompatibility(existing, e)
				if !compat {
					return nil, &manifest.IncompatibleEntryError{Entry1: existing, Entry2: e, Diff: diff}
				}
				if len(diff) > 0 {
					merged := e.Clone()
					for _, d := range diff {
						if d.Got == nil {
							if hash, ok := d.Expected.(string); ok {
								merged.Checksums[d.Name] = hash
							}
						}
					}
					e = merged
				}
			}
			out[full] = e
		}
	}
	return out, nil
}
