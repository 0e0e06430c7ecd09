// Package gemato is the facade wiring the recursive loader, tree verifier
// and updater/saver into the four operations a caller drives directly:
// Open, Verify, Update and Save. Everything it does is thin orchestration
// over internal/loader, internal/treeverify and internal/updater; none of
// the domain logic lives here.
package gemato

import (
	"golang.org/x/crypto/openpgp/packet"

	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/internal/profile"
	"github.com/robbat2/gemato/internal/treeverify"
	"github.com/robbat2/gemato/internal/updater"
	"github.com/robbat2/gemato/pkg/manifest"
)

// OpenOptions configures Open.
type OpenOptions struct {
	// VerifyOpenPGP, if set, requires every signed Manifest loaded to
	// carry a valid signature from KeyRing.
	VerifyOpenPGP bool
	KeyRing       []*packet.PublicKey

	// Hashes is the default hash set update operations use when not
	// given one explicitly.
	Hashes []string

	// AllowCreate permits initializing a new, empty tree when the
	// top-level Manifest does not exist yet.
	AllowCreate bool

	// Profile is consulted by UpdateDirectory when its own prof
	// argument is nil. A nil Profile here is fine for a Tree that is
	// only ever opened and verified, never updated.
	Profile profile.Profile
}

// Tree is a loaded Manifest forest, the single handle every other
// operation in this package is driven from.
type Tree struct {
	forest *loader.Forest
}

// Open loads the top-level Manifest at topManifestPath and returns a Tree
// rooted at its containing directory.
func Open(topManifestPath string, opts OpenOptions) (*Tree, error) {
	f, err := loader.Open(topManifestPath, loader.OpenOptions{
		VerifyOpenPGP: opts.VerifyOpenPGP,
		KeyRing:       opts.KeyRing,
		Hashes:        opts.Hashes,
		AllowCreate:   opts.AllowCreate,
		Profile:       opts.Profile,
	})
	if err != nil {
		return nil, err
	}
	return &Tree{forest: f}, nil
}

// SetSigner installs the callback Save consults to clearsign the top-level
// Manifest when asked to.
func (t *Tree) SetSigner(fn func(body []byte) ([]byte, error)) {
	t.forest.SetSigner(fn)
}

// TopSigned reports whether the top-level Manifest, as loaded, was
// OpenPGP-signed.
func (t *Tree) TopSigned() bool { return t.forest.TopSigned() }

// Verify walks path (relative to the tree root) and checks every file it
// finds against the Manifest tree covering it, reporting mismatches to
// failHandler or, for MISC/OPTIONAL entries, warnHandler. A nil warnHandler
// routes everything through failHandler.
func (t *Tree) Verify(path string, failHandler, warnHandler treeverify.Handler) (bool, error) {
	return treeverify.AssertDirectoryVerifies(t.forest, path, failHandler, warnHandler)
}

// UpdateEntry brings the single entry covering path in sync with the file
// currently on disk -- refreshed if it exists and matched an entry,
// created as a new newTag entry if none did, removed if the file is gone.
func (t *Tree) UpdateEntry(path string, newTag manifest.Tag, hashes []string) error {
	return updater.UpdateEntryForPath(t.forest, path, newTag, hashes)
}

// UpdateDirectory recursively reconciles every entry under path against
// what is actually on disk, creating sub-Manifests prof calls for and
// removing entries for files that no longer exist. A nil prof falls back
// to the Profile given to Open.
func (t *Tree) UpdateDirectory(path string, prof profile.Profile, hashes []string) error {
	return updater.UpdateDirectoryEntries(t.forest, prof, path, hashes)
}

// Save writes every Manifest marked dirty by UpdateEntry/UpdateDirectory
// back to disk.
func (t *Tree) Save(opts updater.SaveOptions) error {
	return updater.SaveManifests(t.forest, opts)
}
