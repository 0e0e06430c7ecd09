package updater_test

import (
	. "gopkg.in/check.v1"

	"github.com/robbat2/gemato/internal/updater"
	"github.com/robbat2/gemato/pkg/manifest"
)

func (s *S) TestDedupEntriesUnionsHashes(c *C) {
	const subManifestHash = "32097bc55d424ea500a7ee0f092c891f586b6703fd628c53b23e5a86e950804b"
	dir := writeTree(c, map[string]string{
		"Manifest":     "MANIFEST sub/Manifest 26 SHA256 " + subManifestHash + "\nDATA sub/a 3 SHA256 " + hashAbc + "\n",
		"sub/Manifest": "DATA a 3 BLAKE2B deadbeef\n",
		"sub/a":        "abc",
	})
	f := openForest(c, dir)

	out, err := updater.DedupEntries(f, "")
	c.Assert(err, IsNil)

	de, ok := out["sub/a"]
	c.Assert(ok, Equals, true)
	c.Assert(de.Entry.Checksums["SHA256"], Equals, hashAbc)
	c.Assert(de.Entry.Checksums["BLAKE2B"], Equals, "deadbeef")

	// The duplicate in the top-level Manifest was removed and that Manifest
	// dirtied; only its MANIFEST entry remains.
	c.Assert(f.Get("Manifest").Entries, HasLen, 1)
	c.Assert(f.IsDirty("Manifest"), Equals, true)
}

func (s *S) TestDedupEntriesIncompatibleErrors(c *C) {
	const subManifestHash = "6fa87833d597603ade6dd957ae70d6c2c7e8dca8788ceeb54e7b86c12381fb06"
	dir := writeTree(c, map[string]string{
		"Manifest":     "MANIFEST sub/Manifest 81 SHA256 " + subManifestHash + "\nDATA sub/a 3 SHA256 " + hashAbc + "\n",
		"sub/Manifest": "DATA a 4 SHA256 " + hashXyz + "\n",
		"sub/a":        "abc",
	})
	f := openForest(c, dir)

	_, err := updater.DedupEntries(f, "")
	c.Assert(err, FitsTypeOf, &manifest.IncompatibleEntryError{})
}
