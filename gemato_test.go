package gemato_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/robbat2/gemato"
	"github.com/robbat2/gemato/internal/profile"
	"github.com/robbat2/gemato/internal/updater"
	"github.com/robbat2/gemato/pkg/manifest"
)

func writeTree(c *C, files map[string]string) string {
	dir := c.MkDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), IsNil)
		c.Assert(os.WriteFile(path, []byte(content), 0o644), IsNil)
	}
	return dir
}

func (s *S) TestOpenUpdateVerifySaveRoundTrip(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "",
		"a":        "abc",
		"sub/b":    "xyz",
	})

	tree, err := gemato.Open(filepath.Join(dir, "Manifest"), gemato.OpenOptions{
		Hashes:      []string{"SHA256"},
		AllowCreate: true,
		Profile:     profile.NewDefault(),
	})
	c.Assert(err, IsNil)

	c.Assert(tree.UpdateDirectory("", nil, nil), IsNil)
	c.Assert(tree.Save(updater.SaveOptions{Sort: true}), IsNil)

	var failures []error
	ok, err := tree.Verify("", func(e error) (bool, error) {
		failures = append(failures, e)
		return false, nil
	}, nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(failures, HasLen, 0)

	body, err := os.ReadFile(filepath.Join(dir, "Manifest"))
	c.Assert(err, IsNil)
	c.Assert(string(body), Equals,
		"DATA a 3 SHA256 ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad\n"+
			"DATA sub/b 3 SHA256 3608bca1e44ea6c4d268eb6db02260269892c0b42b86bbf1e77a6fa16c3c9282\n")
}

func (s *S) TestVerifyReportsMismatch(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 0000000000000000000000000000000000000000000000000000000000000\n",
		"a":        "abc",
	})

	tree, err := gemato.Open(filepath.Join(dir, "Manifest"), gemato.OpenOptions{Hashes: []string{"SHA256"}})
	c.Assert(err, IsNil)

	var mismatches []*manifest.MismatchError
	ok, err := tree.Verify("", func(e error) (bool, error) {
		if me, isMismatch := e.(*manifest.MismatchError); isMismatch {
			mismatches = append(mismatches, me)
		}
		return false, nil
	}, nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
	c.Assert(mismatches, HasLen, 1)
	c.Assert(mismatches[0].Path, Equals, "a")
}

func (s *S) TestUpdateEntryThenSaveClearsDirty(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "",
		"a":        "abc",
	})

	tree, err := gemato.Open(filepath.Join(dir, "Manifest"), gemato.OpenOptions{Hashes: []string{"SHA256"}})
	c.Assert(err, IsNil)

	c.Assert(tree.UpdateEntry("a", manifest.TagData, nil), IsNil)
	c.Assert(tree.Save(updater.SaveOptions{Sort: true}), IsNil)

	reopened, err := gemato.Open(filepath.Join(dir, "Manifest"), gemato.OpenOptions{Hashes: []string{"SHA256"}})
	c.Assert(err, IsNil)
	ok, err := reopened.Verify("", func(e error) (bool, error) { return false, nil }, nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
}
