package treeverify_test

import (
	"errors"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/robbat2/gemato/internal/loader"
	"github.com/robbat2/gemato/internal/treeverify"
	"github.com/robbat2/gemato/pkg/manifest"
)

const hashA = "559aead08264d5795d3909718cdd05abd49572e84fe55590eef31a88a08fdffd"
const hashAbc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func writeTree(c *C, files map[string]string) string {
	dir := c.MkDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), IsNil)
		c.Assert(os.WriteFile(path, []byte(content), 0o644), IsNil)
	}
	return dir
}

func openForest(c *C, dir string) *loader.Forest {
	f, err := loader.Open(filepath.Join(dir, "Manifest"), loader.OpenOptions{})
	c.Assert(err, IsNil)
	return f
}

func noFail(c *C) treeverify.Handler {
	return func(err error) (bool, error) {
		c.Fatalf("unexpected handler call: %s", err)
		return false, nil
	}
}

func (s *S) TestAssertDirectoryVerifiesSuccess(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\n",
		"a":        "abc",
	})
	f := openForest(c, dir)

	ok, err := treeverify.AssertDirectoryVerifies(f, "", noFail(c), nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
}

func (s *S) TestAssertDirectoryVerifiesStrayFile(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\n",
		"a":        "abc",
		"b":        "stray",
	})
	f := openForest(c, dir)

	var mismatches []string
	ok, err := treeverify.AssertDirectoryVerifies(f, "", func(err error) (bool, error) {
		me, isMismatch := err.(*manifest.MismatchError)
		c.Assert(isMismatch, Equals, true)
		mismatches = append(mismatches, me.Path)
		return false, nil
	}, nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
	c.Assert(mismatches, DeepEquals, []string{"b"})
}

func (s *S) TestAssertDirectoryVerifiesMissingFile(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\nDATA missing 1 SHA256 " + hashA + "\n",
		"a":        "abc",
	})
	f := openForest(c, dir)

	var mismatches []string
	ok, err := treeverify.AssertDirectoryVerifies(f, "", func(err error) (bool, error) {
		me := err.(*manifest.MismatchError)
		mismatches = append(mismatches, me.Path)
		return false, nil
	}, nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
	c.Assert(mismatches, DeepEquals, []string{"missing"})
}

func (s *S) TestAssertDirectoryVerifiesIgnoreSkipsSubtree(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest":       "DATA a 3 SHA256 " + hashAbc + "\nIGNORE build\n",
		"a":              "abc",
		"build/anything": "garbage, never checked",
	})
	f := openForest(c, dir)

	ok, err := treeverify.AssertDirectoryVerifies(f, "", noFail(c), nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
}

func (s *S) TestAssertDirectoryVerifiesWarnForOptional(c *C) {
	// An OPTIONAL entry records a file that is not expected to be present;
	// finding it on disk anyway is a warn_handler-routed mismatch, not a
	// fail_handler one.
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\nOPTIONAL opt 8\n",
		"a":        "abc",
		"opt":      "surprise",
	})
	f := openForest(c, dir)

	var warned, failed int
	ok, err := treeverify.AssertDirectoryVerifies(f, "",
		func(err error) (bool, error) { failed++; return false, nil },
		func(err error) (bool, error) { warned++; return true, nil },
	)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(warned, Equals, 1)
	c.Assert(failed, Equals, 0)
}

func (s *S) TestAssertDirectoryVerifiesSkipsTopLevelManifest(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\n",
		"a":        "abc",
	})
	f := openForest(c, dir)

	// The top-level Manifest file itself has no self-entry and must never
	// be reported as a stray file.
	ok, err := treeverify.AssertDirectoryVerifies(f, "", noFail(c), nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
}

func (s *S) TestAssertDirectoryVerifiesHandlerErrorAborts(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA a 3 SHA256 " + hashAbc + "\n",
		"a":        "abc",
		"b":        "stray",
	})
	f := openForest(c, dir)

	boom := errors.New("boom")
	_, err := treeverify.AssertDirectoryVerifies(f, "", func(err error) (bool, error) {
		return false, boom
	}, nil)
	c.Assert(err, Equals, boom)
}

func (s *S) TestAssertDirectoryVerifiesNestedDirectories(c *C) {
	dir := writeTree(c, map[string]string{
		"Manifest": "DATA sub/a 3 SHA256 " + hashAbc + "\n",
		"sub/a":    "abc",
	})
	f := openForest(c, dir)

	ok, err := treeverify.AssertDirectoryVerifies(f, "", noFail(c), nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
}
