package manifest_test

import (
	"bytes"
	"time"

	. "gopkg.in/check.v1"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/robbat2/gemato/internal/pgputil"
	"github.com/robbat2/gemato/internal/testutil"
	"github.com/robbat2/gemato/pkg/manifest"
)

func (s *S) TestLoadParsesEveryTag(c *C) {
	body := "DATA a 3 SHA256 aaaa\n" +
		"EBUILD foo.ebuild 4 SHA256 bbbb\n" +
		"AUX bar.patch 5 SHA256 cccc\n" +
		"MISC metadata.xml 6 SHA256 dddd\n" +
		"OPTIONAL extra 7 SHA256 eeee\n" +
		"MANIFEST sub/Manifest 8 SHA256 ffff\n" +
		"DIST foo-1.tar.gz 9 SHA256 0000\n" +
		"IGNORE build\n" +
		"TIMESTAMP 2024-01-02T03:04:05Z\n"

	m, signed, err := manifest.Load(bytes.NewReader([]byte(body)), manifest.LoadOptions{})
	c.Assert(err, IsNil)
	c.Assert(signed, Equals, false)
	c.Assert(m.Signed, Equals, false)
	c.Assert(m.Entries, HasLen, 9)

	tags := make([]manifest.Tag, len(m.Entries))
	for i, e := range m.Entries {
		tags[i] = e.Tag
	}
	c.Assert(tags, DeepEquals, []manifest.Tag{
		manifest.TagData, manifest.TagEbuild, manifest.TagAux, manifest.TagMisc,
		manifest.TagOptional, manifest.TagManifest, manifest.TagDist,
		manifest.TagIgnore, manifest.TagTimestamp,
	})

	dist := m.Entries[6]
	c.Assert(dist.Filename, Equals, "foo-1.tar.gz")
	c.Assert(dist.Size, Equals, uint64(9))
	c.Assert(dist.Checksums["SHA256"], Equals, "0000")

	ts := m.Entries[8]
	c.Assert(ts.Timestamp.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), Equals, true)

	ig := m.Entries[7]
	c.Assert(ig.Path, Equals, "build")
}

func (s *S) TestLoadSkipsBlankLines(c *C) {
	m, _, err := manifest.Load(bytes.NewReader([]byte("\nDATA a 1 SHA256 aa\n\n")), manifest.LoadOptions{})
	c.Assert(err, IsNil)
	c.Assert(m.Entries, HasLen, 1)
}

func (s *S) TestLoadRejectsUnknownTag(c *C) {
	_, _, err := manifest.Load(bytes.NewReader([]byte("BOGUS a 1\n")), manifest.LoadOptions{})
	c.Assert(err, FitsTypeOf, &manifest.SyntaxError{})
}

func (s *S) TestLoadRejectsMalformedSize(c *C) {
	_, _, err := manifest.Load(bytes.NewReader([]byte("DATA a notasize SHA256 aa\n")), manifest.LoadOptions{})
	c.Assert(err, FitsTypeOf, &manifest.SyntaxError{})
}

func (s *S) TestLoadRejectsOddChecksumFields(c *C) {
	_, _, err := manifest.Load(bytes.NewReader([]byte("DATA a 1 SHA256\n")), manifest.LoadOptions{})
	c.Assert(err, FitsTypeOf, &manifest.SyntaxError{})
}

func (s *S) TestLoadUppercasesChecksumNames(c *C) {
	m, _, err := manifest.Load(bytes.NewReader([]byte("DATA a 1 sha256 aa\n")), manifest.LoadOptions{})
	c.Assert(err, IsNil)
	c.Assert(m.Entries[0].Checksums["SHA256"], Equals, "aa")
}

func (s *S) TestDumpRoundTrips(c *C) {
	m := manifest.New()
	m.Entries = append(m.Entries,
		manifest.NewFileEntry(manifest.TagData, "a", 3, map[string]string{"SHA256": "aaaa"}),
		manifest.NewDistEntry("foo-1.tar.gz", 9, map[string]string{"SHA256": "0000"}),
		manifest.NewIgnoreEntry("build"),
		manifest.NewTimestampEntry(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
	)

	var buf bytes.Buffer
	_, err := manifest.Dump(&buf, m, manifest.DumpOptions{})
	c.Assert(err, IsNil)

	reloaded, _, err := manifest.Load(&buf, manifest.LoadOptions{})
	c.Assert(err, IsNil)
	c.Assert(reloaded.Entries, HasLen, 4)
	c.Assert(reloaded.Entries[0].Path, Equals, "a")
	c.Assert(reloaded.Entries[0].Checksums["SHA256"], Equals, "aaaa")
	c.Assert(reloaded.Entries[1].Filename, Equals, "foo-1.tar.gz")
	c.Assert(reloaded.Entries[2].Path, Equals, "build")
	c.Assert(reloaded.Entries[3].Timestamp.Equal(m.Entries[3].Timestamp), Equals, true)
}

func (s *S) TestDumpOmitsSyntheticSizeHash(c *C) {
	m := manifest.New()
	m.Entries = append(m.Entries, manifest.NewFileEntry(manifest.TagData, "a", 3, map[string]string{
		"SHA256":                  "aaaa",
		manifest.SyntheticSizeHash: "3",
	}))

	var buf bytes.Buffer
	_, err := manifest.Dump(&buf, m, manifest.DumpOptions{})
	c.Assert(err, IsNil)
	c.Assert(buf.String(), Equals, "DATA a 3 SHA256 aaaa\n")
}

func (s *S) TestDumpSortOrdersByTagThenPath(c *C) {
	m := manifest.New()
	m.Entries = append(m.Entries,
		manifest.NewFileEntry(manifest.TagData, "b", 1, nil),
		manifest.NewFileEntry(manifest.TagData, "a", 1, nil),
		manifest.NewIgnoreEntry("z"),
	)

	var buf bytes.Buffer
	_, err := manifest.Dump(&buf, m, manifest.DumpOptions{Sort: true})
	c.Assert(err, IsNil)
	c.Assert(buf.String(), Equals, "DATA a 1\nDATA b 1\nIGNORE z\n")
	// Sort must not mutate the caller's slice order.
	c.Assert(m.Entries[0].Path, Equals, "b")
}

func (s *S) TestDumpWithoutSignerFails(c *C) {
	m := manifest.New()
	_, err := manifest.Dump(&bytes.Buffer{}, m, manifest.DumpOptions{Sign: true})
	c.Assert(err, ErrorMatches, "cannot sign manifest: no signer configured")
}

func (s *S) TestLoadAndDumpClearsignRoundTrip(c *C) {
	key := testutil.PGPKeys["key1"]
	m := manifest.New()
	m.Entries = append(m.Entries, manifest.NewFileEntry(manifest.TagData, "a", 3, map[string]string{"SHA256": "aaaa"}))

	var buf bytes.Buffer
	signer := func(body []byte) ([]byte, error) { return pgputil.SignClearsign(key.PrivKey, body) }
	_, err := manifest.Dump(&buf, m, manifest.DumpOptions{Sign: true, Signer: signer})
	c.Assert(err, IsNil)
	c.Assert(buf.String(), Not(Equals), "")

	reloaded, signed, err := manifest.Load(&buf, manifest.LoadOptions{
		VerifyOpenPGP: true,
		KeyRing:       []*packet.PublicKey{key.PubKey},
	})
	c.Assert(err, IsNil)
	c.Assert(signed, Equals, true)
	c.Assert(reloaded.Signed, Equals, true)
	c.Assert(reloaded.Entries, HasLen, 1)
	c.Assert(reloaded.Entries[0].Checksums["SHA256"], Equals, "aaaa")
}

func (s *S) TestLoadClearsignFailsVerificationWithWrongKey(c *C) {
	signingKey := testutil.PGPKeys["key1"]
	otherKey := testutil.PGPKeys["key2"]
	m := manifest.New()

	var buf bytes.Buffer
	signer := func(body []byte) ([]byte, error) { return pgputil.SignClearsign(signingKey.PrivKey, body) }
	_, err := manifest.Dump(&buf, m, manifest.DumpOptions{Sign: true, Signer: signer})
	c.Assert(err, IsNil)

	_, _, err = manifest.Load(&buf, manifest.LoadOptions{
		VerifyOpenPGP: true,
		KeyRing:       []*packet.PublicKey{otherKey.PubKey},
	})
	c.Assert(err, NotNil)
}

func (s *S) TestTagsCompatibleAndIsFileTag(c *C) {
	c.Assert(manifest.IsFileTag(manifest.TagData), Equals, true)
	c.Assert(manifest.IsFileTag(manifest.TagDist), Equals, false)
	c.Assert(manifest.IsFileTag(manifest.TagIgnore), Equals, false)

	c.Assert(manifest.IsSoft(manifest.TagMisc), Equals, true)
	c.Assert(manifest.IsSoft(manifest.TagOptional), Equals, true)
	c.Assert(manifest.IsSoft(manifest.TagData), Equals, false)

	c.Assert(manifest.TagsCompatible(manifest.TagData, manifest.TagManifest), Equals, true)
	c.Assert(manifest.TagsCompatible(manifest.TagData, manifest.TagDist), Equals, false)
}

func (s *S) TestEntryCloneIsIndependent(c *C) {
	e := manifest.NewFileEntry(manifest.TagData, "a", 3, map[string]string{"SHA256": "aaaa"})
	clone := e.Clone()
	clone.Checksums["SHA256"] = "changed"
	c.Assert(e.Checksums["SHA256"], Equals, "aaaa")
}
