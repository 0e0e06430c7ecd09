// Package manifest defines the Manifest data model: the tagged entries that
// describe files, sub-Manifests, distfiles, ignored subtrees and the
// per-tree timestamp, and the Manifest value that holds an ordered sequence
// of them plus a signed-or-not flag.
//
// Line-level tokenization and OpenPGP framing are treated as a pluggable
// concern: Load and Dump define the contract, and the default codec
// implemented in this package follows the plain-text, whitespace-separated
// record format historically used by Gentoo's Manifest2 files, one entry per
// line, terminated by an optional clearsigned OpenPGP wrapper around the
// whole file.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp/packet"

	"github.com/robbat2/gemato/internal/pgputil"
)

// Tag identifies the kind of a Manifest entry. The tag set is closed.
type Tag string

const (
	TagData      Tag = "DATA"
	TagEbuild    Tag = "EBUILD"
	TagAux       Tag = "AUX"
	TagMisc      Tag = "MISC"
	TagOptional  Tag = "OPTIONAL"
	TagManifest  Tag = "MANIFEST"
	TagDist      Tag = "DIST"
	TagIgnore    Tag = "IGNORE"
	TagTimestamp Tag = "TIMESTAMP"
)

// fileTags describes regular files via (path, size, checksums). These are
// the tags an on-disk walk can actually encounter as a file.
var fileTags = map[Tag]bool{
	TagData: true, TagEbuild: true, TagAux: true,
	TagMisc: true, TagOptional: true, TagManifest: true,
}

// softTags are entries whose verification failure is a warning, not
// a hard failure.
var softTags = map[Tag]bool{
	TagMisc: true, TagOptional: true,
}

// IsFileTag reports whether tag describes a regular file entry (as opposed
// to DIST, IGNORE or TIMESTAMP, which are not local-tree files).
func IsFileTag(tag Tag) bool { return fileTags[tag] }

// IsSoft reports whether a verification mismatch for tag is a warning
// rather than a hard failure.
func IsSoft(tag Tag) bool { return softTags[tag] }

// TagsCompatible reports whether two differing tags still describe the same
// semantic kind of entry (regular file identified by size + checksums), and
// so may be compared for merge compatibility rather than rejected outright.
func TagsCompatible(t1, t2 Tag) bool {
	return compatibleTagClass[t1] && compatibleTagClass[t2]
}

// compatibleTagClass is the set of tags considered semantically
// interchangeable by VerifyEntryCompatibility: all describe a regular file
// via size + checksums, and only differ in what they mean to the profile
// layer that assigned them.
var compatibleTagClass = map[Tag]bool{
	TagManifest: true, TagData: true, TagEbuild: true, TagAux: true,
}

// Entry is a single record in a Manifest. The zero value is not valid;
// use the New* constructors.
type Entry struct {
	Tag Tag

	// Path is the entry's path relative to its owning Manifest's
	// directory. For AUX entries, it is relative to "files/" under
	// that directory (the "files/" prefix itself is implicit and is
	// never stored here).
	Path string

	// Size and Checksums apply to file-shaped tags (DATA, EBUILD, AUX,
	// MISC, OPTIONAL, MANIFEST) and to DIST.
	Size      uint64
	Checksums map[string]string

	// Filename is set instead of Path for DIST entries: distfiles are
	// identified by plain filename, not a tree-relative path.
	Filename string

	// Timestamp is set only for TIMESTAMP entries.
	Timestamp time.Time
}

// SyntheticSizeHash is the checksum-map key used internally to carry a
// file's size alongside its real digests, so that size and hash mismatches
// can be reported through the same mechanism.
const SyntheticSizeHash = "__size__"

func NewFileEntry(tag Tag, path string, size uint64, checksums map[string]string) *Entry {
	return &Entry{Tag: tag, Path: path, Size: size, Checksums: cloneChecksums(checksums)}
}

func NewDistEntry(filename string, size uint64, checksums map[string]string) *Entry {
	return &Entry{Tag: TagDist, Filename: filename, Size: size, Checksums: cloneChecksums(checksums)}
}

func NewIgnoreEntry(path string) *Entry {
	return &Entry{Tag: TagIgnore, Path: path}
}

func NewTimestampEntry(t time.Time) *Entry {
	return &Entry{Tag: TagTimestamp, Timestamp: t.UTC()}
}

func cloneChecksums(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the entry, so callers may merge checksums
// into it without mutating a Manifest another caller still holds.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Checksums = cloneChecksums(e.Checksums)
	return &c
}

// Manifest holds an ordered sequence of entries for a single Manifest file,
// plus whether it arrived (or will be saved) OpenPGP-signed.
type Manifest struct {
	Entries []*Entry
	Signed  bool
}

// New returns an empty, unsigned Manifest, as created for a sub-Manifest
// that does not exist on disk yet.
func New() *Manifest {
	return &Manifest{}
}

// LoadOptions configures Load's OpenPGP handling.
type LoadOptions struct {
	// VerifyOpenPGP, if true, requires a clearsigned Manifest to verify
	// against KeyRing; an unsigned Manifest is accepted regardless
	// (whether the top-level Manifest was signed is reported back via
	// Signed, the core does not enforce signature policy, see §1).
	VerifyOpenPGP bool
	KeyRing       []*packet.PublicKey
}

// SyntaxError marks a Manifest that could not be tokenized; callers scanning
// for unregistered Manifests are expected to treat this as "not a Manifest"
// rather than propagate it (§7.3).
type SyntaxError struct {
	Detail string
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("manifest syntax error: %s", e.Detail) }

// Load reads a Manifest from r. If the content is clearsigned, the envelope
// is removed first and, when opts.VerifyOpenPGP is set, the signature is
// verified against opts.KeyRing; Load reports whether the content was
// signed regardless of whether verification was requested.
func Load(r io.Reader, opts LoadOptions) (m *Manifest, signed bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}

	body := data
	if bytes.Contains(data, []byte("-----BEGIN PGP SIGNED MESSAGE-----")) {
		sigs, canonicalBody, derr := pgputil.DecodeClearSigned(data)
		if derr != nil {
			return nil, false, &SyntaxError{Detail: derr.Error()}
		}
		if opts.VerifyOpenPGP {
			if err := pgputil.VerifyAnySignature(opts.KeyRing, sigs, canonicalBody); err != nil {
				return nil, false, fmt.Errorf("cannot verify manifest signature: %w", err)
			}
		}
		body = canonicalBody
		signed = true
	}

	m = New()
	m.Signed = signed
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		e, perr := parseLine(line)
		if perr != nil {
			return nil, false, &SyntaxError{Detail: fmt.Sprintf("line %d: %s", lineNo, perr)}
		}
		m.Entries = append(m.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return m, signed, nil
}

func parseLine(line string) (*Entry, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	tag := Tag(fields[0])
	switch tag {
	case TagIgnore:
		if len(fields) != 2 {
			return nil, fmt.Errorf("IGNORE expects exactly one path")
		}
		return NewIgnoreEntry(fields[1]), nil
	case TagTimestamp:
		if len(fields) != 2 {
			return nil, fmt.Errorf("TIMESTAMP expects exactly one value")
		}
		t, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		return NewTimestampEntry(t), nil
	case TagDist:
		if len(fields) < 3 {
			return nil, fmt.Errorf("DIST expects filename and size")
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size: %w", err)
		}
		checksums, err := parseChecksums(fields[3:])
		if err != nil {
			return nil, err
		}
		return NewDistEntry(fields[1], size, checksums), nil
	case TagData, TagEbuild, TagAux, TagMisc, TagOptional, TagManifest:
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s expects path and size", tag)
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size: %w", err)
		}
		checksums, err := parseChecksums(fields[3:])
		if err != nil {
			return nil, err
		}
		return NewFileEntry(tag, fields[1], size, checksums), nil
	default:
		return nil, fmt.Errorf("unknown tag %q", fields[0])
	}
}

func parseChecksums(fields []string) (map[string]string, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("checksum fields must come in (name, digest) pairs")
	}
	checksums := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		checksums[strings.ToUpper(fields[i])] = fields[i+1]
	}
	return checksums, nil
}

// DumpOptions configures Dump's OpenPGP handling.
type DumpOptions struct {
	Sign bool
	Sort bool

	// Signer produces a clearsigned wrapping of the plain-text body. It
	// is only consulted when Sign is true; the core never constructs
	// signatures itself (§1: signature creation is an external
	// collaborator's contract).
	Signer func(body []byte) ([]byte, error)
}

// Dump writes m to w as plain UTF-8 text, one entry per line, optionally
// wrapped in a clearsigned OpenPGP envelope. It returns the number of
// uncompressed bytes written, which callers use to implement the
// compression watermark policy (§4.6).
func Dump(w io.Writer, m *Manifest, opts DumpOptions) (n int64, err error) {
	entries := m.Entries
	if opts.Sort {
		entries = append([]*Entry(nil), entries...)
		sortEntries(entries)
	}

	var buf bytes.Buffer
	for _, e := range entries {
		line, err := formatLine(e)
		if err != nil {
			return 0, err
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	body := buf.Bytes()
	if opts.Sign {
		if opts.Signer == nil {
			return 0, fmt.Errorf("cannot sign manifest: no signer configured")
		}
		signed, err := opts.Signer(body)
		if err != nil {
			return 0, fmt.Errorf("cannot sign manifest: %w", err)
		}
		written, err := w.Write(signed)
		return int64(written), err
	}

	written, err := w.Write(body)
	return int64(written), err
}

// sortEntries orders entries in a stable, content-deterministic way: by
// tag, then by path/filename, then by timestamp. This is the only ordering
// the core guarantees; the exact order is not a contractual format detail.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		ak, bk := entryKey(a), entryKey(b)
		return ak < bk
	})
}

func entryKey(e *Entry) string {
	switch e.Tag {
	case TagDist:
		return e.Filename
	case TagTimestamp:
		return e.Timestamp.Format(time.RFC3339)
	default:
		return e.Path
	}
}

func formatLine(e *Entry) (string, error) {
	var b strings.Builder
	b.WriteString(string(e.Tag))
	switch e.Tag {
	case TagIgnore:
		b.WriteByte(' ')
		b.WriteString(e.Path)
	case TagTimestamp:
		b.WriteByte(' ')
		b.WriteString(e.Timestamp.UTC().Format(time.RFC3339))
	case TagDist:
		fmt.Fprintf(&b, " %s %d", e.Filename, e.Size)
		writeChecksums(&b, e.Checksums)
	default:
		fmt.Fprintf(&b, " %s %d", e.Path, e.Size)
		writeChecksums(&b, e.Checksums)
	}
	return b.String(), nil
}

func writeChecksums(b *strings.Builder, checksums map[string]string) {
	names := make([]string, 0, len(checksums))
	for name := range checksums {
		if name == SyntheticSizeHash {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, " %s %s", name, checksums[name])
	}
}
