// Package hashutil translates Manifest-domain hash names (SHA256, BLAKE2B,
// RMD160, ...) into Go hash.Hash implementations and computes digests over a
// file, including the synthetic __size__ entry used throughout the Manifest
// data model.
package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"strconv"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160"
)

// SyntheticSizeName is the checksum map key used for the byte count of the
// hashed stream, alongside real digest algorithms.
const SyntheticSizeName = "__size__"

// UnsupportedHash is returned by NewHash and HashFile for a Manifest-domain
// hash name with no available Go implementation.
type UnsupportedHash struct {
	Name string
}

func (e *UnsupportedHash) Error() string {
	return fmt.Sprintf("unsupported hash name %q", e.Name)
}

// NewHash returns a fresh hash.Hash for the given Manifest-domain hash name.
// The synthetic __size__ name is not a real hash and is rejected here; callers
// must special-case it, as HashFile does.
func NewHash(name string) (hash.Hash, error) {
	switch name {
	case "SHA256":
		return sha256.New(), nil
	case "SHA512":
		return sha512.New(), nil
	case "BLAKE2B":
		h, err := blake2b.New512(nil)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "RMD160":
		return ripemd160.New(), nil
	case "WHIRLPOOL":
		// No maintained pure-Go WHIRLPOOL implementation is wired into this
		// module; report it the same way any other unknown name is reported
		// rather than shipping a stub.
		return nil, &UnsupportedHash{Name: name}
	default:
		return nil, &UnsupportedHash{Name: name}
	}
}

// HashFile reads r to completion and returns a checksum map keyed by each
// requested Manifest-domain hash name, plus SyntheticSizeName mapped to the
// decimal byte count. names may be empty, in which case only the size is
// returned.
func HashFile(r io.Reader, names []string) (map[string]string, error) {
	hashes := make(map[string]hash.Hash, len(names))
	writers := make([]io.Writer, 0, len(names))
	for _, name := range names {
		h, err := NewHash(name)
		if err != nil {
			return nil, err
		}
		hashes[name] = h
		writers = append(writers, h)
	}

	mw := io.MultiWriter(writers...)
	n, err := io.Copy(mw, r)
	if err != nil {
		return nil, fmt.Errorf("cannot hash file: %w", err)
	}

	result := make(map[string]string, len(names)+1)
	for name, h := range hashes {
		result[name] = fmt.Sprintf("%x", h.Sum(nil))
	}
	result[SyntheticSizeName] = strconv.FormatUint(uint64(n), 10)
	return result, nil
}
