// Package digest implements the stamp engine: fixed-width cryptographic
// digests over bytes, strings, and files.
package digest

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Size is the fixed digest width in bytes for this build. Mixing widths
// within one cache store directory is disallowed: an entry named with a
// digest of another width fails FromHex and is reported by
// store.SuspiciousFiles.
const Size = 32

// ErrInvalidDigest is returned by FromHex when its input is not valid hex or
// does not decode to exactly Size bytes.
var ErrInvalidDigest = errors.New("digest: invalid hex digest")

// Digest is a fixed-width blake2b-256 hash.
type Digest [Size]byte

// OfBytes hashes b in one shot.
func OfBytes(b []byte) Digest {
	return blake2b.Sum256(b)
}

// OfString hashes s in one shot, without an intermediate copy beyond what
// the hasher itself requires.
func OfString(s string) Digest {
	h, _ := blake2b.New256(nil)
	_, _ = io.WriteString(h, s)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// OfFile streams path's contents through the hasher. It never loads the
// file entirely into memory.
func OfFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return OfFD(f)
}

// OfFD streams an already-open file through the hasher.
func OfFD(f *os.File) (Digest, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Digest{}, errors.Wrap(err, "digest: create hasher")
	}
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, errors.Wrapf(err, "digest: read %s", f.Name())
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// FromHex decodes a hex string produced by String back into a Digest.
func FromHex(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, errors.Wrapf(ErrInvalidDigest, "want %d hex chars, got %d", Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, errors.Wrap(ErrInvalidDigest, err.Error())
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Equal reports whether d and o are the same digest.
func (d Digest) Equal(o Digest) bool {
	return d == o
}

// Compare gives a total order over digests, usable for deterministic
// sorting of write sets and cache entries.
func Compare(a, b Digest) int {
	return bytes.Compare(a[:], b[:])
}

// Concat hashes the ordered concatenation of parts, each followed by a
// single zero byte, so that ("ab","c") and ("a","bc") hash differently.
// Part boundaries are not length-prefixed: parts that themselves contain
// zero bytes are not disambiguated.
func Concat(parts ...[]byte) Digest {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		_, _ = h.Write(p)
		_, _ = h.Write([]byte{0})
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
