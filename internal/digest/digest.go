// Package digest computes content fingerprints of files on disk.
//
// Two kinds of digest are supported: Full, a SHA-256 of the entire file
// contents, and Shallow, a cheaper SHA-256 over the basename, the file
// size, and the first 1MiB of content. The two kinds are never
// comparable to one another.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Kind distinguishes Full from Shallow digests.
type Kind int

const (
	// Full hashes the entire file contents.
	Full Kind = iota
	// Shallow hashes the basename, size, and first 1MiB of a file.
	Shallow
)

func (k Kind) String() string {
	if k == Full {
		return "Full"
	}
	return "Shallow"
}

// shallowPrefixLen is the maximum number of content bytes hashed by a
// Shallow digest. Bytes beyond this never participate in the hash; a
// file shorter than the prefix length contributes all of its bytes,
// with no padding.
const shallowPrefixLen = 1 << 20 // 1 MiB

// Digest is a tagged SHA-256 fingerprint. The zero value is not valid;
// construct via Compute or RecomputeSameKind.
type Digest struct {
	Kind Kind
	Hex  string
}

// Equal reports whether two digests are the same kind and hex value.
// Digests of different kinds are never equal, even over identical
// underlying file content.
func (d Digest) Equal(other Digest) bool {
	return d.Kind == other.Kind && d.Hex == other.Hex
}

// MarshalJSON renders the digest as the externally tagged wire form
// used by FileSpec.sha256_digest: {"Full": hex} or {"Shallow": hex}.
func (d Digest) MarshalJSON() ([]byte, error) {
	key := d.Kind.String()
	return json.Marshal(map[string]string{key: d.Hex})
}

// UnmarshalJSON parses the externally tagged wire form of a digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding digest")
	}
	if hex, ok := raw["Full"]; ok && len(raw) == 1 {
		d.Kind = Full
		d.Hex = hex
		return nil
	}
	if hex, ok := raw["Shallow"]; ok && len(raw) == 1 {
		d.Kind = Shallow
		d.Hex = hex
		return nil
	}
	return errors.Errorf("digest has neither Full nor Shallow tag: %s", data)
}

// Compute produces a digest of the given kind for the file at path.
func Compute(path string, kind Kind) (Digest, error) {
	switch kind {
	case Full:
		return computeFull(path)
	case Shallow:
		return computeShallow(path)
	default:
		return Digest{}, errors.Errorf("unknown digest kind %v", kind)
	}
}

// RecomputeSameKind produces a fresh digest of the same kind as an
// existing one, for server-side verification against a previously
// received FileSpec.
func RecomputeSameKind(path string, existing Digest) (Digest, error) {
	return Compute(path, existing.Kind)
}

func computeFull(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Wrapf(err, "opening %q for full hash", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, errors.Wrapf(err, "reading %q for full hash", path)
	}
	return Digest{Kind: Full, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}

func computeShallow(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Wrapf(err, "opening %q for shallow hash", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Digest{}, errors.Wrapf(err, "stat %q for shallow hash", path)
	}

	h := sha256.New()
	h.Write([]byte(filepath.Base(path)))

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(info.Size()))
	h.Write(sizeBuf[:])

	// Hash the first 1MiB of content, exactly: io.Copy on a bounded
	// LimitReader accumulates reads to EOF or the limit, whichever
	// comes first, never consuming bytes past shallowPrefixLen.
	if _, err := io.Copy(h, io.LimitReader(f, shallowPrefixLen)); err != nil {
		return Digest{}, errors.Wrapf(err, "reading %q prefix for shallow hash", path)
	}

	return Digest{Kind: Shallow, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}
