// Package hashing provides the content fingerprinting primitive used
// throughout the build cache engine. A Fingerprint is the stable digest a
// FsProbe computes for a file's content and the engine compares when
// deciding whether a cache entry remains valid.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/forgebuild/forge/pkg/encoding"
)

// Size is the byte length of a Fingerprint under the default algorithm.
const Size = sha256.Size

// Fingerprint is an opaque, comparable content digest. Its only defined
// operation is equality; callers must not interpret its bytes.
type Fingerprint [Size]byte

// Zero is the Fingerprint of no observation; it never equals a digest
// computed over actual content, including the empty byte sequence's digest.
var Zero Fingerprint

// String renders the fingerprint using Base62, matching the encoding the
// rest of the module uses for compact, readable cache keys.
func (f Fingerprint) String() string {
	return encoding.EncodeBase62(f[:])
}

// Factory is the hash constructor used to compute fingerprints. It defaults
// to SHA-256 but may be overridden (e.g. in tests) to exercise the
// algorithm-polymorphism the engine is built to support.
var Factory = sha256.New

// FingerprintBytes computes the Fingerprint of data.
func FingerprintBytes(data []byte) Fingerprint {
	h := Factory()
	h.Write(data)
	return sum(h)
}

// FingerprintReader computes the Fingerprint of the content read from r, or
// an error if reading fails.
func FingerprintReader(r io.Reader) (Fingerprint, error) {
	h := Factory()
	if _, err := io.Copy(h, r); err != nil {
		return Fingerprint{}, fmt.Errorf("unable to read content for fingerprint: %w", err)
	}
	return sum(h), nil
}

// MarshalText implements encoding.TextMarshaler, rendering the fingerprint
// as a hexadecimal string so that cache files (marshaled with gopkg.in/yaml.v3,
// which honors this interface) remain diffable text.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(f[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid fingerprint encoding: %w", err)
	}
	if len(decoded) != Size {
		return fmt.Errorf("invalid fingerprint length: %d", len(decoded))
	}
	copy(f[:], decoded)
	return nil
}

// sum extracts a Fingerprint from h, truncating or zero-padding to Size if
// the configured Factory does not produce exactly Size bytes of digest.
func sum(h hash.Hash) Fingerprint {
	var result Fingerprint
	digest := h.Sum(nil)
	copy(result[:], digest)
	return result
}
