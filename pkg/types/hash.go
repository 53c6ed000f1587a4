// Package types defines core primitive identifiers for the klingnet-chain core.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the length of a modifier/box identifier in bytes.
const HashSize = 32

// Hash is an opaque 32-byte identifier, compared as an unsigned big-endian
// integer (lexicographic byte comparison). It is used for header IDs,
// payload IDs, AD-proof IDs, and box IDs alike.
type Hash [HashSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Less reports whether h sorts before o under unsigned lexicographic order.
func (h Hash) Less(o Hash) bool {
	for i := 0; i < HashSize; i++ {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into a hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(decoded) != HashSize {
		return fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// HexToHash converts a hex string to a Hash.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ChainID uniquely identifies a chain (root or sub-chain).
type ChainID Hash

// TokenID identifies a token type, derived from issuance outpoint.
type TokenID Hash

// IsZero returns true if the chain ID is all zeros.
func (c ChainID) IsZero() bool {
	return Hash(c).IsZero()
}

// String returns the hex-encoded chain ID.
func (c ChainID) String() string {
	return Hash(c).String()
}

// MarshalJSON encodes the chain ID as a hex string.
func (c ChainID) MarshalJSON() ([]byte, error) {
	return Hash(c).MarshalJSON()
}

// UnmarshalJSON decodes a hex string into a chain ID.
func (c *ChainID) UnmarshalJSON(data []byte) error {
	return (*Hash)(c).UnmarshalJSON(data)
}

// IsZero returns true if the token ID is all zeros.
func (t TokenID) IsZero() bool {
	return Hash(t).IsZero()
}

// String returns the hex-encoded token ID.
func (t TokenID) String() string {
	return Hash(t).String()
}

// MarshalJSON encodes the token ID as a hex string.
func (t TokenID) MarshalJSON() ([]byte, error) {
	return Hash(t).MarshalJSON()
}

// UnmarshalJSON decodes a hex string into a token ID.
func (t *TokenID) UnmarshalJSON(data []byte) error {
	return (*Hash)(t).UnmarshalJSON(data)
}

// DigestSize is the length of an authenticated-state digest: a 32-byte
// AVL+ root plus a one-byte tree height.
const DigestSize = HashSize + 1

// Digest is the 33-byte commitment to the authenticated UTXO state (C2/C3):
// the 32-byte tree root followed by the tree-height byte.
type Digest [DigestSize]byte

// NewDigest packs a root hash and tree height into a Digest.
func NewDigest(root Hash, height byte) Digest {
	var d Digest
	copy(d[:HashSize], root[:])
	d[HashSize] = height
	return d
}

// Root returns the 32-byte root portion of the digest.
func (d Digest) Root() Hash {
	var h Hash
	copy(h[:], d[:HashSize])
	return h
}

// Height returns the tree-height byte of the digest.
func (d Digest) Height() byte {
	return d[HashSize]
}

// IsZero reports whether the digest is the all-zero value (empty tree).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(d[:]))
}

// UnmarshalJSON decodes a hex string into a digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(decoded) != DigestSize {
		return fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(decoded))
	}
	copy(d[:], decoded)
	return nil
}
