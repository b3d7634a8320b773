package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the width of a protocol digest in bytes
const DigestSize = 32

// SignatureSize is the width of an Ed25519 signature in bytes
const SignatureSize = 64

// PublicKeySize is the width of an Ed25519 public key in bytes
const PublicKeySize = 32

// MacKeySize is the width of a shared MAC key in bytes
const MacKeySize = 32

// MacTagSize is the width of a truncated MAC tag in bytes
const MacTagSize = 16

// Digest is a SHA3-256 digest over a message or payload
type Digest [DigestSize]byte

// Signature is an Ed25519 signature
type Signature [SignatureSize]byte

// PublicKey is an Ed25519 public key
type PublicKey [PublicKeySize]byte

// NewDigest creates a Digest from bytes, returning an error if the width
// is wrong. Use for untrusted input (network, files).
func NewDigest(data []byte) (Digest, error) {
	if len(data) != DigestSize {
		return Digest{}, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(data))
	}
	var d Digest
	copy(d[:], data)
	return d, nil
}

// MustNewDigest creates a Digest, panicking if invalid.
// Use only for trusted internal data.
func MustNewDigest(data []byte) Digest {
	d, err := NewDigest(data)
	if err != nil {
		panic(err)
	}
	return d
}

// DigestBytes computes the SHA3-256 digest of data
func DigestBytes(data []byte) Digest {
	return sha3.Sum256(data)
}

// IsZero returns true if the digest is all zeros
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal compares two digests
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// String returns the hex-encoded digest
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// NewSignature creates a Signature from bytes, returning an error if the
// width is wrong. Use for untrusted input.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	var s Signature
	copy(s[:], data)
	return s, nil
}

// MustNewSignature creates a Signature, panicking if invalid.
// Use only for trusted internal data (e.g. crypto library output).
func MustNewSignature(data []byte) Signature {
	s, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero returns true if the signature is all zeros
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// NewPublicKey creates a PublicKey from bytes, returning an error if the
// width is wrong. Use for untrusted input.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	var p PublicKey
	copy(p[:], data)
	return p, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for trusted internal data.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// Equal compares two public keys
func (p PublicKey) Equal(other PublicKey) bool {
	return p == other
}

// MacKey is a pairwise shared key for MAC-vector authentication
type MacKey [MacKeySize]byte

// NewMacKey creates a MacKey from bytes, returning an error if the width
// is wrong.
func NewMacKey(data []byte) (MacKey, error) {
	if len(data) != MacKeySize {
		return MacKey{}, fmt.Errorf("mac key must be %d bytes, got %d", MacKeySize, len(data))
	}
	var k MacKey
	copy(k[:], data)
	return k, nil
}

// MacTagEqual compares two MAC tags in constant length-checked form
func MacTagEqual(a, b []byte) bool {
	return len(a) == MacTagSize && bytes.Equal(a, b)
}
