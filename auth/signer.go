package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/blockberries/byzberry/types"
)

// Errors
var (
	ErrBadAuth       = errors.New("bad authenticator")
	ErrUnknownSender = errors.New("unknown sender")
	ErrDoubleSign    = errors.New("double sign attempt")
	ErrBadSeed       = errors.New("bad signing seed")
)

// Signer produces Ed25519 signatures for this node's identity
type Signer interface {
	// Sign signs msg
	Sign(msg []byte) types.Signature

	// PublicKey returns the verifying key
	PublicKey() types.PublicKey
}

// Ed25519Signer is an in-memory Ed25519 signer
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  types.PublicKey
}

// NewEd25519Signer creates a signer from a 32-byte seed
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadSeed, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := types.MustNewPublicKey(priv.Public().(ed25519.PublicKey))
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() (*Ed25519Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewEd25519Signer(seed)
}

// Sign signs msg
func (s *Ed25519Signer) Sign(msg []byte) types.Signature {
	return types.MustNewSignature(ed25519.Sign(s.priv, msg))
}

// PublicKey returns the verifying key
func (s *Ed25519Signer) PublicKey() types.PublicKey {
	return s.pub
}

// VerifySignature checks an Ed25519 signature
func VerifySignature(pk types.PublicKey, msg []byte, sig types.Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}
