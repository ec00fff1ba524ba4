// Package identity holds the ed25519 identity that owns the remote vault.
// It signs ledger transactions and personal messages over a blake2b
// digest of the intent-prefixed payload, and mints short-lived session
// proofs for the key service.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// SchemeEd25519 is the signature scheme flag prefixed to serialized
	// signatures and to the public key when deriving the address.
	SchemeEd25519 byte = 0x00

	// seedLen is the length in bytes of an ed25519 seed.
	seedLen = ed25519.SeedSize
)

// IntentScope tags what a signature is for, so a transaction signature
// can never be replayed as a message signature.
type IntentScope byte

const (
	ScopeTransaction     IntentScope = 0
	ScopePersonalMessage IntentScope = 3
)

// ErrBadSignature is returned when a serialized signature does not verify.
var ErrBadSignature = errors.New("invalid signature")

// Signer is the signing surface consumed by the ledger client and the
// key retriever.
type Signer interface {
	Address() string
	PublicKey() ed25519.PublicKey
	SignTransaction(txBytes []byte) string
	SignPersonalMessage(msg []byte) string
}

// Ed25519Signer signs with a single ed25519 key.
type Ed25519Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

var _ Signer = (*Ed25519Signer)(nil)

// FromSeedHex builds a signer from a hex-encoded 32-byte seed. An optional
// 0x prefix is accepted.
func FromSeedHex(seed string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(seed), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding identity seed: %w", err)
	}
	if len(raw) != seedLen {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", seedLen, len(raw))
	}
	return FromSeed(raw), nil
}

// FromSeed builds a signer from raw seed bytes. It panics if the seed is
// not ed25519.SeedSize bytes long.
func FromSeed(seed []byte) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		priv:    priv,
		pub:     pub,
		address: AddressOf(pub),
	}
}

// AddressOf derives the account address for a public key:
// 0x + hex(blake2b-256(scheme || pubkey)).
func AddressOf(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, 1+len(pub))
	buf = append(buf, SchemeEd25519)
	buf = append(buf, pub...)
	sum := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:])
}

func (s *Ed25519Signer) Address() string { return s.address }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// SignTransaction signs raw transaction bytes and returns the serialized
// signature (base64 of scheme || signature || pubkey).
func (s *Ed25519Signer) SignTransaction(txBytes []byte) string {
	return s.sign(ScopeTransaction, txBytes)
}

// SignPersonalMessage signs an arbitrary message. The message is length
// prefixed before the intent is applied.
func (s *Ed25519Signer) SignPersonalMessage(msg []byte) string {
	return s.sign(ScopePersonalMessage, lengthPrefixed(msg))
}

func (s *Ed25519Signer) sign(scope IntentScope, payload []byte) string {
	digest := Digest(scope, payload)
	sig := ed25519.Sign(s.priv, digest[:])

	out := make([]byte, 0, 1+len(sig)+len(s.pub))
	out = append(out, SchemeEd25519)
	out = append(out, sig...)
	out = append(out, s.pub...)
	return base64.StdEncoding.EncodeToString(out)
}

// Digest returns blake2b-256(intent || payload), the value that is
// actually signed. The intent is (scope, version 0, app id 0).
func Digest(scope IntentScope, payload []byte) [32]byte {
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, byte(scope), 0, 0)
	buf = append(buf, payload...)
	return blake2b.Sum256(buf)
}

// Verify checks a serialized signature over txBytes (ScopeTransaction) or
// a message (ScopePersonalMessage) and returns the signer's address.
func Verify(scope IntentScope, payload []byte, serialized string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return "", fmt.Errorf("decoding signature: %w", err)
	}
	if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize || raw[0] != SchemeEd25519 {
		return "", ErrBadSignature
	}

	sig := raw[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(raw[1+ed25519.SignatureSize:])

	if scope == ScopePersonalMessage {
		payload = lengthPrefixed(payload)
	}
	digest := Digest(scope, payload)
	if !ed25519.Verify(pub, digest[:], sig) {
		return "", ErrBadSignature
	}
	return AddressOf(pub), nil
}

// lengthPrefixed prepends the ULEB128 length of b.
func lengthPrefixed(b []byte) []byte {
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(b)), uint64(len(b)))
	return append(out, b...)
}
