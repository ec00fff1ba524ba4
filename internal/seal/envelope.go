// Package seal encrypts note bodies under per-content keys held by a
// threshold key service, and retrieves those keys in bounded batches
// when decrypting.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// magic identifies a sealed blob and its layout version.
	magic = "VBS1"

	// nonceLen is the AES-GCM nonce length in bytes.
	nonceLen = 12

	// keyLen is the AES-256 key length served by the key service.
	keyLen = 32

	// idSuffixLen is the number of random bytes appended to the vault id
	// to form a content id.
	idSuffixLen = 5

	// maxIDLen bounds the id length field so a corrupt header cannot
	// claim the whole blob.
	maxIDLen = 1024
)

// ErrMalformed is returned when a blob is not a sealed envelope.
var ErrMalformed = errors.New("malformed sealed blob")

// Envelope is the parsed form of a sealed blob:
//
//	"VBS1" | uint16 BE id length | id (hex) | 12-byte nonce | ciphertext+tag
type Envelope struct {
	ID         string
	Nonce      []byte
	Ciphertext []byte
}

// Parse recovers the envelope from a sealed blob without decrypting it.
func Parse(blob []byte) (*Envelope, error) {
	if len(blob) < len(magic)+2 || string(blob[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	rest := blob[len(magic):]

	idLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if idLen == 0 || idLen > maxIDLen || len(rest) < idLen+nonceLen {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}

	id := string(rest[:idLen])
	if _, err := hex.DecodeString(id); err != nil {
		return nil, fmt.Errorf("%w: content id is not hex", ErrMalformed)
	}
	rest = rest[idLen:]

	return &Envelope{
		ID:         id,
		Nonce:      rest[:nonceLen],
		Ciphertext: rest[nonceLen:],
	}, nil
}

// Marshal serialises the envelope.
func (e *Envelope) Marshal() []byte {
	out := make([]byte, 0, len(magic)+2+len(e.ID)+len(e.Nonce)+len(e.Ciphertext))
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(e.ID)))
	out = append(out, e.ID...)
	out = append(out, e.Nonce...)
	return append(out, e.Ciphertext...)
}

// NewContentID returns hex(vaultID bytes || 5 random bytes). The vault
// id is the hex object id of the vault root, with or without 0x.
func NewContentID(vaultID string) (string, error) {
	prefix, err := hex.DecodeString(strings.TrimPrefix(vaultID, "0x"))
	if err != nil {
		return "", fmt.Errorf("decoding vault id %q: %w", vaultID, err)
	}

	suffix := make([]byte, idSuffixLen)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generating content id: %w", err)
	}

	return hex.EncodeToString(append(prefix, suffix...)), nil
}

// VaultPrefix returns the vault id portion of a content id, 0x-prefixed.
func VaultPrefix(contentID string) (string, bool) {
	if len(contentID) <= 2*idSuffixLen {
		return "", false
	}
	return "0x" + contentID[:len(contentID)-2*idSuffixLen], true
}

// sealWith encrypts plaintext under key, binding the content id as
// additional data.
func sealWith(key []byte, id string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	env := &Envelope{
		ID:         id,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte(id)),
	}
	return env.Marshal(), nil
}

// openWith decrypts an envelope with its key.
func openWith(key []byte, env *Envelope) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, []byte(env.ID))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", env.ID, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
