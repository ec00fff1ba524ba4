package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is how long a session proof stays valid.
const DefaultSessionTTL = 10 * time.Minute

// ErrProofScope is returned when a proof does not cover the requested ids.
var ErrProofScope = errors.New("session proof does not cover requested ids")

// SessionClaims are the claims carried by a session proof. The issuer is
// the signer's address and PublicKey lets the verifier check that the
// address really belongs to the key that signed the token.
type SessionClaims struct {
	PublicKey string   `json:"pk"`
	PackageID string   `json:"pkg"`
	IDs       []string `json:"ids"`
	jwt.RegisteredClaims
}

// SessionProof mints an EdDSA-signed JWT authorising retrieval of the
// given content ids for ttl.
func (s *Ed25519Signer) SessionProof(packageID string, ids []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	now := time.Now()
	claims := &SessionClaims{
		PublicKey: base64.StdEncoding.EncodeToString(s.pub),
		PackageID: packageID,
		IDs:       ids,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("signing session proof: %w", err)
	}
	return signed, nil
}

// VerifySessionProof validates signature, expiry and the address binding
// of a proof, then checks that every id in want is covered by it.
func VerifySessionProof(proof string, want []string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		c, ok := token.Claims.(*SessionClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		raw, err := base64.StdEncoding.DecodeString(c.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("malformed public key claim")
		}
		pub := ed25519.PublicKey(raw)
		if AddressOf(pub) != c.Issuer {
			return nil, errors.New("issuer does not match public key")
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("validating session proof: %w", err)
	}

	for _, id := range want {
		if !slices.Contains(claims.IDs, id) {
			return nil, fmt.Errorf("%w: %s", ErrProofScope, id)
		}
	}
	return claims, nil
}
