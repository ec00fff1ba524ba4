package identity

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func mint(t *testing.T, s *Ed25519Signer, claims *SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
	require.NoError(t, err)
	return signed
}

func mintWithExpiry(t *testing.T, s *Ed25519Signer, exp time.Time) string {
	return mint(t, s, &SessionClaims{
		PublicKey: base64.StdEncoding.EncodeToString(s.pub),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.address,
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
}

func mintWithIssuer(t *testing.T, s *Ed25519Signer, issuer string) string {
	return mint(t, s, &SessionClaims{
		PublicKey: base64.StdEncoding.EncodeToString(s.pub),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
}
