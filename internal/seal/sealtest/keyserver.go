// Package sealtest provides an in-memory key service for tests.
package sealtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/seal"
	"golang.org/x/crypto/blake2b"
)

// KeyServer derives one key per content id from a master secret. It
// verifies session proofs and, when Owner is set, releases keys only to
// the address that owns the vault encoded in the id.
type KeyServer struct {
	master []byte

	// Owner maps a 0x vault id to the owning address. Nil allows any
	// valid proof.
	Owner func(vaultID string) string

	mu      sync.Mutex
	batches [][]string
	deny    bool
}

var _ seal.KeyService = (*KeyServer)(nil)

// NewKeyServer creates a KeyServer with the given master secret.
func NewKeyServer(master string) *KeyServer {
	return &KeyServer{master: []byte(master)}
}

// Deny makes every subsequent request fail with ErrNoAccess.
func (k *KeyServer) Deny(deny bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deny = deny
}

// Batches returns a copy of the id batches received so far.
func (k *KeyServer) Batches() [][]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([][]string, len(k.batches))
	for i, b := range k.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// KeyFor returns the key the server releases for id.
func (k *KeyServer) KeyFor(id string) []byte {
	h, err := blake2b.New256(k.master)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(id))
	return h.Sum(nil)
}

// FetchKeys implements seal.KeyService.
func (k *KeyServer) FetchKeys(_ context.Context, ids []string, proof string) (map[string][]byte, error) {
	k.mu.Lock()
	k.batches = append(k.batches, append([]string(nil), ids...))
	deny := k.deny
	k.mu.Unlock()

	if deny {
		return nil, fmt.Errorf("denied: %w", vaulterrors.ErrNoAccess)
	}

	claims, err := identity.VerifySessionProof(proof, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vaulterrors.ErrNoAccess, err)
	}

	keys := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if k.Owner != nil {
			vaultID, ok := seal.VaultPrefix(id)
			if !ok || !strings.EqualFold(k.Owner(vaultID), claims.Issuer) {
				return nil, fmt.Errorf("%s not owned by %s: %w", id, claims.Issuer, vaulterrors.ErrNoAccess)
			}
		}
		keys[id] = k.KeyFor(id)
	}
	return keys, nil
}

// Handler serves the key service HTTP protocol on /v1/fetch_keys.
func (k *KeyServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/fetch_keys", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs   []string `json:"ids"`
			Proof string   `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		keys, err := k.FetchKeys(r.Context(), req.IDs, req.Proof)
		if errors.Is(err, vaulterrors.ErrNoAccess) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		encoded := make(map[string]string, len(keys))
		for id, key := range keys {
			encoded[id] = base64.StdEncoding.EncodeToString(key)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": encoded})
	})
	return mux
}
