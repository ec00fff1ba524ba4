package seal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/metrics"
)

// MaxBatchSize is the largest number of ids sent to the key service in
// one request.
const MaxBatchSize = 10

// ProofSigner mints session proofs. *identity.Ed25519Signer implements it.
type ProofSigner interface {
	SessionProof(packageID string, ids []string, ttl time.Duration) (string, error)
}

var _ ProofSigner = (*identity.Ed25519Signer)(nil)

// Options are shared by Retriever and Encrypter.
type Options struct {
	PackageID  string
	SessionTTL time.Duration
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = identity.DefaultSessionTTL
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Retriever decrypts sealed blobs, fetching their keys in batches.
type Retriever struct {
	keys   KeyService
	signer ProofSigner
	opts   Options
}

// NewRetriever creates a Retriever.
func NewRetriever(keys KeyService, signer ProofSigner, opts Options) *Retriever {
	return &Retriever{keys: keys, signer: signer, opts: opts.withDefaults()}
}

// Decrypt returns the plaintexts of blobs, aligned with the input. Keys
// are fetched in batches of at most MaxBatchSize, in input order, and
// decryption starts only once every batch has been authorised.
//
// On error the returned slice still has len(blobs) entries; the ones
// not decrypted are nil.
func (r *Retriever) Decrypt(ctx context.Context, blobs [][]byte) ([][]byte, error) {
	out := make([][]byte, len(blobs))
	if len(blobs) == 0 {
		return out, nil
	}

	envs := make([]*Envelope, len(blobs))
	ids := make([]string, 0, len(blobs))
	seen := make(map[string]bool, len(blobs))
	for i, blob := range blobs {
		env, err := Parse(blob)
		if err != nil {
			return out, fmt.Errorf("parsing blob %d: %w: %w", i, vaulterrors.ErrRetrievalFailed, err)
		}
		envs[i] = env
		if !seen[env.ID] {
			seen[env.ID] = true
			ids = append(ids, env.ID)
		}
	}

	cache := make(map[string][]byte, len(ids))
	for start := 0; start < len(ids); start += MaxBatchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		batch := ids[start:min(start+MaxBatchSize, len(ids))]
		keys, err := r.fetchBatch(ctx, batch)
		metrics.RecordKeyBatch(err == nil)
		if err != nil {
			return out, err
		}
		for id, key := range keys {
			cache[id] = key
		}
	}

	for i, env := range envs {
		plaintext, err := openWith(cache[env.ID], env)
		if err != nil {
			return out, fmt.Errorf("%w: %w", vaulterrors.ErrRetrievalFailed, err)
		}
		out[i] = plaintext
	}
	return out, nil
}

func (r *Retriever) fetchBatch(ctx context.Context, batch []string) (map[string][]byte, error) {
	proof, err := r.signer.SessionProof(r.opts.PackageID, batch, r.opts.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("minting session proof: %w: %w", vaulterrors.ErrRetrievalFailed, err)
	}

	keys, err := r.keys.FetchKeys(ctx, batch, proof)
	if err != nil {
		r.opts.Logger.Warn("key batch rejected",
			slog.Int("batch_size", len(batch)),
			slog.String("first_id", batch[0]),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("fetching %d keys: %w", len(batch), err)
	}

	for _, id := range batch {
		if _, ok := keys[id]; !ok {
			return nil, fmt.Errorf("no key for %s: %w", id, vaulterrors.ErrRetrievalFailed)
		}
	}

	r.opts.Logger.Debug("key batch fetched", slog.Int("batch_size", len(batch)))
	return keys, nil
}

// Encrypter seals plaintext under a fresh content id in a vault.
type Encrypter struct {
	keys   KeyService
	signer ProofSigner
	opts   Options
}

// NewEncrypter creates an Encrypter.
func NewEncrypter(keys KeyService, signer ProofSigner, opts Options) *Encrypter {
	return &Encrypter{keys: keys, signer: signer, opts: opts.withDefaults()}
}

// Encrypt seals plaintext for the vault whose root object id is vaultID.
func (e *Encrypter) Encrypt(ctx context.Context, vaultID string, plaintext []byte) ([]byte, error) {
	id, err := NewContentID(vaultID)
	if err != nil {
		return nil, err
	}

	proof, err := e.signer.SessionProof(e.opts.PackageID, []string{id}, e.opts.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("minting session proof: %w", err)
	}

	keys, err := e.keys.FetchKeys(ctx, []string{id}, proof)
	metrics.RecordKeyBatch(err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetching key for %s: %w", id, err)
	}
	key, ok := keys[id]
	if !ok {
		return nil, fmt.Errorf("no key for %s: %w", id, vaulterrors.ErrRetrievalFailed)
	}

	return sealWith(key, id, plaintext)
}
