package vaultsync_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/vault-bridge/internal/blobstore"
	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/ledger/ledgertest"
	"github.com/alexjbarnes/vault-bridge/internal/localfs"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/seal"
	"github.com/alexjbarnes/vault-bridge/internal/seal/sealtest"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/stretchr/testify/require"
)

const (
	vaultName  = "notes"
	testEpochs = 10
	endEpoch   = 110
)

var target = ledger.Target{PackageID: "0xpkg"}

// memBlobs is a content-addressed in-memory blob store.
type memBlobs struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	puts    int
	putErr  func(n int) error
	missing map[string]bool
}

var _ vaultsync.BlobStore = (*memBlobs)(nil)

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte), missing: make(map[string]bool)}
}

func (m *memBlobs) Put(_ context.Context, data []byte, epochs int) (*models.BlobDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.putErr != nil {
		if err := m.putErr(m.puts); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	m.blobs[id] = bytes.Clone(data)
	return &models.BlobDescriptor{
		Status:   models.BlobNewlyCreated,
		BlobID:   id,
		EndEpoch: uint64(100 + epochs),
	}, nil
}

func (m *memBlobs) GetMany(_ context.Context, ids []string) []blobstore.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]blobstore.Result, len(ids))
	for i, id := range ids {
		out[i].BlobID = id
		data, ok := m.blobs[id]
		if !ok || m.missing[id] {
			out[i].Err = fmt.Errorf("get %s: %w", id, vaulterrors.ErrAllMirrorsExhausted)
			continue
		}
		out[i].Data = bytes.Clone(data)
	}
	return out
}

func (m *memBlobs) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[id] = true
}

// env is one identity with a ledger, blob store and key service.
type env struct {
	signer *identity.Ed25519Signer
	ledger *ledgertest.Ledger
	blobs  *memBlobs
	keys   *sealtest.KeyServer
	enc    *seal.Encrypter
	dec    *seal.Retriever
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer := identity.FromSeed(bytes.Repeat([]byte{7}, 32))
	keys := sealtest.NewKeyServer("master")
	opts := seal.Options{PackageID: target.PackageID}
	return &env{
		signer: signer,
		ledger: ledgertest.New(target),
		blobs:  newMemBlobs(),
		keys:   keys,
		enc:    seal.NewEncrypter(keys, signer, opts),
		dec:    seal.NewRetriever(keys, signer, opts),
	}
}

func (e *env) owner() string { return e.signer.Address() }

func (e *env) pusherFor(local vaultsync.LocalStore) *vaultsync.Pusher {
	return vaultsync.NewPusher(vaultsync.PushConfig{
		Local:     local,
		Blobs:     e.blobs,
		Encrypter: e.enc,
		Ledger:    e.ledger,
		Target:    target,
		Owner:     e.owner(),
		Epochs:    testEpochs,
	})
}

func (e *env) puller() *vaultsync.Puller {
	return vaultsync.NewPuller(vaultsync.PullConfig{Blobs: e.blobs, Decrypter: e.dec})
}

func (e *env) bridge(local vaultsync.NoteLister) *vaultsync.Bridge {
	return vaultsync.New(vaultsync.Config{
		VaultName: vaultName,
		Local:     local,
		Ledger:    e.ledger,
		Target:    target,
		Blobs:     e.blobs,
		Encrypter: e.enc,
		Decrypter: e.dec,
		Owner:     e.owner(),
		Epochs:    testEpochs,
	})
}

// initVault creates the remote root and returns it.
func (e *env) initVault(t *testing.T) *models.Directory {
	t.Helper()
	root, _, err := vaultsync.CreateRoot(context.Background(), e.ledger, target, e.owner(), vaultName, nil)
	require.NoError(t, err)
	return root
}

func (e *env) remote(t *testing.T) *models.Directory {
	t.Helper()
	root, err := vaultsync.LoadRemote(context.Background(), e.ledger, e.owner(), vaultName)
	require.NoError(t, err)
	return root
}

// newVault creates a local vault holding files (path to content).
func newVault(t *testing.T, files map[string]string) *localfs.Vault {
	t.Helper()
	v, err := localfs.NewVault(t.TempDir())
	require.NoError(t, err)
	for path, content := range files {
		require.NoError(t, v.Write(path, []byte(content)))
	}
	return v
}

func readNote(t *testing.T, v *localfs.Vault, path string) string {
	t.Helper()
	data, err := v.Read(path)
	require.NoError(t, err)
	return string(data)
}

// progressLog records progress callbacks.
type progressLog struct {
	mu       sync.Mutex
	messages []string
	percents []int
}

func (p *progressLog) fn(message string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	if percent != vaultsync.NoPercent {
		p.percents = append(p.percents, percent)
	}
}

func (p *progressLog) contains(sub string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// commandsNamed returns the commands of cmds calling fn.
func commandsNamed(cmds []ledger.Command, fn string) []ledger.Command {
	var out []ledger.Command
	suffix := "::" + fn
	for _, c := range cmds {
		if strings.HasSuffix(c.Function, suffix) {
			out = append(out, c)
		}
	}
	return out
}

func lastTx(t *testing.T, l *ledgertest.Ledger) []ledger.Command {
	t.Helper()
	txs := l.Transactions()
	require.NotEmpty(t, txs)
	return txs[len(txs)-1]
}

// failingResolver fails the test if it is ever asked.
func failingResolver(t *testing.T) vaultsync.Resolver {
	return vaultsync.ResolverFunc(func(_ context.Context, c vaultsync.Conflict) (vaultsync.Decision, error) {
		t.Errorf("resolver called for %s", c.Path)
		return vaultsync.Decision{}, fmt.Errorf("unexpected conflict on %s", c.Path)
	})
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func lastSegment(function string) string {
	i := strings.LastIndex(function, "::")
	return function[i+2:]
}
