package e2e_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/vault-bridge/internal/blobstore"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/ledger/ledgertest"
	"github.com/alexjbarnes/vault-bridge/internal/localfs"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/mcpserver"
	"github.com/alexjbarnes/vault-bridge/internal/seal"
	"github.com/alexjbarnes/vault-bridge/internal/seal/sealtest"
	"github.com/alexjbarnes/vault-bridge/internal/server"
	"github.com/alexjbarnes/vault-bridge/internal/state"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	vaultName  = "notes"
	testEpochs = 5
)

var target = ledger.Target{PackageID: "0xpkg", Module: "coral_sync"}

// network holds the shared remote side of the stack: a ledger served
// over WebSocket JSON-RPC, a key service over HTTP and one publisher plus
// two aggregators. The first aggregator always fails so every download
// exercises mirror failover.
type network struct {
	ledger      *ledgertest.Ledger
	ledgerURL   string
	keys        *sealtest.KeyServer
	keyURL      string
	blobs       *blobMirror
	publisher   string
	aggregators []string
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	l := ledgertest.New(target)
	ledgerSrv := httptest.NewServer(ledgertest.NewServer(l))
	t.Cleanup(ledgerSrv.Close)

	keys := sealtest.NewKeyServer("e2e-master")
	keySrv := httptest.NewServer(keys.Handler())
	t.Cleanup(keySrv.Close)

	blobs := newBlobMirror()
	pubSrv := httptest.NewServer(blobs)
	t.Cleanup(pubSrv.Close)
	aggSrv := httptest.NewServer(blobs)
	t.Cleanup(aggSrv.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	return &network{
		ledger:      l,
		ledgerURL:   "ws" + strings.TrimPrefix(ledgerSrv.URL, "http"),
		keys:        keys,
		keyURL:      keySrv.URL,
		blobs:       blobs,
		publisher:   pubSrv.URL,
		aggregators: []string{down.URL, aggSrv.URL},
	}
}

// device is one installation of vault-bridge: its own local vault
// directory and state database, sharing an identity with other devices.
type device struct {
	dir    string
	local  *localfs.Vault
	state  *state.State
	bridge *vaultsync.Bridge
}

func (n *network) newDevice(t *testing.T, signer *identity.Ed25519Signer) *device {
	t.Helper()

	dir := t.TempDir()
	local, err := localfs.NewVault(dir)
	require.NoError(t, err)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rpc, err := ledger.Dial(t.Context(), n.ledgerURL, signer, target, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rpc.Close() })

	blobs := blobstore.New(blobstore.Config{
		Publishers:  []string{n.publisher},
		Aggregators: n.aggregators,
		Timeout:     2 * time.Second,
	}, nil, logging.Discard())

	keys := seal.NewHTTPKeyService(seal.HTTPKeyServiceConfig{BaseURL: n.keyURL})
	opts := seal.Options{PackageID: target.PackageID, Logger: logging.Discard()}

	return &device{
		dir:    dir,
		local:  local,
		state:  st,
		bridge: vaultsync.New(vaultsync.Config{
			VaultName: vaultName,
			Local:     local,
			Ledger:    rpc,
			Target:    target,
			Blobs:     blobs,
			Encrypter: seal.NewEncrypter(keys, signer, opts),
			Decrypter: seal.NewRetriever(keys, signer, opts),
			Logger:    logging.Discard(),
			Owner:     signer.Address(),
			Epochs:    testEpochs,
			State:     st,
		}),
	}
}

func (d *device) write(t *testing.T, rel, content string) {
	t.Helper()
	require.NoError(t, d.local.Write(rel, []byte(content)))
}

func (d *device) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(d.dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

// mcpSession serves the device's bridge over streamable HTTP and
// connects an MCP client to it.
func (d *device) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "vault-bridge", Version: "e2e"}, nil)
	mcpserver.RegisterTools(mcpServer, d.bridge)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{MCPHandler: handler, Metrics: true}))
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint:             ts.URL + "/mcp",
		HTTPClient:           ts.Client(),
		DisableStandaloneSSE: true,
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.False(t, result.IsError, tc.Text)
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// blobMirror speaks the publisher and aggregator HTTP protocol over an
// in-memory, content-addressed store.
type blobMirror struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newBlobMirror() *blobMirror {
	return &blobMirror{blobs: make(map[string][]byte)}
}

func (m *blobMirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/v1/blobs":
		m.put(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/blobs/"):
		m.get(w, strings.TrimPrefix(r.URL.Path, "/v1/blobs/"))
	default:
		http.NotFound(w, r)
	}
}

func (m *blobMirror) put(w http.ResponseWriter, r *http.Request) {
	epochs, err := strconv.Atoi(r.URL.Query().Get("epochs"))
	if err != nil {
		http.Error(w, "bad epochs", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	m.mu.Lock()
	_, exists := m.blobs[id]
	m.blobs[id] = data
	m.mu.Unlock()

	if exists {
		fmt.Fprintf(w, `{"alreadyCertified":{"blobId":%q,"endEpoch":%d,"event":{"txDigest":"d-%s"}}}`, id, 100+epochs, id[:8])
		return
	}
	fmt.Fprintf(w, `{"newlyCreated":{"blobObject":{"id":"0x%s","blobId":%q,"storage":{"endEpoch":%d}}}}`, id[:16], id, 100+epochs)
}

func (m *blobMirror) get(w http.ResponseWriter, id string) {
	m.mu.Lock()
	data, ok := m.blobs[id]
	m.mu.Unlock()

	if !ok {
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (m *blobMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
