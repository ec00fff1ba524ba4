package e2e_test

import (
	"bytes"
	"testing"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/mcpserver"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(b byte) *identity.Ed25519Signer {
	return identity.FromSeed(bytes.Repeat([]byte{b}, 32))
}

// --- push then pull across devices ---

func TestPushThenPull_SecondDevice(t *testing.T) {
	net := newNetwork(t)
	signer := testSigner(1)

	laptop := net.newDevice(t, signer)
	laptop.write(t, "readme.md", "# Notes\n")
	laptop.write(t, "daily/2026-10-01.md", "standup\n")
	laptop.write(t, "daily/2026-10-02.md", "retro\n")
	laptop.write(t, "projects/bridge/plan.md", "ship it\n")
	laptop.write(t, "projects/bridge/diagram.png", "not a note")

	_, err := laptop.bridge.Init(t.Context(), nil)
	require.NoError(t, err)

	pushed, err := laptop.bridge.Push(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, pushed.Selected)
	assert.Len(t, pushed.Uploaded, 4)
	assert.Empty(t, pushed.Failed)
	assert.Equal(t, 3, pushed.DirsCreated)
	assert.NotEmpty(t, pushed.Digest)
	assert.Equal(t, 4, net.blobs.count())

	phone := net.newDevice(t, signer)
	pulled, err := phone.bridge.Pull(t.Context(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, pulled.Total)
	assert.Equal(t, 4, pulled.Count(vaultsync.Fetched))
	assert.Empty(t, pulled.Failed())

	assert.Equal(t, "# Notes\n", phone.read(t, "readme.md"))
	assert.Equal(t, "standup\n", phone.read(t, "daily/2026-10-01.md"))
	assert.Equal(t, "retro\n", phone.read(t, "daily/2026-10-02.md"))
	assert.Equal(t, "ship it\n", phone.read(t, "projects/bridge/plan.md"))
	assert.NoFileExists(t, phone.dir+"/projects/bridge/diagram.png")

	for _, batch := range net.keys.Batches() {
		assert.LessOrEqual(t, len(batch), 10)
	}

	tracked, err := phone.state.AllLocalFiles(vaultName)
	require.NoError(t, err)
	assert.Len(t, tracked, 4)
	assert.NotEmpty(t, tracked["daily/2026-10-02.md"].BlobID)

	status, err := phone.bridge.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Modified)
	assert.Empty(t, status.Missing)
}

func TestPush_FlattenedRemoteMatchesLocal(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, testSigner(9))
	dev.write(t, "a.md", "file a")
	dev.write(t, "b/c.md", "file c")

	_, err := dev.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	res, err := dev.bridge.Push(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DirsCreated)
	assert.Equal(t, 2, res.FilesCreated)

	root, err := dev.bridge.Remote(t.Context())
	require.NoError(t, err)
	require.Len(t, root.Directories, 1)
	assert.Equal(t, "b", root.Directories[0].Name)
	require.Len(t, root.Files, 1)
	assert.Equal(t, "a", root.Files[0].Title)

	flat := remotetree.Flatten(root)
	require.Len(t, flat, 2)
	uploaded := make(map[string]string, len(res.Uploaded))
	for _, u := range res.Uploaded {
		uploaded[u.Path] = u.BlobID
	}
	assert.Equal(t, uploaded["a.md"], flat["a.md"].BlobID)
	assert.Equal(t, uploaded["b/c.md"], flat["b/c.md"].BlobID)
}

func TestPush_SecondRunUploadsOnlyNewNotes(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, testSigner(2))
	dev.write(t, "a.md", "a")

	_, err := dev.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	_, err = dev.bridge.Push(t.Context(), nil)
	require.NoError(t, err)

	dev.write(t, "sub/b.md", "b")
	res, err := dev.bridge.Push(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	require.Len(t, res.Uploaded, 1)
	assert.Equal(t, "sub/b.md", res.Uploaded[0].Path)

	res, err = dev.bridge.Push(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)
	assert.Empty(t, res.Digest)
	assert.Len(t, net.ledger.Transactions(), 3)
}

func TestPull_ConflictPolicies(t *testing.T) {
	net := newNetwork(t)
	signer := testSigner(3)

	origin := net.newDevice(t, signer)
	origin.write(t, "shared.md", "remote version\n")
	_, err := origin.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	_, err = origin.bridge.Push(t.Context(), nil)
	require.NoError(t, err)

	other := net.newDevice(t, signer)
	other.write(t, "shared.md", "local version\n")

	res, err := other.bridge.Pull(t.Context(), vaultsync.KeepLocalResolver, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(vaultsync.KeptLocal))
	assert.Equal(t, "local version\n", other.read(t, "shared.md"))

	res, err = other.bridge.Pull(t.Context(), vaultsync.UseRemoteResolver, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(vaultsync.Written))
	assert.Equal(t, "remote version\n", other.read(t, "shared.md"))

	res, err = other.bridge.Pull(t.Context(), vaultsync.KeepLocalResolver, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(vaultsync.Skipped))
}

func TestPull_ForeignIdentitySeesNoVault(t *testing.T) {
	net := newNetwork(t)

	owner := net.newDevice(t, testSigner(4))
	owner.write(t, "secret.md", "mine")
	_, err := owner.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	_, err = owner.bridge.Push(t.Context(), nil)
	require.NoError(t, err)

	stranger := net.newDevice(t, testSigner(5))
	_, err = stranger.bridge.Pull(t.Context(), nil, nil)
	assert.ErrorIs(t, err, vaulterrors.ErrVaultNotFound)
}

func TestPull_KeyDenialIsPerFile(t *testing.T) {
	net := newNetwork(t)
	signer := testSigner(6)

	origin := net.newDevice(t, signer)
	origin.write(t, "a.md", "a")
	origin.write(t, "b.md", "b")
	_, err := origin.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	_, err = origin.bridge.Push(t.Context(), nil)
	require.NoError(t, err)

	net.keys.Deny(true)
	other := net.newDevice(t, signer)
	res, err := other.bridge.Pull(t.Context(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.Failed(), 2)
	for _, f := range res.Failed() {
		assert.ErrorIs(t, f.Err, vaulterrors.ErrNoAccess)
	}
}

// --- MCP over HTTP ---

func TestMCP_PushTreeAndStatus(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, testSigner(7))
	dev.write(t, "inbox/idea.md", "idea")
	_, err := dev.bridge.Init(t.Context(), nil)
	require.NoError(t, err)

	session := dev.mcpSession(t)

	var push mcpserver.PushSummary
	callTool(t, session, "vault_push", map[string]any{}, &push)
	assert.Equal(t, 1, push.Selected)
	assert.Equal(t, []string{"inbox/idea.md"}, push.Uploaded)
	assert.Equal(t, 1, push.DirsCreated)

	var tree mcpserver.TreeResult
	callTool(t, session, "vault_remote_tree", map[string]any{}, &tree)
	assert.Equal(t, vaultName, tree.Vault)
	assert.Equal(t, 1, tree.TotalFiles)
	assert.Equal(t, []string{"inbox/idea.md"}, tree.Paths)

	var status vaultsync.Status
	callTool(t, session, "vault_status", map[string]any{}, &status)
	assert.Equal(t, vaultName, status.VaultName)
	assert.NotEmpty(t, status.VaultID)
	assert.Equal(t, push.Digest, status.LastDigest)
	assert.Equal(t, 1, status.Tracked)
	assert.False(t, status.LastPushAt.IsZero())
}

func TestMCP_PullWithPolicy(t *testing.T) {
	net := newNetwork(t)
	signer := testSigner(8)

	origin := net.newDevice(t, signer)
	origin.write(t, "n.md", "remote")
	_, err := origin.bridge.Init(t.Context(), nil)
	require.NoError(t, err)
	_, err = origin.bridge.Push(t.Context(), nil)
	require.NoError(t, err)

	other := net.newDevice(t, signer)
	other.write(t, "n.md", "local")
	session := other.mcpSession(t)

	var pull mcpserver.PullSummary
	callTool(t, session, "vault_pull", map[string]any{"policy": "use_remote"}, &pull)
	assert.Equal(t, 1, pull.Total)
	assert.Equal(t, 1, pull.Written)
	assert.Equal(t, "remote", other.read(t, "n.md"))
}
