package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testVault = "notes"

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetVault(testVault, VaultState{VaultID: "0xroot"}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	vs, err := s2.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, "0xroot", vs.VaultID)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/.vault-bridge/state.db", p)
}

// --- VaultState ---

func TestGetVault_ZeroWhenNeverSynced(t *testing.T) {
	s := testDB(t)
	vs, err := s.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, VaultState{}, vs)
	assert.True(t, vs.LastSyncAt.IsZero())
}

func TestSetGetVault_RoundTrip(t *testing.T) {
	s := testDB(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	want := VaultState{VaultID: "0xroot", Owner: "0xme", LastSyncAt: at, LastDigest: "D"}

	require.NoError(t, s.SetVault(testVault, want))
	got, err := s.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetVault_IsolatedBetweenVaults(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetVault("a", VaultState{VaultID: "0xa"}))
	require.NoError(t, s.SetVault("b", VaultState{VaultID: "0xb"}))

	a, err := s.GetVault("a")
	require.NoError(t, err)
	b, err := s.GetVault("b")
	require.NoError(t, err)
	assert.Equal(t, "0xa", a.VaultID)
	assert.Equal(t, "0xb", b.VaultID)
}

func TestRecordPush(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetVault(testVault, VaultState{VaultID: "0xroot"}))

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordPush(testVault, "D1", t1))

	vs, err := s.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, "0xroot", vs.VaultID)
	assert.Equal(t, "D1", vs.LastDigest)
	assert.Equal(t, t1, vs.LastPushAt)
	assert.Equal(t, t1, vs.LastSyncAt)

	// An empty push keeps the previous digest.
	t2 := t1.Add(time.Hour)
	require.NoError(t, s.RecordPush(testVault, "", t2))
	vs, err = s.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, "D1", vs.LastDigest)
	assert.Equal(t, t2, vs.LastPushAt)
}

func TestRecordPull(t *testing.T) {
	s := testDB(t)
	at := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordPull(testVault, at))

	vs, err := s.GetVault(testVault)
	require.NoError(t, err)
	assert.Equal(t, at, vs.LastPullAt)
	assert.Equal(t, at, vs.LastSyncAt)
	assert.True(t, vs.LastPushAt.IsZero())
}

// --- InitVaultBuckets ---

func TestInitVaultBuckets_Idempotent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InitVaultBuckets(testVault))
	require.NoError(t, s.InitVaultBuckets(testVault))
}

// --- LocalFile CRUD ---

func TestSetLocalFile_ErrorBeforeInit(t *testing.T) {
	s := testDB(t)
	err := s.SetLocalFile(testVault, LocalFile{Path: "a.md"})
	assert.ErrorContains(t, err, "local bucket not initialized")
}

func TestSetLocalFile_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InitVaultBuckets(testVault))

	want := LocalFile{Path: "dir/a.md", Hash: "abc", Size: 3, BlobID: "B", SyncTime: 42}
	require.NoError(t, s.SetLocalFile(testVault, want))

	all, err := s.AllLocalFiles(testVault)
	require.NoError(t, err)
	assert.Equal(t, map[string]LocalFile{"dir/a.md": want}, all)
}

func TestRecordSynced_HashesContent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InitVaultBuckets(testVault))

	at := time.UnixMilli(1700000000000)
	require.NoError(t, s.RecordSynced(testVault, "a.md", []byte("hello"), "B1", at))

	all, err := s.AllLocalFiles(testVault)
	require.NoError(t, err)
	got, ok := all["a.md"]
	require.True(t, ok)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got.Hash)
	assert.Equal(t, int64(5), got.Size)
	assert.Equal(t, "B1", got.BlobID)
	assert.Equal(t, int64(1700000000000), got.SyncTime)
}

func TestDeleteLocalFile(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InitVaultBuckets(testVault))
	require.NoError(t, s.SetLocalFile(testVault, LocalFile{Path: "a.md"}))
	require.NoError(t, s.SetLocalFile(testVault, LocalFile{Path: "b.md"}))

	require.NoError(t, s.DeleteLocalFile(testVault, "a.md"))
	all, err := s.AllLocalFiles(testVault)
	require.NoError(t, err)
	assert.NotContains(t, all, "a.md")
	assert.Contains(t, all, "b.md")

	require.NoError(t, s.DeleteLocalFile(testVault, "missing.md"))
	require.NoError(t, s.DeleteLocalFile("other", "a.md"))
}

func TestAllLocalFiles(t *testing.T) {
	s := testDB(t)

	all, err := s.AllLocalFiles(testVault)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.InitVaultBuckets(testVault))
	require.NoError(t, s.SetLocalFile(testVault, LocalFile{Path: "a.md", Hash: "1"}))
	require.NoError(t, s.SetLocalFile(testVault, LocalFile{Path: "b/c.md", Hash: "2"}))

	all, err = s.AllLocalFiles(testVault)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "2", all["b/c.md"].Hash)
}

func TestLocalFiles_IsolatedBetweenVaults(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InitVaultBuckets("a"))
	require.NoError(t, s.InitVaultBuckets("b"))
	require.NoError(t, s.SetLocalFile("a", LocalFile{Path: "x.md"}))

	got, err := s.AllLocalFiles("b")
	require.NoError(t, err)
	assert.Empty(t, got)
}
