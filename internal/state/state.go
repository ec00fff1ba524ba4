// Package state persists sync bookkeeping in a bbolt database: which
// remote vault a local vault is bound to, when it last synced, and the
// content hash of every note at its last successful sync.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vault-bridge/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	stateKey  = []byte("state")
)

func vaultMetaBucket(vaultName string) []byte {
	return []byte("vault:" + vaultName + ":meta")
}

func vaultLocalBucket(vaultName string) []byte {
	return []byte("vault:" + vaultName + ":local")
}

// VaultState is the per-vault sync record.
type VaultState struct {
	// VaultID is the object id of the remote root directory.
	VaultID string `json:"vault_id"`
	// Owner is the address that owns the remote vault.
	Owner      string    `json:"owner"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastPushAt time.Time `json:"last_push_at"`
	LastPullAt time.Time `json:"last_pull_at"`
	// LastDigest is the digest of the last submitted transaction.
	LastDigest string `json:"last_digest"`
}

// LocalFile records a note as it was at its last successful sync.
type LocalFile struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	BlobID   string `json:"blob_id,omitempty"`
	SyncTime int64  `json:"synctime"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.vault-bridge/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetVault returns the sync record for a vault. A vault that never
// synced gets the zero VaultState.
func (s *State) GetVault(vaultName string) (VaultState, error) {
	var vs VaultState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(vaultMetaBucket(vaultName))
		if b == nil {
			return nil
		}

		v := b.Get(stateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &vs)
	})

	return vs, err
}

// SetVault replaces the sync record for a vault.
func (s *State) SetVault(vaultName string, vs VaultState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putVault(tx, vaultName, vs)
	})
}

// UpdateVault applies fn to the stored record inside one transaction.
func (s *State) UpdateVault(vaultName string, fn func(*VaultState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var vs VaultState
		if b := tx.Bucket(vaultMetaBucket(vaultName)); b != nil {
			if v := b.Get(stateKey); v != nil {
				if err := json.Unmarshal(v, &vs); err != nil {
					return err
				}
			}
		}

		fn(&vs)

		return putVault(tx, vaultName, vs)
	})
}

func putVault(tx *bolt.Tx, vaultName string, vs VaultState) error {
	b, err := tx.CreateBucketIfNotExists(vaultMetaBucket(vaultName))
	if err != nil {
		return err
	}

	data, err := json.Marshal(vs)
	if err != nil {
		return err
	}

	return b.Put(stateKey, data)
}

// RecordPush stamps a completed push. An empty digest means nothing was
// submitted and keeps the previous digest.
func (s *State) RecordPush(vaultName, digest string, at time.Time) error {
	return s.UpdateVault(vaultName, func(vs *VaultState) {
		vs.LastPushAt = at
		vs.LastSyncAt = at
		if digest != "" {
			vs.LastDigest = digest
		}
	})
}

// RecordPull stamps a completed pull.
func (s *State) RecordPull(vaultName string, at time.Time) error {
	return s.UpdateVault(vaultName, func(vs *VaultState) {
		vs.LastPullAt = at
		vs.LastSyncAt = at
	})
}

// InitVaultBuckets ensures the local file bucket exists for the given
// vault. Call this once after selecting the vault.
func (s *State) InitVaultBuckets(vaultName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(vaultLocalBucket(vaultName))
		return err
	})
}

// SetLocalFile persists the recorded state for a path.
func (s *State) SetLocalFile(vaultName string, lf LocalFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vaultLocalBucket(vaultName))
		if b == nil {
			return fmt.Errorf("local bucket not initialized for vault %s", vaultName)
		}

		data, err := json.Marshal(lf)
		if err != nil {
			return err
		}

		return b.Put([]byte(lf.Path), data)
	})
}

// RecordSynced stores the hash of content as the synced state of path.
func (s *State) RecordSynced(vaultName, path string, content []byte, blobID string, at time.Time) error {
	return s.SetLocalFile(vaultName, LocalFile{
		Path:     path,
		Hash:     ContentHash(content),
		Size:     int64(len(content)),
		BlobID:   blobID,
		SyncTime: at.UnixMilli(),
	})
}

// DeleteLocalFile removes the recorded state for a path.
func (s *State) DeleteLocalFile(vaultName, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vaultLocalBucket(vaultName))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})
}

// AllLocalFiles returns all recorded files for a vault.
func (s *State) AllLocalFiles(vaultName string) (map[string]LocalFile, error) {
	result := make(map[string]LocalFile)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(vaultLocalBucket(vaultName))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var lf LocalFile
			if err := json.Unmarshal(v, &lf); err != nil {
				return err
			}

			result[string(k)] = lf

			return nil
		})
	})

	return result, err
}

// ContentHash returns hex(SHA-256(content)).
func ContentHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// DefaultPath returns ~/.vault-bridge/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail rather than silently writing to the current directory.
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".vault-bridge", "state.db"), nil
}
