package vaultsync

import "github.com/alexjbarnes/vault-bridge/internal/localfs"

// LocalStore is the local side of the vault, addressed by
// slash-separated paths relative to the vault root.
type LocalStore interface {
	Exists(path string) (bool, error)
	Mkdir(path string) error
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// NoteLister enumerates the notes of a local vault.
type NoteLister interface {
	LocalStore
	ListNotes() ([]string, error)
}

var _ NoteLister = (*localfs.Vault)(nil)
