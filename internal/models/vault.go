// Package models holds the remote vault tree and blob types shared by
// the ledger client, the tree index and the reconcilers.
package models

import "time"

// NoteExtension is appended to a file title to form its local path.
const NoteExtension = ".md"

// DirectoryRow is one directory object as returned by the ledger query,
// before the tree is assembled.
type DirectoryRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Parent    string    `json:"parent"`
	IsRoot    bool      `json:"is_root"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory is a node of the remote vault tree. The root directory's
// name equals the vault name and its Parent is empty. Child directories
// and files are ordered by name.
type Directory struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Parent      string       `json:"parent,omitempty"`
	IsRoot      bool         `json:"is_root"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Directories []*Directory `json:"directories"`
	Files       []FileRecord `json:"files"`
}

// FileRecord is a file object in the remote tree. Title excludes the
// note extension. BlobID points into the blob store and EndEpoch is the
// epoch at which its storage lease expires.
type FileRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Dir       string    `json:"belong_dir"`
	BlobID    string    `json:"blob_id"`
	EndEpoch  uint64    `json:"end_epoch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileName returns the title with the note extension.
func (f FileRecord) FileName() string {
	return f.Title + NoteExtension
}

// BlobStatus distinguishes a blob that the store already held from one
// it created for this upload.
type BlobStatus string

const (
	BlobAlreadyCertified BlobStatus = "already_certified"
	BlobNewlyCreated     BlobStatus = "newly_created"
)

// BlobDescriptor is the parsed result of a successful blob upload.
type BlobDescriptor struct {
	Status   BlobStatus `json:"status"`
	BlobID   string     `json:"blob_id"`
	EndEpoch uint64     `json:"end_epoch"`
	// RefType is "event" for already-certified blobs (Ref is the digest
	// of the certifying transaction) and "object" for newly created ones
	// (Ref is the storage object id).
	RefType string `json:"ref_type"`
	Ref     string `json:"ref"`
	// Mirror is the publisher endpoint that accepted the upload.
	Mirror string `json:"mirror"`
}
