package ledger

import (
	"context"

	"github.com/alexjbarnes/vault-bridge/internal/models"
)

// Stage is a milestone of transaction execution reported to callers.
type Stage int

const (
	StageSigning Stage = iota
	StageSubmitting
	StageConfirmed
)

func (s Stage) String() string {
	switch s {
	case StageSigning:
		return "signing"
	case StageSubmitting:
		return "submitting"
	case StageConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// StageFunc receives execution milestones. It may be nil.
type StageFunc func(Stage)

// Client is the ledger surface used by the reconcilers.
type Client interface {
	// Execute signs and submits tx, waits for it to be final and
	// returns its digest. Any failure wraps errors.ErrLedgerTx.
	Execute(ctx context.Context, tx *Tx, stage StageFunc) (string, error)

	// OwnedDirectories lists every vault directory owned by owner.
	OwnedDirectories(ctx context.Context, owner string) ([]models.DirectoryRow, error)

	// OwnedFiles lists every vault file owned by owner.
	OwnedFiles(ctx context.Context, owner string) ([]models.FileRecord, error)
}
