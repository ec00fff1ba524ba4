package vaultsync

import (
	"context"
	"errors"
	"fmt"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
)

// LoadRemote queries every directory and file owned by owner and
// assembles the tree of the vault named vaultName. A vault without a
// root directory yields errors.ErrVaultNotFound.
func LoadRemote(ctx context.Context, client ledger.Client, owner, vaultName string) (*models.Directory, error) {
	rows, err := client.OwnedDirectories(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing remote directories: %w", err)
	}
	files, err := client.OwnedFiles(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}
	return remotetree.Build(rows, files, vaultName)
}

// CreateRoot returns the vault's remote tree, first creating and
// transferring the root directory to owner when it does not exist yet.
// created reports whether a transaction was submitted.
func CreateRoot(ctx context.Context, client ledger.Client, target ledger.Target, owner, vaultName string, progress ProgressFunc) (root *models.Directory, created bool, err error) {
	progress = Monotonic(progress)

	root, err = LoadRemote(ctx, client, owner, vaultName)
	if err == nil {
		progress("Vault already exists", percentConfirmed)
		return root, false, nil
	}
	if !errors.Is(err, vaulterrors.ErrVaultNotFound) {
		return nil, false, err
	}

	tx := ledger.NewTx(target, owner)
	tx.TransferDir(tx.NewRootDirectory(vaultName), owner)

	_, err = client.Execute(ctx, tx, func(s ledger.Stage) {
		switch s {
		case ledger.StageSigning:
			progress("Signing transaction", percentSigning)
		case ledger.StageSubmitting:
			progress("Creating vault "+vaultName, percentSubmitting)
		case ledger.StageConfirmed:
			progress("Vault created", percentConfirmed)
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating vault %s: %w", vaultName, err)
	}

	root, err = LoadRemote(ctx, client, owner, vaultName)
	if err != nil {
		return nil, true, fmt.Errorf("reloading vault %s: %w", vaultName, err)
	}
	return root, true, nil
}
