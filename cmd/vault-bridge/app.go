package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/vault-bridge/internal/blobstore"
	"github.com/alexjbarnes/vault-bridge/internal/config"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/localfs"
	"github.com/alexjbarnes/vault-bridge/internal/seal"
	"github.com/alexjbarnes/vault-bridge/internal/state"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/go-resty/resty/v2"
)

// app holds the wired components for one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	ledger *ledger.RPCClient
	bridge *vaultsync.Bridge
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	signer, err := identity.FromSeedHex(cfg.IdentitySeed)
	if err != nil {
		return nil, err
	}
	logger.Info("identity loaded", slog.String("address", signer.Address()))

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	local, err := localfs.NewVault(cfg.VaultDir)
	if err != nil {
		appState.Close()
		return nil, fmt.Errorf("opening local vault: %w", err)
	}

	target := ledger.Target{PackageID: cfg.PackageID, Module: cfg.ModuleName}
	rpc, err := ledger.Dial(ctx, cfg.LedgerURL, signer, target, logger.With(slog.String("service", "ledger")))
	if err != nil {
		appState.Close()
		return nil, fmt.Errorf("connecting to ledger: %w", err)
	}

	httpClient := resty.New().SetHeader("User-Agent", "vault-bridge/"+Version)
	blobs := blobstore.New(blobstore.Config{
		Publishers:  cfg.Mirrors.Publishers,
		Aggregators: cfg.Mirrors.Aggregators,
		Timeout:     cfg.MirrorTimeout,
	}, httpClient, logger.With(slog.String("service", "blobs")))

	keys := seal.NewHTTPKeyService(seal.HTTPKeyServiceConfig{
		BaseURL:   cfg.KeyServiceURL,
		Threshold: cfg.KeyThreshold,
	})
	sealOpts := seal.Options{
		PackageID:  cfg.PackageID,
		SessionTTL: cfg.SessionTTL,
		Logger:     logger.With(slog.String("service", "seal")),
	}

	bridge := vaultsync.New(vaultsync.Config{
		VaultName: cfg.VaultName,
		Local:     local,
		Ledger:    rpc,
		Target:    target,
		Blobs:     blobs,
		Encrypter: seal.NewEncrypter(keys, signer, sealOpts),
		Decrypter: seal.NewRetriever(keys, signer, sealOpts),
		Logger:    logger,
		Owner:     signer.Address(),
		Epochs:    cfg.StorageEpochs,
		State:     appState,
	})

	logger.Debug("components ready",
		slog.String("vault_dir", local.Dir()),
		slog.Int("publishers", len(cfg.Mirrors.Publishers)),
		slog.Int("aggregators", len(cfg.Mirrors.Aggregators)),
		slog.Int("epochs", cfg.StorageEpochs),
	)

	return &app{
		cfg:    cfg,
		logger: logger,
		state:  appState,
		ledger: rpc,
		bridge: bridge,
	}, nil
}

func openState(path string) (*state.State, error) {
	if path == "" {
		return state.Load()
	}
	return state.LoadAt(path)
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Debug("closing ledger connection", slog.String("error", err.Error()))
	}
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
