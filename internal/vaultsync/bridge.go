package vaultsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/metrics"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/state"
)

// Config wires a Bridge.
type Config struct {
	VaultName string
	Local     NoteLister
	Ledger    ledger.Client
	Target    ledger.Target
	Blobs     BlobStore
	Encrypter Encrypter
	Decrypter Decrypter
	Logger    *slog.Logger

	// Owner is the identity address that owns the vault objects.
	Owner string

	// Epochs is the storage lease requested for uploads.
	Epochs int

	// State persists sync bookkeeping. Optional.
	State *state.State
}

// Bridge runs sync sessions for one vault. At most one session (init,
// push or pull) runs at a time; overlapping calls fail fast with
// errors.ErrSessionActive.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	pusher *Pusher
	puller *Puller
	busy   atomic.Bool
	now    func() time.Time
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(slog.String("vault", cfg.VaultName))

	return &Bridge{
		cfg:    cfg,
		logger: logger,
		pusher: NewPusher(PushConfig{
			Local:     cfg.Local,
			Blobs:     cfg.Blobs,
			Encrypter: cfg.Encrypter,
			Ledger:    cfg.Ledger,
			Target:    cfg.Target,
			Logger:    logger,
			Owner:     cfg.Owner,
			Epochs:    cfg.Epochs,
		}),
		puller: NewPuller(PullConfig{
			Blobs:     cfg.Blobs,
			Decrypter: cfg.Decrypter,
			Logger:    logger,
		}),
		now: time.Now,
	}
}

// VaultName returns the name of the vault this bridge syncs.
func (b *Bridge) VaultName() string { return b.cfg.VaultName }

// Busy reports whether a session is running.
func (b *Bridge) Busy() bool { return b.busy.Load() }

func (b *Bridge) begin() error {
	if !b.busy.CompareAndSwap(false, true) {
		return vaulterrors.ErrSessionActive
	}
	return nil
}

func (b *Bridge) end() { b.busy.Store(false) }

// Remote loads the current remote tree. It does not take the session
// lock.
func (b *Bridge) Remote(ctx context.Context) (*models.Directory, error) {
	return LoadRemote(ctx, b.cfg.Ledger, b.cfg.Owner, b.cfg.VaultName)
}

// Init makes sure the vault's root directory exists on the ledger.
func (b *Bridge) Init(ctx context.Context, progress ProgressFunc) (root *models.Directory, err error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.end()

	start := b.now()
	defer func() { metrics.RecordSession("init", start, err) }()

	root, created, err := CreateRoot(ctx, b.cfg.Ledger, b.cfg.Target, b.cfg.Owner, b.cfg.VaultName, progress)
	if err != nil {
		return nil, err
	}
	if created {
		b.logger.Info("vault created", slog.String("root", root.ID))
	}

	if err := b.recordVault(root.ID); err != nil {
		return root, err
	}
	return root, nil
}

// Push uploads every local note the remote vault lacks.
func (b *Bridge) Push(ctx context.Context, progress ProgressFunc) (res *PushResult, err error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.end()

	start := b.now()
	defer func() { metrics.RecordSession("push", start, err) }()

	progress = Monotonic(progress)
	progress("Loading remote vault", 0)

	root, err := b.Remote(ctx)
	if err != nil {
		return nil, err
	}

	paths, err := b.cfg.Local.ListNotes()
	if err != nil {
		return nil, fmt.Errorf("%w: listing notes: %w", vaulterrors.ErrLocalIO, err)
	}

	res, err = b.pusher.Push(ctx, root, paths, progress)
	if err != nil {
		return res, err
	}

	if b.cfg.State == nil {
		return res, nil
	}
	if err := b.cfg.State.InitVaultBuckets(b.cfg.VaultName); err != nil {
		return res, fmt.Errorf("recording push: %w", err)
	}
	at := b.now()
	for _, up := range res.Uploaded {
		if err := b.cfg.State.RecordSynced(b.cfg.VaultName, up.Path, up.Content, up.BlobID, at); err != nil {
			return res, fmt.Errorf("recording %s: %w", up.Path, err)
		}
	}
	if err := b.forgetDeleted(paths); err != nil {
		return res, err
	}
	if err := b.cfg.State.RecordPush(b.cfg.VaultName, res.Digest, at); err != nil {
		return res, fmt.Errorf("recording push: %w", err)
	}
	if err := b.recordVault(root.ID); err != nil {
		return res, err
	}
	return res, nil
}

// Pull materialises the remote vault locally, asking resolver about
// notes whose contents differ. A nil resolver keeps local notes.
func (b *Bridge) Pull(ctx context.Context, resolver Resolver, progress ProgressFunc) (res *PullResult, err error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.end()

	start := b.now()
	defer func() { metrics.RecordSession("pull", start, err) }()

	progress = Monotonic(progress)
	progress("Loading remote vault", 0)

	root, err := b.Remote(ctx)
	if err != nil {
		return nil, err
	}

	res, err = b.puller.Pull(ctx, root, b.cfg.Local, resolver, progress)
	if err != nil {
		return res, err
	}

	if b.cfg.State == nil {
		return res, nil
	}
	if err := b.cfg.State.InitVaultBuckets(b.cfg.VaultName); err != nil {
		return res, fmt.Errorf("recording pull: %w", err)
	}
	at := b.now()
	for _, f := range res.Files {
		if f.Content == nil {
			continue
		}
		if err := b.cfg.State.RecordSynced(b.cfg.VaultName, f.Path, f.Content, f.BlobID, at); err != nil {
			return res, fmt.Errorf("recording %s: %w", f.Path, err)
		}
	}
	if err := b.cfg.State.RecordPull(b.cfg.VaultName, at); err != nil {
		return res, fmt.Errorf("recording pull: %w", err)
	}
	if err := b.recordVault(root.ID); err != nil {
		return res, err
	}
	return res, nil
}

// forgetDeleted drops the records of tracked notes that are no longer
// in the local vault.
func (b *Bridge) forgetDeleted(paths []string) error {
	tracked, err := b.cfg.State.AllLocalFiles(b.cfg.VaultName)
	if err != nil {
		return fmt.Errorf("reading tracked files: %w", err)
	}

	present := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		present[p] = struct{}{}
	}
	for p := range tracked {
		if _, ok := present[p]; ok {
			continue
		}
		if err := b.cfg.State.DeleteLocalFile(b.cfg.VaultName, p); err != nil {
			return fmt.Errorf("forgetting %s: %w", p, err)
		}
		b.logger.Debug("forgot deleted note", slog.String("path", p))
	}
	return nil
}

func (b *Bridge) recordVault(rootID string) error {
	if b.cfg.State == nil {
		return nil
	}
	err := b.cfg.State.UpdateVault(b.cfg.VaultName, func(vs *state.VaultState) {
		vs.VaultID = rootID
		vs.Owner = b.cfg.Owner
	})
	if err != nil {
		return fmt.Errorf("recording vault: %w", err)
	}
	return nil
}

// Status is a snapshot of the bridge's bookkeeping.
type Status struct {
	VaultName  string    `json:"vault_name"`
	VaultID    string    `json:"vault_id,omitempty"`
	Address    string    `json:"address"`
	Epochs     int       `json:"epochs"`
	Busy       bool      `json:"busy"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	LastPushAt time.Time `json:"last_push_at,omitzero"`
	LastPullAt time.Time `json:"last_pull_at,omitzero"`
	LastDigest string    `json:"last_digest,omitempty"`
	Tracked    int       `json:"tracked_files"`

	// Modified lists tracked notes whose contents changed since they were
	// last synced. Missing lists tracked notes no longer on disk.
	Modified []string `json:"modified,omitempty"`
	Missing  []string `json:"missing,omitempty"`
}

// Status reads the persisted sync state and compares tracked notes with
// the local vault. It does not touch the network.
func (b *Bridge) Status() (Status, error) {
	st := Status{
		VaultName: b.cfg.VaultName,
		Address:   b.cfg.Owner,
		Epochs:    b.cfg.Epochs,
		Busy:      b.Busy(),
	}
	if b.cfg.State == nil {
		return st, nil
	}

	vs, err := b.cfg.State.GetVault(b.cfg.VaultName)
	if err != nil {
		return st, fmt.Errorf("reading vault state: %w", err)
	}
	files, err := b.cfg.State.AllLocalFiles(b.cfg.VaultName)
	if err != nil {
		return st, fmt.Errorf("reading tracked files: %w", err)
	}

	st.VaultID = vs.VaultID
	st.LastSyncAt = vs.LastSyncAt
	st.LastPushAt = vs.LastPushAt
	st.LastPullAt = vs.LastPullAt
	st.LastDigest = vs.LastDigest
	st.Tracked = len(files)

	if b.cfg.Local == nil {
		return st, nil
	}
	st.Modified, st.Missing, err = b.compareTracked(files)
	return st, err
}

// compareTracked checks each tracked note against the local vault.
func (b *Bridge) compareTracked(files map[string]state.LocalFile) (modified, missing []string, err error) {
	for path, rec := range files {
		ok, err := b.cfg.Local.Exists(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: checking %s: %w", vaulterrors.ErrLocalIO, path, err)
		}
		if !ok {
			missing = append(missing, path)
			continue
		}

		data, err := b.cfg.Local.Read(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading %s: %w", vaulterrors.ErrLocalIO, path, err)
		}
		if state.ContentHash(data) != rec.Hash {
			modified = append(modified, path)
		}
	}
	slices.Sort(modified)
	slices.Sort(missing)
	return modified, missing, nil
}
