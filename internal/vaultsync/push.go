package vaultsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/vault-bridge/internal/blobstore"
	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/metrics"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
)

const (
	// uploadSpan is the share of push progress spent uploading.
	uploadSpan = 80

	percentSigning    = 85
	percentSubmitting = 90
	percentConfirmed  = 100
)

// BlobStore is the blob store surface used by the reconcilers.
type BlobStore interface {
	Put(ctx context.Context, data []byte, epochs int) (*models.BlobDescriptor, error)
	GetMany(ctx context.Context, blobIDs []string) []blobstore.Result
}

// Encrypter seals note bodies before upload.
type Encrypter interface {
	Encrypt(ctx context.Context, vaultID string, plaintext []byte) ([]byte, error)
}

// Decrypter opens sealed blobs after download. The result is aligned
// with the input; entries not decrypted are nil.
type Decrypter interface {
	Decrypt(ctx context.Context, blobs [][]byte) ([][]byte, error)
}

var _ BlobStore = (*blobstore.Store)(nil)

// PushConfig wires a Pusher.
type PushConfig struct {
	Local     LocalStore
	Blobs     BlobStore
	Encrypter Encrypter
	Ledger    ledger.Client
	Target    ledger.Target
	Logger    *slog.Logger

	// Owner receives every created object and signs the transaction.
	Owner string

	// Epochs is the storage lease requested for each blob.
	Epochs int
}

// Pusher uploads local notes missing from the remote tree.
type Pusher struct {
	cfg    PushConfig
	logger *slog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(cfg PushConfig) *Pusher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pusher{cfg: cfg, logger: logger}
}

// Uploaded is one note that made it into the transaction.
type Uploaded struct {
	Path     string
	BlobID   string
	EndEpoch uint64
	Content  []byte
}

// FileFailure is a note skipped because of a per-file error.
type FileFailure struct {
	Path string
	Err  error
}

// PushResult summarises a push.
type PushResult struct {
	// Selected is the number of local notes absent from the remote.
	Selected int

	Uploaded     []Uploaded
	Failed       []FileFailure
	DirsCreated  int
	FilesCreated int

	// Digest is empty when nothing was submitted.
	Digest string
}

// pushPass holds the state of one Push call.
type pushPass struct {
	p        *Pusher
	idx      *remotetree.Index
	tx       *ledger.Tx
	dirRefs  map[string]ledger.ParentRef
	dirs     []ledger.Handle
	files    []ledger.Handle
	progress ProgressFunc
}

// Push uploads every path in paths that the remote tree rooted at root
// does not already contain, then records all new directories and files
// in a single transaction. Paths are vault-relative and include the
// note extension.
//
// Per-file upload failures are reported through progress and skipped. A
// local read failure or a cancelled context aborts before anything is
// submitted. If nothing needs creating, no transaction is submitted.
func (p *Pusher) Push(ctx context.Context, root *models.Directory, paths []string, progress ProgressFunc) (*PushResult, error) {
	if root == nil {
		return nil, fmt.Errorf("pushing: %w", vaulterrors.ErrVaultNotFound)
	}
	progress = Monotonic(progress)

	pass := &pushPass{
		p:        p,
		idx:      remotetree.NewIndex(root),
		tx:       ledger.NewTx(p.cfg.Target, p.cfg.Owner),
		dirRefs:  make(map[string]ledger.ParentRef),
		progress: progress,
	}

	var selected []string
	for _, path := range paths {
		if _, ok := pass.idx.Lookup(path); !ok {
			selected = append(selected, path)
		}
	}

	res := &PushResult{Selected: len(selected)}
	p.logger.Info("push started",
		slog.String("vault", root.Name),
		slog.Int("local", len(paths)),
		slog.Int("missing", len(selected)),
	)

	for i, path := range selected {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		up, err := pass.uploadOne(ctx, root.ID, path)
		switch {
		case err == nil:
			res.Uploaded = append(res.Uploaded, *up)
			metrics.RecordFile("push", "uploaded")
			progress("Uploaded "+path, scaled(i+1, len(selected), uploadSpan))
		case vaulterrors.IsPerFile(err):
			res.Failed = append(res.Failed, FileFailure{Path: path, Err: err})
			metrics.RecordFile("push", "failed")
			p.logger.Warn("skipping note",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			progress(fmt.Sprintf("Failed to upload %s: %v", path, err), scaled(i+1, len(selected), uploadSpan))
		default:
			return res, err
		}
	}

	res.DirsCreated = len(pass.dirs)
	res.FilesCreated = len(pass.files)
	if res.DirsCreated+res.FilesCreated == 0 {
		progress("Remote vault is up to date", percentConfirmed)
		return res, nil
	}

	for _, h := range pass.dirs {
		pass.tx.TransferDir(h, p.cfg.Owner)
	}
	for _, h := range pass.files {
		pass.tx.TransferFile(h, p.cfg.Owner)
	}

	digest, err := p.cfg.Ledger.Execute(ctx, pass.tx, func(s ledger.Stage) {
		switch s {
		case ledger.StageSigning:
			progress("Signing transaction", percentSigning)
		case ledger.StageSubmitting:
			progress("Submitting transaction", percentSubmitting)
		case ledger.StageConfirmed:
			progress("Transaction confirmed", percentConfirmed)
		}
	})
	if err != nil {
		if !errors.Is(err, vaulterrors.ErrLedgerTx) {
			err = fmt.Errorf("%w: %w", vaulterrors.ErrLedgerTx, err)
		}
		return res, fmt.Errorf("recording %d new objects: %w", res.DirsCreated+res.FilesCreated, err)
	}

	res.Digest = digest
	p.logger.Info("push committed",
		slog.String("digest", digest),
		slog.Int("directories", res.DirsCreated),
		slog.Int("files", res.FilesCreated),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// uploadOne reads, encrypts and stores one note, then stages its
// directories and file record.
func (pass *pushPass) uploadOne(ctx context.Context, vaultID, path string) (*Uploaded, error) {
	p := pass.p

	data, err := p.readLocal(path)
	if err != nil {
		return nil, err
	}

	sealed, err := p.cfg.Encrypter.Encrypt(ctx, vaultID, data)
	if err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", path, err)
	}

	desc, err := p.cfg.Blobs.Put(ctx, sealed, p.cfg.Epochs)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", path, err)
	}

	dir, name := splitPath(path)
	parent := pass.resolveParent(vaultID, dir)
	title := strings.TrimSuffix(name, models.NoteExtension)
	pass.files = append(pass.files, pass.tx.NewFile(title, desc.BlobID, desc.EndEpoch, parent))

	return &Uploaded{Path: path, BlobID: desc.BlobID, EndEpoch: desc.EndEpoch, Content: data}, nil
}

func (p *Pusher) readLocal(path string) ([]byte, error) {
	data, err := p.cfg.Local.Read(path)
	if err != nil {
		return nil, localErr("reading", path, err)
	}
	return data, nil
}

// resolveParent walks the directory prefixes of dir, reusing existing
// remote directories and directories already staged in this pass, and
// staging the rest.
func (pass *pushPass) resolveParent(rootID string, dir []string) ledger.ParentRef {
	ref := ledger.Committed(rootID)
	prefix := ""
	for _, seg := range dir {
		prefix = remotetree.JoinPath(prefix, seg)

		if r, ok := pass.dirRefs[prefix]; ok {
			ref = r
			continue
		}

		if id, ok := pass.idx.Dirs[prefix]; ok {
			ref = ledger.Committed(id)
		} else {
			h := pass.tx.NewDirectory(seg, ref)
			pass.dirs = append(pass.dirs, h)
			ref = ledger.Pending(h)
			pass.progress("Creating directory "+prefix, NoPercent)
		}
		pass.dirRefs[prefix] = ref
	}
	return ref
}

// splitPath separates a vault-relative path into its directory segments
// and file name.
func splitPath(path string) ([]string, string) {
	segs := strings.Split(path, "/")
	var dir []string
	for _, s := range segs[:len(segs)-1] {
		if s != "" {
			dir = append(dir, s)
		}
	}
	return dir, segs[len(segs)-1]
}
