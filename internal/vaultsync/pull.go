package vaultsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/metrics"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
)

// FileState is what a pull did with one remote file.
type FileState int

const (
	// Fetched means the note did not exist locally and was written.
	Fetched FileState = iota
	// Skipped means the local note already matched, or the resolver
	// found the two identical.
	Skipped
	// Written means a conflict was resolved by writing new content.
	Written
	// KeptLocal means a conflict was resolved in favour of the local note.
	KeptLocal
	// Failed means the remote body could not be fetched or decrypted.
	Failed
)

func (s FileState) String() string {
	switch s {
	case Fetched:
		return "fetched"
	case Skipped:
		return "skipped"
	case Written:
		return "written"
	case KeptLocal:
		return "kept_local"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PulledFile is the outcome for one remote file.
type PulledFile struct {
	Path   string
	BlobID string
	State  FileState
	// Content is what the local note holds after the pull. Nil for
	// KeptLocal and Failed.
	Content []byte
	Err     error
}

// PullResult summarises a pull.
type PullResult struct {
	Total int
	Files []PulledFile
}

// Count returns how many files ended in state s.
func (r *PullResult) Count(s FileState) int {
	n := 0
	for _, f := range r.Files {
		if f.State == s {
			n++
		}
	}
	return n
}

// Failed returns the files that could not be fetched or decrypted.
func (r *PullResult) Failed() []PulledFile {
	var out []PulledFile
	for _, f := range r.Files {
		if f.State == Failed {
			out = append(out, f)
		}
	}
	return out
}

// PullConfig wires a Puller.
type PullConfig struct {
	Blobs     BlobStore
	Decrypter Decrypter
	Logger    *slog.Logger
}

// Puller materialises the remote tree in a local vault.
type Puller struct {
	cfg    PullConfig
	logger *slog.Logger
}

// NewPuller creates a Puller.
func NewPuller(cfg PullConfig) *Puller {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Puller{cfg: cfg, logger: logger}
}

// Pull walks root depth-first with an explicit stack, taking each
// directory's local path from the tree index. For each directory it
// ensures the local directory exists, fetches and decrypts every file
// body of that directory, then reconciles each file in title order
// before descending into child directories.
//
// Fetch and key failures are contained to the file. Local I/O failures,
// resolver errors and cancellation abort the pull; the partial result is
// returned with the error.
func (p *Puller) Pull(ctx context.Context, root *models.Directory, local LocalStore, resolver Resolver, progress ProgressFunc) (*PullResult, error) {
	if root == nil {
		return nil, fmt.Errorf("pulling: %w", vaulterrors.ErrVaultNotFound)
	}
	if resolver == nil {
		resolver = KeepLocalResolver
	}
	progress = Monotonic(progress)

	res := &PullResult{Total: remotetree.CountFiles(root)}
	p.logger.Info("pull started",
		slog.String("vault", root.Name),
		slog.Int("files", res.Total),
	)

	idx := remotetree.NewIndex(root)
	stack := []*models.Directory{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			return res, err
		}

		dirPath, ok := idx.DirPath(dir.ID)
		if !ok {
			return res, fmt.Errorf("directory %s is not in the remote tree", dir.ID)
		}
		if dirPath != "" {
			if err := ensureDir(local, dirPath); err != nil {
				return res, err
			}
		}

		if err := p.pullDir(ctx, dir, dirPath, local, resolver, progress, res); err != nil {
			return res, err
		}

		for i := len(dir.Directories) - 1; i >= 0; i-- {
			stack = append(stack, dir.Directories[i])
		}
	}

	progress("Pull complete", percentConfirmed)
	p.logger.Info("pull finished",
		slog.Int("fetched", res.Count(Fetched)),
		slog.Int("written", res.Count(Written)),
		slog.Int("kept_local", res.Count(KeptLocal)),
		slog.Int("skipped", res.Count(Skipped)),
		slog.Int("failed", res.Count(Failed)),
	)
	return res, nil
}

// pullDir reconciles the files directly inside dir.
func (p *Puller) pullDir(ctx context.Context, dir *models.Directory, dirPath string, local LocalStore, resolver Resolver, progress ProgressFunc, res *PullResult) error {
	if len(dir.Files) == 0 {
		return nil
	}

	bodies, errs, err := p.fetchBodies(ctx, dir.Files)
	if err != nil {
		return err
	}

	for i, file := range dir.Files {
		path := remotetree.JoinPath(dirPath, file.FileName())

		out := PulledFile{Path: path, BlobID: file.BlobID}
		if errs[i] != nil {
			out.State = Failed
			out.Err = errs[i]
			p.logger.Warn("skipping remote file",
				slog.String("path", path),
				slog.String("error", errs[i].Error()),
			)
		} else {
			out.State, out.Content, err = p.reconcile(ctx, local, resolver, path, file, bodies[i])
			if err != nil {
				return err
			}
		}

		res.Files = append(res.Files, out)
		metrics.RecordFile("pull", out.State.String())

		percent := scaled(len(res.Files), res.Total, 100)
		if out.State == Failed {
			progress(fmt.Sprintf("Failed to fetch %s: %v", path, out.Err), percent)
		} else {
			progress(fmt.Sprintf("%s %s", out.State, path), percent)
		}
	}
	return nil
}

// fetchBodies downloads and decrypts the given files. For each file,
// either its plaintext or its per-file error is set. The returned error
// is non-nil only when the session must stop.
func (p *Puller) fetchBodies(ctx context.Context, files []models.FileRecord) ([][]byte, []error, error) {
	plain := make([][]byte, len(files))
	errs := make([]error, len(files))

	var (
		ids   []string
		slots []int
	)
	for i, f := range files {
		if f.BlobID == "" {
			errs[i] = fmt.Errorf("file %s has no blob: %w", f.ID, vaulterrors.ErrRetrievalFailed)
			continue
		}
		ids = append(ids, f.BlobID)
		slots = append(slots, i)
	}

	results := p.cfg.Blobs.GetMany(ctx, ids)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		sealed [][]byte
		owners []int
	)
	for j, r := range results {
		i := slots[j]
		if r.Err != nil {
			errs[i] = r.Err
			continue
		}
		sealed = append(sealed, r.Data)
		owners = append(owners, i)
	}

	opened, err := p.cfg.Decrypter.Decrypt(ctx, sealed)
	if err != nil && !vaulterrors.IsPerFile(err) {
		return nil, nil, err
	}
	for j, i := range owners {
		if j < len(opened) && opened[j] != nil {
			plain[i] = opened[j]
			continue
		}
		if err != nil {
			errs[i] = err
		} else {
			errs[i] = fmt.Errorf("blob %s: %w", files[i].BlobID, vaulterrors.ErrRetrievalFailed)
		}
	}
	return plain, errs, nil
}

// reconcile applies one remote body to the local vault.
func (p *Puller) reconcile(ctx context.Context, local LocalStore, resolver Resolver, path string, file models.FileRecord, remote []byte) (FileState, []byte, error) {
	exists, err := local.Exists(path)
	if err != nil {
		return Failed, nil, localErr("checking", path, err)
	}
	if !exists {
		if err := local.Write(path, remote); err != nil {
			return Failed, nil, localErr("writing", path, err)
		}
		return Fetched, remote, nil
	}

	current, err := local.Read(path)
	if err != nil {
		return Failed, nil, localErr("reading", path, err)
	}
	if bytes.Equal(current, remote) {
		return Skipped, current, nil
	}

	decision, err := resolver.Resolve(ctx, Conflict{Path: path, Local: current, Remote: remote, File: file})
	if err != nil {
		return Failed, nil, fmt.Errorf("resolving conflict on %s: %w", path, err)
	}
	p.logger.Info("conflict resolved",
		slog.String("path", path),
		slog.String("decision", decision.Kind.String()),
	)

	switch decision.Kind {
	case Identical:
		return Skipped, current, nil
	case KeepLocal:
		return KeptLocal, nil, nil
	case UseRemote:
		if err := local.Write(path, remote); err != nil {
			return Failed, nil, localErr("writing", path, err)
		}
		return Written, remote, nil
	case ManualContent:
		if err := local.Write(path, decision.Content); err != nil {
			return Failed, nil, localErr("writing", path, err)
		}
		return Written, decision.Content, nil
	default:
		return Failed, nil, fmt.Errorf("resolving conflict on %s: unknown decision %d", path, decision.Kind)
	}
}

func ensureDir(local LocalStore, path string) error {
	exists, err := local.Exists(path)
	if err != nil {
		return localErr("checking", path, err)
	}
	if exists {
		return nil
	}
	if err := local.Mkdir(path); err != nil {
		return localErr("creating", path, err)
	}
	return nil
}

func localErr(op, path string, err error) error {
	if errors.Is(err, vaulterrors.ErrLocalIO) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", vaulterrors.ErrLocalIO, op, path, err)
}
