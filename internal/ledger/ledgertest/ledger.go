// Package ledgertest provides an in-memory ledger that applies vault
// transactions, for reconciler and end-to-end tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/alexjbarnes/vault-bridge/internal/models"
)

type object struct {
	dir   *models.DirectoryRow
	file  *models.FileRecord
	owner string
}

// Ledger is an in-memory ledger. Transactions apply atomically: a
// failing command leaves no trace. Every object a transaction creates
// must also be transferred by it.
type Ledger struct {
	target ledger.Target

	mu       sync.Mutex
	seq      int
	objects  map[string]*object
	order    []string
	txs      [][]ledger.Command
	failNext error
	now      func() time.Time
}

var _ ledger.Client = (*Ledger)(nil)

// New creates an empty ledger for target.
func New(target ledger.Target) *Ledger {
	if target.Module == "" {
		target.Module = ledger.DefaultModule
	}
	return &Ledger{
		target:  target,
		objects: make(map[string]*object),
		now:     time.Now,
	}
}

// Target returns the package and module the ledger accepts.
func (l *Ledger) Target() ledger.Target { return l.target }

// FailNext makes the next Execute fail with err.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Transactions returns the command lists of every applied transaction.
func (l *Ledger) Transactions() [][]ledger.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]ledger.Command(nil), l.txs...)
}

// Execute implements ledger.Client.
func (l *Ledger) Execute(_ context.Context, tx *ledger.Tx, stage ledger.StageFunc) (string, error) {
	if stage == nil {
		stage = func(ledger.Stage) {}
	}
	stage(ledger.StageSigning)
	stage(ledger.StageSubmitting)

	digest, err := l.Apply(tx.Sender(), tx.Commands())
	if err != nil {
		return "", err
	}
	stage(ledger.StageConfirmed)
	return digest, nil
}

// Apply executes commands sent by sender and returns the digest.
func (l *Ledger) Apply(sender string, cmds []ledger.Command) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failNext; err != nil {
		l.failNext = nil
		return "", fmt.Errorf("%w: %w", vaulterrors.ErrLedgerTx, err)
	}

	a := &applier{l: l, sender: sender, results: make([]string, len(cmds)), created: map[string]*object{}}
	for i, cmd := range cmds {
		if err := a.apply(i, cmd); err != nil {
			return "", fmt.Errorf("command %d (%s): %w: %w", i, cmd.Function, vaulterrors.ErrLedgerTx, err)
		}
	}
	for id, obj := range a.created {
		if obj.owner == "" {
			return "", fmt.Errorf("object %s created but never transferred: %w", id, vaulterrors.ErrLedgerTx)
		}
	}

	for _, id := range a.order {
		l.objects[id] = a.created[id]
		l.order = append(l.order, id)
	}
	if a.seq > l.seq {
		l.seq = a.seq
	}
	l.txs = append(l.txs, cmds)
	return fmt.Sprintf("tx%d", len(l.txs)), nil
}

// OwnedDirectories implements ledger.Client.
func (l *Ledger) OwnedDirectories(_ context.Context, owner string) ([]models.DirectoryRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []models.DirectoryRow
	for _, id := range l.order {
		if obj := l.objects[id]; obj.dir != nil && obj.owner == owner {
			rows = append(rows, *obj.dir)
		}
	}
	return rows, nil
}

// OwnedFiles implements ledger.Client.
func (l *Ledger) OwnedFiles(_ context.Context, owner string) ([]models.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var files []models.FileRecord
	for _, id := range l.order {
		if obj := l.objects[id]; obj.file != nil && obj.owner == owner {
			files = append(files, *obj.file)
		}
	}
	return files, nil
}

// applier stages the effects of one transaction.
type applier struct {
	l       *Ledger
	sender  string
	seq     int
	results []string
	created map[string]*object
	order   []string
}

func (a *applier) newID() string {
	if a.seq < a.l.seq {
		a.seq = a.l.seq
	}
	a.seq++
	return fmt.Sprintf("0x%064x", a.seq)
}

func (a *applier) lookup(id string) *object {
	if obj, ok := a.created[id]; ok {
		return obj
	}
	return a.l.objects[id]
}

func (a *applier) resolve(arg ledger.Arg, i int) (string, error) {
	switch arg.Kind {
	case ledger.ArgObject:
		return arg.Value, nil
	case ledger.ArgResult:
		if arg.Index == nil || *arg.Index < 0 || *arg.Index >= i || a.results[*arg.Index] == "" {
			return "", errors.New("result argument does not refer to an earlier creation")
		}
		return a.results[*arg.Index], nil
	default:
		return "", fmt.Errorf("expected object argument, got %s", arg.Kind)
	}
}

func (a *applier) parentDir(arg ledger.Arg, i int) (string, error) {
	id, err := a.resolve(arg, i)
	if err != nil {
		return "", err
	}
	obj := a.lookup(id)
	if obj == nil || obj.dir == nil {
		return "", fmt.Errorf("parent %s is not a directory", id)
	}
	if obj.owner != "" && obj.owner != a.sender {
		return "", fmt.Errorf("parent %s is not owned by sender", id)
	}
	return id, nil
}

func (a *applier) create(i int, obj *object) string {
	id := a.newID()
	a.results[i] = id
	a.created[id] = obj
	a.order = append(a.order, id)
	return id
}

func (a *applier) apply(i int, cmd ledger.Command) error {
	now := a.l.now().UTC()
	args := cmd.Args

	switch cmd.Function {
	case a.l.target.Function(ledger.FnNewRootDirectory):
		if len(args) != 2 || args[0].Kind != ledger.ArgString {
			return errors.New("bad arguments")
		}
		row := &models.DirectoryRow{Name: args[0].Value, IsRoot: true, CreatedAt: now, UpdatedAt: now}
		row.ID = a.create(i, &object{dir: row})

	case a.l.target.Function(ledger.FnNewDirectory):
		if len(args) != 3 || args[0].Kind != ledger.ArgString {
			return errors.New("bad arguments")
		}
		parent, err := a.parentDir(args[1], i)
		if err != nil {
			return err
		}
		row := &models.DirectoryRow{Name: args[0].Value, Parent: parent, CreatedAt: now, UpdatedAt: now}
		row.ID = a.create(i, &object{dir: row})

	case a.l.target.Function(ledger.FnNewFile):
		if len(args) != 5 || args[0].Kind != ledger.ArgString || args[1].Kind != ledger.ArgString || args[2].Kind != ledger.ArgU64 {
			return errors.New("bad arguments")
		}
		epoch, err := strconv.ParseUint(args[2].Value, 10, 64)
		if err != nil {
			return fmt.Errorf("end epoch: %w", err)
		}
		parent, err := a.parentDir(args[3], i)
		if err != nil {
			return err
		}
		rec := &models.FileRecord{
			Title: args[0].Value, BlobID: args[1].Value, EndEpoch: epoch,
			Dir: parent, CreatedAt: now, UpdatedAt: now,
		}
		rec.ID = a.create(i, &object{file: rec})

	case a.l.target.Function(ledger.FnTransferDir), a.l.target.Function(ledger.FnTransferFile):
		if len(args) != 2 || args[1].Kind != ledger.ArgAddress {
			return errors.New("bad arguments")
		}
		id, err := a.resolve(args[0], i)
		if err != nil {
			return err
		}
		obj, ok := a.created[id]
		if !ok {
			return fmt.Errorf("%s was not created by this transaction", id)
		}
		wantDir := cmd.Function == a.l.target.Function(ledger.FnTransferDir)
		if wantDir != (obj.dir != nil) {
			return fmt.Errorf("%s has the wrong object type", id)
		}
		obj.owner = args[1].Value

	default:
		return fmt.Errorf("unknown function %s", cmd.Function)
	}
	return nil
}
