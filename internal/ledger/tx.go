// Package ledger builds vault mutation transactions and submits them to
// the ledger over a JSON-RPC WebSocket connection. It also answers the
// owned-object queries used to load the remote vault tree.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// DefaultModule is the on-ledger module holding the vault functions.
	DefaultModule = "coral_sync"

	// ClockObjectID is the shared clock object passed to every
	// constructor so the ledger can stamp created_at/updated_at.
	ClockObjectID = "0x6"
)

// Vault module functions.
const (
	FnNewRootDirectory = "new_root_directory"
	FnNewDirectory     = "new_directory"
	FnNewFile          = "new_file"
	FnTransferDir      = "transfer_dir"
	FnTransferFile     = "transfer_file"
)

// Object type names, relative to the module.
const (
	TypeDirectory = "Directory"
	TypeFile      = "File"
)

// Target names the package and module that transactions call into.
type Target struct {
	PackageID string
	Module    string
}

// Function returns the fully qualified function name.
func (t Target) Function(fn string) string {
	return t.PackageID + "::" + t.Module + "::" + fn
}

// Type returns the fully qualified object type name.
func (t Target) Type(name string) string {
	return t.PackageID + "::" + t.Module + "::" + name
}

// Handle is the index of a command inside one transaction. It refers to
// the object that command creates and is only meaningful within that
// transaction.
type Handle int

// ArgKind is the kind of a command argument.
type ArgKind string

const (
	ArgString  ArgKind = "string"
	ArgU64     ArgKind = "u64"
	ArgAddress ArgKind = "address"
	ArgObject  ArgKind = "object"
	ArgResult  ArgKind = "result"
)

// Arg is one command argument. Value holds the string form for every
// kind except ArgResult, which uses Index.
type Arg struct {
	Kind  ArgKind `json:"kind"`
	Value string  `json:"value,omitempty"`
	Index *int    `json:"index,omitempty"`
}

// Argument constructors.
func String(s string) Arg { return Arg{Kind: ArgString, Value: s} }
func U64(n uint64) Arg { return Arg{Kind: ArgU64, Value: strconv.FormatUint(n, 10)} }
func Address(a string) Arg { return Arg{Kind: ArgAddress, Value: a} }
func Object(id string) Arg { return Arg{Kind: ArgObject, Value: id} }
func Result(h Handle) Arg {
	i := int(h)
	return Arg{Kind: ArgResult, Index: &i}
}

// ParentRef is where a new directory or file is attached: either an
// object already on the ledger or a directory created earlier in the
// same transaction.
type ParentRef struct {
	id      string
	handle  Handle
	pending bool
}

// Committed refers to an existing ledger object.
func Committed(id string) ParentRef { return ParentRef{id: id} }

// Pending refers to the object created by an earlier command.
func Pending(h Handle) ParentRef { return ParentRef{handle: h, pending: true} }

// IsPending reports whether the parent is created by this transaction.
func (p ParentRef) IsPending() bool { return p.pending }

// Arg converts the reference into a command argument.
func (p ParentRef) Arg() Arg {
	if p.pending {
		return Result(p.handle)
	}
	return Object(p.id)
}

func (p ParentRef) String() string {
	if p.pending {
		return fmt.Sprintf("pending(%d)", p.handle)
	}
	return p.id
}

// Command is a single function call.
type Command struct {
	Function string `json:"function"`
	Args     []Arg  `json:"args"`
}

// Tx accumulates commands for one atomic submission. It is not safe for
// concurrent use.
type Tx struct {
	target   Target
	sender   string
	commands []Command
}

// NewTx starts an empty transaction sent by sender.
func NewTx(target Target, sender string) *Tx {
	if target.Module == "" {
		target.Module = DefaultModule
	}
	return &Tx{target: target, sender: sender}
}

// Sender returns the transaction sender address.
func (t *Tx) Sender() string { return t.sender }

// Len returns the number of staged commands.
func (t *Tx) Len() int { return len(t.commands) }

// Commands returns a copy of the staged commands.
func (t *Tx) Commands() []Command {
	return append([]Command(nil), t.commands...)
}

func (t *Tx) add(fn string, args ...Arg) Handle {
	t.commands = append(t.commands, Command{Function: t.target.Function(fn), Args: args})
	return Handle(len(t.commands) - 1)
}

// NewRootDirectory stages creation of a vault root.
func (t *Tx) NewRootDirectory(name string) Handle {
	return t.add(FnNewRootDirectory, String(name), Object(ClockObjectID))
}

// NewDirectory stages creation of a directory under parent.
func (t *Tx) NewDirectory(name string, parent ParentRef) Handle {
	return t.add(FnNewDirectory, String(name), parent.Arg(), Object(ClockObjectID))
}

// NewFile stages creation of a file record under parent.
func (t *Tx) NewFile(title, blobID string, endEpoch uint64, parent ParentRef) Handle {
	return t.add(FnNewFile, String(title), String(blobID), U64(endEpoch), parent.Arg(), Object(ClockObjectID))
}

// TransferDir stages transfer of a created directory to recipient.
func (t *Tx) TransferDir(dir Handle, recipient string) {
	t.add(FnTransferDir, Result(dir), Address(recipient))
}

// TransferFile stages transfer of a created file to recipient.
func (t *Tx) TransferFile(file Handle, recipient string) {
	t.add(FnTransferFile, Result(file), Address(recipient))
}

type txData struct {
	Sender   string    `json:"sender"`
	Commands []Command `json:"commands"`
}

// Bytes returns the canonical encoding that is signed and submitted.
func (t *Tx) Bytes() ([]byte, error) {
	cmds := t.commands
	if cmds == nil {
		cmds = []Command{}
	}
	data, err := json.Marshal(txData{Sender: t.sender, Commands: cmds})
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}
	return data, nil
}

// DecodeTx parses bytes produced by Tx.Bytes. It returns the sender and
// the commands.
func DecodeTx(data []byte) (string, []Command, error) {
	var d txData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", nil, fmt.Errorf("decoding transaction: %w", err)
	}
	return d.Sender, d.Commands, nil
}
