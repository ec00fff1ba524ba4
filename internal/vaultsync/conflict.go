package vaultsync

import (
	"context"

	"github.com/alexjbarnes/vault-bridge/internal/models"
)

// DecisionKind is the outcome of a conflict.
type DecisionKind int

const (
	// Identical means the contents turned out to be the same; nothing
	// is written.
	Identical DecisionKind = iota
	// UseRemote overwrites the local note with the remote content.
	UseRemote
	// KeepLocal leaves the local note untouched.
	KeepLocal
	// ManualContent writes Decision.Content to the local note.
	ManualContent
)

func (k DecisionKind) String() string {
	switch k {
	case Identical:
		return "identical"
	case UseRemote:
		return "use_remote"
	case KeepLocal:
		return "keep_local"
	case ManualContent:
		return "manual"
	default:
		return "unknown"
	}
}

// Decision is a resolver's answer for one file.
type Decision struct {
	Kind    DecisionKind
	Content []byte
}

// Conflict describes a note whose local and remote contents differ.
type Conflict struct {
	Path   string
	Local  []byte
	Remote []byte
	File   models.FileRecord
}

// Resolver decides conflicts. The pull reconciler calls Resolve at most
// once at a time and waits for the answer; implementations must return
// promptly with ctx.Err() when ctx is cancelled.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (Decision, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, c Conflict) (Decision, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	return f(ctx, c)
}

// Policy returns a resolver that always answers kind. It is meant for
// unattended sessions (auto sync, tool calls).
func Policy(kind DecisionKind) Resolver {
	return ResolverFunc(func(ctx context.Context, _ Conflict) (Decision, error) {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: kind}, nil
	})
}

// Policy resolvers for unattended sessions.
var (
	KeepLocalResolver = Policy(KeepLocal)
	UseRemoteResolver = Policy(UseRemote)
)

// ParsePolicy maps "keep_local" and "use_remote" to their resolvers.
func ParsePolicy(name string) (Resolver, bool) {
	switch name {
	case KeepLocal.String():
		return KeepLocalResolver, true
	case UseRemote.String():
		return UseRemoteResolver, true
	default:
		return nil, false
	}
}
