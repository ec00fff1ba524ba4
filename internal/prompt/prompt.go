// Package prompt asks a person at a terminal how to settle a pull
// conflict. It shows a line diff of the two versions and reads one of
// r (take remote), l (keep local) or m (write both with conflict
// markers).
package prompt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"

	markerLocal  = "<<<<<<< local"
	markerSplit  = "======="
	markerRemote = ">>>>>>> remote"
)

// ErrInputClosed is returned when the input ends before a choice is
// made.
var ErrInputClosed = errors.New("prompt input closed")

// Options tune a Resolver.
type Options struct {
	// Color enables ANSI colouring of the diff.
	Color  bool
	Logger *slog.Logger
}

// Resolver is an interactive vaultsync.Resolver. Input is read by a
// single background goroutine so an abandoned prompt never holds up the
// caller: Resolve returns ctx.Err() as soon as ctx is done.
type Resolver struct {
	in     io.Reader
	out    io.Writer
	opts   Options
	logger *slog.Logger

	once  sync.Once
	lines chan string
	mu    sync.Mutex
}

var _ vaultsync.Resolver = (*Resolver)(nil)

// New creates a Resolver reading choices from in and writing to out.
func New(in io.Reader, out io.Writer, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{in: in, out: out, opts: opts, logger: logger}
}

func (r *Resolver) start() {
	r.lines = make(chan string)
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			r.logger.Warn("prompt input failed", slog.String("error", err.Error()))
		}
	}()
}

// Resolve shows the conflict and waits for a choice.
func (r *Resolver) Resolve(ctx context.Context, c vaultsync.Conflict) (vaultsync.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return vaultsync.Decision{}, err
	}

	local, remote := normalize(c.Local), normalize(c.Remote)
	if local == remote {
		return vaultsync.Decision{Kind: vaultsync.Identical}, nil
	}

	r.once.Do(r.start)

	diffs := lineDiff(local, remote)
	fmt.Fprintf(r.out, "\nConflict in %s\n", c.Path)
	r.render(diffs)

	for {
		fmt.Fprint(r.out, "Keep [r]emote, [l]ocal, or [m]erge with markers? ")

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return vaultsync.Decision{}, ctx.Err()
		case line, ok = <-r.lines:
		}
		if !ok {
			return vaultsync.Decision{}, fmt.Errorf("resolving %s: %w", c.Path, ErrInputClosed)
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "remote":
			return vaultsync.Decision{Kind: vaultsync.UseRemote}, nil
		case "l", "local":
			return vaultsync.Decision{Kind: vaultsync.KeepLocal}, nil
		case "m", "merge":
			return vaultsync.Decision{Kind: vaultsync.ManualContent, Content: []byte(Markers(diffs))}, nil
		default:
			fmt.Fprintf(r.out, "Unrecognised choice %q\n", strings.TrimSpace(line))
		}
	}
}

func (r *Resolver) render(diffs []diffmatchpatch.Diff) {
	for _, d := range diffs {
		var prefix, color string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix, color = "- ", ansiRed
		case diffmatchpatch.DiffInsert:
			prefix, color = "+ ", ansiGreen
		default:
			prefix = "  "
		}

		for _, line := range splitLines(d.Text) {
			if color != "" && r.opts.Color {
				fmt.Fprintf(r.out, "%s%s%s%s\n", color, prefix, line, ansiReset)
				continue
			}
			fmt.Fprintf(r.out, "%s%s\n", prefix, line)
		}
	}
}

// Markers merges a line diff of local against remote into one text,
// wrapping every differing run in git-style conflict markers.
func Markers(diffs []diffmatchpatch.Diff) string {
	var (
		out     strings.Builder
		ours    strings.Builder
		theirs  strings.Builder
		pending bool
	)

	flush := func() {
		if !pending {
			return
		}
		out.WriteString(markerLocal + "\n")
		out.WriteString(withNewline(ours.String()))
		out.WriteString(markerSplit + "\n")
		out.WriteString(withNewline(theirs.String()))
		out.WriteString(markerRemote + "\n")
		ours.Reset()
		theirs.Reset()
		pending = false
	}

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			ours.WriteString(d.Text)
			pending = true
		case diffmatchpatch.DiffInsert:
			theirs.WriteString(d.Text)
			pending = true
		default:
			flush()
			out.WriteString(d.Text)
		}
	}
	flush()

	return out.String()
}

// lineDiff diffs local against remote line by line.
func lineDiff(local, remote string) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(local, remote)
	diffs := dmp.DiffMain(a, b, false)
	return dmp.DiffCharsToLines(diffs, lines)
}

func normalize(b []byte) string {
	return string(bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n")))
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
