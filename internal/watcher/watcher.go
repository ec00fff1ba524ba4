// Package watcher pushes a vault automatically: on an interval, and
// shortly after notes change on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/localfs"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is how long the vault must stay quiet after a
	// change before a push starts.
	DefaultDebounce = 5 * time.Second

	// DefaultCheckEvery is how often the interval condition is checked.
	DefaultCheckEvery = time.Minute
)

// Pusher runs one push session. *vaultsync.Bridge implements it.
type Pusher interface {
	Push(ctx context.Context, progress vaultsync.ProgressFunc) (*vaultsync.PushResult, error)
}

var _ Pusher = (*vaultsync.Bridge)(nil)

// Config configures a Watcher.
type Config struct {
	// Dir is the vault root to watch.
	Dir string

	// Interval is the minimum time between interval pushes. Zero turns
	// interval pushes off.
	Interval time.Duration

	// LastSync seeds the interval clock, typically from persisted state.
	LastSync time.Time

	// Debounce delays change-triggered pushes. Zero uses DefaultDebounce;
	// a negative value turns change-triggered pushes off.
	Debounce time.Duration

	CheckEvery time.Duration
	Logger     *slog.Logger
}

// Watcher triggers pushes. Pushes never overlap: a trigger that arrives
// while a session is running is retried on the next check.
type Watcher struct {
	cfg    Config
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSync time.Time
	dirty    bool
}

// New creates a Watcher.
func New(cfg Config, pusher Pusher) *Watcher {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Watcher{
		cfg:      cfg,
		pusher:   pusher,
		logger:   logger,
		now:      time.Now,
		lastSync: cfg.LastSync,
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.Debounce < 0 {
		return w.loop(ctx, nil)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := addRecursive(fw, w.cfg.Dir); err != nil {
		return fmt.Errorf("adding vault to watcher: %w", err)
	}

	return w.loop(ctx, fw)
}

// loop serves triggers. A nil fw disables change-triggered pushes.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fw != nil {
		events, errs = fw.Events, fw.Errors
	}

	ticker := time.NewTicker(w.cfg.CheckEvery)
	defer ticker.Stop()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if w.handleEvent(fw, event) {
				debounce.Reset(w.cfg.Debounce)
			}

		case err, ok := <-errs:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal (e.g. too many watches); the interval push still
			// picks the change up.
			w.logger.Warn("watch error", slog.String("error", err.Error()))

		case <-debounce.C:
			w.push(ctx, "change")

		case <-ticker.C:
			if w.due() {
				w.push(ctx, "interval")
			}
		}
	}
}

// due reports whether a push is owed: a change trigger was deferred,
// or the interval has elapsed since the last sync.
func (w *Watcher) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirty {
		return true
	}
	return w.cfg.Interval > 0 && w.now().Sub(w.lastSync) >= w.cfg.Interval
}

func (w *Watcher) push(ctx context.Context, reason string) {
	res, err := w.pusher.Push(ctx, nil)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case errors.Is(err, vaulterrors.ErrSessionActive):
		w.dirty = true
		w.logger.Debug("auto push deferred, session active", slog.String("reason", reason))
	case err != nil:
		w.dirty = true
		w.logger.Error("auto push failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	default:
		w.dirty = false
		w.lastSync = w.now()
		w.logger.Info("auto push finished",
			slog.String("reason", reason),
			slog.Int("uploaded", len(res.Uploaded)),
			slog.Int("failed", len(res.Failed)),
		)
	}
}

// handleEvent reports whether event concerns a note. New directories
// are added to the watch.
func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) bool {
	if shouldIgnore(event.Name) {
		return false
	}

	if event.Has(fsnotify.Create) {
		// Lstat so symlinked directories outside the vault are not
		// followed.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(fw, event.Name); err != nil {
				w.logger.Warn("watching new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		_ = fw.Remove(event.Name)
	}

	return localfs.IsNote(filepath.Base(event.Name))
}

// addRecursive adds dir and every non-hidden directory below it.
func addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		return fw.Add(path)
	})
}

// shouldIgnore skips hidden and editor temp files. Atomic-write temp
// files in the vault are dot files.
func shouldIgnore(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp")
}
