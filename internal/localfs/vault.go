// Package localfs is the local side of the vault: a directory of
// markdown notes addressed by slash-separated paths relative to its root.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/alexjbarnes/vault-bridge/internal/models"
	"golang.org/x/text/unicode/norm"
)

const (
	// vaultDirPerm is the permission mode for directories created inside
	// the vault.
	vaultDirPerm = fs.FileMode(0o755)

	// vaultFilePerm is the permission mode for files written inside the
	// vault.
	vaultFilePerm = fs.FileMode(0o644)
)

// Vault provides thread-safe filesystem operations on the vault
// directory. Writes take an exclusive lock and reads a shared one, so a
// reader never observes a partial write from the pull reconciler.
type Vault struct {
	dir string
	mu  sync.RWMutex
}

// NewVault creates a Vault rooted at dir, creating it if needed. The
// directory must be an absolute path (resolved at config load time).
func NewVault(dir string) (*Vault, error) {
	if dir == "" {
		return nil, errors.New("vault directory must not be empty")
	}

	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("creating vault directory %s: %w", dir, err)
	}

	return &Vault{dir: filepath.Clean(dir)}, nil
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// Exists reports whether a file or directory exists at relPath.
func (v *Vault) Exists(relPath string) (bool, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return false, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err = os.Stat(absPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", relPath, err)
}

// Mkdir creates a directory and its parents. Creating an existing
// directory is not an error.
func (v *Vault) Mkdir(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(absPath, vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", relPath, err)
	}
	return nil
}

// Read returns the bytes of a file.
func (v *Vault) Read(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// Write replaces the whole content of a file, creating parent
// directories as needed.
func (v *Vault) Write(relPath string, data []byte) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	// Write to a sibling temp file and rename so readers never see a
	// truncated note.
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".vault-bridge-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", relPath, err)
	}
	if err := os.Chmod(tmpName, vaultFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", relPath, err)
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", relPath, err)
	}
	return nil
}

// ListNotes returns the paths of every note in the vault, sorted. Hidden
// files and directories (leading dot) are skipped. Paths are NFC
// normalized; the other methods accept them whatever the on-disk form.
func (v *Vault) ListNotes() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var notes []string
	err := filepath.WalkDir(v.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == v.dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(v.dir, path)
		if err != nil {
			return err
		}
		rel = NormalizePath(rel)
		if IsNote(rel) {
			notes = append(notes, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing notes in %s: %w", v.dir, err)
	}

	sort.Strings(notes)
	return notes, nil
}

// IsNote reports whether a vault-relative path is a syncable note.
func IsNote(relPath string) bool {
	if !strings.HasSuffix(relPath, models.NoteExtension) {
		return false
	}
	for _, seg := range strings.Split(relPath, "/") {
		if strings.HasPrefix(seg, ".") {
			return false
		}
	}
	return len(relPath) > len(models.NoteExtension)
}

// resolve converts a relative path to an absolute path within the vault
// directory, rejecting path traversal attempts. Validates against null
// bytes, ".." segments, and symlinks that escape the vault.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(v.dir, v.onDisk(relPath))
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside vault dir", relPath)
	}

	// Walk up to the deepest existing ancestor and make sure its real
	// path is still inside the vault.
	existing := absPath
	for {
		realPath, err := filepath.EvalSymlinks(existing)
		if err == nil {
			root, rerr := filepath.EvalSymlinks(v.dir)
			if rerr != nil {
				root = v.dir
			}
			if realPath != root && !strings.HasPrefix(realPath, root+string(os.PathSeparator)) {
				return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q outside vault", relPath, realPath)
			}
			return absPath, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing || len(parent) < len(v.dir) {
			return absPath, nil
		}
		existing = parent
	}
}

// onDisk maps a normalized path to the spelling used on disk. Segments
// that do not exist verbatim are matched against their directory's
// entries by NFC form, so names stored decomposed (as macOS and some
// sync tools write them) still resolve. Unmatched segments are kept.
func (v *Vault) onDisk(relPath string) string {
	segs := strings.Split(relPath, "/")
	cur := v.dir
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		if _, err := os.Lstat(filepath.Join(cur, seg)); err != nil {
			if match, ok := matchEntry(cur, seg); ok {
				segs[i] = match
			} else {
				break
			}
		}
		cur = filepath.Join(cur, segs[i])
	}
	return strings.Join(segs, "/")
}

// matchEntry finds the entry of dir whose name equals name under NFC.
func matchEntry(dir, name string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	want := norm.NFC.String(name)
	for _, e := range entries {
		if norm.NFC.String(e.Name()) == want {
			return e.Name(), true
		}
	}
	return "", false
}

// NormalizePath normalizes a vault-relative path. It converts OS-native
// separators to forward slashes, replaces non-breaking spaces with
// regular spaces, collapses repeated slashes, trims leading and trailing
// slashes, and applies Unicode NFC normalization.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	return norm.NFC.String(strings.Trim(b.String(), "/"))
}
