package remotetree

import (
	"sort"

	"github.com/alexjbarnes/vault-bridge/internal/models"
)

// Index is the flattened view of one remote tree snapshot. It is built
// once per reconciliation pass and never updated.
type Index struct {
	// Files maps "dir/sub/title.md" to the file record. Root directory
	// name is not part of the path.
	Files map[string]models.FileRecord

	// Dirs maps a directory path ("" for the root) to its id.
	Dirs map[string]string

	root   *models.Directory
	byID   map[string]*models.Directory
	parent map[string]string
}

type frame struct {
	dir    *models.Directory
	prefix string
}

// NewIndex walks root depth-first: root files, then each child
// directory in order with its files before its own children. When two
// files resolve to the same path the later one wins.
func NewIndex(root *models.Directory) *Index {
	idx := &Index{
		Files:  make(map[string]models.FileRecord),
		Dirs:   make(map[string]string),
		root:   root,
		byID:   make(map[string]*models.Directory),
		parent: make(map[string]string),
	}
	if root == nil {
		return idx
	}

	stack := []frame{{dir: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx.Dirs[f.prefix] = f.dir.ID
		idx.byID[f.dir.ID] = f.dir

		for _, file := range f.dir.Files {
			idx.Files[JoinPath(f.prefix, file.FileName())] = file
		}

		for i := len(f.dir.Directories) - 1; i >= 0; i-- {
			child := f.dir.Directories[i]
			idx.parent[child.ID] = f.dir.ID
			stack = append(stack, frame{dir: child, prefix: JoinPath(f.prefix, child.Name)})
		}
	}

	return idx
}

// Flatten returns the path to file record mapping for the tree.
func Flatten(root *models.Directory) map[string]models.FileRecord {
	return NewIndex(root).Files
}

// Lookup returns the file at path.
func (idx *Index) Lookup(path string) (models.FileRecord, bool) {
	f, ok := idx.Files[path]
	return f, ok
}

// DirID returns the id of the directory at path ("" is the root).
func (idx *Index) DirID(path string) (string, bool) {
	id, ok := idx.Dirs[path]
	return id, ok
}

// Root returns the root directory the index was built from.
func (idx *Index) Root() *models.Directory {
	return idx.root
}

// Paths returns every file path in sorted order.
func (idx *Index) Paths() []string {
	paths := make([]string, 0, len(idx.Files))
	for p := range idx.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Ancestors returns the chain of directories from the root down to and
// including dirID. Unknown ids yield nil.
func (idx *Index) Ancestors(dirID string) []*models.Directory {
	if _, ok := idx.byID[dirID]; !ok {
		return nil
	}

	var chain []*models.Directory
	for id := dirID; id != ""; id = idx.parent[id] {
		chain = append(chain, idx.byID[id])
		if len(chain) > len(idx.byID) {
			break
		}
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// DirPath returns the slash path of a directory, root excluded.
func (idx *Index) DirPath(dirID string) (string, bool) {
	chain := idx.Ancestors(dirID)
	if chain == nil {
		return "", false
	}
	names := make([]string, 0, len(chain))
	for _, d := range chain[1:] {
		names = append(names, d.Name)
	}
	return JoinPath(names...), true
}
