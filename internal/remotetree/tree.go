// Package remotetree assembles the remote vault tree from flat ledger
// rows and flattens it into a path lookup for reconciliation. Every walk
// uses an explicit stack so arbitrarily deep vaults cannot exhaust the
// call stack.
package remotetree

import (
	"fmt"
	"sort"
	"strings"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/models"
)

// Build assembles the tree rooted at the root directory named vaultName.
// Child directories are ordered by name and files by title. Rows whose
// parent chain never reaches the root are left out, as are files whose
// directory is not part of the tree.
func Build(rows []models.DirectoryRow, files []models.FileRecord, vaultName string) (*models.Directory, error) {
	rootIdx := -1
	for i := range rows {
		if rows[i].IsRoot && rows[i].Name == vaultName {
			rootIdx = i
			break
		}
	}
	if rootIdx < 0 {
		return nil, fmt.Errorf("%w: no root directory named %q", vaulterrors.ErrVaultNotFound, vaultName)
	}

	children := make(map[string][]int, len(rows))
	for i, r := range rows {
		if r.IsRoot {
			continue
		}
		children[r.Parent] = append(children[r.Parent], i)
	}

	filesByDir := make(map[string][]models.FileRecord)
	for _, f := range files {
		filesByDir[f.Dir] = append(filesByDir[f.Dir], f)
	}

	// The arena never grows past len(rows), so pointers into it stay
	// valid while the tree is linked up.
	arena := make([]models.Directory, 0, len(rows))
	placed := make(map[string]bool, len(rows))

	arena = append(arena, fromRow(rows[rootIdx]))
	placed[rows[rootIdx].ID] = true

	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &arena[idx]

		node.Files = sortedFiles(filesByDir[node.ID])

		kids := children[node.ID]
		sort.SliceStable(kids, func(a, b int) bool {
			return rows[kids[a]].Name < rows[kids[b]].Name
		})

		for _, k := range kids {
			row := rows[k]
			if placed[row.ID] {
				continue
			}
			placed[row.ID] = true
			arena = append(arena, fromRow(row))
			child := len(arena) - 1
			node.Directories = append(node.Directories, &arena[child])
			stack = append(stack, child)
		}
	}

	return &arena[0], nil
}

func fromRow(r models.DirectoryRow) models.Directory {
	return models.Directory{
		ID:        r.ID,
		Name:      r.Name,
		Parent:    r.Parent,
		IsRoot:    r.IsRoot,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func sortedFiles(files []models.FileRecord) []models.FileRecord {
	if len(files) == 0 {
		return nil
	}
	out := make([]models.FileRecord, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// CountFiles returns the number of files reachable from root.
func CountFiles(root *models.Directory) int {
	if root == nil {
		return 0
	}
	count := 0
	stack := []*models.Directory{root}
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count += len(d.Files)
		stack = append(stack, d.Directories...)
	}
	return count
}

// JoinPath slash-joins non-empty segments.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}
