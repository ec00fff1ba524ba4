// Package mcpserver registers MCP tools that expose vault sync
// operations. It adapts the sync bridge to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Bridge is the sync surface the tools drive. *vaultsync.Bridge
// implements it.
type Bridge interface {
	VaultName() string
	Status() (vaultsync.Status, error)
	Remote(ctx context.Context) (*models.Directory, error)
	Push(ctx context.Context, progress vaultsync.ProgressFunc) (*vaultsync.PushResult, error)
	Pull(ctx context.Context, resolver vaultsync.Resolver, progress vaultsync.ProgressFunc) (*vaultsync.PullResult, error)
}

var _ Bridge = (*vaultsync.Bridge)(nil)

// RegisterTools adds all vault sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, b Bridge) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Show sync status: vault name and id, owner address, storage epochs, last push/pull times, last transaction digest, and whether a sync is running.",
	}, statusHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vault_remote_tree",
		Description: "Load the remote vault from the ledger. Returns the flat list of note paths, or the full directory tree when tree=true.",
	}, treeHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vault_push",
		Description: "Upload every local note missing from the remote vault and record them in one ledger transaction. Existing remote notes are never modified.",
	}, pushHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vault_pull",
		Description: "Download the remote vault into the local directory. Notes that differ on both sides are settled by policy: keep_local (default) or use_remote.",
	}, pullHandler(b))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// TreeInput holds parameters for vault_remote_tree.
type TreeInput struct {
	Tree bool `json:"tree,omitempty" jsonschema:"return the nested directory tree instead of flat paths"`
}

// PushInput has no parameters.
type PushInput struct{}

// PullInput holds parameters for vault_pull.
type PullInput struct {
	Policy string `json:"policy,omitempty" jsonschema:"conflict policy: keep_local or use_remote, defaults to keep_local"`
}

// --- Output types ---

// TreeResult is the output of vault_remote_tree. Tree holds a
// *models.Directory; it is typed any because schema inference rejects
// recursive types.
type TreeResult struct {
	Vault      string   `json:"vault"`
	TotalFiles int      `json:"total_files"`
	Paths      []string `json:"paths,omitempty"`
	Tree       any      `json:"tree,omitempty"`
}

// FileError names a file that failed and why.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// PushSummary is the output of vault_push.
type PushSummary struct {
	Selected     int         `json:"selected"`
	Uploaded     []string    `json:"uploaded"`
	Failed       []FileError `json:"failed,omitempty"`
	DirsCreated  int         `json:"directories_created"`
	FilesCreated int         `json:"files_created"`
	Digest       string      `json:"digest,omitempty"`
}

// PullSummary is the output of vault_pull.
type PullSummary struct {
	Total     int         `json:"total"`
	Fetched   int         `json:"fetched"`
	Written   int         `json:"written"`
	KeptLocal int         `json:"kept_local"`
	Skipped   int         `json:"skipped"`
	Failed    []FileError `json:"failed,omitempty"`
}

// --- Handlers ---

func statusHandler(b Bridge) mcp.ToolHandlerFor[StatusInput, *vaultsync.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *vaultsync.Status, error) {
		st, err := b.Status()
		if err != nil {
			return nil, nil, err
		}
		return textResult(st), &st, nil
	}
}

func treeHandler(b Bridge) mcp.ToolHandlerFor[TreeInput, *TreeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TreeInput) (*mcp.CallToolResult, *TreeResult, error) {
		root, err := b.Remote(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &TreeResult{Vault: b.VaultName(), TotalFiles: remotetree.CountFiles(root)}
		if input.Tree {
			result.Tree = root
		} else {
			result.Paths = remotetree.NewIndex(root).Paths()
		}
		return textResult(result), result, nil
	}
}

func pushHandler(b Bridge) mcp.ToolHandlerFor[PushInput, *PushSummary] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ PushInput) (*mcp.CallToolResult, *PushSummary, error) {
		res, err := b.Push(ctx, progressNotifier(ctx, req))
		if err != nil {
			return nil, nil, err
		}

		result := &PushSummary{
			Selected:     res.Selected,
			Uploaded:     make([]string, 0, len(res.Uploaded)),
			DirsCreated:  res.DirsCreated,
			FilesCreated: res.FilesCreated,
			Digest:       res.Digest,
		}
		for _, up := range res.Uploaded {
			result.Uploaded = append(result.Uploaded, up.Path)
		}
		for _, f := range res.Failed {
			result.Failed = append(result.Failed, FileError{Path: f.Path, Error: f.Err.Error()})
		}
		return textResult(result), result, nil
	}
}

func pullHandler(b Bridge) mcp.ToolHandlerFor[PullInput, *PullSummary] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input PullInput) (*mcp.CallToolResult, *PullSummary, error) {
		policy := input.Policy
		if policy == "" {
			policy = vaultsync.KeepLocal.String()
		}
		resolver, ok := vaultsync.ParsePolicy(policy)
		if !ok {
			return nil, nil, fmt.Errorf("unknown conflict policy %q, use keep_local or use_remote", policy)
		}

		res, err := b.Pull(ctx, resolver, progressNotifier(ctx, req))
		if err != nil {
			return nil, nil, err
		}

		result := &PullSummary{
			Total:     res.Total,
			Fetched:   res.Count(vaultsync.Fetched),
			Written:   res.Count(vaultsync.Written),
			KeptLocal: res.Count(vaultsync.KeptLocal),
			Skipped:   res.Count(vaultsync.Skipped),
		}
		for _, f := range res.Failed() {
			result.Failed = append(result.Failed, FileError{Path: f.Path, Error: f.Err.Error()})
		}
		return textResult(result), result, nil
	}
}

// progressNotifier forwards sync progress as MCP progress notifications
// when the caller supplied a progress token.
func progressNotifier(ctx context.Context, req *mcp.CallToolRequest) vaultsync.ProgressFunc {
	if req == nil || req.Session == nil || req.Params == nil {
		return nil
	}
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil
	}

	return func(message string, percent int) {
		params := &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Message:       message,
			Total:         100,
		}
		if percent != vaultsync.NoPercent {
			params.Progress = float64(percent)
		}
		_ = req.Session.NotifyProgress(ctx, params)
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
