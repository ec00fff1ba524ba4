package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/vault-bridge/internal/config"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/prompt"
	"github.com/alexjbarnes/vault-bridge/internal/remotetree"
	"github.com/alexjbarnes/vault-bridge/internal/vaultsync"
)

var Version = "dev"

const usage = `usage: vault-bridge <command> [flags]

commands:
  init     create the remote vault if it does not exist
  push     upload local notes missing from the remote vault
  pull     download remote notes into the local vault
  status   show persisted sync state
  tree     list the remote vault
  serve    run auto sync, the MCP server and metrics until interrupted
  version  print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "version":
		fmt.Println(Version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("vault-bridge starting",
		slog.String("version", Version),
		slog.String("command", command),
		slog.String("vault", cfg.VaultName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "init":
		return withApp(ctx, cfg, logger, runInit)
	case "push":
		return withApp(ctx, cfg, logger, runPush)
	case "pull":
		policy, err := parsePullFlags(args, cfg.ConflictPolicy)
		if err != nil {
			return err
		}
		return withApp(ctx, cfg, logger, func(ctx context.Context, a *app) error {
			return runPull(ctx, a, policy)
		})
	case "status":
		return withApp(ctx, cfg, logger, runStatus)
	case "tree":
		return withApp(ctx, cfg, logger, runTree)
	case "serve":
		return withApp(ctx, cfg, logger, runServe)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
}

func withApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// policyAsk selects the interactive resolver.
const policyAsk = "ask"

func parsePullFlags(args []string, def string) (string, error) {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	policy := fs.String("policy", "", "conflict policy: ask, keep_local or use_remote (default ask on a terminal)")
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("parsing pull flags: %w", err)
	}

	switch {
	case *policy != "":
	case isTerminal(os.Stdin):
		*policy = policyAsk
	default:
		*policy = def
	}

	if *policy == policyAsk {
		return *policy, nil
	}
	if _, ok := vaultsync.ParsePolicy(*policy); !ok {
		return "", fmt.Errorf("unknown conflict policy %q", *policy)
	}
	return *policy, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// printProgress writes session progress to stderr.
func printProgress(message string, percent int) {
	if percent == vaultsync.NoPercent {
		fmt.Fprintf(os.Stderr, "       %s\n", message)
		return
	}
	fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", percent, message)
}

func runInit(ctx context.Context, a *app) error {
	root, err := a.bridge.Init(ctx, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("vault %q ready (%s)\n", root.Name, root.ID)
	return nil
}

func runPush(ctx context.Context, a *app) error {
	res, err := a.bridge.Push(ctx, printProgress)
	if err != nil {
		return err
	}

	fmt.Printf("pushed %d of %d notes (%d directories created)\n",
		len(res.Uploaded), res.Selected, res.DirsCreated)
	for _, f := range res.Failed {
		fmt.Printf("  failed %s: %v\n", f.Path, f.Err)
	}
	if res.Digest != "" {
		fmt.Printf("transaction %s\n", res.Digest)
	}
	return nil
}

func runPull(ctx context.Context, a *app, policy string) error {
	var resolver vaultsync.Resolver
	if policy == policyAsk {
		resolver = prompt.New(os.Stdin, os.Stdout, prompt.Options{
			Color:  isTerminal(os.Stdout),
			Logger: a.logger,
		})
	} else {
		resolver, _ = vaultsync.ParsePolicy(policy)
	}

	res, err := a.bridge.Pull(ctx, resolver, printProgress)
	if res != nil {
		fmt.Printf("pulled %d notes: %d written, %d unchanged, %d kept local, %d failed\n",
			res.Total,
			res.Count(vaultsync.Written),
			res.Count(vaultsync.Skipped),
			res.Count(vaultsync.KeptLocal),
			res.Count(vaultsync.Failed),
		)
		for _, f := range res.Failed() {
			fmt.Printf("  failed %s: %v\n", f.Path, f.Err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return errors.New("pull cancelled")
	}
	return err
}

func runStatus(_ context.Context, a *app) error {
	st, err := a.bridge.Status()
	if err != nil {
		return err
	}
	return printJSON(struct {
		vaultsync.Status
		AutoSync         bool   `json:"auto_sync"`
		AutoSyncInterval string `json:"auto_sync_interval"`
	}{
		Status:           st,
		AutoSync:         a.cfg.AutoSync,
		AutoSyncInterval: a.cfg.AutoSyncInterval.String(),
	})
}

func runTree(ctx context.Context, a *app) error {
	root, err := a.bridge.Remote(ctx)
	if err != nil {
		return err
	}
	for _, p := range remotetree.NewIndex(root).Paths() {
		fmt.Println(p)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
