package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for vault-bridge.
type Config struct {
	// Hex-encoded 32-byte ed25519 seed of the identity that owns the vault.
	IdentitySeed string `env:"IDENTITY_SEED"`

	// Name of the remote vault (the root directory name).
	VaultName string `env:"VAULT_NAME"`

	// Local directory holding the vault's notes. Resolved to an absolute
	// path by Load.
	VaultDir string `env:"VAULT_DIR"`

	// Blob storage lease requested per upload, in epochs.
	StorageEpochs int `env:"STORAGE_EPOCHS" envDefault:"10"`

	// Per-attempt timeout for a single mirror request.
	MirrorTimeout time.Duration `env:"MIRROR_TIMEOUT" envDefault:"10s"`

	// Mirror lists, tried in order. MIRRORS_FILE entries take precedence;
	// built-in lists fill whatever is still empty.
	Mirrors     Mirrors
	MirrorsFile string `env:"MIRRORS_FILE"`

	// Ledger JSON-RPC WebSocket endpoint and the vault package on it.
	LedgerURL  string `env:"LEDGER_URL"`
	PackageID  string `env:"PACKAGE_ID"`
	ModuleName string `env:"MODULE_NAME" envDefault:"coral_sync"`

	// Threshold key service.
	KeyServiceURL string        `env:"KEY_SERVICE_URL"`
	KeyThreshold  int           `env:"KEY_THRESHOLD" envDefault:"2"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"10m"`

	// Background sync. Conflicts found by unattended pulls are settled
	// by ConflictPolicy (keep_local or use_remote).
	AutoSync         bool          `env:"AUTO_SYNC" envDefault:"false"`
	AutoSyncInterval time.Duration `env:"AUTO_SYNC_INTERVAL" envDefault:"60m"`
	ConflictPolicy   string        `env:"CONFLICT_POLICY" envDefault:"keep_local"`

	// MCP tool server.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`

	// Prometheus endpoint. Empty disables it unless MCP is enabled, in
	// which case /metrics is served next to the tools.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// bbolt state file. Defaults to ~/.vault-bridge/state.db.
	StatePath string `env:"STATE_PATH"`
}

// Mirrors are the ordered blob endpoints.
type Mirrors struct {
	Publishers  []string `env:"PUBLISHER_URLS" envSeparator:"," yaml:"publishers"`
	Aggregators []string `env:"AGGREGATOR_URLS" envSeparator:"," yaml:"aggregators"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the identity seed to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.loadMirrors(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Path checks in localfs compare against the vault root, so the root
	// must be absolute.
	absDir, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault dir to absolute path: %w", err)
	}

	cfg.VaultDir = absDir

	return cfg, nil
}

// loadMirrors layers MIRRORS_FILE over the env lists, then fills
// anything still empty from the built-in defaults.
func (c *Config) loadMirrors() error {
	c.Mirrors.Publishers = trimURLs(c.Mirrors.Publishers)
	c.Mirrors.Aggregators = trimURLs(c.Mirrors.Aggregators)

	if c.MirrorsFile != "" {
		file, err := readMirrorsFile(c.MirrorsFile)
		if err != nil {
			return err
		}

		if err := mergo.Merge(&c.Mirrors, file, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging mirrors file: %w", err)
		}
	}

	if err := mergo.Merge(&c.Mirrors, DefaultMirrors()); err != nil {
		return fmt.Errorf("applying default mirrors: %w", err)
	}

	return nil
}

func readMirrorsFile(path string) (Mirrors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mirrors{}, fmt.Errorf("reading mirrors file: %w", err)
	}

	var m Mirrors
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mirrors{}, fmt.Errorf("parsing mirrors file %s: %w", path, err)
	}

	m.Publishers = trimURLs(m.Publishers)
	m.Aggregators = trimURLs(m.Aggregators)

	return m, nil
}

func trimURLs(urls []string) []string {
	var out []string

	for _, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			out = append(out, u)
		}
	}

	return out
}

func (c *Config) validate() error {
	required := []struct {
		name, value string
	}{
		{"IDENTITY_SEED", c.IdentitySeed},
		{"VAULT_NAME", c.VaultName},
		{"VAULT_DIR", c.VaultDir},
		{"LEDGER_URL", c.LedgerURL},
		{"PACKAGE_ID", c.PackageID},
		{"KEY_SERVICE_URL", c.KeyServiceURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if strings.ContainsAny(c.VaultName, `/\`) {
		return fmt.Errorf("VAULT_NAME must not contain path separators")
	}

	if c.StorageEpochs < 1 {
		return fmt.Errorf("STORAGE_EPOCHS must be at least 1, got %d", c.StorageEpochs)
	}

	if c.KeyThreshold < 1 {
		return fmt.Errorf("KEY_THRESHOLD must be at least 1, got %d", c.KeyThreshold)
	}

	if c.MirrorTimeout <= 0 {
		return fmt.Errorf("MIRROR_TIMEOUT must be positive")
	}

	if c.AutoSync && c.AutoSyncInterval < time.Minute {
		return fmt.Errorf("AUTO_SYNC_INTERVAL must be at least 1m, got %s", c.AutoSyncInterval)
	}

	switch c.ConflictPolicy {
	case "keep_local", "use_remote":
	default:
		return fmt.Errorf("CONFLICT_POLICY must be keep_local or use_remote, got %q", c.ConflictPolicy)
	}

	if err := checkURL("LEDGER_URL", c.LedgerURL, "ws", "wss"); err != nil {
		return err
	}

	if err := checkURL("KEY_SERVICE_URL", c.KeyServiceURL, "http", "https"); err != nil {
		return err
	}

	for _, u := range c.Mirrors.Publishers {
		if err := checkURL("publisher mirror", u, "http", "https"); err != nil {
			return err
		}
	}

	for _, u := range c.Mirrors.Aggregators {
		if err := checkURL("aggregator mirror", u, "http", "https"); err != nil {
			return err
		}
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", name, raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s %q must use one of %s", name, raw, strings.Join(schemes, ", "))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServeMetrics reports whether a /metrics endpoint should be exposed.
func (c *Config) ServeMetrics() bool {
	return c.MetricsAddr != "" || c.EnableMCP
}
