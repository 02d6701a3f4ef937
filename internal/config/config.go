// Package config loads MASC's runtime configuration: a chu.Load entrypoint
// over a struct of cfg-tagged fields, environment variables under the
// MASC_ prefix via loaderenv, a tell.Config telemetry embed, and logi
// log-level wiring.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service identifies this build in logs and telemetry, set by cmd/mascd's
// main from its name/version globals.
var Service = ""

// AutoRespond selects the peripheral auto-responder mode. The responder
// itself lives outside the coordination server; the mode is only carried
// in configuration.
type AutoRespond string

const (
	AutoRespondOff   AutoRespond = "off"
	AutoRespondSpawn AutoRespond = "spawn"
	AutoRespondLLM   AutoRespond = "llm"
)

// Config is MASC's full runtime configuration, loaded by Load from
// environment variables under the MASC_ prefix (and any other chu loader
// registered by an embedding deployment, e.g. Consul or Vault).
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Backend selects the storage.Store implementation: memory, filesystem,
	// or sql. Empty defaults to memory.
	Backend string `cfg:"backend" default:"memory"`

	// FSDir is the room base directory for the filesystem backend.
	FSDir string `cfg:"fs_dir" default:"./masc-room"`

	// Postgres configures the sql backend; SQLite is the embedded
	// alternative used when no Postgres URL is set.
	Postgres Postgres `cfg:"postgres"`
	SQLite   SQLite   `cfg:"sqlite"`

	// ClusterName namespaces every logical storage key so multiple MASC
	// rooms can share one Postgres database without colliding.
	ClusterName string `cfg:"cluster_name"`

	// EncryptionKey, if set, enables AES-256-GCM at-rest encryption of
	// stored values (see internal/crypto). Resolved via
	// crypto.ResolveKey: used directly as a passphrase, or read from the
	// file it names, or passed straight through.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// PubsubMaxMessages bounds retained messages/events per channel.
	PubsubMaxMessages int `cfg:"pubsub_max_messages" default:"1000"`

	// AutoRespond selects the peripheral auto-responder mode.
	AutoRespond AutoRespond `cfg:"auto_respond" default:"off"`

	// HTTPPort is the port the HTTP JSON-RPC transport listens on. Empty
	// disables the HTTP transport entirely (stdio-only).
	HTTPPort string `cfg:"http_port"`
	HTTPHost string `cfg:"http_host" default:"0.0.0.0"`

	// Stdio serves the JSON-RPC protocol on stdin/stdout, the default MCP
	// transport.
	Stdio bool `cfg:"stdio" default:"true"`

	// AdminToken protects the HTTP settings API (key rotation). Empty
	// rejects all admin requests.
	AdminToken string `cfg:"admin_token" log:"-"`

	// AuthSecret enables tool-call token authorization when set: tokens are
	// signed and verified with this secret. Empty disables auth entirely.
	AuthSecret string `cfg:"auth_secret" log:"-"`

	// SpawnURL, if set, is POSTed the successor prompt when the handoff
	// controller executes mitosis. Empty means spawn requests are logged
	// for an external supervisor to pick up.
	SpawnURL string `cfg:"spawn_url"`

	// StemPoolFile names a YAML file of successor-prompt templates for the
	// handoff controller's stem-cell pool.
	StemPoolFile string `cfg:"stem_pool_file"`

	// ZombieThreshold is how stale an agent's last_seen may grow before the
	// background sweep removes it. SweepInterval is the sweep cadence and
	// GCAge how long terminal tasks linger before archival.
	ZombieThreshold time.Duration `cfg:"zombie_threshold" default:"5m"`
	SweepInterval   time.Duration `cfg:"sweep_interval" default:"30s"`
	GCAge           time.Duration `cfg:"gc_age" default:"24h"`

	// TelemetryEnabled gates the OTel collector; the Telemetry block below
	// configures it.
	TelemetryEnabled bool `cfg:"telemetry_enabled"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used for encryption-key rotation and leader election of background
	// sweep/GC loops across a clustered deployment.
	Alan *alan.Config `cfg:"alan"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Postgres configures the sql storage backend's connection.
type Postgres struct {
	// URL is the MASC_POSTGRES_URL connection string.
	URL         string `cfg:"url" log:"-"`
	TablePrefix string `cfg:"table_prefix" default:"masc_"`
}

// SQLite configures the embedded variant of the sql backend.
type SQLite struct {
	Path        string `cfg:"path" default:"./masc.db"`
	TablePrefix string `cfg:"table_prefix" default:"masc_"`
}

// Load reads configuration from the environment (prefix MASC_) plus any
// registered external loaders, and applies the resolved log level.
func Load(ctx context.Context, name string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, name, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("MASC_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
