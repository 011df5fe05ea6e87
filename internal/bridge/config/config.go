// Package config loads bridge configuration from the environment and the
// optional core-users file.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oculairmedia/Letta-Matrix-sub002/common/environment"
)

// MinSyncInterval is the hard floor for the reconciliation interval.
// Sub-10s intervals caused login storms against the homeserver in earlier
// deployments, so they are refused rather than honoured.
const MinSyncInterval = 10 * time.Second

// DefaultSyncInterval is used when SYNC_INTERVAL_SECONDS is unset.
const DefaultSyncInterval = 60 * time.Second

// DefaultDedupeTTL bounds the lifetime of processed-event rows.
const DefaultDedupeTTL = 3600 * time.Second

// DefaultRouterWorkers is the size of the router worker pool.
const DefaultRouterWorkers = 16

// CoreUser is a pre-existing Matrix identity the bridge can log in as.
// Core users are invited into every agent room.
type CoreUser struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
}

// Config holds all bridge configuration.
type Config struct {
	// HomeserverURL is the Matrix homeserver base URL (e.g. "https://matrix.example.com").
	HomeserverURL string
	// ServerName is the Matrix server name used to build user IDs
	// (the part after the colon in "@user:server").
	ServerName string

	// AdminUsername/AdminPassword identify the homeserver admin account used
	// for space creation and rename remediation.
	AdminUsername string
	AdminPassword string

	// BotUsername/BotPassword identify the "letta" core user the bridge syncs
	// as. All agent rooms include this user.
	BotUsername string
	BotPassword string

	// LettaAPIURL is the base URL of the Letta server (e.g. "http://letta:8283").
	LettaAPIURL string
	// LettaToken is the bearer token for the Letta API. May be empty for
	// unauthenticated local deployments.
	LettaToken string

	// DataDir is where the SQLite database lives.
	DataDir string

	// SyncInterval is the reconciliation cadence. Never below MinSyncInterval.
	SyncInterval time.Duration
	// DedupeTTL is how long processed event IDs are retained.
	DedupeTTL time.Duration

	// DevMode switches agent passwords to the well-known dev value so local
	// stacks can log in as agents by hand. Never enable in production.
	DevMode bool

	// HTTPAddr is the listen address for the health/metrics server.
	HTTPAddr string

	// RouterWorkers is the number of concurrent router workers.
	RouterWorkers int

	// CoreUsers is the full set of core identities: the admin, the bot, and
	// any extra users loaded from CORE_USERS_FILE (e.g. matrixadmin).
	CoreUsers []CoreUser
}

// FromEnv loads configuration from environment variables. Missing required
// variables are reported together so the operator can fix them in one pass.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      environment.StringOr("HTTP_ADDR", ":8080"),
		DataDir:       environment.StringOr("DATA_DIR", "./data"),
		DevMode:       environment.BoolOr("DEV_MODE", false),
		RouterWorkers: environment.IntOr("ROUTER_WORKERS", DefaultRouterWorkers),
		LettaToken:    environment.StringOr("LETTA_TOKEN", ""),
	}

	var errs []error
	required := []struct {
		name string
		dst  *string
	}{
		{"MATRIX_HOMESERVER_URL", &cfg.HomeserverURL},
		{"MATRIX_SERVER_NAME", &cfg.ServerName},
		{"MATRIX_ADMIN_USERNAME", &cfg.AdminUsername},
		{"MATRIX_ADMIN_PASSWORD", &cfg.AdminPassword},
		{"MATRIX_USERNAME", &cfg.BotUsername},
		{"MATRIX_PASSWORD", &cfg.BotPassword},
		{"LETTA_API_URL", &cfg.LettaAPIURL},
	}
	for _, r := range required {
		v, err := environment.RequiredString(r.name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*r.dst = v
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", joinErrors(errs))
	}

	intervalSecs := environment.IntOr("SYNC_INTERVAL_SECONDS", int(DefaultSyncInterval/time.Second))
	cfg.SyncInterval = time.Duration(intervalSecs) * time.Second
	if cfg.SyncInterval < MinSyncInterval {
		return nil, fmt.Errorf("config: SYNC_INTERVAL_SECONDS=%d is below the %s floor", intervalSecs, MinSyncInterval)
	}

	ttlSecs := environment.IntOr("EVENT_DEDUPE_TTL_SECONDS", int(DefaultDedupeTTL/time.Second))
	if ttlSecs <= 0 {
		return nil, fmt.Errorf("config: EVENT_DEDUPE_TTL_SECONDS must be positive, got %d", ttlSecs)
	}
	cfg.DedupeTTL = time.Duration(ttlSecs) * time.Second

	if cfg.RouterWorkers <= 0 {
		cfg.RouterWorkers = DefaultRouterWorkers
	}

	cfg.CoreUsers = []CoreUser{
		{Username: cfg.AdminUsername, Password: cfg.AdminPassword},
		{Username: cfg.BotUsername, Password: cfg.BotPassword},
	}
	if path := environment.StringOr("CORE_USERS_FILE", ""); path != "" {
		extra, err := LoadCoreUsers(path)
		if err != nil {
			return nil, fmt.Errorf("config: core users file %s: %w", filepath.Clean(path), err)
		}
		cfg.CoreUsers = mergeCoreUsers(cfg.CoreUsers, extra)
	}

	return cfg, nil
}

// DatabasePath returns the SQLite file location inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "bridge.db")
}

// mergeCoreUsers appends extra users, skipping usernames already present so
// env-configured credentials win over file entries.
func mergeCoreUsers(base, extra []CoreUser) []CoreUser {
	seen := make(map[string]struct{}, len(base))
	for _, u := range base {
		seen[u.Username] = struct{}{}
	}
	for _, u := range extra {
		if _, dup := seen[u.Username]; dup {
			continue
		}
		seen[u.Username] = struct{}{}
		base = append(base, u)
	}
	return base
}

func joinErrors(errs []error) error {
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %w", err, e)
	}
	return err
}
