package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultServerAddr is the default TCP address the server listens on.
	DefaultServerAddr = ":8600"
	// DefaultAdminAddr is the default loopback address for the admin API.
	DefaultAdminAddr = "127.0.0.1:8601"
	// DefaultHeartbeatInterval controls the server→client heartbeat cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultSessionTimeout drops a session with no inbound frames.
	DefaultSessionTimeout = 90 * time.Second
	// DefaultBatchFlushMs is the steady-state uplink flush interval.
	DefaultBatchFlushMs = 1000
	// DefaultBatchMaxEvents bounds events per uplink batch.
	DefaultBatchMaxEvents = 500
	// DefaultReplayPageSize bounds events per receiver replay page.
	DefaultReplayPageSize = 500
	// DefaultBroadcastBuffer sizes the per-stream broadcast channel.
	DefaultBroadcastBuffer = 256
	// DefaultRaceRefreshInterval re-evaluates race stream mappings.
	DefaultRaceRefreshInterval = 500 * time.Millisecond
	// DefaultRequestTimeout bounds admin↔forwarder proxied requests.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultPruneBatch bounds rows deleted per journal prune pass.
	DefaultPruneBatch = 1000

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated files are kept.
	DefaultLogMaxAgeDays = 7
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

func defaultLogging(path string) LoggingConfig {
	return LoggingConfig{
		Level:      DefaultLogLevel,
		Path:       path,
		MaxSizeMB:  DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAgeDays: DefaultLogMaxAgeDays,
		Compress:   true,
	}
}

// ReaderConfig describes one IPICO reader the forwarder ingests from.
type ReaderConfig struct {
	// Target is "ip:port"; port defaults to 10000 when omitted.
	Target   string `toml:"target"`
	Enabled  bool   `toml:"enabled"`
	ReadType string `toml:"read_type"`
	// LocalFanoutPort overrides the deterministic local fan-out port.
	LocalFanoutPort int `toml:"local_fanout_port"`
}

// UplinkConfig captures batching behaviour for the forwarder uplink.
type UplinkConfig struct {
	// BatchMode is "batched" or "immediate".
	BatchMode      string `toml:"batch_mode"`
	BatchFlushMs   int    `toml:"batch_flush_ms"`
	BatchMaxEvents int    `toml:"batch_max_events"`
}

// ForwarderConfig is the full configuration for the forwarder binary.
type ForwarderConfig struct {
	// ServerURL is the server base URL, e.g. "ws://host:8600".
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	// ForwarderID overrides the token-derived identity when set.
	ForwarderID string `toml:"forwarder_id"`
	DisplayName string `toml:"display_name"`
	JournalPath string `toml:"journal_path"`
	// PruneArchiveDir receives gzip artifacts of pruned journal rows;
	// empty disables archiving.
	PruneArchiveDir string         `toml:"prune_archive_dir"`
	PruneBatch      int            `toml:"prune_batch"`
	Readers         []ReaderConfig `toml:"readers"`
	Uplink          UplinkConfig   `toml:"uplink"`
	Logging         LoggingConfig  `toml:"logging"`
}

// ServerConfig is the full configuration for the server binary.
type ServerConfig struct {
	Addr        string        `toml:"addr"`
	AdminAddr   string        `toml:"admin_addr"`
	DatabaseURL string        `toml:"database_url"`
	Logging     LoggingConfig `toml:"logging"`

	HeartbeatInterval time.Duration `toml:"-"`
	SessionTimeout    time.Duration `toml:"-"`
	ReplayPageSize    int           `toml:"replay_page_size"`
	BroadcastBuffer   int           `toml:"broadcast_buffer"`
	// CursorRetentionSchedule is a cron expression for the stale-cursor
	// sweep; empty disables it.
	CursorRetentionSchedule string `toml:"cursor_retention_schedule"`
}

// SubscriptionConfig seeds one stream subscription at receiver startup.
type SubscriptionConfig struct {
	ForwarderID   string `toml:"forwarder_id"`
	ReaderAddress string `toml:"reader_address"`
	LocalPort     int    `toml:"local_port"`
}

// ReceiverConfig is the full configuration for the receiver binary.
type ReceiverConfig struct {
	ServerURL     string               `toml:"server_url"`
	Token         string               `toml:"token"`
	ReceiverID    string               `toml:"receiver_id"`
	StatePath     string               `toml:"state_path"`
	Subscriptions []SubscriptionConfig `toml:"subscriptions"`
	Logging       LoggingConfig        `toml:"logging"`
}

// LoadForwarder reads the forwarder configuration file, applying defaults
// and returning descriptive errors for invalid settings.
func LoadForwarder(path string) (*ForwarderConfig, error) {
	cfg := &ForwarderConfig{
		JournalPath: "forwarder.sqlite3",
		PruneBatch:  DefaultPruneBatch,
		Uplink: UplinkConfig{
			BatchMode:      "batched",
			BatchFlushMs:   DefaultBatchFlushMs,
			BatchMaxEvents: DefaultBatchMaxEvents,
		},
		Logging: defaultLogging("forwarder.log"),
	}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	var problems []string
	if strings.TrimSpace(cfg.ServerURL) == "" {
		problems = append(problems, "server_url must be set")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		problems = append(problems, "token must be set")
	}
	if cfg.Uplink.BatchMode != "batched" && cfg.Uplink.BatchMode != "immediate" {
		problems = append(problems, fmt.Sprintf("uplink.batch_mode must be \"batched\" or \"immediate\", got %q", cfg.Uplink.BatchMode))
	}
	if cfg.Uplink.BatchFlushMs <= 0 {
		problems = append(problems, "uplink.batch_flush_ms must be positive")
	}
	if cfg.Uplink.BatchMaxEvents <= 0 {
		problems = append(problems, "uplink.batch_max_events must be positive")
	}
	enabled := 0
	for i, r := range cfg.Readers {
		if strings.TrimSpace(r.Target) == "" {
			problems = append(problems, fmt.Sprintf("readers[%d].target must be set", i))
		} else if !strings.Contains(r.Target, ":") {
			cfg.Readers[i].Target = r.Target + ":10000"
		}
		if r.Enabled {
			enabled++
		}
		if r.ReadType == "" {
			cfg.Readers[i].ReadType = "RAW"
		}
	}
	if enabled == 0 {
		problems = append(problems, "at least one enabled reader is required")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadServer reads the server configuration file plus environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:              DefaultServerAddr,
		AdminAddr:         DefaultAdminAddr,
		Logging:           defaultLogging("server.log"),
		HeartbeatInterval: DefaultHeartbeatInterval,
		SessionTimeout:    DefaultSessionTimeout,
		ReplayPageSize:    DefaultReplayPageSize,
		BroadcastBuffer:   DefaultBroadcastBuffer,
	}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	var problems []string
	if raw := strings.TrimSpace(os.Getenv("TIMERELAY_DB_URL")); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := strings.TrimSpace(os.Getenv("TIMERELAY_ADDR")); raw != "" {
		cfg.Addr = raw
	}
	if raw := strings.TrimSpace(os.Getenv("TIMERELAY_SESSION_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("TIMERELAY_SESSION_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.SessionTimeout = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TIMERELAY_HEARTBEAT_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("TIMERELAY_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TIMERELAY_REPLAY_PAGE_SIZE")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			problems = append(problems, fmt.Sprintf("TIMERELAY_REPLAY_PAGE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.ReplayPageSize = v
		}
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		problems = append(problems, "database_url (or TIMERELAY_DB_URL) must be set")
	}
	if cfg.ReplayPageSize <= 0 || cfg.ReplayPageSize > DefaultReplayPageSize {
		problems = append(problems, fmt.Sprintf("replay_page_size must be in 1..%d", DefaultReplayPageSize))
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = DefaultBroadcastBuffer
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadReceiver reads the receiver configuration file.
func LoadReceiver(path string) (*ReceiverConfig, error) {
	cfg := &ReceiverConfig{
		StatePath: "receiver.db",
		Logging:   defaultLogging("receiver.log"),
	}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	var problems []string
	if strings.TrimSpace(cfg.ServerURL) == "" {
		problems = append(problems, "server_url must be set")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		problems = append(problems, "token must be set")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func decodeFile(path string, v any) error {
	meta, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}
