package main

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"timerelay/internal/config"
)

// fileControl answers server-proxied config and restart requests against
// the on-disk TOML configuration. Section writes take effect on restart;
// the restart request itself triggers a clean shutdown so the process
// supervisor brings the forwarder back up with the new file.
type fileControl struct {
	mu       sync.Mutex
	path     string
	cfg      *config.ForwarderConfig
	shutdown func()
	log      *zap.Logger
}

func newFileControl(path string, cfg *config.ForwarderConfig, shutdown func(), log *zap.Logger) *fileControl {
	return &fileControl{path: path, cfg: cfg, shutdown: shutdown, log: log}
}

func (c *fileControl) ConfigGet() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := json.Marshal(redacted(*c.cfg))
	if err != nil {
		return json.RawMessage(`{}`), false
	}
	return doc, false
}

func (c *fileControl) ConfigSet(section string, payload json.RawMessage) (bool, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := *c.cfg
	switch section {
	case "uplink":
		var uplink config.UplinkConfig
		if err := json.Unmarshal(payload, &uplink); err != nil {
			return false, "invalid uplink payload: " + err.Error(), false
		}
		updated.Uplink = uplink
	case "readers":
		var readers []config.ReaderConfig
		if err := json.Unmarshal(payload, &readers); err != nil {
			return false, "invalid readers payload: " + err.Error(), false
		}
		updated.Readers = readers
	case "display_name":
		var name string
		if err := json.Unmarshal(payload, &name); err != nil {
			return false, "invalid display_name payload: " + err.Error(), false
		}
		updated.DisplayName = name
	default:
		return false, "unknown config section " + section, false
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(updated); err != nil {
		return false, "failed to encode config: " + err.Error(), false
	}
	if err := os.WriteFile(c.path, buf.Bytes(), 0o600); err != nil {
		return false, "failed to write config: " + err.Error(), false
	}
	*c.cfg = updated
	c.log.Info("configuration section updated", zap.String("section", section))
	return true, "", true
}

func (c *fileControl) Restart() (bool, string) {
	c.log.Info("restart requested over session")
	go c.shutdown()
	return true, ""
}

// redacted strips the bearer token before the config leaves the process.
func redacted(cfg config.ForwarderConfig) config.ForwarderConfig {
	cfg.Token = "[redacted]"
	return cfg
}
