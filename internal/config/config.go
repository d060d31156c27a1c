// Package config loads the nomosd server configuration from a JWCC
// (JSON-with-comments) file, with CLI flags layered on top by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/finallevel/nomos/internal/nomos"
)

// Master is one upstream server this node pulls a replication stream from.
type Master struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// Addr returns the master's dialable host:port.
func (m Master) Addr() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(int(m.Port)))
}

// Config holds every tunable the server consumes (§6).
type Config struct {
	// Network front end.
	Listen            string `json:"listen"`
	Port              uint16 `json:"port"`
	Workers           int    `json:"workers"`
	WorkerQueueLength int    `json:"worker_queue_length"`
	BufferSize        int    `json:"buffer_size"`
	MaxFreeBuffers    int    `json:"max_free_buffers"`
	CmdTimeout        int    `json:"cmd_timeout"` // seconds

	// Storage engine.
	DataPath               string `json:"data_path"`
	DefaultSublevelKeyType string `json:"default_sublevel_key_type"`
	DefaultItemKeyType     string `json:"default_item_key_type"`
	AutoCreateTopIndex     bool   `json:"auto_create_top_index"`
	SyncThreadsCount       int    `json:"sync_threads_count"`

	// Replication. ServerID is required when replication is on;
	// ReplicationLogKeepTime of 0 disables retention sweeps.
	ServerID               uint32   `json:"server_id"`
	ReplicationLogKeepTime uint32   `json:"replication_log_keep_time"` // seconds
	ReplicationLogPath     string   `json:"replication_log_path"`
	ReplicationPort        uint16   `json:"replication_port"`
	Masters                []Master `json:"masters"`
}

// Default returns the configuration used when a field is absent from the
// config file.
func Default() Config {
	return Config{
		Listen:                 "127.0.0.1",
		Port:                   7007,
		Workers:                2,
		WorkerQueueLength:      10000,
		BufferSize:             32000,
		MaxFreeBuffers:         500,
		CmdTimeout:             60,
		DataPath:               "/var/lib/nomos",
		DefaultSublevelKeyType: "string",
		DefaultItemKeyType:     "string",
		SyncThreadsCount:       2,
	}
}

// Load reads and validates a JWCC config file, layering it over Default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Parse(raw)
}

// Parse validates raw JWCC config bytes, layering them over Default.
func Parse(raw []byte) (Config, error) {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: standardize: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("config: data_path is required")
	}

	if _, err := ParseKeyType(c.DefaultSublevelKeyType); err != nil {
		return fmt.Errorf("config: default_sublevel_key_type: %w", err)
	}

	if _, err := ParseKeyType(c.DefaultItemKeyType); err != nil {
		return fmt.Errorf("config: default_item_key_type: %w", err)
	}

	if c.SyncThreadsCount < 1 {
		return fmt.Errorf("config: sync_threads_count must be at least 1")
	}

	if c.ReplicationEnabled() && c.ServerID == 0 {
		return fmt.Errorf("config: server_id is required when replication is configured")
	}

	if c.ReplicationEnabled() && c.ReplicationLogPath == "" {
		return fmt.Errorf("config: replication_log_path is required when replication is configured")
	}

	for _, m := range c.Masters {
		if m.Port == 0 {
			return fmt.Errorf("config: master %q has no port", m.IP)
		}

		if net.ParseIP(m.IP) == nil {
			return fmt.Errorf("config: master ip %q is not an IP address", m.IP)
		}
	}

	return nil
}

// ReplicationEnabled reports whether this node participates in
// replication, either serving its binlog or pulling from masters.
func (c Config) ReplicationEnabled() bool {
	return c.ReplicationPort != 0 || len(c.Masters) > 0
}

// ParseKeyType maps a config/protocol key-type name to its engine type.
func ParseKeyType(s string) (nomos.KeyType, error) {
	switch s {
	case "string":
		return nomos.KeyTypeString, nil
	case "u32":
		return nomos.KeyTypeU32, nil
	case "u64":
		return nomos.KeyTypeU64, nil
	default:
		return 0, fmt.Errorf("unknown key type %q (want string, u32, or u64)", s)
	}
}
