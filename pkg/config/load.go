package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Load reads a YAML file over Default(). A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays DISTLOG_* variables on cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("DISTLOG_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("DISTLOG_NODE_ADDR"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("DISTLOG_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DISTLOG_ZK_SERVERS"); v != "" {
		cfg.Cluster.ZooKeeper.Servers = splitList(v)
	}
	if v := os.Getenv("DISTLOG_PARTITIONS"); v != "" {
		cfg.Cluster.Partitions = splitList(v)
	}
	if v := os.Getenv("DISTLOG_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DISTLOG_WAL_DIR"); v != "" {
		cfg.Storage.WALDir = v
	}
	if v := os.Getenv("DISTLOG_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("DISTLOG_CLIENT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Client.TimeoutMS = ms
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
