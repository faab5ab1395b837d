package config

import (
	"errors"
	"fmt"
	"time"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger   LoggerConfig   `yaml:"logger" validate:"required"`
	Server   ServerConfig   `yaml:"http-server" validate:"required"`
	Node     NodeConfig     `yaml:"node" validate:"required"`
	Cluster  ClusterConfig  `yaml:"cluster" validate:"required"`
	Raft     RaftConfig     `yaml:"raft" validate:"required"`
	Storage  StorageConfig  `yaml:"storage" validate:"required"`
	Client   ClientConfig   `yaml:"client"`
	Exporter ExporterConfig `yaml:"exporter"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port                int `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeoutMS int `yaml:"read_header_timeout_ms"`
}

// NodeConfig identifies this process inside the cluster.
type NodeConfig struct {
	ID string `yaml:"id" validate:"required"`
	// Address is the base URL other nodes use to reach this one.
	Address string `yaml:"address" validate:"required"`
}

type ClusterConfig struct {
	Nodes             []NodeEntry     `yaml:"nodes" validate:"required,min=1"`
	ReplicationFactor int             `yaml:"replication_factor" validate:"min=1"`
	VirtualNodes      int             `yaml:"virtual_nodes" validate:"min=1"`
	Partitions        []string        `yaml:"partitions" validate:"required,min=1"`
	ZooKeeper         ZooKeeperConfig `yaml:"zookeeper"`
}

// NodeEntry is a static cluster member. RaftID must be unique and non-zero.
type NodeEntry struct {
	ID      string `yaml:"id"`
	RaftID  uint64 `yaml:"raft_id"`
	Address string `yaml:"address"`
}

type ZooKeeperConfig struct {
	Servers          []string `yaml:"servers"`
	Root             string   `yaml:"root"`
	SessionTimeoutMS int      `yaml:"session_timeout_ms"`
}

// RaftConfig holds the etcd raft knobs shared by every partition group.
type RaftConfig struct {
	TickIntervalMS            int    `yaml:"tick_interval_ms" validate:"min=1"`
	ElectionTick              int    `yaml:"election_tick" validate:"min=1"`
	HeartbeatTick             int    `yaml:"heartbeat_tick" validate:"min=1"`
	MaxSizePerMsg             uint64 `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64 `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64 `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int    `yaml:"max_inflight_msgs"`
	CheckQuorum               bool   `yaml:"check_quorum"`
	PreVote                   bool   `yaml:"pre_vote"`
}

type StorageConfig struct {
	// DataDir holds the block store. Empty means in-memory.
	DataDir         string `yaml:"data_dir"`
	WALDir          string `yaml:"wal_dir"`
	Fsync           string `yaml:"fsync" validate:"oneof=always interval never"`
	FsyncIntervalMS int    `yaml:"fsync_interval_ms"`
}

type ClientConfig struct {
	TimeoutMS int `yaml:"timeout_ms" validate:"min=1"`
}

type ExporterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir holds the pebble database with the projected tables and exported positions.
	Dir   string `yaml:"dir"`
	Table string `yaml:"table"`
	// MaxRetries bounds Sink.Store attempts per record.
	MaxRetries      int `yaml:"max_retries"`
	RetryBackoffMS  int `yaml:"retry_backoff_ms"`
	PollIntervalMS  int `yaml:"poll_interval_ms"`
	CorrelationTTLS int `yaml:"correlation_ttl_s"`
	CorrelationMax  int `yaml:"correlation_max"`
}

const (
	defaultExporterDir   = "./data/export"
	defaultExporterTable = "workflows_current"
)

// ApplyDefaults fills unset exporter fields.
func (e *ExporterConfig) ApplyDefaults() {
	if e.Dir == "" {
		e.Dir = defaultExporterDir
	}
	if e.Table == "" {
		e.Table = defaultExporterTable
	}
	if e.MaxRetries < 1 {
		e.MaxRetries = 3
	}
	if e.RetryBackoffMS < 1 {
		e.RetryBackoffMS = 100
	}
	if e.PollIntervalMS < 1 {
		e.PollIntervalMS = 200
	}
	if e.CorrelationTTLS < 1 {
		e.CorrelationTTLS = 3600
	}
	if e.CorrelationMax < 1 {
		e.CorrelationMax = 100000
	}
}

func (e ExporterConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMS) * time.Millisecond
}

func (e ExporterConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

func (e ExporterConfig) CorrelationTTL() time.Duration {
	return time.Duration(e.CorrelationTTLS) * time.Second
}

// Default returns a baseline development config: a single node owning two partitions.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:                8080,
			ReadHeaderTimeoutMS: 5000,
		},
		Node: NodeConfig{
			ID:      "n1",
			Address: "http://127.0.0.1:8080",
		},
		Cluster: ClusterConfig{
			Nodes: []NodeEntry{
				{ID: "n1", RaftID: 1, Address: "http://127.0.0.1:8080"},
			},
			ReplicationFactor: 1,
			VirtualNodes:      100,
			Partitions:        []string{"p1", "p2"},
			ZooKeeper: ZooKeeperConfig{
				Root:             "/distlog",
				SessionTimeoutMS: 5000,
			},
		},
		Raft: RaftConfig{
			TickIntervalMS:            100,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1 << 20,
			MaxCommittedSizePerReady:  4 << 20,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		Storage: StorageConfig{
			DataDir:         "./data/blocks",
			WALDir:          "./data/wal",
			Fsync:           "always",
			FsyncIntervalMS: 5,
		},
		Client: ClientConfig{
			TimeoutMS: 5000,
		},
		Exporter: ExporterConfig{
			Dir:             defaultExporterDir,
			Table:           defaultExporterTable,
			MaxRetries:      3,
			RetryBackoffMS:  100,
			PollIntervalMS:  200,
			CorrelationTTLS: 3600,
			CorrelationMax:  100000,
		},
	}
}

func (r RaftConfig) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalMS) * time.Millisecond
}

func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutMS) * time.Millisecond
}

func (s StorageConfig) FsyncInterval() time.Duration {
	return time.Duration(s.FsyncIntervalMS) * time.Millisecond
}

func (z ZooKeeperConfig) SessionTimeout() time.Duration {
	return time.Duration(z.SessionTimeoutMS) * time.Millisecond
}

// NodeByID returns the static entry for a node.
func (c ClusterConfig) NodeByID(id string) (NodeEntry, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeEntry{}, false
}

// Validate checks what yaml tags cannot express on their own.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port out of range: %d", c.Server.Port))
	}
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if len(c.Cluster.Nodes) == 0 {
		errs = append(errs, errors.New("cluster.nodes is empty"))
	}
	if len(c.Cluster.Partitions) == 0 {
		errs = append(errs, errors.New("cluster.partitions is empty"))
	}
	if c.Cluster.ReplicationFactor < 1 || c.Cluster.ReplicationFactor > len(c.Cluster.Nodes) {
		errs = append(errs, fmt.Errorf("cluster.replication_factor must be in [1, %d], got %d",
			len(c.Cluster.Nodes), c.Cluster.ReplicationFactor))
	}

	ids := make(map[string]struct{}, len(c.Cluster.Nodes))
	raftIDs := make(map[uint64]struct{}, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		if n.ID == "" || n.Address == "" {
			errs = append(errs, fmt.Errorf("cluster node %+v: id and address are required", n))
		}
		if n.RaftID == 0 {
			errs = append(errs, fmt.Errorf("cluster node %q: raft_id must be non-zero", n.ID))
		}
		if _, dup := ids[n.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate cluster node id %q", n.ID))
		}
		if _, dup := raftIDs[n.RaftID]; dup {
			errs = append(errs, fmt.Errorf("duplicate raft_id %d", n.RaftID))
		}
		ids[n.ID] = struct{}{}
		raftIDs[n.RaftID] = struct{}{}
	}
	if _, ok := ids[c.Node.ID]; c.Node.ID != "" && !ok {
		errs = append(errs, fmt.Errorf("node.id %q is not listed in cluster.nodes", c.Node.ID))
	}

	seen := make(map[string]struct{}, len(c.Cluster.Partitions))
	for _, p := range c.Cluster.Partitions {
		if p == "" {
			errs = append(errs, errors.New("empty partition name"))
		}
		if _, dup := seen[p]; dup {
			errs = append(errs, fmt.Errorf("duplicate partition %q", p))
		}
		seen[p] = struct{}{}
	}

	if c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
		errs = append(errs, errors.New("raft.election_tick must be greater than raft.heartbeat_tick"))
	}
	if c.Raft.TickIntervalMS < 1 {
		errs = append(errs, errors.New("raft.tick_interval_ms must be positive"))
	}

	switch c.Storage.Fsync {
	case "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("storage.fsync must be always, interval or never, got %q", c.Storage.Fsync))
	}
	if c.Client.TimeoutMS < 1 {
		errs = append(errs, errors.New("client.timeout_ms must be positive"))
	}

	return errors.Join(errs...)
}
