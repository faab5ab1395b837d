package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	httpapi "distlog/internal/http"
	"distlog/pkg/blockstore"
	"distlog/pkg/cluster"
	"distlog/pkg/config"
	"distlog/pkg/exporter"
	"distlog/pkg/logservice"
	"distlog/pkg/raftadapter"
	"distlog/pkg/rpc"
	"distlog/pkg/types"
	"distlog/pkg/wal"
)

func main() {
	configPath := flag.String("config", envOr("DISTLOG_CONFIG", "config.yaml"), "path to the node config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("distlog stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("distlog stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, cfg config.Config) error {
	slog.Info("distlog starting",
		"partitions", cfg.Cluster.Partitions, "replication_factor", cfg.Cluster.ReplicationFactor,
		"data_dir", cfg.Storage.DataDir)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close block store", "error", err)
		}
	}()

	nodes := make([]types.NodeID, 0, len(cfg.Cluster.Nodes))
	peers := make(map[uint64]string, len(cfg.Cluster.Nodes))
	raftIDs := make(map[types.NodeID]uint64, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodes = append(nodes, n.ID)
		peers[n.RaftID] = n.Address
		raftIDs[n.ID] = n.RaftID
	}

	placement, err := cluster.NewPlacement(nodes, cfg.Cluster.VirtualNodes, cfg.Cluster.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("placement: %w", err)
	}

	// --- реплики партиций этой ноды ---
	transport := raftadapter.NewTransport(peers)
	host := logservice.NewHost()
	var journals []*wal.WAL
	defer func() {
		for _, j := range journals {
			if err := j.Close(); err != nil {
				slog.Warn("failed to close journal", "error", err)
			}
		}
	}()

	for _, p := range cfg.Cluster.Partitions {
		if !placement.Hosts(cfg.Node.ID, p) {
			continue
		}
		group := raftadapter.Group{Partition: p, ID: raftIDs[cfg.Node.ID]}
		for _, n := range placement.Replicas(p) {
			group.Peers = append(group.Peers, raftIDs[n])
		}

		var journal *wal.WAL
		if cfg.Storage.WALDir != "" {
			journal, err = wal.New(filepath.Join(cfg.Storage.WALDir, p))
			if err != nil {
				return fmt.Errorf("journal for %q: %w", p, err)
			}
			journals = append(journals, journal)
		}

		replica, err := logservice.NewReplica(cfg.Raft, group, store, journal, transport)
		if err != nil {
			return err
		}
		host.Add(replica)
		slog.Info("partition replica started", "partition", p, "replicas", placement.Replicas(p))
	}

	router := &cluster.Router{
		LocalID:   cfg.Node.ID,
		Placement: placement,
		Local:     host,
		NewClient: func(node types.NodeID) (cluster.LogAPI, error) {
			entry, ok := cfg.Cluster.NodeByID(node)
			if !ok {
				return nil, fmt.Errorf("unknown node %q", node)
			}
			return rpc.NewHTTPRemote(entry.Address), nil
		},
	}

	hostErr := make(chan error, 1)
	go func() { hostErr <- host.Run(ctx) }()

	// --- HTTP API поверх Router ---
	server := httpapi.NewServer(router, host, strconv.Itoa(cfg.Server.Port))
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout())
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Warn("error stopping server", "error", err)
		}
	}()

	if zkc := cfg.Cluster.ZooKeeper; len(zkc.Servers) > 0 {
		membership, err := cluster.NewZKMembership(zkc.Servers, zkc.Root, cfg.Node.ID, cfg.Node.Address, zkc.SessionTimeout())
		if err != nil {
			return fmt.Errorf("failed to connect to ZooKeeper: %w", err)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(ctx); err != nil {
			return fmt.Errorf("failed to register node in ZooKeeper: %w", err)
		}
		go membership.RunWatch(ctx, router)
	}

	if cfg.Exporter.Enabled {
		stop, err := startExporter(ctx, cfg.Exporter, store, host.Partitions())
		if err != nil {
			return err
		}
		defer stop()
	}

	slog.Info("distlog is running", "addr", server.URL, "partitions", host.Partitions())

	var runErr error
	select {
	case <-ctx.Done():
		host.Stop()
		runErr = <-hostErr
	case runErr = <-hostErr:
		// no replicas here, or every group stopped without an error
		if runErr == nil {
			<-ctx.Done()
		}
		host.Stop()
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}

func openStore(cfg config.StorageConfig) (blockstore.Store, error) {
	if cfg.DataDir == "" {
		slog.Warn("storage.data_dir is empty, blocks are kept in memory")
		return blockstore.NewMemory(), nil
	}

	mode := blockstore.FsyncModeAlways
	switch cfg.Fsync {
	case "interval":
		mode = blockstore.FsyncModeInterval
	case "never":
		mode = blockstore.FsyncModeNever
	}
	store, err := blockstore.OpenPebble(blockstore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         mode,
		FsyncInterval: cfg.FsyncInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	return store, nil
}

// startExporter projects the local partitions' blocks and returns the shutdown hook.
func startExporter(
	ctx context.Context,
	cfg config.ExporterConfig,
	blocks blockstore.Store,
	partitions []types.PartitionID,
) (func(), error) {
	cfg.ApplyDefaults()
	slog.Debug("exporter configured", "dir", cfg.Dir, "table", cfg.Table, "max_retries", cfg.MaxRetries)

	es, err := exporter.OpenStore(cfg.Dir)
	if err != nil {
		return nil, err
	}

	projection := exporter.NewProjection(es.Table(cfg.Table), exporter.NewCorrelations(cfg.CorrelationTTL(), cfg.CorrelationMax))
	exp := exporter.New(projection, es, exporter.Options{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff(),
	})
	exp.Start(ctx)

	tailCtx, cancel := context.WithCancel(ctx)
	tailer := exporter.NewTailer(blocks, es, exp, partitions, cfg.PollInterval())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tailer.Run(tailCtx); err != nil {
			slog.Error("exporter tailer stopped", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
		exp.Stop()
		if err := es.Close(); err != nil {
			slog.Warn("failed to close export store", "error", err)
		}
	}, nil
}
