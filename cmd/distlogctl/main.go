package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"distlog/pkg/client"
	"distlog/pkg/cluster"
	"distlog/pkg/config"
	"distlog/pkg/logstate"
	"distlog/pkg/rpc"
	"distlog/pkg/types"
)

const usage = `usage: distlogctl [-config path] <command> [flags]

commands:
  append  -partition p -node n -index i -position pos -data text
  last    -partition p
  claim   -partition p -node n -term t
  bench   -node n -ops count`

func main() {
	configPath := flag.String("config", "config.yaml", "cluster config shared with the nodes")
	timeout := flag.Duration("timeout", 0, "per-call timeout, client.timeout_ms when zero")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.FromEnv(&cfg)
	if *timeout == 0 {
		*timeout = cfg.Client.Timeout()
	}

	c, err := newClient(cfg, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx := context.Background()
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "append":
		err = cmdAppend(ctx, c, args)
	case "last":
		err = cmdLast(ctx, c, args)
	case "claim":
		err = cmdClaim(ctx, c, args)
	case "bench":
		err = cmdBench(ctx, c, cfg.Cluster.Partitions, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

// newClient routes every call to the partition's replicas, this process holds none.
func newClient(cfg config.Config, timeout time.Duration) (*client.Blocking, error) {
	nodes := make([]types.NodeID, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodes = append(nodes, n.ID)
	}
	placement, err := cluster.NewPlacement(nodes, cfg.Cluster.VirtualNodes, cfg.Cluster.ReplicationFactor)
	if err != nil {
		return nil, err
	}

	router := &cluster.Router{
		Placement: placement,
		NewClient: func(node types.NodeID) (cluster.LogAPI, error) {
			entry, ok := cfg.Cluster.NodeByID(node)
			if !ok {
				return nil, fmt.Errorf("unknown node %q", node)
			}
			return rpc.NewHTTPRemote(entry.Address), nil
		},
	}
	return client.New(cluster.NewProxy(router, timeout), timeout), nil
}

func cmdAppend(ctx context.Context, c *client.Blocking, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	partition := fs.String("partition", "", "partition id")
	node := fs.String("node", "", "writer node id")
	index := fs.Int64("index", 0, "append index")
	position := fs.Int64("position", 0, "commit position")
	data := fs.String("data", "", "block payload")
	_ = fs.Parse(args)

	idx, err := c.Append(ctx, *partition, *node, *index, *position, []byte(*data))
	if err != nil {
		return explain(err)
	}
	fmt.Printf("appended %s/%d\n", *partition, idx)
	return nil
}

func cmdLast(ctx context.Context, c *client.Blocking, args []string) error {
	fs := flag.NewFlagSet("last", flag.ExitOnError)
	partition := fs.String("partition", "", "partition id")
	_ = fs.Parse(args)

	idx, err := c.LastAppendIndex(ctx, *partition)
	if err != nil {
		return explain(err)
	}
	fmt.Println(idx)
	return nil
}

func cmdClaim(ctx context.Context, c *client.Blocking, args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	partition := fs.String("partition", "", "partition id")
	node := fs.String("node", "", "claiming node id")
	term := fs.Int64("term", 0, "leader term")
	_ = fs.Parse(args)

	ok, err := c.ClaimLeadership(ctx, *partition, *node, *term)
	if err != nil {
		return explain(err)
	}
	if ok {
		fmt.Printf("%s leads %s in term %d\n", *node, *partition, *term)
	} else {
		fmt.Printf("claim of %s for %s in term %d rejected\n", *node, *partition, *term)
	}
	return nil
}

func explain(err error) error {
	var failed *client.OperationFailedError
	switch {
	case errors.Is(err, client.ErrTimeout):
		return fmt.Errorf("%w (the operation may still complete)", err)
	case errors.Is(err, logstate.ErrStaleAppend),
		errors.Is(err, logstate.ErrOutOfOrderAppend),
		errors.Is(err, logstate.ErrNotLeader):
		return fmt.Errorf("rejected: %w", err)
	case errors.As(err, &failed):
		return fmt.Errorf("cluster failure during %s: %w", failed.Op, failed.Cause)
	}
	return err
}
