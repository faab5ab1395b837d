package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"distlog/pkg/types"
)

// zkConn is the part of *zk.Conn membership uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// LiveSink receives the current set of live nodes.
type LiveSink interface {
	UpdateLive(nodes []types.NodeID)
}

// ZKMembership registers this node as an ephemeral znode and watches the
// others. It only feeds liveness; partition placement is static.
type ZKMembership struct {
	conn     zkConn
	rootPath string
	local    types.NodeID
	addr     string
	retry    time.Duration
	log      *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, local types.NodeID, addr string, sessionTimeout time.Duration) (*ZKMembership, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKMembership(conn, rootPath, local, addr), nil
}

func newZKMembership(conn zkConn, rootPath string, local types.NodeID, addr string) *ZKMembership {
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimSuffix(rootPath, "/"),
		local:    local,
		addr:     addr,
		retry:    2 * time.Second,
		log:      slog.With("component", "zk", "node", local),
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды; данные узла - её адрес
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + m.local

	_, err := m.conn.Create(nodePath, []byte(m.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.log.Info("registered node", "path", nodePath, "addr", m.addr)
	return nil
}

// LiveNodes читает список живых нод
func (m *ZKMembership) LiveNodes() ([]types.NodeID, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)
	return children, nil
}

// RunWatch следит за изменениями /nodes и обновляет liveness в sink.
// Returns when ctx is done.
func (m *ZKMembership) RunWatch(ctx context.Context, sink LiveSink) {
	for {
		// читаем и подписываемся
		children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
		if err != nil {
			m.log.Warn("ChildrenW failed", "error", err)
			select {
			case <-time.After(m.retry):
				continue
			case <-ctx.Done():
				return
			}
		}

		sort.Strings(children)
		sink.UpdateLive(children)

		select {
		case ev := <-ch:
			m.log.Debug("membership event", "type", ev.Type.String(), "path", ev.Path)
		case <-ctx.Done():
			m.log.Info("watch stopped")
			return
		}
	}
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
