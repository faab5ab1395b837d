package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"distlog/pkg/blockstore"
	"distlog/pkg/logservice"
	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

// fakeHost - in-memory лог партиций, реализует iLocalHost
type fakeHost struct {
	mu       sync.Mutex
	state    map[types.PartitionID]*logstate.State
	blocks   map[types.PartitionID]map[int64]blockstore.Block
	stepped  []raftpb.Message
	hosted   map[types.PartitionID]bool
	lastCall string
}

func newFakeHost(partitions ...types.PartitionID) *fakeHost {
	h := &fakeHost{
		state:  make(map[types.PartitionID]*logstate.State),
		blocks: make(map[types.PartitionID]map[int64]blockstore.Block),
		hosted: make(map[types.PartitionID]bool),
	}
	for _, p := range partitions {
		h.state[p] = &logstate.State{}
		h.blocks[p] = make(map[int64]blockstore.Block)
		h.hosted[p] = true
	}
	return h
}

func (h *fakeHost) Append(_ context.Context, p types.PartitionID, node types.NodeID, index types.AppendIndex, pos types.CommitPosition, block []byte) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCall = "append"
	st, ok := h.state[p]
	if !ok {
		return 0, logservice.ErrUnknownPartition
	}
	if err := st.Append(node, index, pos); err != nil {
		return 0, err
	}
	h.blocks[p][index] = blockstore.Block{Index: index, Position: pos, Node: node, Data: block}
	return index, nil
}

func (h *fakeHost) LastAppendIndex(_ context.Context, p types.PartitionID) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCall = "last"
	st, ok := h.state[p]
	if !ok {
		return 0, logservice.ErrUnknownPartition
	}
	return st.Frontier(), nil
}

func (h *fakeHost) ClaimLeadership(_ context.Context, p types.PartitionID, node types.NodeID, term types.Term) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCall = "claim"
	st, ok := h.state[p]
	if !ok {
		return false, logservice.ErrUnknownPartition
	}
	if err := st.ClaimLeadership(node, term); err != nil {
		if errors.Is(err, logstate.ErrLeadershipRejected) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (h *fakeHost) Block(p types.PartitionID, index types.AppendIndex) (blockstore.Block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[p][index]
	if !ok {
		return blockstore.Block{}, blockstore.ErrNotFound
	}
	return b, nil
}

func (h *fakeHost) Step(_ context.Context, p types.PartitionID, msg raftpb.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hosted[p] {
		return logservice.ErrUnknownPartition
	}
	h.stepped = append(h.stepped, msg)
	return nil
}

func newTestServer(t *testing.T, api, local *fakeHost) *httptest.Server {
	t.Helper()
	s := NewServer(api, local, "0")
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}, header ...string) (*http.Response, Response) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentTypeJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, Response) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServer_Health(t *testing.T) {
	host := newFakeHost("p1")
	ts := newTestServer(t, host, host)

	resp, body := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOK, body.Status)
}

func TestServer_AppendScenario(t *testing.T) {
	host := newFakeHost("p1")
	ts := newTestServer(t, host, host)
	base := ts.URL + "/api/partitions/p1"

	resp, body := postJSON(t, base+"/leadership", LeadershipRequest{NodeID: "n1", Term: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Accepted)

	resp, body = postJSON(t, base+"/append", AppendRequest{NodeID: "n1", AppendIndex: 1, CommitPosition: 100, Block: []byte("A")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body.Value)

	resp, body = postJSON(t, base+"/append", AppendRequest{NodeID: "n1", AppendIndex: 3, CommitPosition: 300})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeOutOfOrderAppend, body.Code)

	resp, body = postJSON(t, base+"/append", AppendRequest{NodeID: "n1", AppendIndex: 1, CommitPosition: 100})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeStaleAppend, body.Code)

	resp, body = getJSON(t, base+"/last-append-index")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body.Value)

	resp, body = postJSON(t, base+"/leadership", LeadershipRequest{NodeID: "n2", Term: 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, body.Accepted)

	resp, body = postJSON(t, base+"/append", AppendRequest{NodeID: "n2", AppendIndex: 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeNotLeader, body.Code)

	resp, body = getJSON(t, base+"/blocks/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.Block)
	assert.Equal(t, []byte("A"), body.Block.Data)
	assert.EqualValues(t, 100, body.Block.Position)

	resp, body = getJSON(t, base+"/blocks/9")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, body.Code)
}

func TestServer_BadRequests(t *testing.T) {
	host := newFakeHost("p1")
	ts := newTestServer(t, host, host)

	resp, body := postJSON(t, ts.URL+"/api/partitions/p1/append", AppendRequest{AppendIndex: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeBadRequest, body.Code)

	r, err := http.Post(ts.URL+"/api/partitions/p1/leadership", contentTypeJSON, bytes.NewBufferString("{"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	resp, _ = getJSON(t, ts.URL+"/api/partitions/p1/blocks/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = getJSON(t, ts.URL+"/api/partitions/nope/last-append-index")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeUnknownPartition, body.Code)
}

func TestServer_ForwardedRequestsStayLocal(t *testing.T) {
	router := newFakeHost("p1")
	local := newFakeHost("p1")
	ts := newTestServer(t, router, local)

	_, _ = postJSON(t, ts.URL+"/api/partitions/p1/append", AppendRequest{NodeID: "n1", AppendIndex: 1})
	assert.Equal(t, "append", router.lastCall)
	assert.Equal(t, "", local.lastCall)

	_, _ = postJSON(t, ts.URL+"/api/partitions/p1/append", AppendRequest{NodeID: "n1", AppendIndex: 1}, HeaderForwarded, "1")
	assert.Equal(t, "append", local.lastCall)
}

func TestServer_RaftEndpoint(t *testing.T) {
	host := newFakeHost("p1")
	ts := newTestServer(t, host, host)

	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 3}
	data, err := msg.Marshal()
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/internal/raft/p1", "application/x-protobuf", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, host.stepped, 1)
	assert.Equal(t, msg.Term, host.stepped[0].Term)

	resp, err = http.Post(ts.URL+"/api/internal/raft/p1", "application/x-protobuf", bytes.NewReader([]byte{0xff, 0xff}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/internal/raft/p9", "application/x-protobuf", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
