package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpapi "distlog/internal/http"
	"distlog/pkg/cluster"
	"distlog/pkg/types"
)

const defaultTimeout = 5 * time.Second

// HTTPRemote talks to the log API of another node. Requests carry the
// forwarded header, so the remote node serves them from its own replicas.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (s *HTTPRemote) partitionURL(partition types.PartitionID, op string) string {
	return s.baseURL + "/api/partitions/" + url.PathEscape(partition) + "/" + op
}

func (s *HTTPRemote) Append(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) (int64, error) {
	body := httpapi.AppendRequest{
		NodeID:         node,
		AppendIndex:    index,
		CommitPosition: position,
		Block:          block,
	}
	resp, err := s.do(ctx, http.MethodPost, s.partitionURL(partition, "append"), body)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", partition, err)
	}
	return resp.Value, nil
}

func (s *HTTPRemote) LastAppendIndex(ctx context.Context, partition types.PartitionID) (int64, error) {
	resp, err := s.do(ctx, http.MethodGet, s.partitionURL(partition, "last-append-index"), nil)
	if err != nil {
		return 0, fmt.Errorf("last append index %s: %w", partition, err)
	}
	return resp.Value, nil
}

func (s *HTTPRemote) ClaimLeadership(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	term types.Term,
) (bool, error) {
	body := httpapi.LeadershipRequest{NodeID: node, Term: term}
	resp, err := s.do(ctx, http.MethodPost, s.partitionURL(partition, "leadership"), body)
	if err != nil {
		return false, fmt.Errorf("claim leadership %s: %w", partition, err)
	}
	return resp.Accepted, nil
}

func (s *HTTPRemote) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do выполняет запрос и переводит ответ об ошибке обратно в sentinel-ошибку
func (s *HTTPRemote) do(ctx context.Context, method, u string, body interface{}) (httpapi.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return httpapi.Response{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return httpapi.Response{}, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpapi.HeaderForwarded, "1")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return httpapi.Response{}, ctx.Err()
		}
		// the request may have reached the node before the client gave up
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return httpapi.Response{}, fmt.Errorf("%w: %s: %v", cluster.ErrRemoteTimeout, s.baseURL, err)
		}
		return httpapi.Response{}, fmt.Errorf("%w: %s: %v", cluster.ErrUnavailable, s.baseURL, err)
	}
	defer resp.Body.Close()

	var out httpapi.Response
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode == http.StatusOK {
		if decodeErr != nil {
			return httpapi.Response{}, fmt.Errorf("decode response: %w", decodeErr)
		}
		return out, nil
	}

	if sentinel := httpapi.CodeError(out.Code); sentinel != nil {
		return httpapi.Response{}, fmt.Errorf("%w: %s", sentinel, out.Error)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return httpapi.Response{}, fmt.Errorf("%w: %s: status %d: %s", cluster.ErrUnavailable, s.baseURL, resp.StatusCode, out.Error)
	}
	return httpapi.Response{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, out.Error)
}
