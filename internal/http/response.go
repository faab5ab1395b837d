package http

import (
	"context"
	"errors"
	"net/http"

	"distlog/pkg/blockstore"
	"distlog/pkg/cluster"
	"distlog/pkg/logservice"
	"distlog/pkg/logstate"
	"distlog/pkg/raftadapter"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Code is the machine-readable reason of an error response.
type Code string

const (
	CodeStaleAppend        Code = "stale_append"
	CodeOutOfOrderAppend   Code = "out_of_order_append"
	CodeNotLeader          Code = "not_leader"
	CodeLeadershipRejected Code = "leadership_rejected"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeUnknownPartition   Code = "unknown_partition"
	CodeNotFound           Code = "not_found"
	CodeTimeout            Code = "timeout"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal"
	CodeBadRequest         Code = "bad_request"
)

// Response represents the standard API response format.
type Response struct {
	Status   Status     `json:"status,omitempty"`
	Value    int64      `json:"value"`
	Accepted bool       `json:"accepted,omitempty"`
	Block    *BlockView `json:"block,omitempty"`
	Error    string     `json:"error,omitempty"`
	Code     Code       `json:"code,omitempty"`
}

// BlockView is a committed block on the wire. Data is base64 in JSON.
type BlockView struct {
	Index    int64  `json:"index"`
	Position int64  `json:"position"`
	Node     string `json:"node"`
	Data     []byte `json:"data"`
}

// AppendRequest is the body of POST /api/partitions/{partition}/append.
type AppendRequest struct {
	NodeID         string `json:"node_id"`
	AppendIndex    int64  `json:"append_index"`
	CommitPosition int64  `json:"commit_position"`
	Block          []byte `json:"block"`
}

// LeadershipRequest is the body of POST /api/partitions/{partition}/leadership.
type LeadershipRequest struct {
	NodeID string `json:"node_id"`
	Term   int64  `json:"term"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewValueResponse(value int64) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewClaimResponse(accepted bool) Response {
	return Response{Status: StatusSuccess, Accepted: accepted}
}

func NewBlockResponse(b blockstore.Block) Response {
	return Response{
		Status: StatusSuccess,
		Value:  b.Index,
		Block: &BlockView{
			Index:    b.Index,
			Position: b.Position,
			Node:     b.Node,
			Data:     b.Data,
		},
	}
}

func NewErrorResponse(code Code, err string) Response {
	return Response{Status: StatusError, Code: code, Error: err}
}

// classify maps an operation error to an HTTP status and code.
func classify(err error) (int, Code) {
	switch {
	case errors.Is(err, logstate.ErrStaleAppend):
		return http.StatusConflict, CodeStaleAppend
	case errors.Is(err, logstate.ErrOutOfOrderAppend):
		return http.StatusConflict, CodeOutOfOrderAppend
	case errors.Is(err, logstate.ErrNotLeader):
		return http.StatusConflict, CodeNotLeader
	case errors.Is(err, logstate.ErrLeadershipRejected):
		return http.StatusConflict, CodeLeadershipRejected
	case errors.Is(err, logstate.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, logservice.ErrUnknownPartition):
		return http.StatusNotFound, CodeUnknownPartition
	case errors.Is(err, blockstore.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, cluster.ErrUnavailable),
		errors.Is(err, raftadapter.ErrStopped),
		errors.Is(err, blockstore.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// CodeError turns a response code back into the matching sentinel, so remote
// callers can use errors.Is the same way local callers do.
func CodeError(code Code) error {
	switch code {
	case CodeStaleAppend:
		return logstate.ErrStaleAppend
	case CodeOutOfOrderAppend:
		return logstate.ErrOutOfOrderAppend
	case CodeNotLeader:
		return logstate.ErrNotLeader
	case CodeLeadershipRejected:
		return logstate.ErrLeadershipRejected
	case CodeInvalidArgument, CodeBadRequest:
		return logstate.ErrInvalidArgument
	case CodeUnknownPartition:
		return logservice.ErrUnknownPartition
	case CodeNotFound:
		return blockstore.ErrNotFound
	case CodeTimeout:
		return cluster.ErrRemoteTimeout
	case CodeUnavailable:
		return cluster.ErrUnavailable
	default:
		return nil
	}
}
