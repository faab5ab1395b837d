package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"distlog/pkg/blockstore"
	"distlog/pkg/cluster"
	"distlog/pkg/raftadapter"
	"distlog/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 64 << 20

	// HeaderForwarded marks a request already routed by another node; it is
	// served by the local replicas only.
	HeaderForwarded = "X-Distlog-Forwarded"
)

// iLocalHost - реплики партиций на этой ноде
type iLocalHost interface {
	cluster.LogAPI
	Block(partition types.PartitionID, index types.AppendIndex) (blockstore.Block, error)
	Step(ctx context.Context, partition types.PartitionID, msg raftpb.Message) error
}

// Server represents the HTTP API of a node
type Server struct {
	api        cluster.LogAPI // router: any partition, local or remote
	local      iLocalHost
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(api cluster.LogAPI, local iLocalHost, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		api:               api,
		local:             local,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: time.Second,
	}
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/api/partitions/{partition}", func(r chi.Router) {
		r.Post("/append", s.handleAppend)
		r.Get("/last-append-index", s.handleLastAppendIndex)
		r.Post("/leadership", s.handleLeadership)
		r.Get("/blocks/{index}", s.handleBlock)
	})

	r.Post(raftadapter.RaftEndpoint+"/{partition}", s.handleRaft)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(code, err.Error()))
}

// target выбирает, кто обслуживает запрос: роутер или (для пересланных) локальные реплики
func (s *Server) target(r *http.Request) cluster.LogAPI {
	if r.Header.Get(HeaderForwarded) != "" {
		return s.local
	}
	return s.api
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, "invalid body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")

	var req AppendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, "Missing node_id"))
		return
	}

	idx, err := s.target(r).Append(r.Context(), partition, req.NodeID, req.AppendIndex, req.CommitPosition, req.Block)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(idx))
}

func (s *Server) handleLastAppendIndex(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")

	idx, err := s.target(r).LastAppendIndex(r.Context(), partition)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(idx))
}

func (s *Server) handleLeadership(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")

	var req LeadershipRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, "Missing node_id"))
		return
	}

	ok, err := s.target(r).ClaimLeadership(r.Context(), partition, req.NodeID, req.Term)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewClaimResponse(ok))
}

// handleBlock reads a committed block from this node's replica only.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	index, err := strconv.ParseInt(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, "invalid block index"))
		return
	}

	b, err := s.local.Block(partition, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewBlockResponse(b))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, err.Error()))
		return
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, err.Error()))
		return
	}
	if err := s.local.Step(r.Context(), partition, msg); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
