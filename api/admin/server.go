// Package admin serves the HTTP administration endpoints of a gojotx node.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/pool"
)

// APIResponse is the envelope of every admin response.
type APIResponse struct {
	Status  string          `json:"status"` // OK, ERROR, NOT_FOUND
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusReport describes the transaction subsystem.
type StatusReport struct {
	ReadOnly          bool       `json:"read_only"`
	Executing         int        `json:"executing"`
	OldestStart       *time.Time `json:"oldest_start,omitempty"`
	Pool              pool.Stats `json:"pool"`
	LastCommittedTxID uint64     `json:"last_committed_tx_id"`
}

// Registry is the part of the kernel the admin API drives.
type Registry interface {
	ExecutingTransactions() []transaction.Handle
	TerminateTransaction(seq uint64, reason transaction.Status) bool
	StartTimeOfOldestActiveTransaction() (time.Time, bool)
	SetReadOnly(readOnly bool)
	ReadOnly() bool
	PoolStats() pool.Stats
}

// Server routes admin requests.
type Server struct {
	registry      Registry
	lastCommitted func() uint64
	logger        *zap.Logger
	mux           *http.ServeMux
}

// NewServer creates the admin routes. metrics, when set, is mounted at
// /metrics.
func NewServer(registry Registry, lastCommitted func() uint64, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:      registry,
		lastCommitted: lastCommitted,
		logger:        logger.Named("admin"),
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /admin/transactions", s.handleList)
	s.mux.HandleFunc("GET /admin/transactions/{seq}", s.handleGet)
	s.mux.HandleFunc("POST /admin/transactions/{seq}/terminate", s.handleTerminate)
	s.mux.HandleFunc("POST /admin/read_only", s.handleReadOnly)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := StatusReport{
		ReadOnly:  s.registry.ReadOnly(),
		Executing: len(s.registry.ExecutingTransactions()),
		Pool:      s.registry.PoolStats(),
	}
	if oldest, ok := s.registry.StartTimeOfOldestActiveTransaction(); ok {
		report.OldestStart = &oldest
	}
	if s.lastCommitted != nil {
		report.LastCommittedTxID = s.lastCommitted()
	}
	s.writeData(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := make([]transaction.TransactionInfo, 0)
	for _, h := range s.registry.ExecutingTransactions() {
		if info, ok := h.Info(); ok {
			infos = append(infos, info)
		}
	}
	s.writeData(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.sequence(w, r)
	if !ok {
		return
	}
	for _, h := range s.registry.ExecutingTransactions() {
		if h.SequenceNumber() != seq {
			continue
		}
		if info, open := h.Info(); open {
			s.writeData(w, http.StatusOK, info)
			return
		}
	}
	s.write(w, http.StatusNotFound, APIResponse{Status: "NOT_FOUND", Message: "no running transaction " + strconv.FormatUint(seq, 10)})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.sequence(w, r)
	if !ok {
		return
	}
	if !s.registry.TerminateTransaction(seq, transaction.StatusTerminated) {
		s.write(w, http.StatusNotFound, APIResponse{Status: "NOT_FOUND", Message: "no running transaction " + strconv.FormatUint(seq, 10)})
		return
	}
	s.logger.Info("Terminated transaction on request",
		zap.Uint64("sequence_number", seq),
		zap.String("remote_addr", r.RemoteAddr))
	s.write(w, http.StatusOK, APIResponse{Status: "OK", Message: "transaction marked for termination"})
}

func (s *Server) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		s.write(w, http.StatusBadRequest, APIResponse{Status: "ERROR", Message: "enabled must be true or false"})
		return
	}
	s.registry.SetReadOnly(enabled)
	s.write(w, http.StatusOK, APIResponse{Status: "OK", Message: "read_only=" + strconv.FormatBool(enabled)})
}

func (s *Server) sequence(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil || seq == 0 {
		s.write(w, http.StatusBadRequest, APIResponse{Status: "ERROR", Message: "invalid sequence number"})
		return 0, false
	}
	return seq, true
}

func (s *Server) writeData(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode admin response", zap.Error(err))
		s.write(w, http.StatusInternalServerError, APIResponse{Status: "ERROR", Message: err.Error()})
		return
	}
	s.write(w, code, APIResponse{Status: "OK", Data: data})
}

func (s *Server) write(w http.ResponseWriter, code int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write admin response", zap.Error(err))
	}
}
