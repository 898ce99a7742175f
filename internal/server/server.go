// Package server exposes an lsm.Engine over HTTP, grounded on
// original_source/src/server/api_server.py's route table and JSON
// request/response shapes, translated from Python's BaseHTTPRequestHandler
// dispatch into an idiomatic net/http ServeMux (spec.md §6 "External
// Interfaces").
package server

import (
	"encoding/json"
	"net/http"

	"github.com/kvforge/lsmkv/internal/compaction"
	"github.com/kvforge/lsmkv/internal/lsm"
)

// maxRequestBody caps the size of a JSON request body (spec.md §6,
// mirrors api_server.py's MAX_REQUEST_SIZE).
const maxRequestBody = 10 << 20

// Server wires an Engine and its compaction scheduler to an HTTP mux.
type Server struct {
	engine    *lsm.Engine
	scheduler *compaction.Scheduler
	mux       *http.ServeMux
}

// New builds a Server exposing engine and sched over the route table
// documented in SPEC_FULL.md §6.
func New(engine *lsm.Engine, sched *compaction.Scheduler) *Server {
	s := &Server{engine: engine, scheduler: sched, mux: http.NewServeMux()}
	s.mux.HandleFunc("/kv/put", s.handlePut)
	s.mux.HandleFunc("/kv/get", s.handleGet)
	s.mux.HandleFunc("/kv/delete", s.handleDelete)
	s.mux.HandleFunc("/kv/range", s.handleRange)
	s.mux.HandleFunc("/kv/batch", s.handleBatch)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req putRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}
	if err := s.engine.Put([]byte(req.Key), []byte(req.Value)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "key stored successfully"})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	value, found := s.engine.Get([]byte(req.Key))
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status": "not_found", "key": req.Key, "message": "key not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success", "key": req.Key, "value": string(value),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	existed, err := s.engine.Delete([]byte(req.Key))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existed {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "key deleted successfully"})
	} else {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found", "message": "key not found"})
	}
}

type rangeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req rangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Start == "" && req.End == "" {
		writeError(w, http.StatusBadRequest, "start and end keys are required")
		return
	}
	pairs := s.engine.Range([]byte(req.Start), []byte(req.End))
	results := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		results = append(results, map[string]string{"key": string(p.Key), "value": string(p.State.Value)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success", "count": len(results), "results": results,
	})
}

type batchRequest struct {
	Keys   []string `json:"keys"`
	Values []string `json:"values"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Keys) != len(req.Values) {
		writeError(w, http.StatusBadRequest, "keys and values arrays must have the same length")
		return
	}
	entries := make([]lsm.BatchEntry, len(req.Keys))
	for i := range req.Keys {
		entries[i] = lsm.BatchEntry{Key: []byte(req.Keys[i]), Value: []byte(req.Values[i])}
	}
	if err := s.engine.BatchPut(entries); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success", "engine": s.engine.Stats(), "compaction": s.scheduler.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "lsm key/value store"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "code": status, "message": message})
}
