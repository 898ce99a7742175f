package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kvforge/lsmkv/internal/compaction"
	"github.com/kvforge/lsmkv/internal/lsm"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	opts := lsm.DefaultOptions()
	opts.Dir = t.TempDir()
	e, err := lsm.Open(opts)
	if err != nil {
		t.Fatalf("lsm.Open: %v", err)
	}
	sched := compaction.NewScheduler(e, 1)
	t.Cleanup(func() {
		sched.Stop()
		e.Close()
	})
	return New(e, sched)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPutThenGet(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPut, "/kv/put", map[string]string{"key": "a", "value": "1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/kv/get", map[string]string{"key": "a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["value"] != "1" {
		t.Fatalf("expected value=1, got %v", resp["value"])
	}
}

func TestGetMissingKeyReturns404(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s, http.MethodGet, "/kv/get", map[string]string{"key": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteExistingKey(t *testing.T) {
	s := testServer(t)
	doJSON(t, s, http.MethodPut, "/kv/put", map[string]string{"key": "a", "value": "1"})

	rec := doJSON(t, s, http.MethodDelete, "/kv/delete", map[string]string{"key": "a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/kv/get", map[string]string{"key": "a"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestBatchPut(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/kv/batch", map[string]any{
		"keys":   []string{"a", "b"},
		"values": []string{"1", "2"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/kv/get", map[string]string{"key": "b"})
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["value"] != "2" {
		t.Fatalf("expected b=2, got %v", resp["value"])
	}
}

func TestRangeScan(t *testing.T) {
	s := testServer(t)
	for _, k := range []string{"a", "b", "c"} {
		doJSON(t, s, http.MethodPut, "/kv/put", map[string]string{"key": k, "value": k})
	}

	rec := doJSON(t, s, http.MethodGet, "/kv/range", map[string]string{"start": "a", "end": "c"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if int(resp["count"].(float64)) != 2 {
		t.Fatalf("expected count=2, got %v", resp["count"])
	}
}

func TestHealthAndStats(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["engine"]; !ok {
		t.Fatalf("expected an \"engine\" key in /stats, got %v", resp)
	}
	if _, ok := resp["compaction"]; !ok {
		t.Fatalf("expected a \"compaction\" key in /stats, got %v", resp)
	}
}

func TestPutMissingFieldsReturns400(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s, http.MethodPut, "/kv/put", map[string]string{"value": "1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
