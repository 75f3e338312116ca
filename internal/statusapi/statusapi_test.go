package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docflow/idp-core/internal/document"
)

// newTestServer wires a Server over an httptest-backed PostgREST fake,
// matching the pattern used in internal/document's and
// internal/orchestrator's own store tests.
func newTestServer(t *testing.T, handler http.HandlerFunc) *Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := document.NewClient(document.ClientConfig{BaseURL: srv.URL, ServiceKey: "test-key"})
	store := document.NewStore(client)
	return New(store, nil)
}

func TestGetDocument_ReturnsRecord(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{{ID: "doc-1", Status: document.StatusRunning}})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents/doc-1", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var rec document.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, "doc-1", rec.ID)
	require.Equal(t, document.StatusRunning, rec.Status)
}

func TestGetDocument_NotFoundReturns404(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents/missing", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListDocuments_DefaultsToAllStatuses(t *testing.T) {
	var gotQuery string
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{{ID: "doc-1"}, {ID: "doc-2"}})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, gotQuery, "status=in.")
	var out struct {
		Documents []document.Record `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Documents, 2)
}

func TestListDocuments_FiltersByStatus(t *testing.T) {
	var gotQuery string
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{{ID: "doc-1", Status: document.StatusFailed}})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents?status=failed,completed", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, gotQuery, "FAILED")
	require.Contains(t, gotQuery, "COMPLETED")
}

func TestListDocuments_UnknownStatusIsBadRequest(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents?status=bogus", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListDocuments_RejectsNonPositiveLimit(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{})
	})

	req := httptest.NewRequest(http.MethodGet, "/documents?limit=0", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]document.Record{})
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}
