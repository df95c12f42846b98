package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mvelasco/posqueue/internal/config"
	"github.com/mvelasco/posqueue/internal/service"
)

// newTestServer wires a Server over a real service backed by a temp data dir
// and a stub sales API.
func newTestServer(t *testing.T, apiStatus int) *Server {
	t.Helper()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiStatus >= 400 {
			http.Error(w, "scripted failure", apiStatus)
			return
		}
		w.WriteHeader(apiStatus)
	}))
	t.Cleanup(api.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.API.BaseURL = api.URL
	cfg.API.RequestTimeout = 5 * time.Second
	cfg.Connectivity.Debounce = 0
	cfg.Connectivity.ProbeInterval = 0

	svc, err := service.New(cfg)
	if err != nil {
		t.Fatalf("Failed to build service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return NewServer(svc, NewWSHub())
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Response is not valid JSON: %v\nBody: %s", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)
	rec := doRequest(t, srv.Routes(), http.MethodGet, "/api/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("Unexpected status field: %v", body["status"])
	}
	if body["online"] != false {
		t.Errorf("Service should start offline, got online=%v", body["online"])
	}
}

func TestCreateSale(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodPost, "/api/sales", `{"total": 1250}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	localID, _ := body["local_id"].(string)
	if localID == "" {
		t.Fatal("Response should carry the local ID")
	}

	// The sale is visible in the queue immediately
	rec = doRequest(t, mux, http.MethodGet, "/api/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if count := decodeBody(t, rec)["pending_count"]; count != float64(1) {
		t.Errorf("Expected pending_count 1, got %v", count)
	}
}

func TestCreateSaleRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)

	rec := doRequest(t, srv.Routes(), http.MethodPost, "/api/sales", `{"total":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestManualSync(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)
	mux := srv.Routes()

	doRequest(t, mux, http.MethodPost, "/api/sales", `{"total": 100}`)
	doRequest(t, mux, http.MethodPost, "/api/sales", `{"total": 200}`)

	rec := doRequest(t, mux, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != float64(2) {
		t.Errorf("Expected 2 synced, got %v", body["success"])
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/queue", "")
	if count := decodeBody(t, rec)["pending_count"]; count != float64(0) {
		t.Errorf("Expected empty queue after sync, got %v", count)
	}
}

func TestRetryAndDiscardFailedSale(t *testing.T) {
	srv := newTestServer(t, http.StatusUnprocessableEntity)
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodPost, "/api/sales", `{"total": 100}`)
	localID := decodeBody(t, rec)["local_id"].(string)

	// The rejection exhausts the sale
	doRequest(t, mux, http.MethodPost, "/api/sync", "")

	rec = doRequest(t, mux, http.MethodGet, "/api/queue", "")
	failures := decodeBody(t, rec)["failures"].([]interface{})
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/queue/"+localID+"/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Retry failed with %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodDelete, "/api/queue/"+localID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Discard failed with %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/queue", "")
	if count := decodeBody(t, rec)["pending_count"]; count != float64(0) {
		t.Errorf("Expected empty queue after discard, got %v", count)
	}
}

func TestRetryUnknownSaleReturns404(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)

	rec := doRequest(t, srv.Routes(), http.MethodPost, "/api/queue/1735689600000-a1b2c3d4/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if code := decodeBody(t, rec)["code"]; code != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND code, got %v", code)
	}
}

func TestDiscardMalformedIDReturns400(t *testing.T) {
	srv := newTestServer(t, http.StatusCreated)

	rec := doRequest(t, srv.Routes(), http.MethodDelete, "/api/queue/not-an-id", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}
