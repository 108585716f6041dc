package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bleepstore/resourcestore/internal/config"
	"github.com/bleepstore/resourcestore/internal/metrics"
	"github.com/bleepstore/resourcestore/internal/resource"
	"github.com/bleepstore/resourcestore/internal/storage"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// unhealthyBackend fails every health check.
type unhealthyBackend struct {
	storage.Backend
}

func (unhealthyBackend) HealthCheck(ctx context.Context) error {
	return errors.New("backend down")
}

// newTestServer creates a Server over a local resource root holding
// docs/readme.txt.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "readme.txt"), []byte("read me"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true},
		Resources: config.ResourceConfig{
			LocalRoot: root,
			ReadOnly:  true,
		},
	}
	mgr, err := resource.New(context.Background(), cfg.Resources, nil)
	if err != nil {
		t.Fatalf("resource.New failed: %v", err)
	}
	srv, err := New(cfg, storage.NewMemoryBackend(), mgr)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv, root
}

// testRequest performs an HTTP request against the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body unmarshal error: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeStatus(t, rec); body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := testRequest(t, srv, "HEAD", "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("HEAD /healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthEndpointBackendDown(t *testing.T) {
	srv, err := New(&config.Config{}, unhealthyBackend{storage.NewMemoryBackend()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := testRequest(t, srv, "GET", "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body := decodeStatus(t, rec); body["error"] != "backend down" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := testRequest(t, srv, "GET", "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("GET /readyz status = %d, want 200", rec.Code)
	}

	bare, err := New(&config.Config{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec := testRequest(t, bare, "GET", "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz without manager status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	testRequest(t, srv, "GET", "/healthz")

	rec := testRequest(t, srv, "GET", "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resourcestore_http_requests_total") {
		t.Error("/metrics output missing resourcestore_http_requests_total")
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv, err := New(&config.Config{}, storage.NewMemoryBackend(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec := testRequest(t, srv, "GET", "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled status = %d, want 404", rec.Code)
	}
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/resources/{path}", "404")
	before := testutil.ToFloat64(counter)

	testRequest(t, srv, "GET", "/resources/missing.txt")

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/healthz")
	if id := rec.Header().Get("X-Request-Id"); len(id) != 16 {
		t.Errorf("X-Request-Id = %q, want 16 hex chars", id)
	}
	if got := rec.Header().Get("Server"); got != "resourcestore" {
		t.Errorf("Server = %q", got)
	}
}

func TestGetResource(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/resources/docs/readme.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	data, _ := io.ReadAll(rec.Body)
	if string(data) != "read me" {
		t.Errorf("body = %q", data)
	}
}

func TestGetResourceErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		path string
		want int
		code string
	}{
		{"/resources/docs/missing.txt", http.StatusNotFound, "NoSuchKey"},
		{"/resources/docs", http.StatusNotFound, "NoSuchKey"},
		{"/resources/", http.StatusBadRequest, "InvalidPath"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := testRequest(t, srv, "GET", tt.path)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decodeStatus(t, rec); body["code"] != tt.code {
				t.Errorf("code = %q, want %q", body["code"], tt.code)
			}
		})
	}
}

func TestHeadResource(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := testRequest(t, srv, "HEAD", "/resources/docs/readme.txt"); rec.Code != http.StatusOK {
		t.Errorf("HEAD existing status = %d, want 200", rec.Code)
	}
	if rec := testRequest(t, srv, "HEAD", "/resources/docs/none"); rec.Code != http.StatusNotFound {
		t.Errorf("HEAD missing status = %d, want 404", rec.Code)
	}
}

func TestResourceRoutesAreReadOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, method := range []string{"PUT", "POST", "DELETE"} {
		if rec := testRequest(t, srv, method, "/resources/docs/readme.txt"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, rec.Code)
		}
	}
}
