package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capline/internal/app"
	"capline/internal/automation"
	"capline/internal/config"
	"capline/internal/domain"
)

const serverCatalog = `version: "3"
capabilities:
  - id: greet
    title: Greet
    description: Print a greeting
    category: diagnostics
    executionMode: process
    commandTemplate: echo hello {{name}}
    arguments:
      - name: name
        default: world
    riskClass: safe
  - id: needs-file
    title: Needs file
    description: Requires a missing path
    category: cleanup
    executionMode: process
    commandTemplate: "true"
    riskClass: moderate
    preflightChecks:
      - type: path-exists
        value: /nonexistent/capline/server
        message: fixture missing
  - id: fail
    title: Fail
    description: Exit non-zero
    category: maintenance
    executionMode: process
    commandTemplate: exit 3
    riskClass: safe
`

type deniedChannel struct{}

func (deniedChannel) Probe(context.Context, string) automation.ProbeStatus { return automation.ProbeDenied }
func (deniedChannel) Send(context.Context, string, string) (string, error) {
	return "", &automation.Error{Code: automation.CodeNotPermitted, Kind: automation.KindPermissionDenied}
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string, catalogYAML string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if catalogYAML != "" {
		if err := os.WriteFile(filepath.Join(workspace, "catalog.yml"), []byte(catalogYAML), 0o644); err != nil {
			t.Fatalf("write catalog: %v", err)
		}
	}
	cfg := config.Default()
	cfg.Logs.ExportDir = filepath.Join(workspace, "exports")
	rt, err := app.Open(context.Background(), app.Options{Workspace: workspace, Config: cfg, Channel: deniedChannel{}})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := New(Config{Engine: rt.Engine, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rt.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestRunRecordsAndVerify(t *testing.T) {
	srv, cleanup := newTestServer(t, "", serverCatalog)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/greet/run", map[string]any{
		"arguments": map[string]string{"name": "ada"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	var result domain.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Stdout != "hello ada\n" || result.Record.Status != domain.StatusSuccess {
		t.Fatalf("unexpected result %+v", result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/fail/run", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("failed run should still return its result, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("records status %d: %s", res.StatusCode, data)
	}
	var page RecordPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].CapabilityID != "fail" || page.NextOffset != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?status=success", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered records status %d: %s", res.StatusCode, data)
	}
	page = RecordPage{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != result.Record.ID {
		t.Fatalf("status filter returned %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?status=exploded", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/last-error", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("last-error status %d: %s", res.StatusCode, data)
	}
	var lastErr domain.RunRecord
	if err := json.Unmarshal(data, &lastErr); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if lastErr.CapabilityID != "fail" || lastErr.ExitCode != 3 {
		t.Fatalf("unexpected last error %+v", lastErr)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/"+result.Record.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record detail status %d: %s", res.StatusCode, data)
	}
	var detail RecordDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Stdout != "hello ada\n" {
		t.Fatalf("detail stdout %q", detail.Stdout)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/verify", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, data)
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.OK || verify.Checked != 2 {
		t.Fatalf("unexpected verify %+v", verify)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/export", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, data)
	}
	var exported ExportResponse
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if _, err := os.Stat(exported.Path); err != nil {
		t.Fatalf("export file missing: %v", err)
	}
}

func TestRunErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, "", serverCatalog)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/rm-rf/run", map[string]any{}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown capability, got %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "capability_not_allowed" {
		t.Fatalf("unexpected error code %q", e.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/needs-file/run", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for preflight failure, got %d: %s", res.StatusCode, data)
	}
	e := decodeError(t, data)
	if e.Code != "preflight_failed" || e.Details["failures"] == nil {
		t.Fatalf("unexpected preflight error %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/greet/run", map[string]any{"dry_run": true}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported dry run, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/needs-file/check", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, data)
	}
	var pre domain.PreflightResult
	if err := json.Unmarshal(data, &pre); err != nil {
		t.Fatalf("unmarshal preflight: %v", err)
	}
	if pre.Passed || len(pre.Failures) == 0 {
		t.Fatalf("check should report failures: %+v", pre)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/last-error", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("refused runs are not recorded, expected 404, got %d: %s", res.StatusCode, data)
	}
}

func TestCapabilityListing(t *testing.T) {
	srv, cleanup := newTestServer(t, "", serverCatalog)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities?category=cleanup", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var caps []domain.Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		t.Fatalf("unmarshal capabilities: %v", err)
	}
	if len(caps) != 1 || caps[0].ID != "needs-file" {
		t.Fatalf("unexpected filtered list %+v", caps)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities/greet", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalog/issues", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issues status %d: %s", res.StatusCode, data)
	}
	var issues CatalogIssuesResponse
	if err := json.Unmarshal(data, &issues); err != nil {
		t.Fatalf("unmarshal issues: %v", err)
	}
	if !issues.Loaded || issues.Version != "3" {
		t.Fatalf("unexpected issues %+v", issues)
	}
}

func TestCatalogUnavailable(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a catalog, got %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "catalog_unavailable" {
		t.Fatalf("unexpected code %q", e.Code)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/greet/run", map[string]any{}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("nothing may run without a catalog, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/verify", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log access should survive a missing catalog, got %d: %s", res.StatusCode, data)
	}
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, secret, serverCatalog)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}

	reader, err := IssueToken(secret, "viewer", []string{PermissionRead}, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	readHeaders := map[string]string{"Authorization": "Bearer " + reader}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities", nil, readHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reader list status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/greet/run", map[string]any{}, readHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reader must not run, got %d: %s", res.StatusCode, data)
	}

	forged, err := IssueToken("other-secret", "admin", []string{PermissionAll}, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signing key, got %d", res.StatusCode)
	}

	admin, err := IssueToken(secret, "admin", []string{PermissionAll}, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities/greet/run", map[string]any{}, map[string]string{"Authorization": "Bearer " + admin})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin run status %d: %s", res.StatusCode, data)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, "", serverCatalog)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"run-capability", "verify-records", "bearerAuth"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi document missing %q", want)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: 50, -3: 50, 10: 10, 500: 200}
	for in, want := range cases {
		if got := normalizeLimit(in); got != want {
			t.Fatalf("normalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
