package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codeforge/internal/config"
	"codeforge/internal/db"
	"codeforge/internal/domain"
	"codeforge/internal/engine"
	"codeforge/internal/ingest"
	"codeforge/internal/migrate"
)

const testJWTSecret = "test-secret"

// fakeIngester marks repositories ready without running git.
type fakeIngester struct {
	e engine.Engine
}

func (f *fakeIngester) IngestRepository(ctx context.Context, repoID, actorID string, refresh bool) (domain.Repository, error) {
	rp, err := f.e.Repo.GetRepository(ctx, repoID)
	if err != nil {
		return domain.Repository{}, err
	}
	rp.Status = domain.RepoReady
	rp.TotalFiles = 1
	rp.TotalLines = 20
	rp.Languages = map[string]int{"python": 100}
	return rp, nil
}

func (f *fakeIngester) IngestCodebase(ctx context.Context, codebaseID, actorID string, refresh bool) ([]ingest.RepoResult, error) {
	repos, err := f.e.Repo.ListRepositories(ctx, codebaseID)
	if err != nil {
		return nil, err
	}
	results := make([]ingest.RepoResult, 0, len(repos))
	for _, rp := range repos {
		got, err := f.IngestRepository(ctx, rp.ID, actorID, refresh)
		results = append(results, ingest.RepoResult{RepoID: rp.ID, Repository: got, Err: err})
	}
	return results, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(workspace)
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		Ingester: &fakeIngester{e: e},
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

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

func createCodebase(t *testing.T, srv *testServer) domain.Codebase {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/codebases", map[string]any{
		"tenant_id": "acme",
		"name":      "billing-suite",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create codebase: %d %s", res.StatusCode, string(data))
	}
	var cb domain.Codebase
	if err := json.Unmarshal(data, &cb); err != nil {
		t.Fatalf("unmarshal codebase: %v", err)
	}
	return cb
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return env
}

func TestCodebaseRepositoryLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cb := createCodebase(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/codebases/"+cb.ID+"/repositories", map[string]any{
		"provider":   "github",
		"url":        "https://github.com/acme/billing.git",
		"credential": "ghp_secret",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add repository: %d %s", res.StatusCode, string(data))
	}
	var rp domain.Repository
	if err := json.Unmarshal(data, &rp); err != nil {
		t.Fatalf("unmarshal repository: %v", err)
	}
	if rp.Status != domain.RepoPending {
		t.Fatalf("repository status = %s, want pending", rp.Status)
	}
	if bytes.Contains(data, []byte("ghp_secret")) || bytes.Contains(data, []byte("credential_ref")) {
		t.Fatalf("credential leaked in response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/repositories/"+rp.ID+"/ingest?wait=true", nil, actorHeader)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var ingested IngestResponse
	if err := json.Unmarshal(data, &ingested); err != nil {
		t.Fatalf("unmarshal ingest response: %v", err)
	}
	if ingested.Repository.Status != domain.RepoReady {
		t.Fatalf("ingested status = %s, want ready", ingested.Repository.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/codebases/"+cb.ID+"/repositories", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list repositories: %d %s", res.StatusCode, string(data))
	}
	var repos []domain.Repository
	if err := json.Unmarshal(data, &repos); err != nil {
		t.Fatalf("unmarshal repositories: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("repositories = %d, want 1", len(repos))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/repositories/"+rp.ID, nil, actorHeader)
	if res.StatusCode >= http.StatusMultipleChoices {
		t.Fatalf("remove repository: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/repositories/"+rp.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("error code = %s, want not_found", env.Error.Code)
	}
}

func TestTransformationWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cb := createCodebase(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/codebases/"+cb.ID+"/transformations", map[string]any{
		"name": "extract billing service",
		"type": "refactor",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transformation: %d %s", res.StatusCode, string(data))
	}
	var tr domain.Transformation
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transformation: %v", err)
	}
	if tr.Status != domain.TransformationDraft {
		t.Fatalf("status = %s, want draft", tr.Status)
	}

	steps := []struct {
		path   string
		body   any
		status domain.TransformationStatus
	}{
		{"submit", nil, domain.TransformationPendingApproval},
		{"approve", map[string]any{"comment": "looks safe"}, domain.TransformationApproved},
		{"queue", nil, domain.TransformationQueued},
		{"start", nil, domain.TransformationRunning},
		{"progress", map[string]any{"progress": 50, "step": "rewriting imports"}, domain.TransformationRunning},
		{"complete", map[string]any{"files_changed": 12}, domain.TransformationCompleted},
		{"rollback", nil, domain.TransformationRolledBack},
	}
	for _, step := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transformations/"+tr.ID+"/"+step.path, step.body, actorHeader)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, res.StatusCode, string(data))
		}
		var got domain.Transformation
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal after %s: %v", step.path, err)
		}
		if got.Status != step.status {
			t.Fatalf("after %s status = %s, want %s", step.path, got.Status, step.status)
		}
	}
}

func TestStateConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cb := createCodebase(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/codebases/"+cb.ID+"/transformations", map[string]any{
		"name": "tighten auth",
		"type": "security_fix",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transformation: %d %s", res.StatusCode, string(data))
	}
	var tr domain.Transformation
	_ = json.Unmarshal(data, &tr)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transformations/"+tr.ID+"/approve", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "state_conflict" {
		t.Fatalf("error code = %s, want state_conflict", env.Error.Code)
	}
	if env.Error.Details["status"] != "draft" {
		t.Fatalf("details = %v, want status draft", env.Error.Details)
	}
}

func TestRejectWithoutCommentIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cb := createCodebase(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/codebases/"+cb.ID+"/transformations", map[string]any{
		"name": "split monolith",
		"type": "refactor",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transformation: %d %s", res.StatusCode, string(data))
	}
	var tr domain.Transformation
	_ = json.Unmarshal(data, &tr)
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transformations/"+tr.ID+"/submit", nil, actorHeader); res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transformations/"+tr.ID+"/reject", map[string]any{
		"comment": "",
	}, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/codebases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("error code = %s", env.Error.Code)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/codebases", map[string]any{
		"name": "jwt-owned",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt: %d %s", res.StatusCode, string(data))
	}
	var cb domain.Codebase
	_ = json.Unmarshal(data, &cb)
	if cb.TenantID != "acme" {
		t.Fatalf("tenant = %s, want acme from token claim", cb.TenantID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/codebases", nil, map[string]string{"Authorization": "Bearer bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "bot-1",
		"name":     "ci",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key in creation response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/codebases", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	if bytes.Contains(data, []byte(created.Key)) {
		t.Fatalf("raw key leaked from listing")
	}
}

func TestEventsJournalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cb := createCodebase(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?codebase_id="+cb.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "codebase.created" {
		t.Fatalf("events = %+v, want single codebase.created", evts)
	}
}
