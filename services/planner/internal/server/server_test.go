package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"examprep/internal/ratelimit"
	"examprep/pkg/domain"
	"examprep/pkg/storage"
	"examprep/pkg/store"
	"examprep/services/planner/internal/app"
	"examprep/services/planner/internal/extract"
	"examprep/services/planner/internal/gateway"
)

type fakeGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]bool
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		replies: map[string]string{
			"Analyze the exam paper":        `{"topicBreakdown": [{"name": "Algebra", "weight": 3}, {"name": "Geometry", "weight": 3}], "difficultyAnalysis": {"level": "Easy", "reasoning": "short"}, "importantQuestions": ["Solve quadratic equations"]}`,
			"Solve each exam question":      `{"solutions": [{"question": "Solve quadratic equations", "answer": "Use the formula", "foundInNotes": false}]}`,
			"Create a daily study schedule": `{"days": [{"day": 1, "topics": ["Algebra"], "tasks": ["Quadratics"], "focusArea": "Algebra"}]}`,
			"Modify this study plan":        `{"days": [{"day": 1, "topics": ["Geometry"], "tasks": ["Triangles"], "focusArea": "Geometry"}]}`,
		},
		fail: map[string]bool{},
	}
}

func (g *fakeGenerator) GenerateText(_ context.Context, _, user string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for prefix, reply := range g.replies {
		if strings.HasPrefix(user, prefix) {
			if g.fail[prefix] {
				return "", errors.New("backend unavailable")
			}
			return reply, nil
		}
	}
	return "", errors.New("unexpected prompt")
}

func (g *fakeGenerator) failOn(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[prefix] = true
}

type testServer struct {
	*httptest.Server
	srv *Server
	gen *fakeGenerator
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	return newTestServerWithObjects(t, nil, mutate)
}

func newTestServerWithObjects(t *testing.T, objects storage.ObjectStore, mutate func(*Config)) *testServer {
	t.Helper()
	gen := newFakeGenerator()
	gw, err := gateway.New(gen, nil)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	a, err := app.New(app.Config{
		Store:     store.New(store.NewMemoryMedium()),
		Gateway:   gw,
		Extractor: extract.New(extract.Options{DisablePdftotext: true}),
		Objects:   objects,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	cfg := Config{App: a, AllowedExtensions: []string{".txt", ".pdf"}}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, srv: srv, gen: gen}
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	return resp, out
}

func (ts *testServer) postJSON(t *testing.T, path, userID string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(payload)
	return ts.do(t, http.MethodPost, path, userID, bytes.NewReader(body), "application/json")
}

func (ts *testServer) register(t *testing.T, email string) string {
	t.Helper()
	resp, out := ts.postJSON(t, "/api/auth/register", "", map[string]string{"email": email})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register expected 201, got %d: %v", resp.StatusCode, out)
	}
	return out["user"].(map[string]any)["id"].(string)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, userID string) (string, map[string]any) {
	t.Helper()
	body, ct := multipartBody(t, nil, map[string]string{"paper.txt": "Q1. Solve x^2 - 1 = 0"})
	resp, out := ts.do(t, http.MethodPost, "/api/documents", userID, body, ct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d: %v", resp.StatusCode, out)
	}
	docs := out["documents"].([]any)
	return docs[0].(map[string]any)["id"].(string), out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, out := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestRegisterDuplicateAndLogin(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "student@example.com")

	resp, out := ts.postJSON(t, "/api/auth/register", "", map[string]string{"email": "Student@example.com"})
	if resp.StatusCode != http.StatusConflict || out["error"] != "Email already exists" {
		t.Fatalf("expected 409 duplicate, got %d %v", resp.StatusCode, out)
	}
	resp, out = ts.postJSON(t, "/api/auth/login", "", map[string]string{"email": "missing@example.com"})
	if resp.StatusCode != http.StatusNotFound || out["error"] != "User not found. Please register." {
		t.Fatalf("expected 404 unknown user, got %d %v", resp.StatusCode, out)
	}
	resp, _ = ts.postJSON(t, "/api/auth/register", "", map[string]string{"email": "bad"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 invalid email, got %d", resp.StatusCode)
	}
}

func TestSessionFallsBackToCurrentIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodGet, "/api/auth/session", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.StatusCode)
	}
	id := ts.register(t, "a@example.com")

	resp, out := ts.do(t, http.MethodGet, "/api/auth/session", "", nil, "")
	if resp.StatusCode != http.StatusOK || out["user"].(map[string]any)["id"] != id {
		t.Fatalf("expected current identity, got %d %v", resp.StatusCode, out)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/auth/session", "unknown-user", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown header identity, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/auth/logout", id, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/auth/session", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestUploadAnalyzeAndFetch(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	docID, out := ts.upload(t, id)

	analysis := out["analysis"].(map[string]any)
	if analysis["documentId"] != docID {
		t.Fatalf("analysis not keyed on document: %v", analysis)
	}
	resp, got := ts.do(t, http.MethodGet, "/api/documents/"+docID+"/analysis", id, nil, "")
	if resp.StatusCode != http.StatusOK || len(got["topicBreakdown"].([]any)) != 2 {
		t.Fatalf("unexpected analysis fetch: %d %v", resp.StatusCode, got)
	}
	resp, got = ts.do(t, http.MethodGet, "/api/documents", id, nil, "")
	if resp.StatusCode != http.StatusOK || got["count"].(float64) != 1 {
		t.Fatalf("unexpected listing: %d %v", resp.StatusCode, got)
	}
	resp, got = ts.do(t, http.MethodGet, "/api/documents/missing/analysis", id, nil, "")
	if resp.StatusCode != http.StatusNotFound || got["error"] != "Archive analysis not found. Start from dashboard." {
		t.Fatalf("expected missing analysis message, got %d %v", resp.StatusCode, got)
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	body, ct := multipartBody(t, nil, map[string]string{"malware.exe": "MZ"})
	resp, _ := ts.do(t, http.MethodPost, "/api/documents", id, body, ct)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxUploadBytes = 64 })
	id := ts.register(t, "a@example.com")
	body, ct := multipartBody(t, nil, map[string]string{"paper.txt": strings.Repeat("x", 1024)})
	resp, _ := ts.do(t, http.MethodPost, "/api/documents", id, body, ct)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestDocumentResponsesOmitStorageKey(t *testing.T) {
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ts := newTestServerWithObjects(t, objects, nil)
	id := ts.register(t, "a@example.com")
	docID, out := ts.upload(t, id)

	uploaded := out["documents"].([]any)[0].(map[string]any)
	if _, ok := uploaded["storageKey"]; ok {
		t.Fatalf("upload response leaks storageKey: %v", uploaded)
	}
	_, got := ts.do(t, http.MethodGet, "/api/documents/"+docID, id, nil, "")
	if _, ok := got["storageKey"]; ok || got["id"] != docID {
		t.Fatalf("document response leaks storageKey: %v", got)
	}
	_, list := ts.do(t, http.MethodGet, "/api/documents", id, nil, "")
	if _, ok := list["items"].([]any)[0].(map[string]any)["storageKey"]; ok {
		t.Fatalf("listing leaks storageKey: %v", list)
	}
	resp, _ := ts.do(t, http.MethodGet, "/api/documents/"+docID+"/download", id, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archived original should still download, got %d", resp.StatusCode)
	}
}

func TestReadUploadsRemovesSpilledParts(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	ts := newTestServer(t, nil)
	ts.srv.multipartMemory = 1

	body, ct := multipartBody(t, nil, map[string]string{"paper.txt": strings.Repeat("q", 4096)})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	uploads, ok := ts.srv.readUploads(rec, req)
	if !ok || len(uploads) != 1 || len(uploads[0].Data) != 4096 {
		t.Fatalf("unexpected uploads: ok=%v %d", ok, rec.Code)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d", len(entries))
	}
}

func TestAnalysisFailureReturnsDocuments(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	ts.gen.failOn("Analyze the exam paper")

	body, ct := multipartBody(t, nil, map[string]string{"paper.txt": "Q1"})
	resp, out := ts.do(t, http.MethodPost, "/api/documents", id, body, ct)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if out["error"] != "AI analysis failed. Check connection and try again." {
		t.Fatalf("unexpected error message: %v", out["error"])
	}
	if docs, _ := out["documents"].([]any); len(docs) != 1 {
		t.Fatalf("documents should be reported after analysis failure: %v", out)
	}
}

func TestSolveEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	docID, _ := ts.upload(t, id)

	body, ct := multipartBody(t, nil, map[string]string{"notes.txt": "quadratics"})
	resp, out := ts.do(t, http.MethodPost, "/api/documents/"+docID+"/solutions", id, body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, out)
	}
	sol := out["solutions"].([]any)[0].(map[string]any)
	if !strings.HasPrefix(sol["answer"].(string), gateway.ExternalKnowledgePrefix) {
		t.Fatalf("expected external knowledge prefix: %v", sol)
	}

	ts.gen.failOn("Solve each exam question")
	body, ct = multipartBody(t, nil, map[string]string{"notes.txt": "quadratics"})
	resp, out = ts.do(t, http.MethodPost, "/api/documents/"+docID+"/solutions", id, body, ct)
	if resp.StatusCode != http.StatusBadGateway || out["error"] != "AI failed to process notes. Check connection." {
		t.Fatalf("expected 502 solve failure, got %d %v", resp.StatusCode, out)
	}
}

func TestPlannerFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	docID, _ := ts.upload(t, id)

	resp, out := ts.do(t, http.MethodGet, "/api/planner?documentId="+docID, id, nil, "")
	planner := out["planner"].(map[string]any)
	if resp.StatusCode != http.StatusOK || planner["step"] != "form" {
		t.Fatalf("expected form, got %d %v", resp.StatusCode, out)
	}

	resp, out = ts.postJSON(t, "/api/planner/generate", id, map[string]any{
		"documentId": docID, "daysLeft": 3, "knowledgeLevel": "Beginner", "difficulty": "Light",
	})
	planner = out["planner"].(map[string]any)
	if resp.StatusCode != http.StatusCreated || planner["step"] != "view" {
		t.Fatalf("expected view after generate, got %d %v", resp.StatusCode, out)
	}
	planID := planner["plan"].(map[string]any)["id"]

	resp, out = ts.postJSON(t, "/api/planner/refine", id, map[string]any{"documentId": docID, "instruction": "more geometry"})
	planner = out["planner"].(map[string]any)
	if resp.StatusCode != http.StatusOK || out["applied"] != true || planner["plan"].(map[string]any)["id"] != planID {
		t.Fatalf("unexpected refine response: %d %v", resp.StatusCode, out)
	}

	resp, out = ts.postJSON(t, "/api/planner/reset", id, map[string]any{"documentId": docID})
	if resp.StatusCode != http.StatusOK || out["planner"].(map[string]any)["step"] != "form" {
		t.Fatalf("unexpected reset response: %d %v", resp.StatusCode, out)
	}
	resp, _ = ts.postJSON(t, "/api/planner/reset", id, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reset without document expected 400, got %d", resp.StatusCode)
	}

	resp, out = ts.do(t, http.MethodGet, "/api/plans", id, nil, "")
	if resp.StatusCode != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("unexpected plan listing: %d %v", resp.StatusCode, out)
	}
}

func TestGenerateWithoutAnalysis(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.register(t, "a@example.com")
	form := map[string]any{"daysLeft": 3, "knowledgeLevel": "Beginner", "difficulty": "Light"}

	form["documentId"] = "nope"
	resp, out := ts.postJSON(t, "/api/planner/generate", id, form)
	if resp.StatusCode != http.StatusNotFound || out["error"] != "Archive analysis not found. Start from dashboard." {
		t.Fatalf("unknown document: got %d %v", resp.StatusCode, out)
	}

	ts.gen.failOn("Analyze the exam paper")
	body, ct := multipartBody(t, nil, map[string]string{"paper.txt": "Q1"})
	_, uploaded := ts.do(t, http.MethodPost, "/api/documents", id, body, ct)
	form["documentId"] = uploaded["documents"].([]any)[0].(map[string]any)["id"]
	resp, out = ts.postJSON(t, "/api/planner/generate", id, form)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if out["error"] != "Archive analysis not found. Start from dashboard." || out["planner"].(map[string]any)["step"] != "form" {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestAIRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := newTestServer(t, func(c *Config) {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test", 1, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
		c.AILimiter = limiter
	})
	id := ts.register(t, "a@example.com")
	ts.upload(t, id)

	body, ct := multipartBody(t, map[string]string{"fileType": string(domain.FileTypeNotes)}, map[string]string{"n.txt": "x"})
	resp, _ := ts.do(t, http.MethodPost, "/api/documents", id, body, ct)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `examprep_http_requests_total{method="GET",route="GET /healthz",status="200"}`) {
		t.Fatalf("expected route-labelled request counter")
	}
}
