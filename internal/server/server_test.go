package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/internal/auth"
	"github.com/haasonsaas/gatekeeper/internal/store"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

func newTestServer(t *testing.T, jwt *auth.JWTService) (*httptest.Server, *approvals.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := approvals.NewService(store.NewFromRedis(rdb), approvals.Options{Logger: logger})

	srv := New(Config{}, svc, nil, jwt, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCreateGetResolveFlow(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/approvals", map[string]any{
		"sessionId": "sess-1",
		"tool":      "shell",
		"params":    map[string]any{"command": "ls"},
		"thought":   "listing files",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody[models.ApprovalRequest](t, resp)
	if created.ID == "" || created.Status != models.StatusPending || created.Tool != "shell" {
		t.Fatalf("created = %+v", created)
	}

	resp, err := http.Get(ts.URL + "/api/v1/approvals/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	fetched := decodeBody[models.ApprovalRequest](t, resp)
	if fetched.ID != created.ID {
		t.Fatalf("fetched = %+v", fetched)
	}

	resp, err = http.Get(ts.URL + "/api/v1/approvals")
	if err != nil {
		t.Fatal(err)
	}
	pending := decodeBody[[]models.ApprovalRequest](t, resp)
	if len(pending) != 1 || pending[0].ID != created.ID {
		t.Fatalf("pending = %+v", pending)
	}

	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+created.ID+"/resolve", map[string]any{
		"decision":    "approve",
		"respondedBy": "alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	result := decodeBody[resolveResponseBody](t, resp)
	if !result.Accepted {
		t.Fatal("resolve not accepted")
	}

	// Second resolve loses.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+created.ID+"/resolve", map[string]any{
		"decision":    "deny",
		"respondedBy": "bob",
	})
	result = decodeBody[resolveResponseBody](t, resp)
	if result.Accepted {
		t.Fatal("second resolve must not be accepted")
	}

	// The trail recorded the first decision.
	resp, err = http.Get(ts.URL + "/api/v1/audit")
	if err != nil {
		t.Fatal(err)
	}
	entries := decodeBody[[]models.AuditEntry](t, resp)
	if len(entries) != 1 || entries[0].Status != models.StatusApproved || entries[0].ResolvedBy != "alice" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestWaitEndpoint(t *testing.T) {
	ts, svc := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/approvals", map[string]any{"tool": "shell"})
	created := decodeBody[models.ApprovalRequest](t, resp)

	type waitResult struct {
		status int
		body   []byte
	}
	done := make(chan waitResult, 1)
	go func() {
		r, err := http.Get(fmt.Sprintf("%s/api/v1/approvals/%s/wait?timeoutMs=5000", ts.URL, created.ID))
		if err != nil {
			done <- waitResult{}
			return
		}
		defer r.Body.Close()
		raw, _ := io.ReadAll(r.Body)
		done <- waitResult{r.StatusCode, raw}
	}()

	time.Sleep(50 * time.Millisecond)
	accepted, err := svc.Resolve(t.Context(), &models.ApprovalResponse{
		RequestID: created.ID, Decision: models.DecisionDeny, RespondedBy: "bob", RespondedFrom: "slack",
	})
	if err != nil || !accepted {
		t.Fatalf("resolve: accepted=%v err=%v", accepted, err)
	}

	r := <-done
	if r.status != http.StatusOK {
		t.Fatalf("wait status = %d", r.status)
	}
	var decision models.ApprovalResponse
	if err := json.Unmarshal(r.body, &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Decision != models.DecisionDeny || decision.RespondedBy != "bob" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestWaitEndpointTimeout(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/approvals", map[string]any{"tool": "shell", "timeoutMs": 100})
	created := decodeBody[models.ApprovalRequest](t, resp)

	r, err := http.Get(fmt.Sprintf("%s/api/v1/approvals/%s/wait?timeoutMs=100", ts.URL, created.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", r.StatusCode)
	}
}

func TestGetUnknownReturns404(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	r, err := http.Get(ts.URL + "/api/v1/approvals/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", r.StatusCode)
	}
}

func TestCreateValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for name, body := range map[string]string{
		"missing tool": `{"sessionId":"s"}`,
		"bad json":     `{nope`,
	} {
		resp, err := http.Post(ts.URL+"/api/v1/approvals", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestResolveValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/approvals/some-id/resolve", map[string]any{
		"decision":    "maybe",
		"respondedBy": "alice",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	jwtSvc := auth.NewJWTService("test-secret", time.Hour)
	ts, _ := newTestServer(t, jwtSvc)

	r, err := http.Get(ts.URL + "/api/v1/approvals")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", r.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", r.StatusCode)
	}

	token, err := jwtSvc.Generate("agent-1", "Agent One")
	if err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", r.StatusCode)
	}

	// Health stays open regardless of auth.
	r, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", r.StatusCode)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/approvals", "/api/v1/approvals"},
		{"/api/v1/approvals/abc-123", "/api/v1/approvals/{id}"},
		{"/api/v1/approvals/abc-123/wait", "/api/v1/approvals/{id}/wait"},
		{"/api/v1/approvals/abc-123/resolve", "/api/v1/approvals/{id}/resolve"},
		{"/api/v1/audit", "/api/v1/audit"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.path); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
