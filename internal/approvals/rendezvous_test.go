package approvals

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

func TestResolveUnblocksWaiter(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	type waitResult struct {
		resp *models.ApprovalResponse
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		resp, err := svc.Wait(ctx, req.ID, 5*time.Second)
		done <- waitResult{resp, err}
	}()

	time.Sleep(50 * time.Millisecond)
	accepted, err := svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID:     req.ID,
		Decision:      models.DecisionApprove,
		RespondedBy:   "alice",
		RespondedFrom: "web",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("resolve rejected")
	}

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.resp == nil {
		t.Fatal("wait returned none despite resolution before deadline")
	}
	if r.resp.Decision != models.DecisionApprove || r.resp.RespondedBy != "alice" {
		t.Errorf("unexpected response: %+v", r.resp)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusApproved || stored.ResolvedBy != "alice" || stored.ResolvedFrom != "web" {
		t.Errorf("stored record: %+v", stored)
	}
	if stored.ResolvedAt == nil {
		t.Error("resolvedAt not set")
	}
}

func TestWaitTimeoutExpiresRequest(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Wait(ctx, req.ID, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected none, got %+v", resp)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
	// Expired without resolution: no resolver fields.
	if stored.ResolvedAt != nil || stored.ResolvedBy != "" {
		t.Errorf("expired record carries resolution fields: %+v", stored)
	}
}

func TestResolveAfterExpiryReturnsFalse(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Wait(ctx, req.ID, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	accepted, err := svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID: req.ID, Decision: models.DecisionApprove, RespondedBy: "late", RespondedFrom: "web",
	})
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("resolve after expiry must return false")
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusExpired {
		t.Errorf("late resolve overwrote terminal status: %s", stored.Status)
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	svc, mr := newTestService(t, Options{})

	accepted, err := svc.Resolve(context.Background(), &models.ApprovalResponse{
		RequestID: "never-existed", Decision: models.DecisionApprove, RespondedBy: "x", RespondedFrom: "web",
	})
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("resolve of unknown id must return false")
	}
	// No side effects: nothing pushed, nothing audited.
	if mr.Exists(responseKey("never-existed")) {
		t.Error("response queue created for unknown request")
	}
	if mr.Exists(auditKey) {
		t.Error("audit entry created for unknown request")
	}
}

func TestResolveNil(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	if accepted, err := svc.Resolve(context.Background(), nil); err != nil || accepted {
		t.Fatalf("nil resolve: accepted=%v err=%v", accepted, err)
	}
}

func TestConcurrentResolversExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	const resolvers = 8
	decisions := [2]models.Decision{models.DecisionApprove, models.DecisionDeny}
	results := make([]bool, resolvers)
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted, err := svc.Resolve(ctx, &models.ApprovalResponse{
				RequestID:     req.ID,
				Decision:      decisions[i%2],
				RespondedBy:   "resolver",
				RespondedFrom: "web",
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = accepted
		}(i)
	}
	wg.Wait()

	winners := 0
	var winnerDecision models.Decision
	for i, accepted := range results {
		if accepted {
			winners++
			winnerDecision = decisions[i%2]
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != winnerDecision.Status() {
		t.Errorf("stored status %s does not match winner decision %s", stored.Status, winnerDecision)
	}

	// The queue holds exactly the winner's payload.
	resp, err := svc.Wait(ctx, req.ID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Decision != winnerDecision {
		t.Errorf("wait observed %+v, want winner decision %s", resp, winnerDecision)
	}
}

func TestDoubleResolveBeforeWait(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	first, err := svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID: req.ID, Decision: models.DecisionApprove, RespondedBy: "alice", RespondedFrom: "web",
	})
	if err != nil || !first {
		t.Fatalf("first resolve: ok=%v err=%v", first, err)
	}
	second, err := svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID: req.ID, Decision: models.DecisionDeny, RespondedBy: "bob", RespondedFrom: "slack",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("second resolve must return false")
	}

	resp, err := svc.Wait(ctx, req.ID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Decision != models.DecisionApprove || resp.RespondedBy != "alice" {
		t.Errorf("wait observed %+v, want alice's approval", resp)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusApproved {
		t.Errorf("status = %s, want approved", stored.Status)
	}
}

func TestWaitMalformedPayloadIsFatal(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	svc.store.Redis().RPush(ctx, responseKey(req.ID), "{corrupt")

	if _, err := svc.Wait(ctx, req.ID, time.Second); err == nil {
		t.Fatal("expected hard error for malformed response payload")
	}
}

func TestWaitWithoutRequestTimesOutQuietly(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	resp, err := svc.Wait(context.Background(), "no-such-request", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected none, got %+v", resp)
	}
}

// Terminal transitions replace the stored record with JSON marshaled in Go;
// the scripts must never re-encode it (cjson rewrites empty arrays as
// objects and clips long numbers), and the Go side decodes numbers as
// json.Number so a re-marshal cannot shift them through float64.
func TestResolveKeepsParamsVerbatim(t *testing.T) {
	svc, mr := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{
		Tool: "shell",
		Params: map[string]any{
			"args":    []any{},
			"attempt": int64(9007199254740993),
		},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	accepted, err := svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID: req.ID, Decision: models.DecisionApprove, RespondedBy: "alice", RespondedFrom: "web",
	})
	if err != nil || !accepted {
		t.Fatalf("resolve: accepted=%v err=%v", accepted, err)
	}

	raw, err := mr.Get(requestKey(req.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, `"args":[]`) {
		t.Errorf("empty array rewritten: %s", raw)
	}
	if !strings.Contains(raw, "9007199254740993") {
		t.Errorf("number lost precision: %s", raw)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusApproved {
		t.Errorf("status = %s", stored.Status)
	}
}

func TestExpireKeepsParamsVerbatim(t *testing.T) {
	svc, mr := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{
		Tool: "shell",
		Params: map[string]any{
			"args":    []any{},
			"attempt": int64(9007199254740993),
		},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Wait(ctx, req.ID, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	raw, err := mr.Get(requestKey(req.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, `"args":[]`) {
		t.Errorf("empty array rewritten: %s", raw)
	}
	if !strings.Contains(raw, "9007199254740993") {
		t.Errorf("number lost precision: %s", raw)
	}
	if !strings.Contains(raw, `"status":"expired"`) {
		t.Errorf("status not transitioned: %s", raw)
	}
}

func TestWaitHonorsSubSecondTimeout(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateParams{Tool: "shell", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	resp, err := svc.Wait(ctx, req.ID, 100*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected none, got %+v", resp)
	}
	// The context deadline cuts the pop's one-second floor.
	if elapsed >= time.Second {
		t.Errorf("wait took %s, want ~100ms", elapsed)
	}

	stored, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
}

func TestExpireOverdue(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	putRequest(t, svc, &models.ApprovalRequest{
		ID:        "overdue-1",
		Tool:      "shell",
		Status:    models.StatusPending,
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	})
	fresh, err := svc.Create(ctx, CreateParams{Tool: "browse", Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	expired, err := svc.ExpireOverdue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	stored, err := svc.Get(ctx, "overdue-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
	if live, err := svc.Get(ctx, fresh.ID); err != nil || live.Status != models.StatusPending {
		t.Errorf("fresh request touched: %+v err=%v", live, err)
	}

	// The sweep feeds the audit trail.
	entries, err := svc.AuditTrail(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "overdue-1" {
		t.Errorf("audit entries = %+v", entries)
	}
}
