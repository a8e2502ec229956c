package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusApproved, true},
		{StatusDenied, true},
		{StatusExpired, true},
		{Status("bogus"), false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestDecisionStatus(t *testing.T) {
	if got := DecisionApprove.Status(); got != StatusApproved {
		t.Errorf("approve -> %s", got)
	}
	if got := DecisionDeny.Status(); got != StatusDenied {
		t.Errorf("deny -> %s", got)
	}
	// A decision we do not recognize must never approve.
	if got := Decision("maybe").Status(); got != StatusDenied {
		t.Errorf("unknown decision -> %s, want denied", got)
	}
}

func TestAuditEntryFromRequestDropsParams(t *testing.T) {
	resolvedAt := time.Now().UTC()
	req := &ApprovalRequest{
		ID:           "req-1",
		SessionID:    "sess-1",
		Tool:         "shell",
		Params:       map[string]any{"command": "ls", "cwd": "/tmp"},
		Thought:      "checking the directory",
		Status:       StatusApproved,
		CreatedAt:    resolvedAt.Add(-time.Minute),
		ResolvedAt:   &resolvedAt,
		ResolvedBy:   "alice",
		ResolvedFrom: "slack",
	}

	entry := AuditEntryFromRequest(req)
	if entry.ID != req.ID || entry.Tool != req.Tool || entry.Status != req.Status {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ResolvedBy != "alice" || entry.ResolvedFrom != "slack" {
		t.Errorf("resolution fields = %+v", entry)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatal(err)
	}
	if _, ok := asMap["params"]; ok {
		t.Error("audit entry serialized params")
	}
}

func TestApprovalRequestJSONFieldNames(t *testing.T) {
	resolvedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req := &ApprovalRequest{
		ID:           "req-1",
		SessionID:    "sess-1",
		Tool:         "shell",
		Status:       StatusApproved,
		CreatedAt:    resolvedAt.Add(-time.Minute),
		ExpiresAt:    resolvedAt.Add(time.Minute),
		ResolvedAt:   &resolvedAt,
		ResolvedBy:   "alice",
		ResolvedFrom: "web",
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"id", "sessionId", "tool", "status", "createdAt", "expiresAt", "resolvedAt", "resolvedBy", "resolvedFrom"} {
		if _, ok := asMap[field]; !ok {
			t.Errorf("missing field %q in %s", field, raw)
		}
	}
}
