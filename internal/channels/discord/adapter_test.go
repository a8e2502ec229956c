package discord

import (
	"testing"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

func TestParseCustomID(t *testing.T) {
	tests := []struct {
		name     string
		customID string
		decision models.Decision
		id       string
		ok       bool
	}{
		{"approve", "gk:approve:req-1", models.DecisionApprove, "req-1", true},
		{"deny", "gk:deny:req-1", models.DecisionDeny, "req-1", true},
		{"unknown decision denies", "gk:nope:req-1", models.DecisionDeny, "req-1", true},
		{"wrong prefix", "vote:approve:req-1", "", "", false},
		{"missing id", "gk:deny:", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, id, ok := parseCustomID(tt.customID)
			if ok != tt.ok || decision != tt.decision || id != tt.id {
				t.Errorf("parseCustomID(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.customID, decision, id, ok, tt.decision, tt.id, tt.ok)
			}
		})
	}
}
