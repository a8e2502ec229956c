// Package models defines the wire and storage types shared by the approval
// core, the HTTP API, and the channel adapters.
package models

import "time"

// Status is the lifecycle state of an approval request. Transitions form a
// one-way lattice: pending moves exactly once to approved, denied, or
// expired, and terminal states never change again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Decision is the answer a human gives to an approval prompt.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Status maps the decision to the ledger status it produces. Anything that
// is not an explicit approve is treated as a deny.
func (d Decision) Status() Status {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusDenied
}

// ApprovalRequest is the ledger record for one proposed tool call. The
// producer-supplied fields (session, tool, params, thought) are immutable;
// only the resolution fields change, and only once.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params,omitempty"`
	Thought      string         `json:"thought,omitempty"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy   string         `json:"resolvedBy,omitempty"`
	ResolvedFrom string         `json:"resolvedFrom,omitempty"`
}

// ApprovalResponse is the ephemeral message a resolver produces. It is never
// persisted on its own: it rides the response queue and is folded into the
// ledger record and the audit entry.
type ApprovalResponse struct {
	RequestID     string   `json:"requestId"`
	Decision      Decision `json:"decision"`
	RespondedBy   string   `json:"respondedBy"`
	RespondedFrom string   `json:"respondedFrom"`
}

// AuditEntry is the bounded projection of a terminal request kept in the
// audit trail. Params are deliberately dropped; they can be large and the
// trail is capped.
type AuditEntry struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Tool         string     `json:"tool"`
	Thought      string     `json:"thought,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	ResolvedFrom string     `json:"resolvedFrom,omitempty"`
}

// AuditEntryFromRequest projects a terminal ledger record into its audit
// form.
func AuditEntryFromRequest(req *ApprovalRequest) *AuditEntry {
	return &AuditEntry{
		ID:           req.ID,
		SessionID:    req.SessionID,
		Tool:         req.Tool,
		Thought:      req.Thought,
		Status:       req.Status,
		CreatedAt:    req.CreatedAt,
		ResolvedAt:   req.ResolvedAt,
		ResolvedBy:   req.ResolvedBy,
		ResolvedFrom: req.ResolvedFrom,
	}
}
