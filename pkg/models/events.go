package models

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle event on the notification bus.
type EventType string

const (
	// EventApprovalRequest announces a freshly created request so channels
	// can render a prompt.
	EventApprovalRequest EventType = "approval_request"

	// EventApprovalResolved announces a terminal transition so channels can
	// update or retire their prompts.
	EventApprovalResolved EventType = "approval_resolved"
)

// Event is the broadcast frame published on the notification bus. Delivery
// is best-effort; consumers re-render from the ledger when in doubt.
type Event struct {
	Channel   string          `json:"channel"`
	Event     EventType       `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RequestEventData is the payload of an approval_request event.
type RequestEventData struct {
	Request *ApprovalRequest `json:"request"`
}

// ResolvedEventData is the payload of an approval_resolved event, carrying
// the denormalized final state alongside the full record.
type ResolvedEventData struct {
	Request      *ApprovalRequest `json:"request"`
	Status       Status           `json:"status"`
	ResolvedBy   string           `json:"resolvedBy"`
	ResolvedFrom string           `json:"resolvedFrom"`
}
