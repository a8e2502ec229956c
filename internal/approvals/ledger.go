package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// CreateParams carries the producer-supplied fields of a new approval
// request. Timeout defaults to the service-wide default when zero.
type CreateParams struct {
	SessionID string
	Tool      string
	Params    map[string]any
	Thought   string
	Timeout   time.Duration
}

// Create allocates a fresh request in pending state, writes it to the ledger
// with a store-level expiry slightly past its deadline, and announces it on
// the notification bus.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.ApprovalRequest, error) {
	if p.Tool == "" {
		return nil, errors.New("tool is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		Tool:      p.Tool,
		Params:    p.Params,
		Thought:   p.Thought,
		Status:    models.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal approval request: %w", err)
	}
	if err := s.store.Redis().Set(ctx, requestKey(req.ID), raw, timeout+creationGrace).Err(); err != nil {
		return nil, fmt.Errorf("write approval request: %w", err)
	}

	s.publish(ctx, models.EventApprovalRequest, models.RequestEventData{Request: req})
	if s.metrics != nil {
		s.metrics.ApprovalsCreated.WithLabelValues(req.Tool).Inc()
	}
	s.logger.Info("approval request created",
		"request_id", req.ID,
		"session_id", req.SessionID,
		"tool", req.Tool,
		"expires_at", req.ExpiresAt)
	return req, nil
}

// Get fetches a single ledger record. Returns ErrNotFound for unknown or
// already-evicted ids.
func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := s.store.Redis().Get(ctx, requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read approval request: %w", err)
	}
	req, err := decodeRequest(raw)
	if err != nil {
		return nil, fmt.Errorf("decode approval request %s: %w", id, err)
	}
	return req, nil
}

// decodeRequest parses a ledger record. Numbers inside params stay
// json.Number so the terminal transition can re-marshal the record without
// shifting a producer's values through float64.
func decodeRequest(raw []byte) (*models.ApprovalRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var req models.ApprovalRequest
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListPending enumerates ledger records that are still pending and still
// inside their deadline. A record whose deadline has passed but that the
// sweep has not yet transitioned is not pending, so it is filtered here too;
// malformed records are skipped.
func (s *Service) ListPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	reqs, err := s.scanRequests(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pending := reqs[:0]
	for _, req := range reqs {
		if req.Status == models.StatusPending && req.ExpiresAt.After(now) {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// CountPending reports how many requests are currently awaiting a decision.
// Derived from the shared ledger, so every process reports the same number;
// the pending gauge reads this at scrape time.
func (s *Service) CountPending(ctx context.Context) (int, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// scanRequests walks the request keyspace. The response queues live under a
// different prefix, so the match pattern never touches them.
func (s *Service) scanRequests(ctx context.Context) ([]*models.ApprovalRequest, error) {
	var reqs []*models.ApprovalRequest
	iter := s.store.Redis().Scan(ctx, 0, requestKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.store.Redis().Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // evicted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("read approval request: %w", err)
		}
		req, err := decodeRequest(raw)
		if err != nil {
			s.logger.Warn("skipping malformed ledger record", "key", iter.Val(), "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan approval requests: %w", err)
	}
	return reqs, nil
}
