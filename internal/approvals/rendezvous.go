package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// The terminal transition runs server-side so the pending check and the
// write are one atomic step. resolveScript claims the transition and pushes
// the decision onto the response queue in the same script, which is what
// makes "exactly one resolver returns true" hold under concurrent callers
// across processes.
//
// The replacement record arrives pre-marshaled from Go. The script decodes
// the stored JSON only to read the status guard and never re-encodes it:
// cjson round-trips rewrite empty arrays as objects and clip numbers past
// 14 digits, which would corrupt the immutable params payload. The swap is
// sound because every field other than status and the resolution fields is
// write-once, so a record that is still pending is the record the caller
// read.
//
// KEYS[1] ledger record, KEYS[2] response queue.
// ARGV: replacement record, record TTL seconds, response payload,
// queue TTL seconds.
var resolveScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local req = cjson.decode(raw)
if req['status'] ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4]))
return 1
`)

// expireScript is the timeout side of the same race, with the same
// caller-marshaled replacement record.
//
// KEYS[1] ledger record. ARGV: replacement record, record TTL seconds.
var expireScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local req = cjson.decode(raw)
if req['status'] ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
return 1
`)

// Wait blocks until a decision for the request arrives or the timeout
// elapses. The blocking dequeue runs on a connection checked out for this
// call alone, so a five-minute wait never stalls unrelated operations on
// the shared pool.
//
// A nil response with a nil error means the wait timed out and the request
// is now expired; the caller must treat that as denied. A malformed payload
// on the queue is a hard error — silently losing a decision is worse than
// failing the wait.
func (s *Service) Wait(ctx context.Context, requestID string, timeout time.Duration) (*models.ApprovalResponse, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		}
	}()

	conn := s.store.Redis().Conn()
	defer conn.Close()

	// The store's blocking pop has one second granularity; sub-second
	// timeouts round the pop up and let the context deadline cut the call
	// at the requested moment.
	blockFor := timeout
	if blockFor < time.Second {
		blockFor = time.Second
	}
	popCtx, cancel := context.WithTimeout(ctx, timeout)
	vals, err := conn.BLPop(popCtx, blockFor, responseKey(requestID)).Result()
	cancel()

	switch {
	case err == nil:
		// BLPop returns [key, value].
		return parseResponse([]byte(vals[1]))
	case errors.Is(err, redis.Nil):
		return s.waitTimedOut(ctx, requestID)
	case popCtx.Err() != nil && ctx.Err() == nil:
		// The wait's own deadline fired before the pop's one-second floor.
		return s.waitTimedOut(ctx, requestID)
	default:
		return nil, fmt.Errorf("dequeue approval response: %w", err)
	}
}

// waitTimedOut settles the race at the deadline. If the expiry transition
// loses, a resolver landed in the same instant and its decision is already
// on the queue; drain it without blocking and hand it to the caller.
func (s *Service) waitTimedOut(ctx context.Context, requestID string) (*models.ApprovalResponse, error) {
	applied, err := s.expire(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if applied {
		return nil, nil
	}
	raw, err := s.store.Redis().LPop(ctx, responseKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Already terminal with nothing queued: either an earlier wait
		// consumed the decision or the sweeper expired the record.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue approval response: %w", err)
	}
	return parseResponse(raw)
}

// Resolve delivers a human decision. It returns false, without error, when
// the request is unknown or no longer pending — the caller's surface should
// say "already handled". On success the ledger has transitioned, the waiter
// (if any) has been unblocked, the resolution event is out, and the audit
// trail holds the entry.
func (s *Service) Resolve(ctx context.Context, resp *models.ApprovalResponse) (bool, error) {
	if resp == nil || resp.RequestID == "" {
		return false, nil
	}
	req, err := s.Get(ctx, resp.RequestID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != models.StatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	req.Status = resp.Decision.Status()
	req.ResolvedAt = &now
	req.ResolvedBy = resp.RespondedBy
	req.ResolvedFrom = resp.RespondedFrom

	finalRaw, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal approval request: %w", err)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("marshal approval response: %w", err)
	}

	applied, err := resolveScript.Run(ctx, s.store.Redis(),
		[]string{requestKey(resp.RequestID), responseKey(resp.RequestID)},
		finalRaw,
		int(s.retention.Seconds()),
		payload,
		int(responseQueueTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("resolve approval request: %w", err)
	}
	if applied == 0 {
		// Lost the race to another resolver or to expiry.
		return false, nil
	}

	s.publish(ctx, models.EventApprovalResolved, models.ResolvedEventData{
		Request:      req,
		Status:       req.Status,
		ResolvedBy:   resp.RespondedBy,
		ResolvedFrom: resp.RespondedFrom,
	})
	s.appendAudit(ctx, req)
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.WithLabelValues(string(req.Status), resp.RespondedFrom).Inc()
	}
	s.logger.Info("approval request resolved",
		"request_id", resp.RequestID,
		"status", req.Status,
		"resolved_by", resp.RespondedBy,
		"resolved_from", resp.RespondedFrom)
	return true, nil
}

// expire attempts the pending -> expired transition. Returns whether this
// caller won it. An expired record keeps no resolution fields: it was never
// decided by anyone.
func (s *Service) expire(ctx context.Context, requestID string) (bool, error) {
	req, err := s.Get(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != models.StatusPending {
		return false, nil
	}

	req.Status = models.StatusExpired
	raw, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal approval request: %w", err)
	}

	applied, err := expireScript.Run(ctx, s.store.Redis(),
		[]string{requestKey(requestID)},
		raw,
		int(s.retention.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("expire approval request: %w", err)
	}
	if applied == 0 {
		return false, nil
	}

	s.appendAudit(ctx, req)
	if s.metrics != nil {
		s.metrics.ApprovalsExpired.Inc()
	}
	s.logger.Info("approval request expired", "request_id", requestID)
	return true, nil
}

// ExpireOverdue transitions every pending request whose deadline has passed.
// This backstops waiters that died before their own timeout could fire; the
// sweeper calls it on a schedule. Returns how many requests it expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	reqs, err := s.scanRequests(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	expired := 0
	for _, req := range reqs {
		if req.Status != models.StatusPending || req.ExpiresAt.After(now) {
			continue
		}
		applied, err := s.expire(ctx, req.ID)
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

func parseResponse(raw []byte) (*models.ApprovalResponse, error) {
	var resp models.ApprovalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed approval response payload: %w", err)
	}
	return &resp, nil
}
