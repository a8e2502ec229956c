package approvals

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// appendAudit inserts the projection of a terminal request into the
// time-ordered trail and trims the oldest excess in the same pipeline. The
// score is the resolution time, falling back to creation time for requests
// that expired without ever being decided. Audit failures are logged, not
// propagated: the resolution already happened and must not be rolled back
// over bookkeeping.
func (s *Service) appendAudit(ctx context.Context, req *models.ApprovalRequest) {
	entry := models.AuditEntryFromRequest(req)
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("drop unencodable audit entry", "request_id", req.ID, "error", err)
		return
	}

	score := entry.CreatedAt.UnixMilli()
	if entry.ResolvedAt != nil {
		score = entry.ResolvedAt.UnixMilli()
	}

	pipe := s.store.Redis().TxPipeline()
	pipe.ZAdd(ctx, auditKey, redis.Z{Score: float64(score), Member: raw})
	pipe.ZRemRangeByRank(ctx, auditKey, 0, int64(-s.auditLimit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("audit append failed", "request_id", req.ID, "error", err)
	}
}

// AuditTrail returns terminal requests in reverse chronological order.
// Limit defaults to 50; offset pages further back in time. Entries that no
// longer decode are skipped.
func (s *Service) AuditTrail(ctx context.Context, limit, offset int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	raws, err := s.store.Redis().ZRevRange(ctx, auditKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*models.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var entry models.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping malformed audit entry", "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// AuditSize reports how many entries the trail currently holds.
func (s *Service) AuditSize(ctx context.Context) (int64, error) {
	return s.store.Redis().ZCard(ctx, auditKey).Result()
}
