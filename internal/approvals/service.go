// Package approvals implements the approval coordination core: the ledger of
// approval requests, the blocking wait/resolve rendezvous, the notification
// bus, and the bounded audit trail — all on top of the Redis coordination
// store.
//
// The contract callers rely on: a request's status moves exactly once from
// pending to a terminal value (approved, denied, expired), no matter how
// many resolvers and timing-out waiters race for that transition. The
// transition itself runs as a Lua script on the store, so the pending check
// and the write are a single atomic step even across processes.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/gatekeeper/internal/observability"
	"github.com/haasonsaas/gatekeeper/internal/store"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// ErrNotFound is returned when a request id has no ledger record, either
// because it never existed or because its store-level expiry lapsed.
// Callers treat this as routine, not exceptional.
var ErrNotFound = errors.New("approval request not found")

// Store key layout. Ledger records and response queues share the "approval:"
// namespace but have distinct prefixes so a SCAN over requests never picks
// up a queue.
const (
	requestKeyPrefix  = "approval:request:"
	responseKeyPrefix = "approval:response:"
	eventsChannel     = "approval:events"
	auditKey          = "approval:audit"
)

const (
	// DefaultTimeout is how long a request stays open when the producer
	// does not specify its own deadline.
	DefaultTimeout = 5 * time.Minute

	// creationGrace pads the store-level expiry past the request's own
	// deadline so the timeout path can still read and transition the
	// record before the store evicts it.
	creationGrace = 60 * time.Second

	// defaultResolvedRetention keeps terminal records around for audit and
	// debugging before the store-level expiry reclaims them.
	defaultResolvedRetention = 24 * time.Hour

	// defaultAuditLimit caps the audit trail to the most recent entries.
	defaultAuditLimit = 1000

	// responseQueueTTL bounds how long an unconsumed decision lingers on a
	// response queue after its waiter has gone away.
	responseQueueTTL = 60 * time.Second
)

// Options configures a Service. Zero values fall back to the defaults above.
type Options struct {
	Logger            *slog.Logger
	Metrics           *observability.Metrics
	DefaultTimeout    time.Duration
	ResolvedRetention time.Duration
	AuditLimit        int
}

// Service is the approval coordination facade. It is safe for concurrent use
// from any number of goroutines and processes sharing the same store.
type Service struct {
	store          *store.Client
	logger         *slog.Logger
	metrics        *observability.Metrics
	defaultTimeout time.Duration
	retention      time.Duration
	auditLimit     int
}

// NewService builds a Service over the given coordination store.
func NewService(st *store.Client, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retention := opts.ResolvedRetention
	if retention <= 0 {
		retention = defaultResolvedRetention
	}
	limit := opts.AuditLimit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	return &Service{
		store:          st,
		logger:         logger.With("component", "approvals"),
		metrics:        opts.Metrics,
		defaultTimeout: timeout,
		retention:      retention,
		auditLimit:     limit,
	}
}

// Gate is the producer-side convenience: create a request, block for its
// resolution, and fail closed. A timeout or a deny both yield false; only an
// explicit approve yields true.
func (s *Service) Gate(ctx context.Context, p CreateParams) (bool, *models.ApprovalResponse, error) {
	req, err := s.Create(ctx, p)
	if err != nil {
		return false, nil, err
	}
	resp, err := s.Wait(ctx, req.ID, p.Timeout)
	if err != nil {
		return false, nil, err
	}
	if resp == nil {
		return false, nil, nil
	}
	return resp.Decision == models.DecisionApprove, resp, nil
}

func requestKey(id string) string {
	return requestKeyPrefix + id
}

func responseKey(id string) string {
	return responseKeyPrefix + id
}
