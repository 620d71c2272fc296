package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Status is the lifecycle state of an approval request.
// Requests are terminal once approved or rejected.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one approval request awaiting an external decision.
type Request struct {
	ID            types.ID   `json:"id"`
	OperationType string     `json:"operation_type"`
	Description   string     `json:"description"`
	EstimatedCost float64    `json:"estimated_cost"`
	RequestedAt   time.Time  `json:"requested_at"`
	RequestedBy   string     `json:"requested_by"`
	Status        Status     `json:"status"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`

	// Reason records why the request was rejected.
	Reason string `json:"reason,omitempty"`
}

// Decision is a finalized approval decision delivered to waiters.
type Decision struct {
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// RequestSink receives request state changes for durable storage.
// Sink failures are logged and never fail the approval operation.
type RequestSink interface {
	SaveApprovalRequest(req Request) error
}

// Service holds pending and decided approval requests and resolves waiters
// when a decision arrives. Creation and decision are linearizable per
// request id: a single lock guards the request map, so a request can be
// decided exactly once.
type Service struct {
	mu       sync.Mutex
	requests map[types.ID]*Request
	waiters  map[types.ID]chan Decision
	sink     RequestSink
	logger   *slog.Logger
}

// ServiceOption is a functional option for configuring a Service.
type ServiceOption func(*Service)

// WithRequestSink configures a durable sink for request state changes.
func WithRequestSink(sink RequestSink) ServiceOption {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithServiceLogger configures the logger for the service.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates an approval service with no pending requests.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		requests: make(map[types.ID]*Request),
		waiters:  make(map[types.ID]chan Decision),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open records a new pending request and registers a decision waiter for it.
// A zero ID or RequestedAt is filled in. The stored request is returned.
func (s *Service) Open(req Request) Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID.IsZero() {
		req.ID = types.NewID()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	req.Status = StatusPending

	stored := req
	s.requests[req.ID] = &stored
	// Buffered so a decision never blocks on an absent waiter.
	s.waiters[req.ID] = make(chan Decision, 1)

	s.persist(stored)

	s.logger.Info("approval request opened",
		"request_id", req.ID,
		"operation_type", req.OperationType,
		"estimated_cost", req.EstimatedCost,
	)

	return stored
}

// Await blocks until the request is decided, the wait bound elapses, or the
// context is cancelled. An elapsed wait bound surfaces APPROVAL_TIMEOUT to
// the caller without mutating the stored request, so a late decision can
// still be made and audited.
func (s *Service) Await(ctx context.Context, id types.ID, waitBound time.Duration) (Decision, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return Decision{}, types.NewError(types.NOT_FOUND, "approval request not found: "+id.String())
	}

	// Already decided: return the recorded decision without waiting.
	if req.Status != StatusPending {
		decision := decisionFrom(*req)
		s.mu.Unlock()
		return decision, nil
	}
	waiter := s.waiters[id]
	s.mu.Unlock()

	timer := time.NewTimer(waitBound)
	defer timer.Stop()

	select {
	case decision := <-waiter:
		return decision, nil
	case <-timer.C:
		return Decision{}, types.NewError(types.APPROVAL_TIMEOUT,
			"no approval decision within "+waitBound.String())
	case <-ctx.Done():
		return Decision{}, types.WrapError(types.APPROVAL_TIMEOUT,
			"wait for approval decision cancelled", ctx.Err())
	}
}

// Approve finalizes a pending request as approved and wakes its waiter.
// Returns CONFLICT if the request is not pending.
func (s *Service) Approve(id types.ID, actor string) error {
	return s.decide(id, Decision{Approved: true, Actor: actor, DecidedAt: time.Now()})
}

// Reject finalizes a pending request as rejected and wakes its waiter.
// Returns CONFLICT if the request is not pending.
func (s *Service) Reject(id types.ID, actor, reason string) error {
	return s.decide(id, Decision{Approved: false, Actor: actor, Reason: reason, DecidedAt: time.Now()})
}

// Get returns a copy of the request with the given id.
func (s *Service) Get(id types.ID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return Request{}, types.NewError(types.NOT_FOUND, "approval request not found: "+id.String())
	}
	return *req, nil
}

// Pending returns copies of all undecided requests.
func (s *Service) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

func (s *Service) decide(id types.ID, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return types.NewError(types.NOT_FOUND, "approval request not found: "+id.String())
	}
	if req.Status != StatusPending {
		return types.NewError(types.CONFLICT,
			"approval request already "+string(req.Status)+": "+id.String())
	}

	if decision.Approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
		req.Reason = decision.Reason
	}
	req.DecidedBy = decision.Actor
	decidedAt := decision.DecidedAt
	req.DecidedAt = &decidedAt

	if waiter, ok := s.waiters[id]; ok {
		waiter <- decision
		delete(s.waiters, id)
	}

	s.persist(*req)

	s.logger.Info("approval request decided",
		"request_id", id,
		"approved", decision.Approved,
		"actor", decision.Actor,
	)

	return nil
}

// persist writes the request to the sink, if any. Must be called with the
// lock held; failures are logged and swallowed.
func (s *Service) persist(req Request) {
	if s.sink == nil {
		return
	}
	if err := s.sink.SaveApprovalRequest(req); err != nil {
		s.logger.Error("failed to persist approval request",
			"request_id", req.ID,
			"error", err,
		)
	}
}

func decisionFrom(req Request) Decision {
	decision := Decision{
		Approved: req.Status == StatusApproved,
		Actor:    req.DecidedBy,
		Reason:   req.Reason,
	}
	if req.DecidedAt != nil {
		decision.DecidedAt = *req.DecidedAt
	}
	return decision
}
