// Package escalation manages human-reviewed requests for capabilities an
// agent holds no grant for. Requests are created pending and leave that
// state only through explicit reviewer/requester action or the periodic
// expiry sweep.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/grants"
)

var (
	// ErrReasonTooShort is returned for request reasons under ReasonMinLen.
	ErrReasonTooShort = errors.New("escalation reason too short")

	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("escalation request not found")

	// ErrNotPending is returned when acting on a request that already
	// reached a terminal state.
	ErrNotPending = errors.New("escalation request is not pending")

	// ErrInsufficientPermission is returned when a reviewer lacks the
	// required governance permission.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrNotRequester is returned when someone other than the original
	// requester tries to cancel a request.
	ErrNotRequester = errors.New("only the requester may cancel")
)

const (
	// ReasonMinLen is the minimum justification length for a request.
	ReasonMinLen = 10

	// DefaultGrantDuration is how long an approved capability grant
	// lasts when the reviewer does not specify a duration.
	DefaultGrantDuration = 24 * time.Hour

	// DefaultMaxAge is how long a request may stay pending before the
	// sweep expires it.
	DefaultMaxAge = 7 * 24 * time.Hour

	// PermApprove and PermDeny gate reviewer actions when a permission
	// checker is configured.
	PermApprove = "governance.escalation.approve"
	PermDeny    = "governance.escalation.deny"
)

// Store persists escalation requests.
type Store interface {
	Insert(ctx context.Context, r contracts.EscalationRequest) error
	Get(ctx context.Context, requestID string) (*contracts.EscalationRequest, error)
	Update(ctx context.Context, r contracts.EscalationRequest) error

	// PendingBefore returns pending requests created at or before the
	// cutoff (epoch ms).
	PendingBefore(ctx context.Context, cutoff int64) ([]contracts.EscalationRequest, error)
}

// PermissionChecker gates reviewer actions on the control plane.
type PermissionChecker interface {
	Can(ctx context.Context, actorID, permission string) (bool, error)
}

// Notifier is told about lifecycle events so reviewers can be paged.
type Notifier interface {
	EscalationCreated(ctx context.Context, r contracts.EscalationRequest)
	EscalationResolved(ctx context.Context, receipt contracts.EscalationReceipt)
}

// Engine is the escalation service.
type Engine struct {
	store         Store
	registry      grants.Registry
	checker       PermissionChecker
	notifier      Notifier
	grantDuration time.Duration
	maxAge        time.Duration
	logger        *slog.Logger
	clock         func() time.Time
}

// NewEngine creates an escalation engine. checker and notifier may be nil.
func NewEngine(store Store, registry grants.Registry, checker PermissionChecker, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         store,
		registry:      registry,
		checker:       checker,
		notifier:      notifier,
		grantDuration: DefaultGrantDuration,
		maxAge:        DefaultMaxAge,
		logger:        logger,
		clock:         time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithDurations replaces the default grant duration and pending max age,
// typically with a validated config.Config's Escalation section.
// Non-positive values keep the current setting.
func (e *Engine) WithDurations(d config.EscalationConfig) *Engine {
	if d.GrantDuration > 0 {
		e.grantDuration = d.GrantDuration
	}
	if d.MaxAge > 0 {
		e.maxAge = d.MaxAge
	}
	return e
}

// CreateRequest opens a pending escalation request and notifies reviewers.
func (e *Engine) CreateRequest(ctx context.Context, agentID, capabilityID, reason string, reqCtx map[string]any) (*contracts.EscalationRequest, error) {
	if len(reason) < ReasonMinLen {
		return nil, fmt.Errorf("%w: %d chars, need at least %d", ErrReasonTooShort, len(reason), ReasonMinLen)
	}

	request := contracts.EscalationRequest{
		RequestID:   uuid.New().String(),
		AgentID:     agentID,
		Capability:  capabilityID,
		Reason:      reason,
		Status:      contracts.EscalationPending,
		RequestedAt: e.clock().UnixMilli(),
		Context:     reqCtx,
	}
	if err := e.store.Insert(ctx, request); err != nil {
		return nil, fmt.Errorf("persist escalation request: %w", err)
	}

	e.logger.Info("escalation request created",
		"request_id", request.RequestID, "agent_id", agentID, "capability", capabilityID)
	if e.notifier != nil {
		e.notifier.EscalationCreated(ctx, request)
	}
	return &request, nil
}

// ApproveRequest marks a pending request approved and grants the
// capability through the Grant Registry, tagged with the request id.
// duration of zero means the configured grant duration.
func (e *Engine) ApproveRequest(ctx context.Context, requestID, reviewerID string, duration time.Duration) (*contracts.EscalationReceipt, error) {
	if err := e.checkPermission(ctx, reviewerID, PermApprove); err != nil {
		return nil, err
	}

	request, err := e.pendingRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = e.grantDuration
	}

	now := e.clock()
	request.Status = contracts.EscalationApproved
	request.ReviewedBy = reviewerID
	request.ReviewedAt = now.UnixMilli()
	if err := e.store.Update(ctx, *request); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	// The approval record is committed first; a grant failure surfaces
	// to the caller without rewriting already-committed audit state.
	err = e.registry.GrantCapability(ctx, grants.Grant{
		AgentID:      request.AgentID,
		CapabilityID: request.Capability,
		GrantedBy:    reviewerID,
		ExpiresAt:    now.Add(duration).UnixMilli(),
		Reason:       fmt.Sprintf("escalation approval: %s", request.Reason),
		Metadata:     map[string]string{"escalation_request_id": request.RequestID},
		GrantedAt:    now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("grant capability after approval of %s: %w", requestID, err)
	}

	receipt := e.createReceipt(*request, reviewerID, now)
	e.logger.Info("escalation approved",
		"request_id", requestID, "reviewer", reviewerID, "grant_duration", duration)
	if e.notifier != nil {
		e.notifier.EscalationResolved(ctx, receipt)
	}
	return &receipt, nil
}

// DenyRequest marks a pending request denied with the reviewer's reason.
func (e *Engine) DenyRequest(ctx context.Context, requestID, reviewerID, denyReason string) (*contracts.EscalationReceipt, error) {
	if err := e.checkPermission(ctx, reviewerID, PermDeny); err != nil {
		return nil, err
	}

	request, err := e.pendingRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	request.Status = contracts.EscalationDenied
	request.ReviewedBy = reviewerID
	request.ReviewedAt = now.UnixMilli()
	request.DenyReason = denyReason
	if err := e.store.Update(ctx, *request); err != nil {
		return nil, fmt.Errorf("persist denial: %w", err)
	}

	receipt := e.createReceipt(*request, reviewerID, now)
	e.logger.Info("escalation denied", "request_id", requestID, "reviewer", reviewerID)
	if e.notifier != nil {
		e.notifier.EscalationResolved(ctx, receipt)
	}
	return &receipt, nil
}

// CancelRequest lets the original requester withdraw a pending request.
func (e *Engine) CancelRequest(ctx context.Context, requestID, agentID string) (*contracts.EscalationReceipt, error) {
	request, err := e.pendingRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.AgentID != agentID {
		return nil, fmt.Errorf("%w: request %s belongs to %s", ErrNotRequester, requestID, request.AgentID)
	}

	now := e.clock()
	request.Status = contracts.EscalationCancelled
	request.ReviewedAt = now.UnixMilli()
	if err := e.store.Update(ctx, *request); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}

	receipt := e.createReceipt(*request, agentID, now)
	e.logger.Info("escalation cancelled", "request_id", requestID, "agent_id", agentID)
	if e.notifier != nil {
		e.notifier.EscalationResolved(ctx, receipt)
	}
	return &receipt, nil
}

// ExpireOldRequests converts stale pending requests to expired. This is
// the only path out of pending without explicit human action; it keeps
// the review queue bounded. maxAge of zero means the configured max age.
func (e *Engine) ExpireOldRequests(ctx context.Context, maxAge time.Duration) ([]contracts.EscalationReceipt, error) {
	if maxAge <= 0 {
		maxAge = e.maxAge
	}
	now := e.clock()
	cutoff := now.Add(-maxAge).UnixMilli()

	stale, err := e.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale requests: %w", err)
	}

	var receipts []contracts.EscalationReceipt
	for _, request := range stale {
		request.Status = contracts.EscalationExpired
		request.ReviewedAt = now.UnixMilli()
		if err := e.store.Update(ctx, request); err != nil {
			e.logger.Warn("failed to expire request", "request_id", request.RequestID, "error", err)
			continue
		}
		receipt := e.createReceipt(request, "sweep", now)
		receipts = append(receipts, receipt)
		if e.notifier != nil {
			e.notifier.EscalationResolved(ctx, receipt)
		}
	}
	if len(receipts) > 0 {
		e.logger.Info("expired stale escalation requests", "count", len(receipts))
	}
	return receipts, nil
}

// GetRequest returns a request by id.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*contracts.EscalationRequest, error) {
	return e.store.Get(ctx, requestID)
}

func (e *Engine) checkPermission(ctx context.Context, actorID, permission string) error {
	if e.checker == nil {
		return nil
	}
	ok, err := e.checker.Can(ctx, actorID, permission)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrInsufficientPermission, actorID, permission)
	}
	return nil
}

func (e *Engine) pendingRequest(ctx context.Context, requestID string) (*contracts.EscalationRequest, error) {
	request, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != contracts.EscalationPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, requestID, request.Status)
	}
	return request, nil
}

func (e *Engine) createReceipt(r contracts.EscalationRequest, resolvedBy string, resolvedAt time.Time) contracts.EscalationReceipt {
	receipt := contracts.EscalationReceipt{
		ReceiptID:  uuid.New().String(),
		RequestID:  r.RequestID,
		Outcome:    r.Status,
		ResolvedBy: resolvedBy,
		ResolvedAt: resolvedAt.UnixMilli(),
		DurationMs: resolvedAt.UnixMilli() - r.RequestedAt,
	}

	hashable := struct {
		RequestID string                     `json:"request_id"`
		Outcome   contracts.EscalationStatus `json:"outcome"`
	}{r.RequestID, r.Status}
	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(sum[:])
	return receipt
}
