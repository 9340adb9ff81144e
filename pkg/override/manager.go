// Package override implements single-use, time-limited emergency bypass
// tokens. The validate-and-consume step is a single atomic unit against
// the store: two concurrent validations of the same token can never both
// succeed.
package override

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/contracts"
)

var (
	// ErrReasonTooShort is returned when the override justification is
	// under the configured minimum, contracts.OverrideReasonMinLen by
	// default.
	ErrReasonTooShort = errors.New("override reason too short")

	// ErrInvalidDuration is returned for durations outside the
	// configured bounds, [1h, 168h] by default.
	ErrInvalidDuration = errors.New("override duration out of bounds")
)

// ConsumeOutcome categorizes the result of an atomic consume attempt.
type ConsumeOutcome int

const (
	ConsumeNotFound ConsumeOutcome = iota
	ConsumeAlreadyUsed
	ConsumeExpired
	Consumed
)

// Store persists override tokens. Consume must be atomic: exactly one
// concurrent caller observes Consumed for a given token.
type Store interface {
	Insert(ctx context.Context, t contracts.OverrideToken) error
	Get(ctx context.Context, overrideID string) (*contracts.OverrideToken, error)

	// Consume marks the token used iff it exists, is unused, and is
	// unexpired at now (epoch ms), in one atomic operation.
	Consume(ctx context.Context, overrideID string, now int64) (ConsumeOutcome, error)
}

// Notifier receives security notifications for override lifecycle events.
type Notifier interface {
	OverrideCreated(ctx context.Context, t contracts.OverrideToken)
	OverrideConsumed(ctx context.Context, t contracts.OverrideToken)
}

// Manager issues and validates override tokens.
type Manager struct {
	store    Store
	notifier Notifier
	bounds   config.OverrideConfig
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates an override manager. notifier may be nil.
func NewManager(store Store, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		bounds: config.OverrideConfig{
			MinDurationHours: contracts.OverrideMinDurationHours,
			MaxDurationHours: contracts.OverrideMaxDurationHours,
			ReasonMinLen:     contracts.OverrideReasonMinLen,
		},
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithBounds replaces the reason-length and duration bounds, typically
// with a validated config.Config's Override section.
func (m *Manager) WithBounds(b config.OverrideConfig) *Manager {
	m.bounds = b
	return m
}

// CreateOverride validates and persists a new override token. The reason
// must carry the full audit justification (at least 100 characters by
// default) and the duration must be within the configured bounds.
func (m *Manager) CreateOverride(ctx context.Context, adminID, blockedOperation, reason string, durationHours int) (*contracts.OverrideToken, error) {
	if len(reason) < m.bounds.ReasonMinLen {
		return nil, fmt.Errorf("%w: %d chars, need at least %d",
			ErrReasonTooShort, len(reason), m.bounds.ReasonMinLen)
	}
	if durationHours < m.bounds.MinDurationHours || durationHours > m.bounds.MaxDurationHours {
		return nil, fmt.Errorf("%w: %dh, allowed [%dh, %dh]",
			ErrInvalidDuration, durationHours,
			m.bounds.MinDurationHours, m.bounds.MaxDurationHours)
	}

	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("generate override id: %w", err)
	}

	now := m.clock()
	token := contracts.OverrideToken{
		OverrideID:       id,
		AdminID:          adminID,
		BlockedOperation: blockedOperation,
		Reason:           reason,
		ExpiresAt:        now.Add(time.Duration(durationHours) * time.Hour).UnixMilli(),
		CreatedAt:        now.UnixMilli(),
	}
	if err := m.store.Insert(ctx, token); err != nil {
		return nil, fmt.Errorf("persist override: %w", err)
	}

	m.logger.Warn("emergency override created",
		"override_id", token.OverrideID,
		"admin_id", adminID,
		"blocked_operation", blockedOperation,
		"expires_at", token.ExpiresAt)
	if m.notifier != nil {
		m.notifier.OverrideCreated(ctx, token)
	}
	return &token, nil
}

// ValidateOverride consumes a token. Returns true exactly once per token:
// not-found, already-used, and expired tokens all return false.
func (m *Manager) ValidateOverride(ctx context.Context, overrideID string) (bool, error) {
	outcome, err := m.store.Consume(ctx, overrideID, m.clock().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("consume override: %w", err)
	}

	switch outcome {
	case Consumed:
		if token, err := m.store.Get(ctx, overrideID); err == nil && token != nil {
			m.logger.Warn("emergency override consumed",
				"override_id", overrideID,
				"admin_id", token.AdminID,
				"blocked_operation", token.BlockedOperation)
			if m.notifier != nil {
				m.notifier.OverrideConsumed(ctx, *token)
			}
		}
		return true, nil
	case ConsumeNotFound:
		m.logger.Warn("override validation failed: unknown token", "override_id", overrideID)
		return false, nil
	case ConsumeAlreadyUsed:
		m.logger.Warn("override validation failed: token already used", "override_id", overrideID)
		return false, nil
	default:
		m.logger.Warn("override validation failed: token expired", "override_id", overrideID)
		return false, nil
	}
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ovr_" + hex.EncodeToString(buf), nil
}
