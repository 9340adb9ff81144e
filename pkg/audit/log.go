// Package audit implements the append-only, hash-chained record of every
// authorization decision, policy evaluation, and risk assessment. Entries
// are content-addressed and chained so tampering is detectable; bundles
// of entries can be exported as audit evidence.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	// ErrEntryNotFound is returned when looking up an unknown entry.
	ErrEntryNotFound = errors.New("audit entry not found")

	// ErrChainBroken is returned when chain verification fails.
	ErrChainBroken = errors.New("audit hash chain is broken")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryDecision         EntryType = "decision"
	EntryPolicyEvaluation EntryType = "policy_evaluation"
	EntryRiskAssessment   EntryType = "risk_assessment"
	EntryEscalation       EntryType = "escalation"
	EntryOverride         EntryType = "override"
	EntrySecurityEvent    EntryType = "security_event"
)

// Entry is a single immutable record in the audit log.
type Entry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    int64             `json:"timestamp"` // epoch ms
	EntryType    EntryType         `json:"entry_type"`
	AgentID      string            `json:"agent_id"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Log is an append-only audit log with hash chaining.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an entry. Payload is canonicalized before hashing so the
// same logical record always produces the same payload hash.
func (l *Log) Append(entryType EntryType, agentID, action string, payload any, metadata map[string]string) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UnixMilli(),
		EntryType:    entryType,
		AgentID:      agentID,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  hashBytes(canonical),
		PreviousHash: l.chainHead,
		Metadata:     metadata,
	}
	entry.EntryHash = entryHash(entry)
	l.chainHead = entry.EntryHash

	l.entries = append(l.entries, entry)
	l.byID[entry.EntryID] = entry
	return entry, nil
}

// Get retrieves an entry by id.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current head hash.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries for queries and exports.
type Filter struct {
	EntryType EntryType
	AgentID   string
	StartSeq  uint64
	EndSeq    uint64
	Max       int
}

func (f Filter) matches(e *Entry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Query returns entries matching the filter, in sequence order.
func (l *Log) Query(filter Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []*Entry
	for _, e := range l.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.Max > 0 && len(results) >= filter.Max {
				break
			}
		}
	}
	return results
}

// VerifyChain recomputes every link of the hash chain.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if computed := hashBytes(entry.Payload); computed != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		if computed := entryHash(entry); computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(entry *Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    int64     `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		AgentID      string    `json:"agent_id"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		AgentID:      entry.AgentID,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	data, _ := json.Marshal(hashable)
	return hashBytes(data)
}

// HashCanonical produces a deterministic sha256 over the JCS canonical
// JSON form of v. Decision hashes bound into results use this.
func HashCanonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize for hashing: %w", err)
	}
	return hashBytes(canonical), nil
}
