package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// EvidenceBundle is an exportable, self-verifying slice of the audit log.
type EvidenceBundle struct {
	BundleID   string   `json:"bundle_id"`
	Version    string   `json:"version"`
	CreatedAt  int64    `json:"created_at"` // epoch ms
	StartSeq   uint64   `json:"start_sequence"`
	EndSeq     uint64   `json:"end_sequence"`
	EntryCount int      `json:"entry_count"`
	Entries    []*Entry `json:"entries"`
	ChainHead  string   `json:"chain_head"`
	BundleHash string   `json:"bundle_hash"`
}

// ExportBundle packages the entries matching filter into a bundle.
func (l *Log) ExportBundle(filter Filter) (*EvidenceBundle, error) {
	entries := l.Query(filter)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries match filter")
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UnixMilli(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle entries: %w", err)
	}
	bundle.BundleHash = hashBytes(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain consistency.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}

	data, _ := json.Marshal(bundle.Entries)
	if computed := hashBytes(data); computed != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PreviousHash != bundle.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle entry %d", ErrChainBroken, i)
		}
	}
	return nil
}

// Sink receives exported bundles.
type Sink interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Export writes a bundle to a sink under a timestamped object name.
func (l *Log) Export(ctx context.Context, filter Filter, sink Sink) (string, error) {
	bundle, err := l.ExportBundle(filter)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	name := fmt.Sprintf("audit-bundle-%s-%s.json",
		time.UnixMilli(bundle.CreatedAt).UTC().Format("20060102T150405Z"), bundle.BundleID)
	if err := sink.Upload(ctx, name, data); err != nil {
		return "", fmt.Errorf("upload bundle: %w", err)
	}
	return name, nil
}

// FSSink writes bundles to a local directory.
type FSSink struct {
	Dir string
}

func (s FSSink) Upload(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.Dir, name), data, 0o644)
}
