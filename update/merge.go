package update

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/telemetry"
)

// Merger replays persisted mirror snapshots into record sets. It never
// contacts the mirror.
type Merger struct {
	snapshots SnapshotStore
	logger    *slog.Logger
}

// NewMerger creates a merger reading from snapshots.
func NewMerger(snapshots SnapshotStore, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{snapshots: snapshots, logger: logger.With("component", "merger")}
}

// Merge inserts the snapshot's valid entries that are missing from rs.
// A nil record set is returned unchanged.
func (m *Merger) Merge(ctx context.Context, category Category, rs *RecordSet) *RecordSet {
	if rs == nil {
		return nil
	}
	rs = Normalize(rs)

	payload, err := m.snapshots.Load(ctx, string(category))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.WarnContext(ctx, "loading snapshot", "category", category, "error", err)
		}
		return rs
	}

	var applied int
	switch category {
	case CategoryCore:
		if len(rs.Updates) > 0 {
			return rs
		}
		updates, err := decodeCore(payload)
		if err != nil {
			m.logger.WarnContext(ctx, "decoding core snapshot", "error", err)
			return rs
		}
		rs.Updates = updates
		applied = len(updates)
	case CategoryPlugins, CategoryThemes:
		entries, err := decodeBulk(payload)
		if err != nil {
			m.logger.WarnContext(ctx, "decoding snapshot", "category", category, "error", err)
			return rs
		}
		applied = apply(rs, entries)
	default:
		return rs
	}

	telemetry.RecordResolverApplied(ctx, string(category), "snapshot", applied)
	return rs
}
