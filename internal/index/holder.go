package index

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// Holder publishes the current index snapshot. Install atomically replaces
// the read view for subsequent queries; in-flight queries keep the snapshot
// they acquired.
type Holder struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// NewHolder creates an empty holder; Acquire fails until a snapshot is
// installed.
func NewHolder() *Holder {
	return &Holder{
		logger: slog.Default().With("component", "snapshot-holder"),
	}
}

// Install publishes a snapshot as the current read view.
func (h *Holder) Install(s *Snapshot) {
	h.current.Store(s)
	h.logger.Info("snapshot installed",
		"generation", s.Generation,
		"segments", len(s.Reader.Leaves()),
		"max_doc", s.Reader.MaxDoc(),
	)
}

// Acquire returns the current snapshot, or ErrIndexUnavailable when none has
// been installed.
func (h *Holder) Acquire() (*Snapshot, error) {
	s := h.current.Load()
	if s == nil {
		return nil, apperrors.ErrIndexUnavailable
	}
	return s, nil
}

// WatchDir polls dir and installs a new snapshot whenever the manifest
// generation advances. It blocks until ctx is cancelled.
func (h *Holder) WatchDir(ctx context.Context, dir string, sch *schema.Schema, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := OpenSnapshot(dir, sch)
		if err != nil {
			h.logger.Warn("snapshot refresh failed", "dir", dir, "error", err)
			continue
		}
		if cur := h.current.Load(); cur != nil && cur.Generation >= snap.Generation {
			continue
		}
		h.Install(snap)
	}
}
