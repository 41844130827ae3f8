package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// Manifest describes an index generation on disk: an ordered segment file
// list written atomically by the ingestion pipeline.
type Manifest struct {
	Generation int64    `json:"generation"`
	Segments   []string `json:"segments"`
}

// Snapshot is one immutable read view of a shard's index.
type Snapshot struct {
	Reader     Reader
	Generation int64
}

// OpenSnapshot loads the manifest and segment files under dir into memory
// segments. A missing or corrupt snapshot yields ErrIndexUnavailable.
func OpenSnapshot(dir string, sch *schema.Schema) (*Snapshot, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrIndexUnavailable, manifestPath, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrIndexUnavailable, manifestPath, err)
	}

	segments := make([]*MemorySegment, 0, len(manifest.Segments))
	for _, name := range manifest.Segments {
		segPath := filepath.Join(dir, name)
		segData, err := os.ReadFile(segPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading segment %s: %v", apperrors.ErrIndexUnavailable, segPath, err)
		}
		var docs []DocSpec
		if err := json.Unmarshal(segData, &docs); err != nil {
			return nil, fmt.Errorf("%w: parsing segment %s: %v", apperrors.ErrIndexUnavailable, segPath, err)
		}
		seg, err := NewMemorySegment(sch, docs)
		if err != nil {
			return nil, fmt.Errorf("%w: building segment %s: %v", apperrors.ErrIndexUnavailable, segPath, err)
		}
		segments = append(segments, seg)
	}

	return &Snapshot{
		Reader:     NewMemoryReader(segments...),
		Generation: manifest.Generation,
	}, nil
}
