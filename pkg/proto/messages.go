// Package proto defines the shared message types used for RPC communication
// between the broker and searcher services, the flat-normalized document
// wire format, and the optionally compressed payload codec.
//
// The types use JSON struct tags for serialization over the lightweight
// JSON-over-TCP RPC layer (see pkg/rpc).
package proto

import (
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
)

// Format selects the response payload encoding.
type Format string

const (
	FormatFlatNormalized           Format = "FLAT_NORMALIZED"
	FormatFlatNormalizedCompressed Format = "FLAT_NORMALIZED_COMPRESSED"
)

// RouteKind tags the routing hint variant.
type RouteKind string

const (
	RouteNone          RouteKind = "none"
	RouteByKey         RouteKind = "by_key"
	RouteByMicroShards RouteKind = "by_micro_shard_ids"
)

// Route is the optional routing hint carried in a request.
type Route struct {
	Kind          RouteKind `json:"kind"`
	Key           string    `json:"key,omitempty"`
	MicroShardIDs []int     `json:"microShardIds,omitempty"`
}

// SearchRequest is the broker's client-facing request.
type SearchRequest struct {
	Namespace      string             `json:"namespace"`
	Query          *query.SearchQuery `json:"searchQuery"`
	Route          *Route             `json:"route,omitempty"`
	IncludeMetrics bool               `json:"includeMetrics,omitempty"`
	Format         Format             `json:"format,omitempty"`
	DeadlineMillis int64              `json:"deadlineMillis,omitempty"`
}

// ShardSearchRequest is the per-shard request the broker fans out. It
// carries the client request's fields except the routing hint, plus the
// shard identifier and compiled-plan hints.
type ShardSearchRequest struct {
	ShardID        int                `json:"shardId"`
	Namespace      string             `json:"namespace"`
	Query          *query.SearchQuery `json:"searchQuery"`
	IncludeMetrics bool               `json:"includeMetrics,omitempty"`
	Format         Format             `json:"format,omitempty"`
	DeadlineMillis int64              `json:"deadlineMillis,omitempty"`
	PruningBudget  int                `json:"pruningBudget,omitempty"`
}

// WireDocument is a document on the wire. Attached children are carried as
// flat sibling collections; ChildDocumentOffsets indexes into the response's
// ChildDocuments slice.
type WireDocument struct {
	PrimaryKey           string                 `json:"primaryKey"`
	Namespace            string                 `json:"namespace"`
	ShardID              int                    `json:"shardId"`
	GlobalDocID          int                    `json:"globalDocId"`
	Fields               map[string]model.Value `json:"fields,omitempty"`
	FieldOrder           []string               `json:"fieldOrder,omitempty"`
	SortByValues         []model.Value          `json:"sortByValues,omitempty"`
	Score                float64                `json:"score"`
	ChildDocumentOffsets []int                  `json:"childDocumentOffsets,omitempty"`
}

// ShardStatus reports one shard's outcome within a broker response.
type ShardStatus struct {
	ShardID int    `json:"shardId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Metrics carries optional per-request measurements.
type Metrics struct {
	LatencyMillis      int64            `json:"latencyMillis"`
	ShardLatencyMillis map[string]int64 `json:"shardLatencyMillis,omitempty"`
	ShardsConsulted    int              `json:"shardsConsulted,omitempty"`
	DocumentsDropped   int64            `json:"documentsDropped,omitempty"`
}

// SearchResponse is the shared broker and searcher response body.
type SearchResponse struct {
	Documents                    []WireDocument      `json:"documents"`
	ChildDocuments               []WireDocument      `json:"childDocuments,omitempty"`
	TotalMatchedDocuments        int64               `json:"totalMatchedDocuments"`
	MatchedDocumentsPerNamespace map[string]int64    `json:"matchedDocumentsPerNamespace,omitempty"`
	Facets                       []model.FacetResult `json:"facets,omitempty"`
	FacetsApproximate            bool                `json:"facetsApproximate,omitempty"`
	Partial                      bool                `json:"partial,omitempty"`
	ShardStatuses                []ShardStatus       `json:"shardStatuses,omitempty"`
	Metrics                      *Metrics            `json:"metrics,omitempty"`
}

// Envelope wraps a response payload with its encoding so compressed and
// plain responses share one RPC surface. Each message is self-contained; no
// dictionary is shared between messages.
type Envelope struct {
	Format  Format `json:"format"`
	Payload []byte `json:"payload"`
}
