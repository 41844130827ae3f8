// Package query defines the structured search query AST, the planner that
// validates and rewrites it, and the compiler that lowers it into a
// segment-executable form.
package query

import (
	"github.com/canopy-search/canopy/internal/model"
)

// Occur controls how a boolean clause participates in matching and scoring.
// MUST and SHOULD contribute to the score; FILTER and MUST_NOT do not.
type Occur string

const (
	OccurMust    Occur = "MUST"
	OccurMustNot Occur = "MUST_NOT"
	OccurShould  Occur = "SHOULD"
	OccurFilter  Occur = "FILTER"
)

// FilterKind tags the Filter variant.
type FilterKind string

const (
	FilterTerm         FilterKind = "term"
	FilterTermInSet    FilterKind = "term_in_set"
	FilterPointRange   FilterKind = "point_range"
	FilterGeoDistance  FilterKind = "geo_distance"
	FilterVector       FilterKind = "vector"
	FilterBoolean      FilterKind = "boolean"
	FilterReferenceSet FilterKind = "reference_field_in_set"
)

// BooleanClause pairs an occur with a nested filter.
type BooleanClause struct {
	Occur  Occur   `json:"occur"`
	Filter *Filter `json:"filter"`
}

// Filter is the closed tagged variant over every selection primitive. Only
// the fields of the tagged kind are meaningful.
type Filter struct {
	Kind FilterKind `json:"kind"`

	// term / term_in_set / point_range / geo_distance / vector
	Field string `json:"field,omitempty"`

	// term
	Value model.Value `json:"value,omitempty"`

	// term_in_set
	Values []model.Value `json:"values,omitempty"`

	// point_range; null bounds are open
	Lo        model.Value `json:"lo,omitempty"`
	Hi        model.Value `json:"hi,omitempty"`
	IncludeLo bool        `json:"includeLo,omitempty"`
	IncludeHi bool        `json:"includeHi,omitempty"`

	// geo_distance
	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
	Meters float64 `json:"meters,omitempty"`

	// vector
	Target    []float32 `json:"target,omitempty"`
	K         int       `json:"k,omitempty"`
	Prefilter *Filter   `json:"prefilter,omitempty"`

	// boolean
	Clauses        []BooleanClause `json:"clauses,omitempty"`
	MinShouldMatch int             `json:"minShouldMatch,omitempty"`

	// reference_field_in_set
	RefNamespace string `json:"refNamespace,omitempty"`
	RefField     string `json:"refField,omitempty"`
}

// Term builds a term filter.
func Term(field string, v model.Value) *Filter {
	return &Filter{Kind: FilterTerm, Field: field, Value: v}
}

// TermInSet builds a term-set filter.
func TermInSet(field string, vs ...model.Value) *Filter {
	return &Filter{Kind: FilterTermInSet, Field: field, Values: vs}
}

// Boolean builds a boolean filter over the clauses.
func Boolean(clauses ...BooleanClause) *Filter {
	return &Filter{Kind: FilterBoolean, Clauses: clauses}
}

// KeywordGroup is one group of keywords matched against a field set with its
// own occur and minimum-should-match.
type KeywordGroup struct {
	Fields         []string `json:"fields"`
	Keywords       []string `json:"keywords"`
	Occur          Occur    `json:"occur"`
	MinShouldMatch int      `json:"minShouldMatch,omitempty"`
}

// VectorQuery is a scored ANN match over a dense-vector field.
type VectorQuery struct {
	Field  string    `json:"field"`
	Target []float32 `json:"target"`
	K      int       `json:"k"`
	Filter *Filter   `json:"filter,omitempty"`
}

// FuzzyQuery matches terms within an edit-distance budget.
type FuzzyQuery struct {
	Field    string `json:"field"`
	Term     string `json:"term"`
	MaxEdits int    `json:"maxEdits"`
}

// Keywords carries the keyword and vector matching part of a query.
// ClientKeywords is the raw client input; it is logged for analysis and does
// not participate in matching.
type Keywords struct {
	Groups         []KeywordGroup `json:"groups,omitempty"`
	VectorQueries  []VectorQuery  `json:"vectorQueries,omitempty"`
	ClientKeywords string         `json:"clientKeywords,omitempty"`
	FuzzyQueries   []FuzzyQuery   `json:"fuzzyQueries,omitempty"`
}

// Join names the inner queries whose results are joined into the outer query
// through foreign keys.
type Join struct {
	InnerSearchQueries []*SearchQuery `json:"innerSearchQueries"`
}

// DedupPolicy selects broker-side duplicate resolution across shards.
type DedupPolicy string

const (
	DedupMaxScore  DedupPolicy = "max_score"
	DedupFirstSeen DedupPolicy = "first_seen"
	DedupNone      DedupPolicy = "none"
)

// Dedup configures broker-side deduplication on the outer primary key.
type Dedup struct {
	Policy DedupPolicy `json:"policy"`
}

// Reordering is one L2 rule applied by the broker after the merge. Rules are
// looked up by name in the reorder registry.
type Reordering struct {
	Name   string  `json:"name"`
	Field  string  `json:"field,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// SearchQuery is the full structured query for one namespace.
type SearchQuery struct {
	Namespace       string             `json:"namespace"`
	Keywords        *Keywords          `json:"keywords,omitempty"`
	Filter          *Filter            `json:"filter,omitempty"`
	Join            *Join              `json:"join,omitempty"`
	GroupBy         string             `json:"groupBy,omitempty"`
	Facet           []model.FacetSpec  `json:"facet,omitempty"`
	ReturnFields    []string           `json:"returnFields,omitempty"`
	ContextFeatures map[string]float64 `json:"contextFeatures,omitempty"`
	PhasedSortBy    []model.SortField  `json:"phasedSortBy,omitempty"`
	Dedup           *Dedup             `json:"dedup,omitempty"`
	Reorderings     []Reordering       `json:"reorderings,omitempty"`
	Limit           int                `json:"limit"`
	Offset          int                `json:"offset,omitempty"`

	// PureFilter is set by the planner when no clause contributes to the
	// score, letting execution skip scoring entirely.
	PureFilter bool `json:"-"`
}

// SortBy returns the effective phased sort, defaulting to score descending.
func (q *SearchQuery) SortBy() []model.SortField {
	if len(q.PhasedSortBy) == 0 {
		return model.DefaultSort()
	}
	return q.PhasedSortBy
}

// DedupPolicy returns the effective dedup policy, defaulting to MaxScore.
func (q *SearchQuery) DedupPolicy() DedupPolicy {
	if q.Dedup == nil || q.Dedup.Policy == "" {
		return DedupMaxScore
	}
	return q.Dedup.Policy
}
