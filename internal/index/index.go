// Package index defines the narrow read interface the query core requires
// from the segmented index storage layer, an in-memory implementation of it,
// snapshot loading, and the atomic snapshot holder.
package index

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/schema"
)

// Postings is the matching doc-id set for one (field, term) pair, with
// optional per-document term frequencies for scoring.
type Postings struct {
	Docs  *roaring.Bitmap
	Freqs map[uint32]int32
}

// Freq returns the term frequency at doc, defaulting to 1 when the segment
// does not track frequencies.
func (p Postings) Freq(doc uint32) int32 {
	if p.Freqs == nil {
		return 1
	}
	if f, ok := p.Freqs[doc]; ok {
		return f
	}
	return 1
}

// VectorHit is one ANN result within a segment, higher scores are better.
type VectorHit struct {
	Doc   uint32
	Score float64
}

// SortedSetDocValues exposes the ordinal column of a string or string-list
// field. Ordinals are segment-local and ordered by term.
type SortedSetDocValues interface {
	// Ords returns the ordinals stored at doc, in column order.
	Ords(doc uint32) []int
	// OrdValue translates an ordinal back to its term.
	OrdValue(ord int) string
	// ValueCount returns the number of distinct terms in the column.
	ValueCount() int
}

// NumericDocValues exposes the numeric column of an int64, double, or bool
// field. Doubles are carried as raw IEEE-754 bits.
type NumericDocValues interface {
	Value(doc uint32) (int64, bool)
}

// BinaryDocValues exposes an opaque per-document byte column.
type BinaryDocValues interface {
	Value(doc uint32) ([]byte, bool)
}

// Segment is a single immutable leaf of a shard's index.
type Segment interface {
	DocCount() int
	Postings(field, term string) (Postings, error)
	Terms(field string) ([]string, error)
	Range(field string, lo, hi model.Value, includeLo, includeHi bool) (*roaring.Bitmap, error)
	GeoWithin(field string, lat, lon, meters float64) (*roaring.Bitmap, error)
	VectorTopK(field string, target []float32, k int, prefilter *roaring.Bitmap) ([]VectorHit, error)
	SortedSetDocValues(field string) (SortedSetDocValues, bool)
	NumericDocValues(field string) (NumericDocValues, bool)
	BinaryDocValues(field string) (BinaryDocValues, bool)
	// Document fetches the stored fields named in fields for one document.
	Document(doc uint32, fields map[string]struct{}) (map[string]model.Value, error)
}

// Reader is the immutable read view over the ordered segment list of one
// shard.
type Reader interface {
	Leaves() []Segment
	BaseOf(leafOrd int) int
	MaxDoc() int
}

// ReadDocValue reads the typed doc-value of a field at doc, dispatching on
// the declared field type. The second return is false when the document has
// no value for the field.
func ReadDocValue(seg Segment, f schema.Field, doc uint32) (model.Value, bool) {
	switch f.Type {
	case schema.TypeInt:
		nv, ok := seg.NumericDocValues(f.Name)
		if !ok {
			return model.Null(), false
		}
		raw, ok := nv.Value(doc)
		if !ok {
			return model.Null(), false
		}
		return model.Int(raw), true
	case schema.TypeDouble:
		nv, ok := seg.NumericDocValues(f.Name)
		if !ok {
			return model.Null(), false
		}
		raw, ok := nv.Value(doc)
		if !ok {
			return model.Null(), false
		}
		return model.Double(math.Float64frombits(uint64(raw))), true
	case schema.TypeBool:
		nv, ok := seg.NumericDocValues(f.Name)
		if !ok {
			return model.Null(), false
		}
		raw, ok := nv.Value(doc)
		if !ok {
			return model.Null(), false
		}
		return model.Bool(raw != 0), true
	case schema.TypeString:
		sv, ok := seg.SortedSetDocValues(f.Name)
		if !ok {
			return model.Null(), false
		}
		ords := sv.Ords(doc)
		if len(ords) == 0 {
			return model.Null(), false
		}
		return model.String(sv.OrdValue(ords[0])), true
	case schema.TypeStringList:
		sv, ok := seg.SortedSetDocValues(f.Name)
		if !ok {
			return model.Null(), false
		}
		ords := sv.Ords(doc)
		if len(ords) == 0 {
			return model.Null(), false
		}
		vals := make([]model.Value, len(ords))
		for i, ord := range ords {
			vals[i] = model.String(sv.OrdValue(ord))
		}
		return model.List(vals...), true
	default:
		return model.Null(), false
	}
}
