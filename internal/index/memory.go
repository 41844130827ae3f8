package index

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/schema"
)

// DocSpec is the build input for one document of a memory segment.
type DocSpec struct {
	Namespace  string                 `json:"namespace"`
	PrimaryKey string                 `json:"primaryKey"`
	MicroShard int                    `json:"microShard"`
	Fields     map[string]model.Value `json:"fields"`
}

type postingEntry struct {
	docs  *roaring.Bitmap
	freqs map[uint32]int32
}

// memSortedSet is an ordinal column over the distinct terms of one field.
type memSortedSet struct {
	terms     []string
	ordByTerm map[string]int
	perDoc    map[uint32][]int
}

func (s *memSortedSet) Ords(doc uint32) []int   { return s.perDoc[doc] }
func (s *memSortedSet) OrdValue(ord int) string { return s.terms[ord] }
func (s *memSortedSet) ValueCount() int         { return len(s.terms) }

type memNumeric struct {
	perDoc map[uint32]int64
}

func (n *memNumeric) Value(doc uint32) (int64, bool) {
	v, ok := n.perDoc[doc]
	return v, ok
}

type memBinary struct {
	perDoc map[uint32][]byte
}

func (b *memBinary) Value(doc uint32) ([]byte, bool) {
	v, ok := b.perDoc[doc]
	return v, ok
}

// MemorySegment is an immutable in-memory segment built from typed
// documents. It backs local snapshots and the test suites.
type MemorySegment struct {
	sch      *schema.Schema
	docCount int
	postings map[string]map[string]*postingEntry
	sorted   map[string]*memSortedSet
	numerics map[string]*memNumeric
	binaries map[string]*memBinary
	geos     map[string]map[uint32][2]float64
	vectors  map[string]map[uint32][]float32
	stored   []map[string]model.Value
}

type memSegmentBuilder struct {
	seg *MemorySegment
	// raw sorted-set postings accumulated before ordinal assignment
	setValues map[string]map[uint32][]string
}

// NewMemorySegment indexes the documents into a fresh segment. Documents are
// assigned local ids in input order.
func NewMemorySegment(sch *schema.Schema, docs []DocSpec) (*MemorySegment, error) {
	b := &memSegmentBuilder{
		seg: &MemorySegment{
			sch:      sch,
			docCount: len(docs),
			postings: make(map[string]map[string]*postingEntry),
			sorted:   make(map[string]*memSortedSet),
			numerics: make(map[string]*memNumeric),
			binaries: make(map[string]*memBinary),
			geos:     make(map[string]map[uint32][2]float64),
			vectors:  make(map[string]map[uint32][]float32),
			stored:   make([]map[string]model.Value, len(docs)),
		},
		setValues: make(map[string]map[uint32][]string),
	}
	for i, doc := range docs {
		if err := b.addDoc(uint32(i), doc); err != nil {
			return nil, fmt.Errorf("indexing document %q: %w", doc.PrimaryKey, err)
		}
	}
	b.buildSortedSets()
	return b.seg, nil
}

func (b *memSegmentBuilder) addDoc(id uint32, doc DocSpec) error {
	ns, ok := b.seg.sch.Namespace(doc.Namespace)
	if !ok {
		return fmt.Errorf("unknown namespace %q", doc.Namespace)
	}

	b.addTerm(schema.FieldNamespace, doc.Namespace, id, 1)
	b.addTerm(schema.FieldPrimaryKey, doc.PrimaryKey, id, 1)
	b.addNumeric(schema.FieldMicroShard, id, int64(doc.MicroShard))

	stored := make(map[string]model.Value, len(doc.Fields)+1)
	stored[ns.PrimaryKey] = model.String(doc.PrimaryKey)

	for name, v := range doc.Fields {
		f, ok := ns.Field(name)
		if !ok {
			return fmt.Errorf("unknown field %q", name)
		}
		if f.Stored || name == ns.PrimaryKey {
			stored[name] = v
		}
		if err := b.indexField(ns, f, id, v); err != nil {
			return err
		}
	}
	b.seg.stored[id] = stored
	return nil
}

func (b *memSegmentBuilder) indexField(ns *schema.Namespace, f schema.Field, id uint32, v model.Value) error {
	_, isFK := ns.ForeignKey(f.Name)
	switch f.Type {
	case schema.TypeString:
		b.addTerm(f.Name, v.Str, id, 1)
		for _, tok := range tokenize(v.Str) {
			if tok != v.Str {
				b.addTerm(f.Name, tok, id, 1)
			}
		}
		if f.DocValues || isFK {
			b.addSetValue(f.Name, id, v.Str)
		}
	case schema.TypeStringList:
		for _, elem := range v.List {
			b.addTerm(f.Name, elem.Str, id, 1)
			if f.DocValues || isFK {
				b.addSetValue(f.Name, id, elem.Str)
			}
		}
	case schema.TypeInt:
		b.addTerm(f.Name, v.Term(), id, 1)
		b.addNumeric(f.Name, id, v.Int)
	case schema.TypeDouble:
		b.addTerm(f.Name, v.Term(), id, 1)
		b.addNumeric(f.Name, id, int64(math.Float64bits(v.Dbl)))
	case schema.TypeBool:
		b.addTerm(f.Name, v.Term(), id, 1)
		var n int64
		if v.Bool {
			n = 1
		}
		b.addNumeric(f.Name, id, n)
	case schema.TypeIntList:
		for _, elem := range v.List {
			b.addTerm(f.Name, elem.Term(), id, 1)
		}
	case schema.TypeDoubleList:
		for _, elem := range v.List {
			b.addTerm(f.Name, elem.Term(), id, 1)
		}
	case schema.TypeGeo:
		col := b.seg.geos[f.Name]
		if col == nil {
			col = make(map[uint32][2]float64)
			b.seg.geos[f.Name] = col
		}
		col[id] = [2]float64{v.Lat, v.Lon}
	case schema.TypeVector:
		if len(v.Vec) != f.VectorDim {
			return fmt.Errorf("field %q: vector dimension %d, want %d", f.Name, len(v.Vec), f.VectorDim)
		}
		col := b.seg.vectors[f.Name]
		if col == nil {
			col = make(map[uint32][]float32)
			b.seg.vectors[f.Name] = col
		}
		col[id] = v.Vec
	}
	return nil
}

func (b *memSegmentBuilder) addTerm(field, term string, id uint32, freq int32) {
	if term == "" {
		return
	}
	byTerm := b.seg.postings[field]
	if byTerm == nil {
		byTerm = make(map[string]*postingEntry)
		b.seg.postings[field] = byTerm
	}
	entry := byTerm[term]
	if entry == nil {
		entry = &postingEntry{docs: roaring.New(), freqs: make(map[uint32]int32)}
		byTerm[term] = entry
	}
	entry.docs.Add(id)
	entry.freqs[id] += freq
}

func (b *memSegmentBuilder) addNumeric(field string, id uint32, v int64) {
	col := b.seg.numerics[field]
	if col == nil {
		col = &memNumeric{perDoc: make(map[uint32]int64)}
		b.seg.numerics[field] = col
	}
	col.perDoc[id] = v
}

func (b *memSegmentBuilder) addSetValue(field string, id uint32, term string) {
	byDoc := b.setValues[field]
	if byDoc == nil {
		byDoc = make(map[uint32][]string)
		b.setValues[field] = byDoc
	}
	byDoc[id] = append(byDoc[id], term)
}

// buildSortedSets assigns term-ordered ordinals once all documents are in.
// Per-document ordinal order preserves insertion order, which is the order
// child primary keys appear in the source document.
func (b *memSegmentBuilder) buildSortedSets() {
	for field, byDoc := range b.setValues {
		distinct := make(map[string]bool)
		for _, terms := range byDoc {
			for _, t := range terms {
				distinct[t] = true
			}
		}
		col := &memSortedSet{
			terms:     make([]string, 0, len(distinct)),
			ordByTerm: make(map[string]int, len(distinct)),
			perDoc:    make(map[uint32][]int, len(byDoc)),
		}
		for t := range distinct {
			col.terms = append(col.terms, t)
		}
		sort.Strings(col.terms)
		for ord, t := range col.terms {
			col.ordByTerm[t] = ord
		}
		for doc, terms := range byDoc {
			ords := make([]int, len(terms))
			for i, t := range terms {
				ords[i] = col.ordByTerm[t]
			}
			col.perDoc[doc] = ords
		}
		b.seg.sorted[field] = col
	}
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func (m *MemorySegment) DocCount() int { return m.docCount }

func (m *MemorySegment) Postings(field, term string) (Postings, error) {
	byTerm := m.postings[field]
	if byTerm == nil {
		return Postings{Docs: roaring.New()}, nil
	}
	entry := byTerm[term]
	if entry == nil {
		return Postings{Docs: roaring.New()}, nil
	}
	return Postings{Docs: entry.docs, Freqs: entry.freqs}, nil
}

func (m *MemorySegment) Terms(field string) ([]string, error) {
	byTerm := m.postings[field]
	terms := make([]string, 0, len(byTerm))
	for t := range byTerm {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms, nil
}

func (m *MemorySegment) Range(field string, lo, hi model.Value, includeLo, includeHi bool) (*roaring.Bitmap, error) {
	out := roaring.New()
	col := m.numerics[field]
	if col == nil {
		return out, nil
	}
	// Numeric columns hold raw bits for doubles; compare through the typed
	// view so signed doubles order correctly.
	decode := func(raw int64) model.Value {
		if !lo.IsNull() && lo.Kind == model.KindDouble || !hi.IsNull() && hi.Kind == model.KindDouble {
			return model.Double(math.Float64frombits(uint64(raw)))
		}
		return model.Int(raw)
	}
	for doc, raw := range col.perDoc {
		v := decode(raw)
		if !lo.IsNull() {
			c := compareNumeric(v, lo)
			if c < 0 || (c == 0 && !includeLo) {
				continue
			}
		}
		if !hi.IsNull() {
			c := compareNumeric(v, hi)
			if c > 0 || (c == 0 && !includeHi) {
				continue
			}
		}
		out.Add(doc)
	}
	return out, nil
}

func compareNumeric(a, b model.Value) int {
	af, _ := a.Numeric()
	bf, _ := b.Numeric()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

const earthRadiusMeters = 6371000.0

func (m *MemorySegment) GeoWithin(field string, lat, lon, meters float64) (*roaring.Bitmap, error) {
	out := roaring.New()
	col := m.geos[field]
	for doc, pt := range col {
		if haversineMeters(lat, lon, pt[0], pt[1]) <= meters {
			out.Add(doc)
		}
	}
	return out, nil
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func (m *MemorySegment) VectorTopK(field string, target []float32, k int, prefilter *roaring.Bitmap) ([]VectorHit, error) {
	col := m.vectors[field]
	hits := make([]VectorHit, 0, len(col))
	for doc, vec := range col {
		if prefilter != nil && !prefilter.Contains(doc) {
			continue
		}
		if len(vec) != len(target) {
			continue
		}
		hits = append(hits, VectorHit{Doc: doc, Score: cosineSimilarity(vec, target)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc < hits[j].Doc
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemorySegment) SortedSetDocValues(field string) (SortedSetDocValues, bool) {
	col, ok := m.sorted[field]
	return col, ok
}

func (m *MemorySegment) NumericDocValues(field string) (NumericDocValues, bool) {
	col, ok := m.numerics[field]
	return col, ok
}

func (m *MemorySegment) BinaryDocValues(field string) (BinaryDocValues, bool) {
	col, ok := m.binaries[field]
	return col, ok
}

func (m *MemorySegment) Document(doc uint32, fields map[string]struct{}) (map[string]model.Value, error) {
	if int(doc) >= len(m.stored) {
		return nil, fmt.Errorf("doc %d out of range (%d docs)", doc, len(m.stored))
	}
	src := m.stored[doc]
	out := make(map[string]model.Value, len(fields))
	for name := range fields {
		if v, ok := src[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// MemoryReader is an ordered list of memory segments with stable ordinals.
type MemoryReader struct {
	segments []Segment
	bases    []int
	maxDoc   int
}

// NewMemoryReader fixes segment ordinals and doc-id bases in input order.
func NewMemoryReader(segments ...*MemorySegment) *MemoryReader {
	r := &MemoryReader{
		segments: make([]Segment, len(segments)),
		bases:    make([]int, len(segments)),
	}
	base := 0
	for i, seg := range segments {
		r.segments[i] = seg
		r.bases[i] = base
		base += seg.DocCount()
	}
	r.maxDoc = base
	return r
}

func (r *MemoryReader) Leaves() []Segment      { return r.segments }
func (r *MemoryReader) BaseOf(leafOrd int) int { return r.bases[leafOrd] }
func (r *MemoryReader) MaxDoc() int            { return r.maxDoc }
