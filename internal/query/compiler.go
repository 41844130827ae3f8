package query

import (
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// InnerResults carries the join executor's resolved inner queries into
// compilation: distinct primary keys per namespace, and the hydrated field
// projections reference-field filters draw from.
type InnerResults struct {
	PrimaryKeys map[string][]string
	Fields      map[string]map[string][]model.Value
}

// SegmentMatches is the evaluation result of a compiled query over one
// segment: the matching doc-id set and, for scored plans, per-document
// scores.
type SegmentMatches struct {
	Docs   *roaring.Bitmap
	Scores map[uint32]float64
}

// Score returns the similarity score at doc; 0 for pure-filter plans.
func (m *SegmentMatches) Score(doc uint32) float64 {
	if m.Scores == nil {
		return 0
	}
	return m.Scores[doc]
}

// Compiled is a segment-executable query tree.
type Compiled struct {
	root   node
	Scored bool
}

// EvalSegment evaluates the compiled tree against one segment.
func (c *Compiled) EvalSegment(seg index.Segment) (*SegmentMatches, error) {
	res, err := c.root.eval(seg)
	if err != nil {
		return nil, err
	}
	if !c.Scored {
		res.scores = nil
	}
	return &SegmentMatches{Docs: res.docs, Scores: res.scores}, nil
}

// Compiler lowers a planned query plus inner join results into the
// segment-executable form.
type Compiler struct {
	sch *schema.Schema
}

// NewCompiler creates a compiler over the schema.
func NewCompiler(sch *schema.Schema) *Compiler {
	return &Compiler{sch: sch}
}

// Compile lowers the planned query. inner may be nil for queries without
// joins or reference-field filters.
func (c *Compiler) Compile(q *SearchQuery, inner *InnerResults) (*Compiled, error) {
	ns, ok := c.sch.Namespace(q.Namespace)
	if !ok {
		return nil, apperrors.InvalidQueryf("query.namespace", "unknown namespace %q", q.Namespace)
	}

	root := &boolNode{}

	if q.Filter != nil {
		n, err := c.compileFilter(ns, q.Filter, inner)
		if err != nil {
			return nil, err
		}
		if bn, ok := n.(*boolNode); ok {
			root = bn
		} else {
			root.clauses = append(root.clauses, boolClause{occur: OccurFilter, n: n})
		}
	}

	if q.Keywords != nil {
		for _, g := range q.Keywords.Groups {
			group := &boolNode{minShouldMatch: g.MinShouldMatch}
			for _, kw := range g.Keywords {
				kwNode := &boolNode{}
				for _, field := range g.Fields {
					kwNode.clauses = append(kwNode.clauses, boolClause{
						occur: OccurShould,
						n:     &termNode{field: field, term: strings.ToLower(kw)},
					})
				}
				group.clauses = append(group.clauses, boolClause{occur: OccurShould, n: kwNode})
			}
			root.clauses = append(root.clauses, boolClause{occur: g.Occur, n: group})
		}
		for _, vq := range q.Keywords.VectorQueries {
			var pre node
			if vq.Filter != nil {
				n, err := c.compileFilter(ns, vq.Filter, inner)
				if err != nil {
					return nil, err
				}
				pre = n
			}
			root.clauses = append(root.clauses, boolClause{
				occur: OccurShould,
				n:     &vectorNode{field: vq.Field, target: vq.Target, k: vq.K, prefilter: pre},
			})
		}
		for _, fq := range q.Keywords.FuzzyQueries {
			root.clauses = append(root.clauses, boolClause{
				occur: OccurShould,
				n:     &fuzzyNode{field: fq.Field, term: strings.ToLower(fq.Term), maxEdits: fq.MaxEdits},
			})
		}
	}

	// Join-result injection: for each inner namespace, constrain the outer
	// foreign key to the inner primary keys.
	if q.Join != nil && inner != nil {
		for _, iq := range q.Join.InnerSearchQueries {
			pks, ok := inner.PrimaryKeys[iq.Namespace]
			if !ok {
				continue
			}
			fk, found := ns.ForeignKeyTo(iq.Namespace)
			if !found {
				return nil, apperrors.InvalidQueryf("query.join",
					"namespace %q has no foreign key to %q", q.Namespace, iq.Namespace)
			}
			root.clauses = append(root.clauses, boolClause{
				occur: OccurFilter,
				n:     &termSetNode{field: fk.Name, terms: pks},
			})
		}
	}

	if len(root.clauses) == 0 {
		root.clauses = append(root.clauses, boolClause{occur: OccurFilter, n: &matchAllNode{}})
	}

	return &Compiled{root: root, Scored: !q.PureFilter}, nil
}

func (c *Compiler) compileFilter(ns *schema.Namespace, f *Filter, inner *InnerResults) (node, error) {
	switch f.Kind {
	case FilterTerm:
		return &termNode{field: f.Field, term: f.Value.Term()}, nil
	case FilterTermInSet:
		terms := make([]string, 0, len(f.Values))
		for _, v := range f.Values {
			terms = append(terms, v.Term())
		}
		return &termSetNode{field: f.Field, terms: terms}, nil
	case FilterPointRange:
		return &rangeNode{field: f.Field, lo: f.Lo, hi: f.Hi, includeLo: f.IncludeLo, includeHi: f.IncludeHi}, nil
	case FilterGeoDistance:
		return &geoNode{field: f.Field, lat: f.Lat, lon: f.Lon, meters: f.Meters}, nil
	case FilterVector:
		var pre node
		if f.Prefilter != nil {
			n, err := c.compileFilter(ns, f.Prefilter, inner)
			if err != nil {
				return nil, err
			}
			pre = n
		}
		return &vectorNode{field: f.Field, target: f.Target, k: f.K, prefilter: pre}, nil
	case FilterBoolean:
		bn := &boolNode{minShouldMatch: f.MinShouldMatch}
		for _, cl := range f.Clauses {
			n, err := c.compileFilter(ns, cl.Filter, inner)
			if err != nil {
				return nil, err
			}
			bn.clauses = append(bn.clauses, boolClause{occur: cl.Occur, n: n})
		}
		return bn, nil
	case FilterReferenceSet:
		// Materialize the distinct reference-field values extracted from the
		// hydrated inner results into a term set. Order is undefined.
		if inner == nil || inner.Fields[f.RefNamespace] == nil {
			return nil, apperrors.InvalidQueryf("query.filter",
				"reference filter on %q needs inner results for namespace %q", f.Field, f.RefNamespace)
		}
		distinct := make(map[string]bool)
		for _, v := range inner.Fields[f.RefNamespace][f.RefField] {
			if term := v.Term(); term != "" {
				distinct[term] = true
			}
		}
		terms := make([]string, 0, len(distinct))
		for t := range distinct {
			terms = append(terms, t)
		}
		sort.Strings(terms)
		return &termSetNode{field: f.Field, terms: terms}, nil
	default:
		return nil, apperrors.InvalidQueryf("query.filter", "unknown filter kind %q", f.Kind)
	}
}

// evalResult is the per-segment result of one node: matching docs plus score
// contributions for scoring nodes.
type evalResult struct {
	docs   *roaring.Bitmap
	scores map[uint32]float64
}

func filterOnly(docs *roaring.Bitmap) *evalResult {
	return &evalResult{docs: docs}
}

type node interface {
	eval(seg index.Segment) (*evalResult, error)
}

type matchAllNode struct{}

func (matchAllNode) eval(seg index.Segment) (*evalResult, error) {
	docs := roaring.New()
	docs.AddRange(0, uint64(seg.DocCount()))
	return filterOnly(docs), nil
}

// BM25-shaped term scoring without document-length normalization; the
// segment does not expose per-document lengths.
const bm25K1 = 1.2

func termScore(docCount int, docFreq uint64, freq int32) float64 {
	if docFreq == 0 {
		return 0
	}
	idf := math.Log(1 + (float64(docCount)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
	tf := float64(freq)
	return idf * (tf * (bm25K1 + 1)) / (tf + bm25K1)
}

type termNode struct {
	field string
	term  string
}

func (t *termNode) eval(seg index.Segment) (*evalResult, error) {
	postings, err := seg.Postings(t.field, t.term)
	if err != nil {
		return nil, err
	}
	res := &evalResult{docs: postings.Docs, scores: make(map[uint32]float64)}
	docFreq := postings.Docs.GetCardinality()
	it := postings.Docs.Iterator()
	for it.HasNext() {
		doc := it.Next()
		res.scores[doc] = termScore(seg.DocCount(), docFreq, postings.Freq(doc))
	}
	return res, nil
}

type termSetNode struct {
	field string
	terms []string
}

func (t *termSetNode) eval(seg index.Segment) (*evalResult, error) {
	out := roaring.New()
	for _, term := range t.terms {
		postings, err := seg.Postings(t.field, term)
		if err != nil {
			return nil, err
		}
		out.Or(postings.Docs)
	}
	return filterOnly(out), nil
}

type rangeNode struct {
	field                string
	lo, hi               model.Value
	includeLo, includeHi bool
}

func (r *rangeNode) eval(seg index.Segment) (*evalResult, error) {
	docs, err := seg.Range(r.field, r.lo, r.hi, r.includeLo, r.includeHi)
	if err != nil {
		return nil, err
	}
	return filterOnly(docs), nil
}

type geoNode struct {
	field            string
	lat, lon, meters float64
}

func (g *geoNode) eval(seg index.Segment) (*evalResult, error) {
	docs, err := seg.GeoWithin(g.field, g.lat, g.lon, g.meters)
	if err != nil {
		return nil, err
	}
	return filterOnly(docs), nil
}

type vectorNode struct {
	field     string
	target    []float32
	k         int
	prefilter node
}

func (v *vectorNode) eval(seg index.Segment) (*evalResult, error) {
	var pre *roaring.Bitmap
	if v.prefilter != nil {
		res, err := v.prefilter.eval(seg)
		if err != nil {
			return nil, err
		}
		pre = res.docs
	}
	hits, err := seg.VectorTopK(v.field, v.target, v.k, pre)
	if err != nil {
		return nil, err
	}
	res := &evalResult{docs: roaring.New(), scores: make(map[uint32]float64, len(hits))}
	for _, h := range hits {
		res.docs.Add(h.Doc)
		res.scores[h.Doc] = h.Score
	}
	return res, nil
}

type fuzzyNode struct {
	field    string
	term     string
	maxEdits int
}

func (f *fuzzyNode) eval(seg index.Segment) (*evalResult, error) {
	terms, err := seg.Terms(f.field)
	if err != nil {
		return nil, err
	}
	res := &evalResult{docs: roaring.New(), scores: make(map[uint32]float64)}
	for _, term := range terms {
		if editDistanceAtMost(f.term, term, f.maxEdits) {
			postings, err := seg.Postings(f.field, term)
			if err != nil {
				return nil, err
			}
			docFreq := postings.Docs.GetCardinality()
			it := postings.Docs.Iterator()
			for it.HasNext() {
				doc := it.Next()
				res.scores[doc] += termScore(seg.DocCount(), docFreq, postings.Freq(doc))
			}
			res.docs.Or(postings.Docs)
		}
	}
	return res, nil
}

// editDistanceAtMost reports whether the Levenshtein distance between a and
// b is within max, with an early length cutoff.
func editDistanceAtMost(a, b string, max int) bool {
	la, lb := len(a), len(b)
	if la-lb > max || lb-la > max {
		return false
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > max {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[lb] <= max
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

type boolClause struct {
	occur Occur
	n     node
}

type boolNode struct {
	clauses        []boolClause
	minShouldMatch int
}

func (b *boolNode) eval(seg index.Segment) (*evalResult, error) {
	var base *roaring.Bitmap
	scores := make(map[uint32]float64)
	var shoulds []*evalResult
	var mustNots []*roaring.Bitmap

	for _, c := range b.clauses {
		res, err := c.n.eval(seg)
		if err != nil {
			return nil, err
		}
		switch c.occur {
		case OccurMust:
			if base == nil {
				base = res.docs.Clone()
			} else {
				base.And(res.docs)
			}
			for doc, s := range res.scores {
				scores[doc] += s
			}
		case OccurFilter:
			if base == nil {
				base = res.docs.Clone()
			} else {
				base.And(res.docs)
			}
		case OccurShould:
			shoulds = append(shoulds, res)
		case OccurMustNot:
			mustNots = append(mustNots, res.docs)
		}
	}

	msm := b.minShouldMatch
	if len(shoulds) > 0 {
		// With no required clauses, SHOULD defines membership: at least
		// max(1, minShouldMatch) clauses must be satisfied.
		required := msm
		if base == nil && required == 0 {
			required = 1
		}
		if required > 0 {
			counts := make(map[uint32]int)
			for _, res := range shoulds {
				it := res.docs.Iterator()
				for it.HasNext() {
					counts[it.Next()]++
				}
			}
			satisfied := roaring.New()
			for doc, n := range counts {
				if n >= required {
					satisfied.Add(doc)
				}
			}
			if base == nil {
				base = satisfied
			} else {
				base.And(satisfied)
			}
		}
		for _, res := range shoulds {
			for doc, s := range res.scores {
				scores[doc] += s
			}
		}
	}

	if base == nil {
		// Only MUST_NOT clauses: everything not excluded matches.
		base = roaring.New()
		base.AddRange(0, uint64(seg.DocCount()))
	}
	for _, not := range mustNots {
		base.AndNot(not)
	}

	kept := make(map[uint32]float64, base.GetCardinality())
	it := base.Iterator()
	for it.HasNext() {
		doc := it.Next()
		kept[doc] = scores[doc]
	}
	return &evalResult{docs: base, scores: kept}, nil
}
