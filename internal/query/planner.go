package query

import (
	"fmt"
	"math"

	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// Planner validates a search query against the schema and applies the
// standard rewrites. Planning has no side effects; the input query is not
// modified.
type Planner struct {
	sch *schema.Schema
}

// NewPlanner creates a planner over the schema.
func NewPlanner(sch *schema.Schema) *Planner {
	return &Planner{sch: sch}
}

// Plan validates q and returns the rewritten execution form:
//
//  1. the outer namespace equality is pushed down as a hidden FILTER clause,
//  2. nested booleans with compatible occur are collapsed,
//  3. MUST_NOT of a MUST_NOT is promoted to MUST,
//  4. pure-filter plans are flagged so scoring is skipped.
//
// Failures return ErrInvalidQuery with a path to the offending node.
func (p *Planner) Plan(q *SearchQuery) (*SearchQuery, error) {
	return p.plan(q, "query", 0)
}

func (p *Planner) plan(q *SearchQuery, path string, depth int) (*SearchQuery, error) {
	if q == nil {
		return nil, apperrors.InvalidQueryf(path, "missing query")
	}
	ns, ok := p.sch.Namespace(q.Namespace)
	if !ok {
		return nil, apperrors.InvalidQueryf(path+".namespace", "unknown namespace %q", q.Namespace)
	}
	if q.Limit < 0 {
		return nil, apperrors.InvalidQueryf(path+".limit", "must be >= 0, got %d", q.Limit)
	}
	if q.Offset < 0 {
		return nil, apperrors.InvalidQueryf(path+".offset", "must be >= 0, got %d", q.Offset)
	}
	for i, name := range q.ReturnFields {
		if _, ok := ns.Field(name); !ok {
			return nil, apperrors.InvalidQueryf(fmt.Sprintf("%s.returnFields[%d]", path, i),
				"unknown field %q in namespace %q", name, q.Namespace)
		}
	}
	if q.GroupBy != "" {
		f, ok := ns.Field(q.GroupBy)
		if !ok {
			return nil, apperrors.InvalidQueryf(path+".groupBy", "unknown field %q", q.GroupBy)
		}
		if !f.DocValues {
			return nil, apperrors.InvalidQueryf(path+".groupBy", "field %q has no doc values", q.GroupBy)
		}
	}
	for i, spec := range q.Facet {
		fpath := fmt.Sprintf("%s.facet[%d]", path, i)
		f, ok := ns.Field(spec.Field)
		if !ok {
			return nil, apperrors.InvalidQueryf(fpath+".field", "unknown field %q", spec.Field)
		}
		switch spec.Kind {
		case model.FacetTermCount:
		case model.FacetHistogram:
			if f.Type != schema.TypeInt && f.Type != schema.TypeDouble {
				return nil, apperrors.InvalidQueryf(fpath, "histogram facet needs a numeric field, %q is %s", spec.Field, f.Type)
			}
			if len(spec.Boundaries) == 0 {
				return nil, apperrors.InvalidQueryf(fpath+".boundaries", "histogram facet needs boundaries")
			}
			for j := 1; j < len(spec.Boundaries); j++ {
				if spec.Boundaries[j] <= spec.Boundaries[j-1] {
					return nil, apperrors.InvalidQueryf(fpath+".boundaries", "must be strictly ascending")
				}
			}
		default:
			return nil, apperrors.InvalidQueryf(fpath+".kind", "unknown facet kind %q", spec.Kind)
		}
	}
	for i, sf := range q.PhasedSortBy {
		spath := fmt.Sprintf("%s.phasedSortBy[%d]", path, i)
		switch sf.Source {
		case model.SortByScore, model.SortByDocID:
		case model.SortByField:
			f, ok := ns.Field(sf.Field)
			if !ok {
				return nil, apperrors.InvalidQueryf(spath+".field", "unknown field %q", sf.Field)
			}
			if !f.DocValues {
				return nil, apperrors.InvalidQueryf(spath+".field", "field %q has no doc values", sf.Field)
			}
		case model.SortByContextFeature:
			if _, ok := q.ContextFeatures[sf.Feature]; !ok {
				return nil, apperrors.InvalidQueryf(spath+".feature", "context feature %q not provided", sf.Feature)
			}
		default:
			return nil, apperrors.InvalidQueryf(spath+".source", "unknown sort source %q", sf.Source)
		}
	}
	if q.Dedup != nil {
		switch q.Dedup.Policy {
		case DedupMaxScore, DedupFirstSeen, DedupNone, "":
		default:
			return nil, apperrors.InvalidQueryf(path+".dedup.policy", "unknown policy %q", q.Dedup.Policy)
		}
	}

	var scored bool
	if q.Keywords != nil {
		s, err := p.validateKeywords(ns, q.Keywords, path+".keywords")
		if err != nil {
			return nil, err
		}
		scored = scored || s
	}

	var filter *Filter
	if q.Filter != nil {
		if err := p.validateFilter(ns, q.Filter, path+".filter"); err != nil {
			return nil, err
		}
		filter = rewriteFilter(q.Filter, OccurMust)
		scored = scored || filterScores(q.Filter)
	}

	// Rewrite 1: push the namespace equality down as a hidden FILTER clause.
	// A non-boolean top-level filter participates as a MUST clause so its
	// score contribution (if any) is kept.
	nsClause := BooleanClause{
		Occur:  OccurFilter,
		Filter: Term(schema.FieldNamespace, model.String(q.Namespace)),
	}
	switch {
	case filter == nil:
		filter = Boolean(nsClause)
	case filter.Kind == FilterBoolean:
		clauses := make([]BooleanClause, 0, len(filter.Clauses)+1)
		clauses = append(clauses, nsClause)
		clauses = append(clauses, filter.Clauses...)
		filter = &Filter{Kind: FilterBoolean, Clauses: clauses, MinShouldMatch: filter.MinShouldMatch}
	default:
		if filter.Kind == FilterTerm || filter.Kind == FilterVector {
			scored = true
		}
		filter = Boolean(nsClause, BooleanClause{Occur: OccurMust, Filter: filter})
	}

	planned := *q
	planned.Filter = filter
	planned.PureFilter = !scored

	if q.Join != nil {
		if len(q.Join.InnerSearchQueries) == 0 {
			return nil, apperrors.InvalidQueryf(path+".join", "join declares no inner queries")
		}
		inner := make([]*SearchQuery, len(q.Join.InnerSearchQueries))
		for i, iq := range q.Join.InnerSearchQueries {
			ipath := fmt.Sprintf("%s.join.innerSearchQueries[%d]", path, i)
			if iq == nil {
				return nil, apperrors.InvalidQueryf(ipath, "missing query")
			}
			fks := foreignKeysTo(ns, iq.Namespace)
			if len(fks) == 0 {
				return nil, apperrors.InvalidQueryf(ipath+".namespace",
					"namespace %q has no foreign key to %q", q.Namespace, iq.Namespace)
			}
			if len(fks) > 1 {
				return nil, apperrors.InvalidQueryf(ipath+".namespace",
					"ambiguous join: foreign keys %v of %q all reference %q", fks, q.Namespace, iq.Namespace)
			}
			p2, err := p.plan(iq, ipath, depth+1)
			if err != nil {
				return nil, err
			}
			inner[i] = p2
		}
		planned.Join = &Join{InnerSearchQueries: inner}
	}
	return &planned, nil
}

func foreignKeysTo(ns *schema.Namespace, child string) []string {
	var names []string
	for _, fk := range ns.ForeignKeys {
		if fk.PointsTo(child) {
			names = append(names, fk.Name)
		}
	}
	return names
}

func (p *Planner) validateKeywords(ns *schema.Namespace, kw *Keywords, path string) (scored bool, err error) {
	for i, g := range kw.Groups {
		gpath := fmt.Sprintf("%s.groups[%d]", path, i)
		if len(g.Keywords) == 0 {
			return false, apperrors.InvalidQueryf(gpath+".keywords", "empty keyword group")
		}
		if len(g.Fields) == 0 {
			return false, apperrors.InvalidQueryf(gpath+".fields", "keyword group names no fields")
		}
		for j, name := range g.Fields {
			f, ok := ns.Field(name)
			if !ok {
				return false, apperrors.InvalidQueryf(fmt.Sprintf("%s.fields[%d]", gpath, j), "unknown field %q", name)
			}
			if f.Type != schema.TypeString && f.Type != schema.TypeStringList {
				return false, apperrors.InvalidQueryf(fmt.Sprintf("%s.fields[%d]", gpath, j),
					"keyword matching needs a string field, %q is %s", name, f.Type)
			}
		}
		if g.MinShouldMatch < 0 || g.MinShouldMatch > len(g.Keywords) {
			return false, apperrors.InvalidQueryf(gpath+".minShouldMatch",
				"must be within [0, %d], got %d", len(g.Keywords), g.MinShouldMatch)
		}
		switch g.Occur {
		case OccurMust, OccurShould:
			scored = true
		case OccurFilter, OccurMustNot:
		default:
			return false, apperrors.InvalidQueryf(gpath+".occur", "unknown occur %q", g.Occur)
		}
	}
	for i, vq := range kw.VectorQueries {
		vpath := fmt.Sprintf("%s.vectorQueries[%d]", path, i)
		if err := p.validateVector(ns, vq.Field, vq.Target, vq.K, vpath); err != nil {
			return false, err
		}
		if vq.Filter != nil {
			if err := p.validateFilter(ns, vq.Filter, vpath+".filter"); err != nil {
				return false, err
			}
		}
		scored = true
	}
	for i, fq := range kw.FuzzyQueries {
		fpath := fmt.Sprintf("%s.fuzzyQueries[%d]", path, i)
		f, ok := ns.Field(fq.Field)
		if !ok {
			return false, apperrors.InvalidQueryf(fpath+".field", "unknown field %q", fq.Field)
		}
		if f.Type != schema.TypeString && f.Type != schema.TypeStringList {
			return false, apperrors.InvalidQueryf(fpath+".field", "fuzzy matching needs a string field, %q is %s", fq.Field, f.Type)
		}
		if fq.MaxEdits < 1 || fq.MaxEdits > 2 {
			return false, apperrors.InvalidQueryf(fpath+".maxEdits", "must be 1 or 2, got %d", fq.MaxEdits)
		}
		scored = true
	}
	return scored, nil
}

func (p *Planner) validateVector(ns *schema.Namespace, field string, target []float32, k int, path string) error {
	f, ok := ns.Field(field)
	if !ok {
		return apperrors.InvalidQueryf(path+".field", "unknown field %q", field)
	}
	if f.Type != schema.TypeVector {
		return apperrors.InvalidQueryf(path+".field", "field %q is %s, want dense_vector", field, f.Type)
	}
	if len(target) != f.VectorDim {
		return apperrors.InvalidQueryf(path+".target", "dimension %d, want %d", len(target), f.VectorDim)
	}
	if k <= 0 {
		return apperrors.InvalidQueryf(path+".k", "must be > 0, got %d", k)
	}
	return nil
}

func (p *Planner) validateFilter(ns *schema.Namespace, f *Filter, path string) error {
	if f == nil {
		return apperrors.InvalidQueryf(path, "missing filter")
	}
	switch f.Kind {
	case FilterTerm:
		if _, ok := ns.Field(f.Field); !ok && !reservedField(f.Field) {
			return apperrors.InvalidQueryf(path+".field", "unknown field %q", f.Field)
		}
	case FilterTermInSet:
		if _, ok := ns.Field(f.Field); !ok && !reservedField(f.Field) {
			return apperrors.InvalidQueryf(path+".field", "unknown field %q", f.Field)
		}
		if len(f.Values) == 0 {
			return apperrors.InvalidQueryf(path+".values", "empty term set")
		}
	case FilterPointRange:
		fld, ok := ns.Field(f.Field)
		if !ok {
			return apperrors.InvalidQueryf(path+".field", "unknown field %q", f.Field)
		}
		if fld.Type != schema.TypeInt && fld.Type != schema.TypeDouble {
			return apperrors.InvalidQueryf(path+".field", "range needs a numeric field, %q is %s", f.Field, fld.Type)
		}
		if f.Lo.IsNull() && f.Hi.IsNull() {
			return apperrors.InvalidQueryf(path, "range with both bounds open")
		}
	case FilterGeoDistance:
		fld, ok := ns.Field(f.Field)
		if !ok {
			return apperrors.InvalidQueryf(path+".field", "unknown field %q", f.Field)
		}
		if fld.Type != schema.TypeGeo {
			return apperrors.InvalidQueryf(path+".field", "geo filter needs a geo_point field, %q is %s", f.Field, fld.Type)
		}
		if math.IsNaN(f.Lat) || math.IsInf(f.Lat, 0) || f.Lat < -90 || f.Lat > 90 {
			return apperrors.InvalidQueryf(path+".lat", "latitude out of range: %v", f.Lat)
		}
		if math.IsNaN(f.Lon) || math.IsInf(f.Lon, 0) || f.Lon < -180 || f.Lon > 180 {
			return apperrors.InvalidQueryf(path+".lon", "longitude out of range: %v", f.Lon)
		}
		if f.Meters <= 0 || math.IsNaN(f.Meters) || math.IsInf(f.Meters, 0) {
			return apperrors.InvalidQueryf(path+".meters", "radius must be positive and finite: %v", f.Meters)
		}
	case FilterVector:
		if err := p.validateVector(ns, f.Field, f.Target, f.K, path); err != nil {
			return err
		}
		if f.Prefilter != nil {
			return p.validateFilter(ns, f.Prefilter, path+".prefilter")
		}
	case FilterBoolean:
		if len(f.Clauses) == 0 {
			return apperrors.InvalidQueryf(path+".clauses", "empty boolean")
		}
		shoulds := 0
		for i, c := range f.Clauses {
			cpath := fmt.Sprintf("%s.clauses[%d]", path, i)
			switch c.Occur {
			case OccurMust, OccurMustNot, OccurShould, OccurFilter:
			default:
				return apperrors.InvalidQueryf(cpath+".occur", "unknown occur %q", c.Occur)
			}
			if c.Occur == OccurShould {
				shoulds++
			}
			if err := p.validateFilter(ns, c.Filter, cpath); err != nil {
				return err
			}
		}
		if f.MinShouldMatch < 0 || f.MinShouldMatch > shoulds {
			return apperrors.InvalidQueryf(path+".minShouldMatch",
				"must be within [0, %d], got %d", shoulds, f.MinShouldMatch)
		}
	case FilterReferenceSet:
		if _, ok := ns.Field(f.Field); !ok {
			return apperrors.InvalidQueryf(path+".field", "unknown field %q", f.Field)
		}
		refNS, ok := p.sch.Namespace(f.RefNamespace)
		if !ok {
			return apperrors.InvalidQueryf(path+".refNamespace", "unknown namespace %q", f.RefNamespace)
		}
		if _, ok := refNS.Field(f.RefField); !ok {
			return apperrors.InvalidQueryf(path+".refField",
				"unknown field %q in namespace %q", f.RefField, f.RefNamespace)
		}
	default:
		return apperrors.InvalidQueryf(path+".kind", "unknown filter kind %q", f.Kind)
	}
	return nil
}

func reservedField(name string) bool {
	return name == schema.FieldNamespace || name == schema.FieldPrimaryKey || name == schema.FieldMicroShard
}

// filterScores reports whether any clause of the filter contributes to the
// score when evaluated under a scoring occur.
func filterScores(f *Filter) bool {
	switch f.Kind {
	case FilterVector:
		return true
	case FilterBoolean:
		for _, c := range f.Clauses {
			if c.Occur == OccurMust || c.Occur == OccurShould {
				if filterScores(c.Filter) || c.Filter.Kind == FilterTerm {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// rewriteFilter applies boolean collapsing and double-negation promotion.
// parentOccur is the occur the filter appears under.
func rewriteFilter(f *Filter, parentOccur Occur) *Filter {
	if f.Kind != FilterBoolean {
		return f
	}
	out := &Filter{Kind: FilterBoolean, MinShouldMatch: f.MinShouldMatch}
	for _, c := range f.Clauses {
		child := rewriteFilter(c.Filter, c.Occur)

		// Rewrite 3: MUST_NOT of a single-clause MUST_NOT boolean promotes
		// to MUST.
		if c.Occur == OccurMustNot && child.Kind == FilterBoolean &&
			len(child.Clauses) == 1 && child.Clauses[0].Occur == OccurMustNot {
			out.Clauses = append(out.Clauses, BooleanClause{
				Occur:  OccurMust,
				Filter: child.Clauses[0].Filter,
			})
			continue
		}

		// Rewrite 2: collapse nested booleans with compatible occur. A
		// nested MUST/FILTER boolean whose clauses are all MUST/FILTER (and
		// no minShouldMatch) can be flattened into the parent.
		if child.Kind == FilterBoolean && child.MinShouldMatch == 0 &&
			(c.Occur == OccurMust || c.Occur == OccurFilter) && allConjunctive(child) {
			for _, nested := range child.Clauses {
				occur := nested.Occur
				if c.Occur == OccurFilter && occur == OccurMust {
					occur = OccurFilter
				}
				out.Clauses = append(out.Clauses, BooleanClause{Occur: occur, Filter: nested.Filter})
			}
			continue
		}

		out.Clauses = append(out.Clauses, BooleanClause{Occur: c.Occur, Filter: child})
	}
	return out
}

func allConjunctive(f *Filter) bool {
	for _, c := range f.Clauses {
		if c.Occur == OccurShould {
			return false
		}
	}
	return true
}
