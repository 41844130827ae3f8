package proto

import (
	"sort"

	"github.com/canopy-search/canopy/internal/model"
)

// FlattenDocuments converts in-flight documents into the flat-normalized
// wire form: one top-level slice plus a sibling child collection indexed by
// parent offsets. Children are copies of inner results, never back-pointers,
// so the wire form is cycle-free by construction.
func FlattenDocuments(docs []*model.Document) (parents []WireDocument, children []WireDocument) {
	parents = make([]WireDocument, 0, len(docs))
	for _, d := range docs {
		wd := toWire(d)
		for _, ns := range sortedChildNamespaces(d) {
			for _, child := range d.Children[ns] {
				wd.ChildDocumentOffsets = append(wd.ChildDocumentOffsets, len(children))
				children = append(children, toWire(child))
			}
		}
		parents = append(parents, wd)
	}
	return parents, children
}

// UnflattenDocuments reattaches flat children to their parents.
func UnflattenDocuments(parents []WireDocument, children []WireDocument) []*model.Document {
	out := make([]*model.Document, 0, len(parents))
	for i := range parents {
		d := fromWire(&parents[i])
		for _, off := range parents[i].ChildDocumentOffsets {
			if off < 0 || off >= len(children) {
				continue
			}
			child := fromWire(&children[off])
			d.AttachChild(child.Namespace, child)
		}
		out = append(out, d)
	}
	return out
}

func toWire(d *model.Document) WireDocument {
	wd := WireDocument{
		PrimaryKey:   d.PrimaryKey,
		Namespace:    d.Namespace,
		ShardID:      d.ShardID,
		GlobalDocID:  d.GlobalDocID,
		SortByValues: d.SortKey,
		Score:        d.Score,
	}
	if len(d.Fields) > 0 {
		wd.Fields = make(map[string]model.Value, len(d.Fields))
		wd.FieldOrder = make([]string, 0, len(d.Fields))
		for _, fv := range d.Fields {
			wd.Fields[fv.Name] = fv.Value
			wd.FieldOrder = append(wd.FieldOrder, fv.Name)
		}
	}
	return wd
}

func fromWire(wd *WireDocument) *model.Document {
	d := &model.Document{
		Namespace:   wd.Namespace,
		PrimaryKey:  wd.PrimaryKey,
		ShardID:     wd.ShardID,
		GlobalDocID: wd.GlobalDocID,
		Score:       wd.Score,
		SortKey:     wd.SortByValues,
	}
	for _, name := range wd.FieldOrder {
		if v, ok := wd.Fields[name]; ok {
			d.Fields = append(d.Fields, model.FieldValue{Name: name, Value: v})
		}
	}
	return d
}

func sortedChildNamespaces(d *model.Document) []string {
	if len(d.Children) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.Children))
	for ns := range d.Children {
		out = append(out, ns)
	}
	// Deterministic child ordering on the wire.
	sort.Strings(out)
	return out
}
