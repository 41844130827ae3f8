package model

// FieldValue is a named return-field value on an in-flight document. Order
// follows the request's returnFields declaration.
type FieldValue struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Document is the in-flight representation of a matched document. It is
// constructed during collection, mutated during hydration and child binding,
// emitted into the response, and discarded.
type Document struct {
	Namespace   string
	PrimaryKey  string
	ShardID     int
	LeafOrd     int
	LeafDocID   int
	GlobalDocID int
	Score       float64
	SortKey     []Value
	Fields      []FieldValue
	Children    map[string][]*Document
}

// Field returns the named return-field value, or a null Value when absent.
func (d *Document) Field(name string) Value {
	for _, fv := range d.Fields {
		if fv.Name == name {
			return fv.Value
		}
	}
	return Null()
}

// SetField appends or replaces a return-field value.
func (d *Document) SetField(name string, v Value) {
	for i, fv := range d.Fields {
		if fv.Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, FieldValue{Name: name, Value: v})
}

// AttachChild appends a resolved child document under the child's namespace.
// Attachment is idempotent per (namespace, primary key).
func (d *Document) AttachChild(namespace string, child *Document) {
	if d.Children == nil {
		d.Children = make(map[string][]*Document)
	}
	for _, existing := range d.Children[namespace] {
		if existing.PrimaryKey == child.PrimaryKey {
			return
		}
	}
	d.Children[namespace] = append(d.Children[namespace], child)
}
