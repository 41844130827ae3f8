// Package schema describes the typed, schemaful index model: namespaces,
// field types, primary and foreign keys, and the micro-shard mapping fixed
// for the lifetime of an index generation.
package schema

import (
	"fmt"

	"github.com/canopy-search/canopy/internal/model"
)

// Reserved field names present on every indexed document.
const (
	FieldNamespace  = "_namespace"
	FieldPrimaryKey = "_pk"
	FieldMicroShard = "_micro_shard"
)

// FieldType enumerates the declarable field types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int64"
	TypeDouble FieldType = "double"
	TypeBool   FieldType = "bool"
	TypeGeo    FieldType = "geo_point"
	TypeVector FieldType = "dense_vector"

	TypeStringList FieldType = "list<string>"
	TypeIntList    FieldType = "list<int64>"
	TypeDoubleList FieldType = "list<double>"
)

// Scalar reports whether the type holds a single value.
func (t FieldType) Scalar() bool {
	switch t {
	case TypeStringList, TypeIntList, TypeDoubleList:
		return false
	default:
		return true
	}
}

// ValueKind returns the model.Kind a field of this type carries.
func (t FieldType) ValueKind() model.Kind {
	switch t {
	case TypeString:
		return model.KindString
	case TypeInt:
		return model.KindInt
	case TypeDouble:
		return model.KindDouble
	case TypeBool:
		return model.KindBool
	case TypeGeo:
		return model.KindGeoPoint
	case TypeVector:
		return model.KindVector
	default:
		return model.KindList
	}
}

// Field declares one typed field of a namespace.
type Field struct {
	Name      string    `yaml:"name" json:"name"`
	Type      FieldType `yaml:"type" json:"type"`
	DocValues bool      `yaml:"docValues" json:"docValues"`
	Stored    bool      `yaml:"stored" json:"stored"`
	VectorDim int       `yaml:"vectorDim,omitempty" json:"vectorDim,omitempty"`
}

// Container declares whether a foreign key holds one child reference or a
// list of them.
type Container string

const (
	ContainerScalar Container = "scalar"
	ContainerList   Container = "list"
)

// ForeignKey declares a field whose values are primary keys in one of the
// child namespaces.
type ForeignKey struct {
	Name      string    `yaml:"name" json:"name"`
	Container Container `yaml:"container" json:"container"`
	Children  []string  `yaml:"children" json:"children"`
	Required  bool      `yaml:"required" json:"required"`
}

// PointsTo reports whether the foreign key can reference the namespace.
func (fk ForeignKey) PointsTo(namespace string) bool {
	for _, c := range fk.Children {
		if c == namespace {
			return true
		}
	}
	return false
}

// Namespace is a logical document class with its own schema and index.
type Namespace struct {
	Name        string       `yaml:"name" json:"name"`
	PrimaryKey  string       `yaml:"primaryKey" json:"primaryKey"`
	Fields      []Field      `yaml:"fields" json:"fields"`
	ForeignKeys []ForeignKey `yaml:"foreignKeys" json:"foreignKeys"`
}

// Field returns the declaration of the named field, if present.
func (n *Namespace) Field(name string) (Field, bool) {
	for _, f := range n.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ForeignKey returns the declaration of the named foreign key, if present.
func (n *Namespace) ForeignKey(name string) (ForeignKey, bool) {
	for _, fk := range n.ForeignKeys {
		if fk.Name == name {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// ForeignKeyTo returns the foreign key whose children include the given
// namespace. When several qualify the first declaration wins; the second
// return distinguishes "none" from "found".
func (n *Namespace) ForeignKeyTo(child string) (ForeignKey, bool) {
	for _, fk := range n.ForeignKeys {
		if fk.PointsTo(child) {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// Sharding fixes shard and micro-shard counts plus the routing source key.
type Sharding struct {
	NumShards      int    `yaml:"numShards" json:"numShards"`
	NumMicroShards int    `yaml:"numMicroShards" json:"numMicroShards"`
	SourceKey      string `yaml:"sourceKey" json:"sourceKey"`
}

// Schema is the full index model shared by broker and searchers.
type Schema struct {
	Namespaces map[string]*Namespace `yaml:"-" json:"-"`
	Sharding   Sharding              `yaml:"sharding" json:"sharding"`
}

// Namespace returns the named namespace, if declared.
func (s *Schema) Namespace(name string) (*Namespace, bool) {
	ns, ok := s.Namespaces[name]
	return ns, ok
}

// Validate checks structural consistency: primary keys exist and are
// string-typed, foreign keys resolve to declared namespaces and fields, and
// the micro-shard mapping is well formed.
func (s *Schema) Validate() error {
	if s.Sharding.NumShards <= 0 || s.Sharding.NumMicroShards <= 0 {
		return fmt.Errorf("sharding counts must be positive (shards=%d, microShards=%d)",
			s.Sharding.NumShards, s.Sharding.NumMicroShards)
	}
	if s.Sharding.NumMicroShards%s.Sharding.NumShards != 0 {
		return fmt.Errorf("numMicroShards (%d) must be a multiple of numShards (%d)",
			s.Sharding.NumMicroShards, s.Sharding.NumShards)
	}
	for name, ns := range s.Namespaces {
		if ns.Name != name {
			return fmt.Errorf("namespace %q: name mismatch (%q)", name, ns.Name)
		}
		pk, ok := ns.Field(ns.PrimaryKey)
		if !ok {
			return fmt.Errorf("namespace %q: primary key field %q not declared", name, ns.PrimaryKey)
		}
		if pk.Type != TypeString {
			return fmt.Errorf("namespace %q: primary key field %q must be string, got %s",
				name, ns.PrimaryKey, pk.Type)
		}
		seen := make(map[string]bool, len(ns.Fields))
		for _, f := range ns.Fields {
			if seen[f.Name] {
				return fmt.Errorf("namespace %q: duplicate field %q", name, f.Name)
			}
			seen[f.Name] = true
			if f.Type == TypeVector && f.VectorDim <= 0 {
				return fmt.Errorf("namespace %q: vector field %q needs a positive vectorDim", name, f.Name)
			}
		}
		for _, fk := range ns.ForeignKeys {
			f, ok := ns.Field(fk.Name)
			if !ok {
				return fmt.Errorf("namespace %q: foreign key %q has no backing field", name, fk.Name)
			}
			want := TypeString
			if fk.Container == ContainerList {
				want = TypeStringList
			}
			if f.Type != want {
				return fmt.Errorf("namespace %q: foreign key %q (%s) needs field type %s, got %s",
					name, fk.Name, fk.Container, want, f.Type)
			}
			if len(fk.Children) == 0 {
				return fmt.Errorf("namespace %q: foreign key %q declares no children", name, fk.Name)
			}
			for _, child := range fk.Children {
				if _, ok := s.Namespaces[child]; !ok {
					return fmt.Errorf("namespace %q: foreign key %q references unknown namespace %q",
						name, fk.Name, child)
				}
			}
		}
	}
	return nil
}
