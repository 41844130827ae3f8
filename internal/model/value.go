// Package model holds the in-flight document representation shared by the
// searcher query engine and the broker: tagged field values, phased sort
// keys, and facet accumulators.
package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags the payload of a Value. Nulls are represented by absence: a
// missing field never produces a KindNull Value in a document, but sort-key
// tuples use KindNull for missing entries so tuple positions stay aligned.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
	KindGeoPoint
	KindVector
	KindList
	KindDocuments
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindGeoPoint:
		return "geo_point"
	case KindVector:
		return "dense_vector"
	case KindList:
		return "list"
	case KindDocuments:
		return "documents"
	default:
		return "unknown"
	}
}

// Value is the tagged union over every field type a document can carry.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Dbl  float64
	Bool bool
	Lat  float64
	Lon  float64
	Vec  []float32
	List []Value
}

func Null() Value            { return Value{Kind: KindNull} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func Double(d float64) Value { return Value{Kind: KindDouble, Dbl: d} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func GeoPoint(lat, lon float64) Value {
	return Value{Kind: KindGeoPoint, Lat: lat, Lon: lon}
}
func Vector(v []float32) Value { return Value{Kind: KindVector, Vec: v} }
func List(vs ...Value) Value   { return Value{Kind: KindList, List: vs} }

// IsNull reports whether the value represents an absent field.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Term returns the exact-match term for the value, used for primary-key and
// foreign-key resolution and for term facet buckets.
func (v Value) Term() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindDouble:
		return fmt.Sprintf("%g", v.Dbl)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Numeric returns the value as a float64 for histogram bucketing.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindDouble:
		return v.Dbl, true
	default:
		return 0, false
	}
}

type wireValue struct {
	Kind string    `json:"kind"`
	Str  *string   `json:"str,omitempty"`
	Int  *int64    `json:"int,omitempty"`
	Dbl  *float64  `json:"dbl,omitempty"`
	Bool *bool     `json:"bool,omitempty"`
	Lat  *float64  `json:"lat,omitempty"`
	Lon  *float64  `json:"lon,omitempty"`
	Vec  []float32 `json:"vec,omitempty"`
	List []Value   `json:"list,omitempty"`
}

// MarshalJSON encodes the value in the tagged wire form used by the
// flat-normalized response format.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.Kind.String()}
	switch v.Kind {
	case KindString:
		w.Str = &v.Str
	case KindInt:
		w.Int = &v.Int
	case KindDouble:
		w.Dbl = &v.Dbl
	case KindBool:
		w.Bool = &v.Bool
	case KindGeoPoint:
		w.Lat, w.Lon = &v.Lat, &v.Lon
	case KindVector:
		w.Vec = v.Vec
	case KindList:
		w.List = v.List
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged wire form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "null", "":
		*v = Null()
	case "string":
		if w.Str != nil {
			*v = String(*w.Str)
		} else {
			*v = String("")
		}
	case "int64":
		if w.Int != nil {
			*v = Int(*w.Int)
		} else {
			*v = Int(0)
		}
	case "double":
		if w.Dbl != nil {
			*v = Double(*w.Dbl)
		} else {
			*v = Double(0)
		}
	case "bool":
		if w.Bool != nil {
			*v = Bool(*w.Bool)
		} else {
			*v = Bool(false)
		}
	case "geo_point":
		var lat, lon float64
		if w.Lat != nil {
			lat = *w.Lat
		}
		if w.Lon != nil {
			lon = *w.Lon
		}
		*v = GeoPoint(lat, lon)
	case "dense_vector":
		*v = Vector(w.Vec)
	case "list":
		*v = List(w.List...)
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	return nil
}

// totalOrderBits maps a float64 onto a uint64 whose unsigned order matches
// the IEEE-754 total order (negative values reversed, NaNs at the top).
func totalOrderBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// compareValues compares two non-null scalar values of the same position in a
// sort tuple. Doubles use IEEE-754 total ordering, ints are signed, strings
// and bools are natural.
func compareValues(a, b Value) int {
	if a.Kind == KindInt && b.Kind == KindDouble {
		a = Double(float64(a.Int))
	}
	if a.Kind == KindDouble && b.Kind == KindInt {
		b = Double(float64(b.Int))
	}
	switch a.Kind {
	case KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		}
		return 0
	case KindInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
		return 0
	case KindDouble:
		ab, bb := totalOrderBits(a.Dbl), totalOrderBits(b.Dbl)
		switch {
		case ab < bb:
			return -1
		case ab > bb:
			return 1
		}
		return 0
	case KindBool:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		}
		return 0
	default:
		return 0
	}
}
