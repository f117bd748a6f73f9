package schema

import "encoding/binary"

// Shape is the canonical structural encoding of an argument-tuple or
// return-type shape, used only as input to SigHash. The tagged-prefix
// layout is fixed by the wire protocol: primitive, option, vec,
// array(length), map, struct(field_count, ...), tuple(count, ...),
// enum(variant_count, ...). Counts/lengths are u32-LE; names are raw ASCII.
type Shape struct {
	Kind     ShapeKind
	Name     string  // primitive name, or unused for compound kinds
	Elem     *Shape  // option/vec/array element shape
	Length   uint32  // array length
	Key, Val *Shape  // map key/value shape
	Fields   []Field // struct fields
	Elems    []Shape // tuple element shapes
	Variants []Variant
}

type ShapeKind uint8

const (
	KindPrimitive ShapeKind = iota
	KindOption
	KindVec
	KindArray
	KindMap
	KindStruct
	KindTuple
	KindEnum
)

type Field struct {
	Name  string
	Shape Shape
}

type Variant struct {
	Name    string
	Payload Shape
}

// Canonical encodes the shape with the tagged-prefix scheme above.
func Canonical(s Shape) []byte {
	var buf []byte
	return appendShape(buf, s)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendName(buf []byte, name string) []byte {
	buf = appendU32(buf, uint32(len(name)))
	return append(buf, name...)
}

func appendShape(buf []byte, s Shape) []byte {
	buf = append(buf, byte(s.Kind))
	switch s.Kind {
	case KindPrimitive:
		buf = appendName(buf, s.Name)
	case KindOption:
		buf = appendShape(buf, *s.Elem)
	case KindVec:
		buf = appendShape(buf, *s.Elem)
	case KindArray:
		buf = appendU32(buf, s.Length)
		buf = appendShape(buf, *s.Elem)
	case KindMap:
		buf = appendShape(buf, *s.Key)
		buf = appendShape(buf, *s.Val)
	case KindStruct:
		buf = appendU32(buf, uint32(len(s.Fields)))
		for _, f := range s.Fields {
			buf = appendName(buf, f.Name)
			buf = appendShape(buf, f.Shape)
		}
	case KindTuple:
		buf = appendU32(buf, uint32(len(s.Elems)))
		for _, e := range s.Elems {
			buf = appendShape(buf, e)
		}
	case KindEnum:
		buf = appendU32(buf, uint32(len(s.Variants)))
		for _, v := range s.Variants {
			buf = appendName(buf, v.Name)
			buf = appendShape(buf, v.Payload)
		}
	}
	return buf
}

// Primitive builds a leaf shape for a named primitive (e.g. "u64", "string").
func Primitive(name string) Shape { return Shape{Kind: KindPrimitive, Name: name} }

// Tuple builds a tuple shape, the common case for an argument list.
func Tuple(elems ...Shape) Shape { return Shape{Kind: KindTuple, Elems: elems} }
