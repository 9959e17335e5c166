// Package packstream implements the self-describing value codec THE
// CORE layers Bolt messages on top of: a tagged union over Null,
// Boolean, Integer, Float, String, Bytes, List, Map and Struct, each
// value packed with the narrowest marker that can hold it.
//
// The marker-dispatch shape (one marker enum, one function that peeks a
// marker byte and routes to a typed reader) is grounded on the pack's
// only self-describing value codec, oryx's amf0 package — PackStream's
// actual marker bytes and narrow-integer/length families come from the
// Bolt wire format itself, which amf0 has no analogue for.
package packstream

// PackType is the value kind PeekNextType reports, coarser than the
// wire marker (e.g. every integer width is just Integer).
type PackType int

const (
	TypeNull PackType = iota
	TypeBoolean
	TypeInteger
	TypeFloat
	TypeString
	TypeBytes
	TypeList
	TypeMap
	TypeStruct
	TypeEndOfStream
)

func (t PackType) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeBoolean:
		return "Boolean"
	case TypeInteger:
		return "Integer"
	case TypeFloat:
		return "Float"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeList:
		return "List"
	case TypeMap:
		return "Map"
	case TypeStruct:
		return "Struct"
	default:
		return "EndOfStream"
	}
}

// Wire markers. Please read the PackStream specification for the
// marker family layout: TINY_* values are inlined into the marker
// byte's low nibble, {8,16,32}-bit variants use a dedicated marker byte
// followed by a length/value field of that width.
const (
	markerNull    byte = 0xC0
	markerFalse   byte = 0xC2
	markerTrue    byte = 0xC3
	markerFloat64 byte = 0xC1

	markerInt8  byte = 0xC8
	markerInt16 byte = 0xC9
	markerInt32 byte = 0xCA
	markerInt64 byte = 0xCB

	markerTinyStringBase byte = 0x80 // 0x80-0x8F
	markerString8        byte = 0xD0
	markerString16       byte = 0xD1
	markerString32       byte = 0xD2

	markerTinyListBase byte = 0x90 // 0x90-0x9F
	markerList8        byte = 0xD4
	markerList16       byte = 0xD5
	markerList32       byte = 0xD6

	markerTinyMapBase byte = 0xA0 // 0xA0-0xAF
	markerMap8        byte = 0xD8
	markerMap16       byte = 0xD9
	markerMap32       byte = 0xDA

	markerTinyStructBase byte = 0xB0 // 0xB0-0xBF
	markerStruct8        byte = 0xDC
	markerStruct16       byte = 0xDD

	markerBytes8  byte = 0xCC
	markerBytes16 byte = 0xCD
	markerBytes32 byte = 0xCE
)

const (
	tinyIntMin = -16
	tinyIntMax = 127
)

// Struct is a generic domain struct value: a signature byte and its
// ordered fields, used both for messages at the top level and for
// Node/Relationship/UnboundRelationship/Path at value position.
type Struct struct {
	Signature byte
	Fields    []any
}

// Map preserves insertion order, unlike a plain Go map, so that callers
// which need deterministic wire output (tests, the MessageFormat writer)
// don't depend on map iteration order. Ordinary map[string]any values
// are also accepted by Pack.
type Map struct {
	Keys   []string
	Values []any
}

func NewMap() *Map {
	return &Map{}
}

func (m *Map) Set(key string, value any) *Map {
	for i, k := range m.Keys {
		if k == key {
			m.Values[i] = value
			return m
		}
	}
	m.Keys = append(m.Keys, key)
	m.Values = append(m.Values, value)
	return m
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Keys)
}
