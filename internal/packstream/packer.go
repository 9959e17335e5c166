package packstream

import (
	"io"
	"math"
)

// Packer writes PackStream values to an underlying io.Writer, choosing
// the narrowest marker family for every integer, string, list, map and
// bytes value it sees. AllowBytes gates whether Bytes values may be
// packed at all — protocol versions without byte support reject them
// (see MessageFormat's byte-incompatibility flag, spec.md §4.3).
type Packer struct {
	w          io.Writer
	AllowBytes bool
	err        error
}

func NewPacker(w io.Writer) *Packer {
	return &Packer{w: w, AllowBytes: true}
}

// Err returns the first error encountered by any Pack* call, sticky
// across subsequent calls so callers can pack a whole structure and
// check once at the end.
func (p *Packer) Err() error {
	return p.err
}

func (p *Packer) write(b []byte) {
	if p.err != nil {
		return
	}
	_, p.err = p.w.Write(b)
}

func (p *Packer) writeByte(b byte) {
	p.write([]byte{b})
}

// PackNull writes the Null marker.
func (p *Packer) PackNull() {
	p.writeByte(markerNull)
}

// PackBoolean writes the True or False marker.
func (p *Packer) PackBoolean(v bool) {
	if v {
		p.writeByte(markerTrue)
	} else {
		p.writeByte(markerFalse)
	}
}

// PackInteger writes v using the narrowest of TINY_INT, INT_8, INT_16,
// INT_32, INT_64 that can represent it.
func (p *Packer) PackInteger(v int64) {
	switch {
	case v >= tinyIntMin && v <= tinyIntMax:
		p.writeByte(byte(int8(v)))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		p.write([]byte{markerInt8, byte(int8(v))})
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b := make([]byte, 3)
		b[0] = markerInt16
		putInt16(b[1:], int16(v))
		p.write(b)
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b := make([]byte, 5)
		b[0] = markerInt32
		putInt32(b[1:], int32(v))
		p.write(b)
	default:
		b := make([]byte, 9)
		b[0] = markerInt64
		putInt64(b[1:], v)
		p.write(b)
	}
}

// PackFloat writes v as an IEEE-754 64-bit value; floats are always
// 64-bit, there is no narrower family.
func (p *Packer) PackFloat(v float64) {
	b := make([]byte, 9)
	b[0] = markerFloat64
	putUint64(b[1:], math.Float64bits(v))
	p.write(b)
}

// PackString writes v with the narrowest TINY/8/16/32-bit length
// marker.
func (p *Packer) PackString(v string) {
	n := len(v)
	switch {
	case n <= 15:
		p.writeByte(markerTinyStringBase | byte(n))
	case n <= math.MaxUint8:
		p.write([]byte{markerString8, byte(n)})
	case n <= math.MaxUint16:
		b := make([]byte, 3)
		b[0] = markerString16
		putUint16(b[1:], uint16(n))
		p.write(b)
	default:
		b := make([]byte, 5)
		b[0] = markerString32
		putUint32(b[1:], uint32(n))
		p.write(b)
	}
	p.write([]byte(v))
}

// PackBytes writes v with the narrowest 8/16/32-bit length marker.
// Bytes has no TINY variant. Fails sticky with a Protocol error if the
// negotiated protocol version has byte support disabled.
func (p *Packer) PackBytes(v []byte) {
	if !p.AllowBytes {
		if p.err == nil {
			p.err = protocolErrorf("Bytes values are not supported by the negotiated protocol version")
		}
		return
	}
	n := len(v)
	switch {
	case n <= math.MaxUint8:
		p.write([]byte{markerBytes8, byte(n)})
	case n <= math.MaxUint16:
		b := make([]byte, 3)
		b[0] = markerBytes16
		putUint16(b[1:], uint16(n))
		p.write(b)
	default:
		b := make([]byte, 5)
		b[0] = markerBytes32
		putUint32(b[1:], uint32(n))
		p.write(b)
	}
	p.write(v)
}

// PackListHeader writes a list header for n upcoming elements; the
// caller packs each element itself. Used so lists of heterogeneous
// value types can be packed without an intermediate []any allocation
// at every call site.
func (p *Packer) PackListHeader(n int) {
	switch {
	case n <= 15:
		p.writeByte(markerTinyListBase | byte(n))
	case n <= math.MaxUint8:
		p.write([]byte{markerList8, byte(n)})
	case n <= math.MaxUint16:
		b := make([]byte, 3)
		b[0] = markerList16
		putUint16(b[1:], uint16(n))
		p.write(b)
	default:
		b := make([]byte, 5)
		b[0] = markerList32
		putUint32(b[1:], uint32(n))
		p.write(b)
	}
}

// PackMapHeader writes a map header for n upcoming key/value pairs.
func (p *Packer) PackMapHeader(n int) {
	switch {
	case n <= 15:
		p.writeByte(markerTinyMapBase | byte(n))
	case n <= math.MaxUint8:
		p.write([]byte{markerMap8, byte(n)})
	case n <= math.MaxUint16:
		b := make([]byte, 3)
		b[0] = markerMap16
		putUint16(b[1:], uint16(n))
		p.write(b)
	default:
		b := make([]byte, 5)
		b[0] = markerMap32
		putUint32(b[1:], uint32(n))
		p.write(b)
	}
}

// PackStructHeader writes a struct header (field count + signature).
// Up to 15 fields use the TINY family, which covers practice (every
// domain struct and message in THE CORE fits in 0-5 fields), but the
// 8/16-bit families are implemented for completeness.
func (p *Packer) PackStructHeader(size int, signature byte) {
	switch {
	case size <= 15:
		p.writeByte(markerTinyStructBase | byte(size))
	case size <= math.MaxUint8:
		p.write([]byte{markerStruct8, byte(size)})
	default:
		b := make([]byte, 3)
		b[0] = markerStruct16
		putUint16(b[1:], uint16(size))
		p.write(b)
	}
	p.writeByte(signature)
}

// Pack writes an arbitrary Go value, dispatching on its dynamic type.
// Maps must be either *Map (ordered) or map[string]any; duplicate keys
// in a map[string]any cannot occur by construction, but a *Map with a
// repeated Keys entry built by hand is rejected.
func (p *Packer) Pack(v any) {
	if p.err != nil {
		return
	}
	switch t := v.(type) {
	case nil:
		p.PackNull()
	case bool:
		p.PackBoolean(t)
	case int:
		p.PackInteger(int64(t))
	case int64:
		p.PackInteger(t)
	case int32:
		p.PackInteger(int64(t))
	case float64:
		p.PackFloat(t)
	case string:
		p.PackString(t)
	case []byte:
		p.PackBytes(t)
	case []any:
		p.PackListHeader(len(t))
		for _, e := range t {
			p.Pack(e)
		}
	case *Map:
		p.packOrderedMap(t)
	case map[string]any:
		p.PackMapHeader(len(t))
		for k, val := range t {
			p.PackString(k)
			p.Pack(val)
		}
	case *Struct:
		p.PackStructHeader(len(t.Fields), t.Signature)
		for _, f := range t.Fields {
			p.Pack(f)
		}
	default:
		if p.err == nil {
			p.err = protocolErrorf("cannot pack value of type %T", v)
		}
	}
}

func (p *Packer) packOrderedMap(m *Map) {
	seen := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		if _, dup := seen[k]; dup {
			if p.err == nil {
				p.err = protocolErrorf("duplicate map key %q", k)
			}
			return
		}
		seen[k] = struct{}{}
	}
	p.PackMapHeader(len(m.Keys))
	for i, k := range m.Keys {
		p.PackString(k)
		p.Pack(m.Values[i])
	}
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}
func putInt16(b []byte, v int16) { putUint16(b, uint16(v)) }
func putInt32(b []byte, v int32) { putUint32(b, uint32(v)) }
func putInt64(b []byte, v int64) { putUint64(b, uint64(v)) }
