package packstream

import (
	"bufio"
	"io"
	"math"
)

// Unpacker reads PackStream values from an underlying io.Reader.
// PeekNextType inspects the next marker byte without consuming it, the
// same "discover before you build" shape as amf0.Discovery, letting a
// caller choose the right typed Unpack* method or recurse into a
// struct/list/map without a type switch on an already-decoded value.
type Unpacker struct {
	r          *bufio.Reader
	AllowBytes bool
}

func NewUnpacker(r io.Reader) *Unpacker {
	return &Unpacker{r: bufio.NewReader(r), AllowBytes: true}
}

func (u *Unpacker) readByte() (byte, error) {
	b, err := u.r.ReadByte()
	if err != nil {
		return 0, protocolErrorf("reading marker byte: %v", err)
	}
	return b, nil
}

func (u *Unpacker) readFull(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(u.r, b); err != nil {
		return nil, protocolErrorf("reading %d bytes: %v", n, err)
	}
	return b, nil
}

// PeekNextType reports the PackType of the next value without
// consuming any bytes.
func (u *Unpacker) PeekNextType() (PackType, error) {
	b, err := u.r.Peek(1)
	if err != nil {
		return TypeNull, protocolErrorf("peeking marker byte: %v", err)
	}
	return markerType(b[0]), nil
}

// markerType classifies a marker byte by disjoint range: 0x00-0x7F and
// 0xF0-0xFF are TINY_INT (the two's-complement byte itself, 0..127 and
// -16..-1), 0x80-0xBF are the TINY string/list/map/struct families,
// and 0xC0-0xEF are dedicated marker bytes.
func markerType(m byte) PackType {
	switch {
	case isTinyInt(m):
		return TypeInteger
	case m >= markerTinyStringBase && m <= 0x8F:
		return TypeString
	case m >= markerTinyListBase && m <= 0x9F:
		return TypeList
	case m >= markerTinyMapBase && m <= 0xAF:
		return TypeMap
	case m >= markerTinyStructBase && m <= 0xBF:
		return TypeStruct
	case m == markerNull:
		return TypeNull
	case m == markerTrue || m == markerFalse:
		return TypeBoolean
	case m == markerFloat64:
		return TypeFloat
	case m == markerInt8 || m == markerInt16 || m == markerInt32 || m == markerInt64:
		return TypeInteger
	case m == markerBytes8 || m == markerBytes16 || m == markerBytes32:
		return TypeBytes
	case m == markerString8 || m == markerString16 || m == markerString32:
		return TypeString
	case m == markerList8 || m == markerList16 || m == markerList32:
		return TypeList
	case m == markerMap8 || m == markerMap16 || m == markerMap32:
		return TypeMap
	case m == markerStruct8 || m == markerStruct16:
		return TypeStruct
	default:
		return TypeNull
	}
}

// isTinyInt reports whether m is a TINY_INT marker: the byte itself is
// the two's-complement value, 0x00-0x7F for 0..127 and 0xF0-0xFF for
// -16..-1.
func isTinyInt(m byte) bool {
	return m <= 0x7F || m >= 0xF0
}

// UnpackNull consumes a Null marker.
func (u *Unpacker) UnpackNull() error {
	b, err := u.readByte()
	if err != nil {
		return err
	}
	if b != markerNull {
		return protocolErrorf("expected Null marker, got 0x%02X", b)
	}
	return nil
}

// UnpackBoolean consumes a Boolean marker.
func (u *Unpacker) UnpackBoolean() (bool, error) {
	b, err := u.readByte()
	if err != nil {
		return false, err
	}
	switch b {
	case markerTrue:
		return true, nil
	case markerFalse:
		return false, nil
	default:
		return false, protocolErrorf("expected Boolean marker, got 0x%02X", b)
	}
}

// UnpackInteger consumes an Integer value of any width.
func (u *Unpacker) UnpackInteger() (int64, error) {
	b, err := u.readByte()
	if err != nil {
		return 0, err
	}
	if isTinyInt(b) {
		return int64(int8(b)), nil
	}
	switch b {
	case markerInt8:
		p, err := u.readFull(1)
		if err != nil {
			return 0, err
		}
		return int64(int8(p[0])), nil
	case markerInt16:
		p, err := u.readFull(2)
		if err != nil {
			return 0, err
		}
		return int64(int16(getUint16(p))), nil
	case markerInt32:
		p, err := u.readFull(4)
		if err != nil {
			return 0, err
		}
		return int64(int32(getUint32(p))), nil
	case markerInt64:
		p, err := u.readFull(8)
		if err != nil {
			return 0, err
		}
		return int64(getUint64(p)), nil
	default:
		return 0, protocolErrorf("expected Integer marker, got 0x%02X", b)
	}
}

// UnpackFloat consumes a Float value.
func (u *Unpacker) UnpackFloat() (float64, error) {
	b, err := u.readByte()
	if err != nil {
		return 0, err
	}
	if b != markerFloat64 {
		return 0, protocolErrorf("expected Float marker, got 0x%02X", b)
	}
	p, err := u.readFull(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(getUint64(p)), nil
}

// UnpackString consumes a String value of any length family.
func (u *Unpacker) UnpackString() (string, error) {
	b, err := u.readByte()
	if err != nil {
		return "", err
	}
	var n int
	switch {
	case b >= markerTinyStringBase && b <= 0x8F:
		n = int(b & 0x0F)
	case b == markerString8:
		p, err := u.readFull(1)
		if err != nil {
			return "", err
		}
		n = int(p[0])
	case b == markerString16:
		p, err := u.readFull(2)
		if err != nil {
			return "", err
		}
		n = int(getUint16(p))
	case b == markerString32:
		p, err := u.readFull(4)
		if err != nil {
			return "", err
		}
		n = int(getUint32(p))
	default:
		return "", protocolErrorf("expected String marker, got 0x%02X", b)
	}
	p, err := u.readFull(n)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// UnpackBytes consumes a Bytes value. Fails if the negotiated protocol
// version has byte support disabled.
func (u *Unpacker) UnpackBytes() ([]byte, error) {
	if !u.AllowBytes {
		return nil, protocolErrorf("Bytes values are not supported by the negotiated protocol version")
	}
	b, err := u.readByte()
	if err != nil {
		return nil, err
	}
	var n int
	switch b {
	case markerBytes8:
		p, err := u.readFull(1)
		if err != nil {
			return nil, err
		}
		n = int(p[0])
	case markerBytes16:
		p, err := u.readFull(2)
		if err != nil {
			return nil, err
		}
		n = int(getUint16(p))
	case markerBytes32:
		p, err := u.readFull(4)
		if err != nil {
			return nil, err
		}
		n = int(getUint32(p))
	default:
		return nil, protocolErrorf("expected Bytes marker, got 0x%02X", b)
	}
	return u.readFull(n)
}

// UnpackListHeader consumes a List header and returns the element
// count; the caller reads each element itself.
func (u *Unpacker) UnpackListHeader() (int, error) {
	b, err := u.readByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b >= markerTinyListBase && b <= 0x9F:
		return int(b & 0x0F), nil
	case b == markerList8:
		p, err := u.readFull(1)
		if err != nil {
			return 0, err
		}
		return int(p[0]), nil
	case b == markerList16:
		p, err := u.readFull(2)
		if err != nil {
			return 0, err
		}
		return int(getUint16(p)), nil
	case b == markerList32:
		p, err := u.readFull(4)
		if err != nil {
			return 0, err
		}
		return int(getUint32(p)), nil
	default:
		return 0, protocolErrorf("expected List marker, got 0x%02X", b)
	}
}

// UnpackMapHeader consumes a Map header and returns the pair count.
func (u *Unpacker) UnpackMapHeader() (int, error) {
	b, err := u.readByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b >= markerTinyMapBase && b <= 0xAF:
		return int(b & 0x0F), nil
	case b == markerMap8:
		p, err := u.readFull(1)
		if err != nil {
			return 0, err
		}
		return int(p[0]), nil
	case b == markerMap16:
		p, err := u.readFull(2)
		if err != nil {
			return 0, err
		}
		return int(getUint16(p)), nil
	case b == markerMap32:
		p, err := u.readFull(4)
		if err != nil {
			return 0, err
		}
		return int(getUint32(p)), nil
	default:
		return 0, protocolErrorf("expected Map marker, got 0x%02X", b)
	}
}

// UnpackStructHeader consumes a Struct header and returns its field
// count and signature byte.
func (u *Unpacker) UnpackStructHeader() (size int, signature byte, err error) {
	b, err := u.readByte()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b >= markerTinyStructBase && b <= 0xBF:
		size = int(b & 0x0F)
	case b == markerStruct8:
		p, err := u.readFull(1)
		if err != nil {
			return 0, 0, err
		}
		size = int(p[0])
	case b == markerStruct16:
		p, err := u.readFull(2)
		if err != nil {
			return 0, 0, err
		}
		size = int(getUint16(p))
	default:
		return 0, 0, protocolErrorf("expected Struct marker, got 0x%02X", b)
	}
	sig, err := u.readByte()
	if err != nil {
		return 0, 0, err
	}
	return size, sig, nil
}

// UnpackMap reads a full Map value into an ordered *Map, rejecting
// duplicate keys.
func (u *Unpacker) UnpackMap() (*Map, error) {
	n, err := u.UnpackMapHeader()
	if err != nil {
		return nil, err
	}
	m := NewMap()
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		k, err := u.UnpackString()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[k]; dup {
			return nil, protocolErrorf("duplicate map key %q", k)
		}
		seen[k] = struct{}{}
		v, err := u.UnpackValue()
		if err != nil {
			return nil, err
		}
		m.Set(k, v)
	}
	return m, nil
}

// UnpackList reads a full List value into a []any.
func (u *Unpacker) UnpackList() ([]any, error) {
	n, err := u.UnpackListHeader()
	if err != nil {
		return nil, err
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := u.UnpackValue()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Domain struct signatures, reused by the bolt package's domain struct
// codecs so the field-count validation below and the construction of
// concrete Go types stay colocated with the wire contract they police.
const (
	SignatureNode                byte = 'N'
	SignatureRelationship        byte = 'R'
	SignatureUnboundRelationship byte = 'r'
	SignaturePath                byte = 'P'
)

// domainStructFieldCounts is the validated field count for each of the
// four domain struct signatures a value position may carry (spec.md
// §3): Node, Relationship, UnboundRelationship, Path.
var domainStructFieldCounts = map[byte]int{
	SignatureNode:                3,
	SignatureRelationship:        5,
	SignatureUnboundRelationship: 3,
	SignaturePath:                3,
}

// UnpackValue reads one value of any type at value position. A Struct
// signature that isn't one of the four domain structs is a Protocol
// error — messages use a separate top-level switch and never reach
// here.
func (u *Unpacker) UnpackValue() (any, error) {
	t, err := u.PeekNextType()
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeNull:
		return nil, u.UnpackNull()
	case TypeBoolean:
		return u.UnpackBoolean()
	case TypeInteger:
		return u.UnpackInteger()
	case TypeFloat:
		return u.UnpackFloat()
	case TypeString:
		return u.UnpackString()
	case TypeBytes:
		return u.UnpackBytes()
	case TypeList:
		return u.UnpackList()
	case TypeMap:
		return u.UnpackMap()
	case TypeStruct:
		return u.unpackDomainStruct()
	default:
		return nil, protocolErrorf("unexpected type %v at value position", t)
	}
}

func (u *Unpacker) unpackDomainStruct() (*Struct, error) {
	size, sig, err := u.UnpackStructHeader()
	if err != nil {
		return nil, err
	}
	want, ok := domainStructFieldCounts[sig]
	if !ok {
		return nil, protocolErrorf("unexpected struct signature 0x%02X at value position", sig)
	}
	if size != want {
		return nil, protocolErrorf("struct signature 0x%02X expects %d fields, got %d", sig, want, size)
	}
	fields := make([]any, size)
	for i := 0; i < size; i++ {
		v, err := u.UnpackValue()
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	return &Struct{Signature: sig, Fields: fields}, nil
}

func getUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
