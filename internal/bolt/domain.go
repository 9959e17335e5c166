package bolt

import (
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/packstream"
)

// Node is the domain struct carried by PackStream signature 'N': an
// id, a list of labels, and a property map.
type Node struct {
	ID         int64
	Labels     []string
	Properties map[string]any
}

// Relationship is the domain struct carried by signature 'R': an id,
// the ids of its endpoints, a type name, and a property map.
type Relationship struct {
	ID         int64
	StartID    int64
	EndID      int64
	Type       string
	Properties map[string]any
}

// UnboundRelationship is signature 'r': a Relationship without its
// endpoint ids, as carried inside a Path's relationship arena.
type UnboundRelationship struct {
	ID         int64
	Type       string
	Properties map[string]any
}

// Path is signature 'P': a walk through the graph represented without
// owning back-pointers, breaking the Node<->Relationship cycle the way
// the wire format does — by interning nodes and relationships into
// separate arenas and referencing them by index. Sequence interleaves
// (rel-index, node-index) pairs; rel-index is 1-based and its sign
// carries traversal direction relative to the relationship's stored
// start->end orientation (negative means traversed against it).
type Path struct {
	Nodes         []Node
	Relationships []UnboundRelationship
	Sequence      []int64
}

// Relationship resolves the i-th hop of the path (0-based, i <
// len(Sequence)/2) into a concrete directed Relationship grounded in
// the node arena, following the sign-carried direction convention.
func (p *Path) Relationship(hop int) (Relationship, error) {
	if hop < 0 || 2*hop+1 >= len(p.Sequence) {
		return Relationship{}, driverrors.Protocolf("path hop %d out of range", hop)
	}
	relIdx := p.Sequence[2*hop]
	nodeIdx := int(p.Sequence[2*hop+1])
	if nodeIdx < 0 || nodeIdx >= len(p.Nodes) {
		return Relationship{}, driverrors.Protocolf("path node index %d out of range", nodeIdx)
	}
	reversed := relIdx < 0
	if reversed {
		relIdx = -relIdx
	}
	idx := int(relIdx) - 1
	if idx < 0 || idx >= len(p.Relationships) {
		return Relationship{}, driverrors.Protocolf("path relationship index %d out of range", relIdx)
	}
	ur := p.Relationships[idx]
	start, end := p.nodeIDAt(hop), p.Nodes[nodeIdx].ID
	if reversed {
		start, end = end, start
	}
	return Relationship{ID: ur.ID, StartID: start, EndID: end, Type: ur.Type, Properties: ur.Properties}, nil
}

func (p *Path) nodeIDAt(hop int) int64 {
	if hop == 0 {
		return p.Nodes[0].ID
	}
	return p.Nodes[int(p.Sequence[2*hop-1])].ID
}

// asList converts a PackStream value read at value position into a
// []any, or fails with a Protocol error if it isn't one.
func asList(v any) ([]any, error) {
	l, ok := v.([]any)
	if !ok {
		return nil, driverrors.Protocolf("expected List value, got %T", v)
	}
	return l, nil
}

func asMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case *packstream.Map:
		out := make(map[string]any, m.Len())
		for i, k := range m.Keys {
			out[k] = m.Values[i]
		}
		return out, nil
	case map[string]any:
		return m, nil
	default:
		return nil, driverrors.Protocolf("expected Map value, got %T", v)
	}
}

func asInt64(v any) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, driverrors.Protocolf("expected Integer value, got %T", v)
	}
	return i, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", driverrors.Protocolf("expected String value, got %T", v)
	}
	return s, nil
}

func asStringList(v any) ([]string, error) {
	l, err := asList(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(l))
	for i, e := range l {
		s, err := asString(e)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func asInt64List(v any) ([]int64, error) {
	l, err := asList(v)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(l))
	for i, e := range l {
		n, err := asInt64(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// decodeValue walks a value produced by Unpacker.UnpackValue, resolving
// any *packstream.Struct (at any depth, inside Lists and Maps) into its
// domain type via decodeDomainStruct, and any *packstream.Map into a
// plain map[string]any. Scalars pass through unchanged. This is the
// dispatch RECORD fields go through so Node/Relationship/
// UnboundRelationship/Path values surface as Go domain types rather
// than raw packstream.Struct values.
func decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case *packstream.Struct:
		return decodeDomainStruct(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dv, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case *packstream.Map:
		out := make(map[string]any, t.Len())
		for i, k := range t.Keys {
			dv, err := decodeValue(t.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeDomainStruct converts a *packstream.Struct whose signature is
// one of {N, R, r, P} (field counts already validated by the Unpacker)
// into the corresponding Go domain type.
func decodeDomainStruct(s *packstream.Struct) (any, error) {
	switch s.Signature {
	case packstream.SignatureNode:
		id, err := asInt64(s.Fields[0])
		if err != nil {
			return nil, err
		}
		labels, err := asStringList(s.Fields[1])
		if err != nil {
			return nil, err
		}
		props, err := asMap(s.Fields[2])
		if err != nil {
			return nil, err
		}
		return Node{ID: id, Labels: labels, Properties: props}, nil

	case packstream.SignatureRelationship:
		id, err := asInt64(s.Fields[0])
		if err != nil {
			return nil, err
		}
		startID, err := asInt64(s.Fields[1])
		if err != nil {
			return nil, err
		}
		endID, err := asInt64(s.Fields[2])
		if err != nil {
			return nil, err
		}
		typ, err := asString(s.Fields[3])
		if err != nil {
			return nil, err
		}
		props, err := asMap(s.Fields[4])
		if err != nil {
			return nil, err
		}
		return Relationship{ID: id, StartID: startID, EndID: endID, Type: typ, Properties: props}, nil

	case packstream.SignatureUnboundRelationship:
		id, err := asInt64(s.Fields[0])
		if err != nil {
			return nil, err
		}
		typ, err := asString(s.Fields[1])
		if err != nil {
			return nil, err
		}
		props, err := asMap(s.Fields[2])
		if err != nil {
			return nil, err
		}
		return UnboundRelationship{ID: id, Type: typ, Properties: props}, nil

	case packstream.SignaturePath:
		nodeVals, err := asList(s.Fields[0])
		if err != nil {
			return nil, err
		}
		nodes := make([]Node, len(nodeVals))
		for i, nv := range nodeVals {
			ns, ok := nv.(*packstream.Struct)
			if !ok || ns.Signature != packstream.SignatureNode {
				return nil, driverrors.Protocolf("path node arena entry %d is not a Node struct", i)
			}
			dv, err := decodeDomainStruct(ns)
			if err != nil {
				return nil, err
			}
			nodes[i] = dv.(Node)
		}

		relVals, err := asList(s.Fields[1])
		if err != nil {
			return nil, err
		}
		rels := make([]UnboundRelationship, len(relVals))
		for i, rv := range relVals {
			rs, ok := rv.(*packstream.Struct)
			if !ok || rs.Signature != packstream.SignatureUnboundRelationship {
				return nil, driverrors.Protocolf("path relationship arena entry %d is not an UnboundRelationship struct", i)
			}
			dv, err := decodeDomainStruct(rs)
			if err != nil {
				return nil, err
			}
			rels[i] = dv.(UnboundRelationship)
		}

		seq, err := asInt64List(s.Fields[2])
		if err != nil {
			return nil, err
		}
		return Path{Nodes: nodes, Relationships: rels, Sequence: seq}, nil

	default:
		return nil, driverrors.Protocolf("unexpected domain struct signature 0x%02X", s.Signature)
	}
}

// encodeDomainStruct is the inverse of decodeDomainStruct, used when a
// domain value appears in outbound RUN parameters.
func encodeDomainStruct(v any) *packstream.Struct {
	switch t := v.(type) {
	case Node:
		labels := make([]any, len(t.Labels))
		for i, l := range t.Labels {
			labels[i] = l
		}
		return &packstream.Struct{Signature: packstream.SignatureNode, Fields: []any{t.ID, labels, propsMap(t.Properties)}}
	case Relationship:
		return &packstream.Struct{Signature: packstream.SignatureRelationship, Fields: []any{t.ID, t.StartID, t.EndID, t.Type, propsMap(t.Properties)}}
	case UnboundRelationship:
		return &packstream.Struct{Signature: packstream.SignatureUnboundRelationship, Fields: []any{t.ID, t.Type, propsMap(t.Properties)}}
	case Path:
		nodes := make([]any, len(t.Nodes))
		for i, n := range t.Nodes {
			nodes[i] = encodeDomainStruct(n)
		}
		rels := make([]any, len(t.Relationships))
		for i, r := range t.Relationships {
			rels[i] = encodeDomainStruct(r)
		}
		seq := make([]any, len(t.Sequence))
		for i, s := range t.Sequence {
			seq[i] = s
		}
		return &packstream.Struct{Signature: packstream.SignaturePath, Fields: []any{nodes, rels, seq}}
	default:
		return nil
	}
}

// encodeValue is decodeValue's inverse for outbound values: it walks v,
// converting any Node/Relationship/UnboundRelationship/Path — at any
// depth, inside slices and maps — into the *packstream.Struct the wire
// format carries them as via encodeDomainStruct. Other values pass
// through unchanged for Packer.Pack to handle directly.
func encodeValue(v any) any {
	switch t := v.(type) {
	case Node, Relationship, UnboundRelationship, Path:
		return encodeDomainStruct(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func propsMap(m map[string]any) *packstream.Map {
	pm := packstream.NewMap()
	for k, v := range m {
		pm.Set(k, encodeValue(v))
	}
	return pm
}
