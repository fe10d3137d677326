package flow

// NodeID is an index into the flow arena's node table.
type NodeID int

// PortID is an index into the flow arena's port table.
type PortID int

// EdgeID is an index into the flow arena's edge table.
type EdgeID int

// None marks an absent arena reference.
const None = -1

// Direction describes how data moves through a port.
type Direction int

const (
	// Input ports receive values from incoming edges.
	Input Direction = iota
	// Output ports publish values to outgoing edges.
	Output
	// Passthrough ports both receive and publish.
	Passthrough
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	case Passthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Kind is the runtime type of a port value.
type Kind int

const (
	// KindString holds a UTF-8 string.
	KindString Kind = iota
	// KindNumber holds a float64.
	KindNumber
	// KindBoolean holds a bool.
	KindBoolean
	// KindObject holds a map keyed by property name.
	KindObject
	// KindArray holds an ordered list.
	KindArray
	// KindEnum holds one of a fixed set of string options.
	KindEnum
	// KindStream holds an ordered, closable sequence of items.
	KindStream
	// KindAny adopts the schema of a connected peer at runtime.
	KindAny
	// KindSecret holds an encrypted value decoded with the execution key pair.
	KindSecret
)

var kindNames = map[Kind]string{
	KindString:  "string",
	KindNumber:  "number",
	KindBoolean: "boolean",
	KindObject:  "object",
	KindArray:   "array",
	KindEnum:    "enum",
	KindStream:  "stream",
	KindAny:     "any",
	KindSecret:  "secret",
}

// String returns the kind name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// KindFromString parses a kind name. The second return is false for unknown names.
func KindFromString(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return KindAny, false
}

// Schema describes the shape of a port value.
//
// For KindArray, Item describes every element. For KindObject, Properties
// describes each named child. For KindEnum, Options lists the legal values.
// For KindStream, Item describes the streamed element. For KindAny,
// Underlying is nil while unbound and set once the port adopts a peer schema.
type Schema struct {
	Kind       Kind               `json:"kind"`
	Item       *Schema            `json:"item,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Options    []string           `json:"options,omitempty"`
	Underlying *Schema            `json:"underlying,omitempty"`
}

// Resolved returns the effective schema: for a bound any port the underlying
// schema, otherwise the schema itself.
func (s *Schema) Resolved() *Schema {
	if s.Kind == KindAny && s.Underlying != nil {
		return s.Underlying
	}
	return s
}

// Bound reports whether an any schema has adopted an underlying schema.
func (s *Schema) Bound() bool {
	return s.Kind != KindAny || s.Underlying != nil
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Kind: s.Kind}
	out.Item = s.Item.Clone()
	out.Underlying = s.Underlying.Clone()
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.Clone()
		}
	}
	if s.Options != nil {
		out.Options = append([]string(nil), s.Options...)
	}
	return out
}

// compatible reports whether a value produced under src may flow into dst.
// Unbound any ports accept anything; bound any ports use their underlying
// schema; a stream target accepts a producer whose resolved schema matches
// the stream's item schema or is itself an equivalent stream.
func compatible(src, dst *Schema) bool {
	src, dst = src.Resolved(), dst.Resolved()
	if src.Kind == KindAny || dst.Kind == KindAny {
		return true
	}
	if dst.Kind == KindStream {
		if src.Kind == KindStream {
			return itemCompatible(src.Item, dst.Item)
		}
		return itemCompatible(src, dst.Item)
	}
	return src.Kind == dst.Kind
}

func itemCompatible(src, dst *Schema) bool {
	if src == nil || dst == nil {
		return true
	}
	return compatible(src, dst)
}
