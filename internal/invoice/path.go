package invoice

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Node is an attribute-preserving XML element.
type Node struct {
	Prefix   string
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Kind tags the shape a path lookup resolved to.
type Kind int

const (
	Missing Kind = iota
	Element
	Text
)

func (k Kind) String() string {
	switch k {
	case Element:
		return "element"
	case Text:
		return "text"
	default:
		return "missing"
	}
}

// Value is the result of a dotted-path lookup: an element with children, a
// leaf unwrapped to its text, or nothing.
type Value struct {
	kind Kind
	node *Node
	text string
}

// Kind returns the resolved shape.
func (v Value) Kind() Kind { return v.kind }

// Missing reports whether the path did not resolve.
func (v Value) Missing() bool { return v.kind == Missing }

// Node returns the resolved element, or nil when the path did not resolve.
func (v Value) Node() *Node { return v.node }

// String returns the scalar text of a leaf, or "" for elements and misses.
func (v Value) String() string {
	if v.kind != Text {
		return ""
	}
	return v.text
}

// Attr returns an attribute of the resolved element.
func (v Value) Attr(name string) string {
	if v.node == nil {
		return ""
	}
	return v.node.Attrs[name]
}

// Decimal parses the leaf text. Misses and empty leaves yield zero; ok is false
// only when text is present but is not a number.
func (v Value) Decimal() (d decimal.Decimal, ok bool) {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Lookup resolves a dotted path such as "cac:TaxTotal.cbc:TaxAmount" relative to n.
// Namespace prefixes in the path are ignored; elements match on local name so
// documents using other prefixes for the UBL namespaces still resolve. A final
// "@name" segment selects an attribute.
func (n *Node) Lookup(path string) Value {
	if n == nil {
		return Value{}
	}
	cur := n
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "@") {
			if i != len(segments)-1 {
				return Value{}
			}
			val, ok := cur.Attrs[seg[1:]]
			if !ok {
				return Value{}
			}
			return Value{kind: Text, node: cur, text: val}
		}
		cur = cur.Child(seg)
		if cur == nil {
			return Value{}
		}
	}
	if len(cur.Children) == 0 {
		return Value{kind: Text, node: cur, text: cur.Text}
	}
	return Value{kind: Element, node: cur}
}

// Child returns the first direct child whose local name matches name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	local := localName(name)
	for _, c := range n.Children {
		if c.Name == local {
			return c
		}
	}
	return nil
}

// All returns every direct child whose local name matches name.
func (n *Node) All(name string) []*Node {
	if n == nil {
		return nil
	}
	local := localName(name)
	var out []*Node
	for _, c := range n.Children {
		if c.Name == local {
			out = append(out, c)
		}
	}
	return out
}

// QualifiedName returns prefix:name as written in the source.
func (n *Node) QualifiedName() string {
	if n.Prefix == "" {
		return n.Name
	}
	return n.Prefix + ":" + n.Name
}

func localName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
