package uiauto

import (
	"encoding/xml"
	"fmt"
)

// Node is one element of the device UI hierarchy dump.
type Node struct {
	Class      string `xml:"class,attr"`
	Text       string `xml:"text,attr"`
	Desc       string `xml:"content-desc,attr"`
	ResourceID string `xml:"resource-id,attr"`
	BoundsRaw  string `xml:"bounds,attr"`
	Selected   bool   `xml:"selected,attr"`
	Children   []Node `xml:"node"`
}

type hierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []Node   `xml:"node"`
}

// Bounds is a screen rectangle in pixels.
type Bounds struct {
	Left, Top, Right, Bottom int
}

func (b Bounds) Width() int  { return b.Right - b.Left }
func (b Bounds) Height() int { return b.Bottom - b.Top }

// Bounds parses the node's bounds attribute ("[l,t][r,b]").
func (n *Node) Bounds() (Bounds, error) {
	var b Bounds
	if _, err := fmt.Sscanf(n.BoundsRaw, "[%d,%d][%d,%d]", &b.Left, &b.Top, &b.Right, &b.Bottom); err != nil {
		return Bounds{}, fmt.Errorf("parse bounds %q: %w", n.BoundsRaw, err)
	}
	return b, nil
}

func parseHierarchy(raw []byte) ([]Node, error) {
	var h hierarchy
	if err := xml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("parse hierarchy dump: %w", err)
	}
	return h.Nodes, nil
}

// walk visits every node depth-first, stopping when fn returns false. The
// return value reports whether the walk ran to completion, so a stop deep
// in one subtree also halts the traversal of later siblings.
func walk(nodes []Node, fn func(*Node) bool) bool {
	for i := range nodes {
		if !fn(&nodes[i]) {
			return false
		}
		if !walk(nodes[i].Children, fn) {
			return false
		}
	}
	return true
}

func findFirst(nodes []Node, m Matcher) *Node {
	var found *Node
	walk(nodes, func(n *Node) bool {
		if m.matches(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func findAll(nodes []Node, m Matcher) []*Node {
	var out []*Node
	walk(nodes, func(n *Node) bool {
		if m.matches(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}
