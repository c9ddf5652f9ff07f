package uiauto

import "strings"

// Selector is a declarative description of an on-screen element, matched
// against the device's current UI hierarchy. Empty fields are wildcards; all
// set fields must match.
type Selector struct {
	Class string

	Text           string
	TextContains   string
	TextStartsWith string

	Desc           string
	DescContains   string
	DescStartsWith string

	ResourceID         string
	ResourceIDContains string
}

// AnySelector matches when any of its alternatives matches, covering the
// "A or B" predicates app UI variants require.
type AnySelector []Selector

func (s Selector) matches(n *Node) bool {
	if s.Class != "" && n.Class != s.Class {
		return false
	}
	if s.Text != "" && n.Text != s.Text {
		return false
	}
	if s.TextContains != "" && !strings.Contains(n.Text, s.TextContains) {
		return false
	}
	if s.TextStartsWith != "" && !strings.HasPrefix(n.Text, s.TextStartsWith) {
		return false
	}
	if s.Desc != "" && n.Desc != s.Desc {
		return false
	}
	if s.DescContains != "" && !strings.Contains(n.Desc, s.DescContains) {
		return false
	}
	if s.DescStartsWith != "" && !strings.HasPrefix(n.Desc, s.DescStartsWith) {
		return false
	}
	if s.ResourceID != "" && n.ResourceID != s.ResourceID {
		return false
	}
	if s.ResourceIDContains != "" && !strings.Contains(n.ResourceID, s.ResourceIDContains) {
		return false
	}
	return true
}

func (s AnySelector) matches(n *Node) bool {
	for _, alt := range s {
		if alt.matches(n) {
			return true
		}
	}
	return false
}

// Matcher is satisfied by Selector and AnySelector.
type Matcher interface {
	matches(n *Node) bool
}
