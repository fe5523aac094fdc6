// Package model defines the element trees delivered by the language
// runtime: the AST produced by parse and the runtime-state tree produced
// by getRuntimeState. Elements are addressed by id, indexed by source
// position and by type, and projected into IDE variables.
package model

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Element is a node of the AST or of the runtime-state tree.
//
// Children hold containment (each element has exactly one containment
// parent except the root); Refs hold non-owning cross-references by id.
// Types is non-empty and carries all the polymorphism used by breakpoint
// rules and type queries.
type Element struct {
	ID         string               `json:"id"`
	Types      []string             `json:"types"`
	Children   map[string]ChildSlot `json:"children,omitempty"`
	Refs       map[string]RefSlot   `json:"refs,omitempty"`
	Attributes map[string]any       `json:"attributes,omitempty"`
	Location   *Location            `json:"location,omitempty"`
	Label      string               `json:"label,omitempty"`
}

// HasType reports whether t is one of the element's type tags.
func (e *Element) HasType(t string) bool {
	for _, et := range e.Types {
		if et == t {
			return true
		}
	}
	return false
}

// ChildSlot is a containment value: either a single element or an
// ordered sequence of elements. The wire format does not tag the two
// shapes, so the distinction is recovered from the JSON form and kept
// explicit here.
type ChildSlot struct {
	One      *Element
	Many     []*Element
	Sequence bool
}

// UnmarshalJSON decodes either an element object or an array of them.
func (s *ChildSlot) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty child value")
	}
	if trimmed[0] == '[' {
		s.Sequence = true
		return json.Unmarshal(trimmed, &s.Many)
	}
	s.One = &Element{}
	return json.Unmarshal(trimmed, s.One)
}

// MarshalJSON encodes the slot in its original wire shape.
func (s ChildSlot) MarshalJSON() ([]byte, error) {
	if s.Sequence {
		return json.Marshal(s.Many)
	}
	return json.Marshal(s.One)
}

// Elements returns the contained elements regardless of shape.
func (s ChildSlot) Elements() []*Element {
	if s.Sequence {
		return s.Many
	}
	if s.One == nil {
		return nil
	}
	return []*Element{s.One}
}

// RefSlot is a cross-reference value: a single id or an ordered
// sequence of ids.
type RefSlot struct {
	One      string
	Many     []string
	Sequence bool
}

// UnmarshalJSON decodes either an id string or an array of id strings.
func (s *RefSlot) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty ref value")
	}
	if trimmed[0] == '[' {
		s.Sequence = true
		return json.Unmarshal(trimmed, &s.Many)
	}
	return json.Unmarshal(trimmed, &s.One)
}

// MarshalJSON encodes the slot in its original wire shape.
func (s RefSlot) MarshalJSON() ([]byte, error) {
	if s.Sequence {
		return json.Marshal(s.Many)
	}
	return json.Marshal(s.One)
}

// Walk visits root and every element reachable through containment, in
// depth-first order. Child fields are visited in sorted name order so
// traversal is deterministic. If fn returns false for an element, that
// element's descendants are skipped; its siblings are still visited.
func Walk(root *Element, fn func(*Element) bool) {
	if root == nil {
		return
	}
	if !fn(root) {
		return
	}
	for _, name := range sortedKeys(root.Children) {
		for _, child := range root.Children[name].Elements() {
			Walk(child, fn)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IndexByID builds an id lookup table over root's containment tree.
func IndexByID(root *Element) map[string]*Element {
	index := make(map[string]*Element)
	Walk(root, func(e *Element) bool {
		index[e.ID] = e
		return true
	})
	return index
}
