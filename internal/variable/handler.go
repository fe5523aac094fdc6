// Package variable projects the AST and runtime-state trees into the
// flat reference table consumed by the IDE's variables request. Handle 1
// permanently designates the AST root and handle 2 the runtime-state
// root; other handles are minted monotonically from 3 and stay stable
// until the table is invalidated by an atomic step or a runtime-state
// update.
package variable

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dshills/protodap/internal/model"
)

// Fixed references handed to the IDE in the scopes response.
const (
	ASTReference          = 1
	RuntimeStateReference = 2
)

// Variable is one row of a variables response. Reference is zero for
// leaf values and a table handle for expandable ones.
type Variable struct {
	Name      string
	Value     string
	Reference int
}

// ErrUnknownReference is returned for handles not present in the table,
// typically because the IDE raced an invalidation.
var ErrUnknownReference = errors.New("unknown variables reference")

type entryKind int

const (
	kindElement entryKind = iota
	kindChildSeq
	kindRefSeq
)

type entry struct {
	kind     entryKind
	elem     *model.Element
	children []*model.Element
	refs     []string
}

// Handler owns the reference table and the id indexes used to resolve
// cross-references.
type Handler struct {
	astRoot  *model.Element
	astIndex map[string]*model.Element

	runtimeRoot  *model.Element
	runtimeIndex map[string]*model.Element
	runtimeSet   bool

	entries map[int]entry
	byKey   map[string]int
	next    int
}

// NewHandler builds a handler over the parsed AST and seeds the table
// with the AST root at handle 1.
func NewHandler(astRoot *model.Element) *Handler {
	h := &Handler{
		astRoot:  astRoot,
		astIndex: model.IndexByID(astRoot),
	}
	h.reset()
	return h
}

func (h *Handler) reset() {
	h.entries = make(map[int]entry)
	h.byKey = make(map[string]int)
	h.next = RuntimeStateReference + 1
	h.entries[ASTReference] = entry{kind: kindElement, elem: h.astRoot}
	h.byKey["elem/"+h.astRoot.ID] = ASTReference
	if h.runtimeSet && h.runtimeRoot != nil {
		h.entries[RuntimeStateReference] = entry{kind: kindElement, elem: h.runtimeRoot}
		h.byKey["elem/"+h.runtimeRoot.ID] = RuntimeStateReference
	}
}

// InvalidateRuntime drops the runtime-state tree and clears the table,
// re-seeding only the AST root. Called after every atomic step.
func (h *Handler) InvalidateRuntime() {
	h.runtimeRoot = nil
	h.runtimeIndex = nil
	h.runtimeSet = false
	h.reset()
}

// UpdateRuntime replaces the runtime-state tree and clears the table,
// re-seeding both roots.
func (h *Handler) UpdateRuntime(root *model.Element) {
	h.runtimeRoot = root
	h.runtimeIndex = model.IndexByID(root)
	h.runtimeSet = true
	h.reset()
}

// RuntimeLoaded reports whether a runtime-state tree is currently
// installed; when false, handle 2 does not resolve and the session must
// fetch fresh state before answering a runtime-scope request.
func (h *Handler) RuntimeLoaded() bool {
	return h.runtimeSet
}

// Variables returns the children of the object behind the handle.
func (h *Handler) Variables(ref int) ([]Variable, error) {
	e, ok := h.entries[ref]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownReference, "%d", ref)
	}
	switch e.kind {
	case kindElement:
		return h.elementVariables(e.elem), nil
	case kindChildSeq:
		vars := make([]Variable, 0, len(e.children))
		for i, child := range e.children {
			vars = append(vars, h.objectVariable(strconv.Itoa(i), child))
		}
		return vars, nil
	case kindRefSeq:
		vars := make([]Variable, 0, len(e.refs))
		for i, id := range e.refs {
			vars = append(vars, h.referenceVariable(strconv.Itoa(i), id))
		}
		return vars, nil
	}
	return nil, errors.Wrapf(ErrUnknownReference, "%d", ref)
}

// elementVariables renders one variable per attribute, then per ref,
// then per child, each group in sorted field order.
func (h *Handler) elementVariables(elem *model.Element) []Variable {
	var vars []Variable
	for _, name := range sortedKeys(elem.Attributes) {
		vars = append(vars, Variable{Name: name, Value: jsonValue(elem.Attributes[name])})
	}
	for _, name := range sortedKeys(elem.Refs) {
		slot := elem.Refs[name]
		if slot.Sequence {
			ref := 0
			if len(slot.Many) > 0 {
				ref = h.refSeqHandle(elem.ID, name, slot.Many)
			}
			vars = append(vars, Variable{
				Name:      name,
				Value:     fmt.Sprintf("Array[%d]", len(slot.Many)),
				Reference: ref,
			})
			continue
		}
		vars = append(vars, h.referenceVariable(name, slot.One))
	}
	for _, name := range sortedKeys(elem.Children) {
		slot := elem.Children[name]
		if slot.Sequence {
			ref := 0
			if len(slot.Many) > 0 {
				ref = h.childSeqHandle(elem.ID, name, slot.Many)
			}
			vars = append(vars, Variable{
				Name:      name,
				Value:     fmt.Sprintf("Array[%d]", len(slot.Many)),
				Reference: ref,
			})
			continue
		}
		vars = append(vars, h.objectVariable(name, slot.One))
	}
	return vars
}

// objectVariable renders a contained element (or nil) with the generic
// object rules.
func (h *Handler) objectVariable(name string, elem *model.Element) Variable {
	if elem == nil {
		return Variable{Name: name, Value: "null"}
	}
	return Variable{Name: name, Value: typeLabel(elem), Reference: h.elementHandle(elem)}
}

// referenceVariable resolves an id through the AST index, then the
// runtime-state index, and renders the referenced element. An id that
// resolves nowhere degrades to a leaf carrying the raw id.
func (h *Handler) referenceVariable(name, id string) Variable {
	elem := h.astIndex[id]
	if elem == nil {
		elem = h.runtimeIndex[id]
	}
	if elem == nil {
		return Variable{Name: name, Value: id}
	}
	return Variable{Name: name, Value: typeLabel(elem), Reference: h.elementHandle(elem)}
}

func (h *Handler) elementHandle(elem *model.Element) int {
	return h.handle("elem/"+elem.ID, entry{kind: kindElement, elem: elem})
}

func (h *Handler) childSeqHandle(ownerID, field string, children []*model.Element) int {
	return h.handle("children/"+ownerID+"/"+field, entry{kind: kindChildSeq, children: children})
}

func (h *Handler) refSeqHandle(ownerID, field string, refs []string) int {
	return h.handle("refs/"+ownerID+"/"+field, entry{kind: kindRefSeq, refs: refs})
}

// handle memoizes: the same object maps to the same handle until the
// next invalidation.
func (h *Handler) handle(key string, e entry) int {
	if ref, ok := h.byKey[key]; ok {
		return ref
	}
	ref := h.next
	h.next++
	h.entries[ref] = e
	h.byKey[key] = ref
	return ref
}

func typeLabel(elem *model.Element) string {
	return "[" + strings.Join(elem.Types, ", ") + "]"
}

func jsonValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
