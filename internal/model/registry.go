package model

// TypeRegistry indexes the AST and the runtime-state tree by type tag.
// An element with several types is registered under each of them.
type TypeRegistry struct {
	ast     map[string][]*Element
	runtime map[string][]*Element
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		ast:     make(map[string][]*Element),
		runtime: make(map[string][]*Element),
	}
}

// RegisterAST indexes the AST tree. Any previous AST index is replaced.
func (r *TypeRegistry) RegisterAST(root *Element) {
	r.ast = index(root)
}

// SetRuntime indexes the runtime-state tree, replacing the previous
// runtime index. A nil root clears it.
func (r *TypeRegistry) SetRuntime(root *Element) {
	r.runtime = index(root)
}

func index(root *Element) map[string][]*Element {
	m := make(map[string][]*Element)
	Walk(root, func(e *Element) bool {
		for _, t := range e.Types {
			m[t] = append(m[t], e)
		}
		return true
	})
	return m
}

// ByType returns all elements registered under the given type, AST
// elements first, then runtime-state elements.
func (r *TypeRegistry) ByType(t string) []*Element {
	out := make([]*Element, 0, len(r.ast[t])+len(r.runtime[t]))
	out = append(out, r.ast[t]...)
	out = append(out, r.runtime[t]...)
	return out
}
