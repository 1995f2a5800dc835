package jobargs

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Entry is a single key/value pair of a Mapping.
type Entry struct {
	Key   string
	Value any
}

// Mapping is an insertion-ordered configuration tree. Values are scalars
// (string, bool, int, float64, nil), []any, or nested *Mapping.
type Mapping struct {
	entries []Entry
	index   map[string]int
}

// NewMapping returns an empty Mapping.
func NewMapping() *Mapping {
	return &Mapping{index: make(map[string]int)}
}

// Set stores value under key. Re-setting an existing key keeps its original position.
func (m *Mapping) Set(key string, value any) *Mapping {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = value
		return m
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: value})
	return m
}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the entries in insertion order. The slice must not be modified.
func (m *Mapping) Entries() []Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// MappingFromYAML converts a YAML mapping node into a Mapping, keeping
// document order. Document nodes are unwrapped and aliases are followed.
func MappingFromYAML(n *yaml.Node) (*Mapping, error) {
	n = ResolveNode(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping, got %s", KindName(n))
	}
	v, err := valueFromYAML(n, map[*yaml.Node]bool{})
	if err != nil {
		return nil, err
	}
	return v.(*Mapping), nil
}

// valueFromYAML converts n recursively. expanding holds the collection nodes
// on the current path, so an alias back into one of them is a cycle.
func valueFromYAML(n *yaml.Node, expanding map[*yaml.Node]bool) (any, error) {
	ref := n
	n = ResolveNode(n)
	if n == nil {
		return nil, nil
	}

	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		if expanding[n] {
			return nil, fmt.Errorf("line %d: alias *%s refers to itself", ref.Line, ref.Value)
		}
		expanding[n] = true
		defer delete(expanding, n)
	}

	switch n.Kind {
	case yaml.MappingNode:
		m := NewMapping()
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := ResolveNode(n.Content[i])
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
			}
			v, err := valueFromYAML(n.Content[i+1], expanding)
			if err != nil {
				return nil, err
			}
			m.Set(k.Value, v)
		}
		return m, nil

	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := valueFromYAML(c, expanding)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil

	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: decode scalar: %w", n.Line, err)
		}
		return v, nil
	}

	return nil, fmt.Errorf("line %d: unsupported node kind %s", n.Line, KindName(n))
}

// ResolveNode unwraps document nodes and follows aliases. It returns nil for an empty document.
func ResolveNode(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch n.Kind {
		case yaml.DocumentNode:
			if len(n.Content) == 0 {
				return nil
			}
			n = n.Content[0]
		case yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

// KindName describes a node kind for error messages.
func KindName(n *yaml.Node) string {
	if n == nil {
		return "nothing"
	}
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
