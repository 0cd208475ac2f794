package netconf

import (
	"slices"

	"gopkg.in/yaml.v3"
)

// documentMapping returns the root mapping node of a parsed document,
// or nil when the document is empty or not a mapping.
func documentMapping(root *yaml.Node) *yaml.Node {
	node := root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	return node
}

// keyIndex returns the position of key inside a mapping node's Content,
// or -1 when absent.
func keyIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// mappingValue returns the value node for key, resolving an alias to
// its anchored node.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil {
		return nil
	}
	i := keyIndex(m, key)
	if i < 0 {
		return nil
	}
	value := m.Content[i+1]
	if value.Kind == yaml.AliasNode && value.Alias != nil {
		value = value.Alias
	}
	return value
}

// setMappingValue replaces the value for key, appending the pair when
// the key is absent.
func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	if i := keyIndex(m, key); i >= 0 {
		m.Content[i+1] = value
		return
	}
	m.Content = append(m.Content, scalarNode(key), value)
}

// moveKeyBefore reorders the mapping so key appears before other. The
// serializer needs the anchored block mapping emitted before the alias
// that references it.
func moveKeyBefore(m *yaml.Node, key, other string) {
	ki := keyIndex(m, key)
	oi := keyIndex(m, other)
	if ki < 0 || oi < 0 || ki < oi {
		return
	}
	pair := []*yaml.Node{m.Content[ki], m.Content[ki+1]}
	content := slices.Delete(slices.Clone(m.Content), ki, ki+2)
	oi = keyIndex(&yaml.Node{Content: content}, other)
	m.Content = slices.Insert(content, oi, pair...)
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func anyList(v any) []any {
	items, _ := v.([]any)
	return items
}

func stringItems(v any) []string {
	items := anyList(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
