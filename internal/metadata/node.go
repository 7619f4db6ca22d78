package metadata

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// decodeNode parses a stored document into its top level mapping. Empty or
// null documents give an empty mapping.
func decodeNode(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 && doc.Content[0].Kind == yaml.MappingNode {
		root := doc.Content[0]
		if len(root.Content) == 0 {
			root.Style = 0
		}
		return root, nil
	}
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
}

func encodeNode(v any) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &node, nil
}

func renderNode(node *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// mergeNode applies the change from before to after, both encoded from
// typed entries, onto raw, the node as stored. Keys raw has that the entry
// types do not carry are kept, as are unchanged values such as nulls.
func mergeNode(raw, before, after *yaml.Node) *yaml.Node {
	if raw == nil || before == nil || raw.Kind != yaml.MappingNode ||
		before.Kind != yaml.MappingNode || after.Kind != yaml.MappingNode {
		return after
	}

	for i := 0; i+1 < len(after.Content); i += 2 {
		key, value := after.Content[i], after.Content[i+1]
		old := mappingValue(before, key.Value)
		if old != nil && nodeEqual(old, value) {
			continue
		}
		if j := mappingIndex(raw, key.Value); j >= 0 {
			raw.Content[j+1] = mergeNode(raw.Content[j+1], old, value)
			continue
		}
		insertKey(raw, key, value)
	}

	for i := 0; i+1 < len(before.Content); i += 2 {
		if key := before.Content[i].Value; mappingValue(after, key) == nil {
			removeKey(raw, key)
		}
	}
	return raw
}

func mappingIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if i := mappingIndex(m, key); i >= 0 {
		return m.Content[i+1]
	}
	return nil
}

// insertKey adds key before the first existing key sorting after it.
func insertKey(m *yaml.Node, key, value *yaml.Node) {
	at := len(m.Content)
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value > key.Value {
			at = i
			break
		}
	}
	m.Content = append(m.Content[:at], append([]*yaml.Node{key, value}, m.Content[at:]...)...)
}

func removeKey(m *yaml.Node, key string) {
	if i := mappingIndex(m, key); i >= 0 {
		m.Content = append(m.Content[:i], m.Content[i+2:]...)
	}
}

func nodeEqual(a, b *yaml.Node) bool {
	if a.Kind != b.Kind || a.Tag != b.Tag || a.Value != b.Value || len(a.Content) != len(b.Content) {
		return false
	}
	for i := range a.Content {
		if !nodeEqual(a.Content[i], b.Content[i]) {
			return false
		}
	}
	return true
}
