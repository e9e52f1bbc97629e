package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Matrix declares the instance grid for a job. Dimension keys map to
// value lists; include entries extend or append combinations; exclude
// entries remove them. Declaration order of dimensions is preserved
// because it drives default instance naming.
type Matrix struct {
	keys    []string
	dims    map[string][]string
	Include []map[string]string
	Exclude []map[string]string
}

// DimensionKeys returns the dimension names in declaration order.
func (m *Matrix) DimensionKeys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Dimension returns the declared values for one dimension key.
func (m *Matrix) Dimension(key string) []string {
	return m.dims[key]
}

// Empty reports whether the matrix declares nothing at all.
func (m *Matrix) Empty() bool {
	return len(m.keys) == 0 && len(m.Include) == 0
}

func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", value.Line)
	}
	m.dims = map[string][]string{}
	for i := 0; i < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "include":
			entries, err := decodeEntryList(val)
			if err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
			m.Include = entries
		case "exclude":
			entries, err := decodeEntryList(val)
			if err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
			m.Exclude = entries
		default:
			if _, dup := m.dims[key.Value]; dup {
				return fmt.Errorf("line %d: duplicate matrix dimension %q", key.Line, key.Value)
			}
			if val.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: matrix dimension %q must be a list", val.Line, key.Value)
			}
			values := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				v, err := scalarString(item)
				if err != nil {
					return fmt.Errorf("matrix dimension %q: %w", key.Value, err)
				}
				values = append(values, v)
			}
			m.keys = append(m.keys, key.Value)
			m.dims[key.Value] = values
		}
	}
	return nil
}

func decodeEntryList(n *yaml.Node) ([]map[string]string, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of mappings", n.Line)
	}
	out := make([]map[string]string, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: expected a mapping entry", item.Line)
		}
		entry := make(map[string]string, len(item.Content)/2)
		for i := 0; i < len(item.Content); i += 2 {
			key, val := item.Content[i], item.Content[i+1]
			v, err := scalarString(val)
			if err != nil {
				return nil, err
			}
			entry[key.Value] = v
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m Matrix) MarshalYAML() (interface{}, error) {
	out := yaml.Node{Kind: yaml.MappingNode}
	appendPair := func(key string, v interface{}) error {
		k := yaml.Node{Kind: yaml.ScalarNode, Value: key}
		var body yaml.Node
		if err := body.Encode(v); err != nil {
			return err
		}
		out.Content = append(out.Content, &k, &body)
		return nil
	}
	for _, key := range m.keys {
		if err := appendPair(key, m.dims[key]); err != nil {
			return nil, err
		}
	}
	if len(m.Include) > 0 {
		if err := appendPair("include", m.Include); err != nil {
			return nil, err
		}
	}
	if len(m.Exclude) > 0 {
		if err := appendPair("exclude", m.Exclude); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
