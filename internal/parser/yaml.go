package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAML parses YAML definition documents. The definitions key holds either
// a list of maps with a key field or a map from key to body.
type YAML struct{}

type yamlDocument struct {
	Definitions yaml.Node `yaml:"definitions"`
}

func (YAML) Parse(resourceName string, content []byte) ([]Definition, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(bytes.NewReader(content))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &ParseError{Resource: resourceName, Message: "invalid YAML", Err: err}
	}

	var defs []Definition
	seen := make(map[string]bool)
	add := func(key string, raw map[string]any) error {
		if seen[key] {
			return &ParseError{Resource: resourceName, Message: fmt.Sprintf("duplicate definition key %q", key)}
		}
		seen[key] = true
		def, err := build(resourceName, key, raw)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	}

	switch doc.Definitions.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		var items []map[string]any
		if err := doc.Definitions.Decode(&items); err != nil {
			return nil, &ParseError{Resource: resourceName, Message: "definitions must be a list of maps", Err: err}
		}
		for _, item := range items {
			key, _ := item["key"].(string)
			if err := add(key, item); err != nil {
				return nil, err
			}
		}
	case yaml.MappingNode:
		// Decode pairwise to keep document order.
		nodes := doc.Definitions.Content
		for i := 0; i+1 < len(nodes); i += 2 {
			var body map[string]any
			if err := nodes[i+1].Decode(&body); err != nil {
				return nil, &ParseError{Resource: resourceName, Message: fmt.Sprintf("definition %q must be a map", nodes[i].Value), Err: err}
			}
			if body == nil {
				body = map[string]any{}
			}
			if err := add(nodes[i].Value, body); err != nil {
				return nil, err
			}
		}
	default:
		return nil, &ParseError{Resource: resourceName, Message: "definitions must be a list or a map"}
	}

	return defs, nil
}
