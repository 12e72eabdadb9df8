package parser

import (
	"bytes"
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// CUE parses CUE definition documents. Definitions live under a top-level
// definitions struct keyed by definition key:
//
//	definitions: invoice: {
//		name:  "Invoice approval"
//		retry: "R3/PT5M"
//	}
type CUE struct{}

func (CUE) Parse(resourceName string, content []byte) ([]Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(content, cue.Filename(resourceName))
	if err := v.Err(); err != nil {
		return nil, &ParseError{Resource: resourceName, Message: "invalid CUE", Err: err}
	}

	defsVal := v.LookupPath(cue.ParsePath("definitions"))
	if !defsVal.Exists() {
		return nil, nil
	}
	if err := defsVal.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Resource: resourceName, Message: "definitions must be concrete", Err: err}
	}

	iter, err := defsVal.Fields()
	if err != nil {
		return nil, &ParseError{Resource: resourceName, Message: "definitions must be a struct", Err: err}
	}

	var defs []Definition
	for iter.Next() {
		key := iter.Label()
		body, err := decodeCUE(iter.Value())
		if err != nil {
			return nil, &ParseError{Resource: resourceName, Message: fmt.Sprintf("definition %q", key), Err: err}
		}
		def, err := build(resourceName, key, body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeCUE exports a concrete struct through JSON so numbers keep their
// integer or decimal form.
func decodeCUE(v cue.Value) (map[string]any, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("body must be a struct")
	}
	return body, nil
}
