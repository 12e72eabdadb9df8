// Package parser turns deployment resources into process definitions.
//
// Resources are dispatched by file extension: .yaml and .yml documents go
// to the YAML parser, .cue documents to the CUE parser. Resources with any
// other extension carry no definitions and are stored as plain blobs.
//
// Both formats describe the same shape, a map or list of definitions keyed
// by definition key:
//
//	definitions:
//	  - key: invoice
//	    name: Invoice approval
//	    retry: R3/PT5M
//	    steps: [review, pay]
//
// A definition's fingerprint hashes its canonical body, so reformatting a
// document does not create a new version.
package parser

import (
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/retry"
)

// Definition is one parsed definition.
type Definition struct {
	Key  string
	Name string

	// Executable definitions are versioned and can own jobs. Others are
	// recorded only as resources.
	Executable bool

	// RetrySpec is the default retry specification for the definition's jobs.
	RetrySpec string

	Body        map[string]any
	Fingerprint string
}

// Parser parses one resource.
type Parser interface {
	Parse(resourceName string, content []byte) ([]Definition, error)
}

// ParseError reports a malformed resource.
type ParseError struct {
	Resource string
	Message  string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Resource, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry dispatches resources to parsers by extension.
type Registry struct {
	byExt map[string]Parser
}

// NewRegistry returns a registry with the YAML and CUE parsers installed.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.Register(".yaml", YAML{})
	r.Register(".yml", YAML{})
	r.Register(".cue", CUE{})
	return r
}

// Register installs p for an extension such as ".json".
func (r *Registry) Register(ext string, p Parser) {
	r.byExt[strings.ToLower(ext)] = p
}

// Parse parses a resource. Resources without a registered parser yield no
// definitions and no error.
func (r *Registry) Parse(resourceName string, content []byte) ([]Definition, error) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(resourceName))]
	if !ok {
		return nil, nil
	}
	return p.Parse(resourceName, content)
}

// build validates one raw definition body and computes its fingerprint.
func build(resource, key string, raw map[string]any) (Definition, error) {
	if key == "" {
		return Definition{}, &ParseError{Resource: resource, Message: "definition without key"}
	}

	body, ok := normalize(raw).(map[string]any)
	if !ok {
		return Definition{}, &ParseError{Resource: resource, Message: fmt.Sprintf("definition %q is not a map", key)}
	}
	delete(body, "key")

	def := Definition{Key: key, Name: key, Executable: true, Body: body}
	if v, ok := body["name"]; ok {
		s, ok := v.(string)
		if !ok {
			return Definition{}, &ParseError{Resource: resource, Message: fmt.Sprintf("definition %q: name must be a string", key)}
		}
		def.Name = s
	}
	if v, ok := body["executable"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Definition{}, &ParseError{Resource: resource, Message: fmt.Sprintf("definition %q: executable must be a bool", key)}
		}
		def.Executable = b
	}
	if v, ok := body["retry"]; ok {
		s, ok := v.(string)
		if !ok {
			return Definition{}, &ParseError{Resource: resource, Message: fmt.Sprintf("definition %q: retry must be a string", key)}
		}
		if _, err := retry.Parse(s); err != nil {
			return Definition{}, &ParseError{Resource: resource, Message: fmt.Sprintf("definition %q: invalid retry", key), Err: err}
		}
		def.RetrySpec = s
	}

	fp, err := model.DefinitionFingerprint(key, body)
	if err != nil {
		return Definition{}, &ParseError{Resource: resource, Message: "fingerprint", Err: err}
	}
	def.Fingerprint = fp
	return def, nil
}

// normalize maps decoded document values onto the types canonical JSON
// accepts.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int:
		return int64(val)
	case uint64:
		return val
	case *big.Int:
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case nil, string, bool, int64, float64:
		return val
	default:
		return fmt.Sprint(val)
	}
}
