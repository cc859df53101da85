package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ParamsValidator = (*SchemaValidator)(nil)

// SchemaValidator validates params with gojsonschema, compiling each distinct
// schema once.
type SchemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*gojsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*gojsonschema.Schema)}
}

// Validate checks params against schema. An empty schema accepts anything.
func (v *SchemaValidator) Validate(schema []byte, params json.RawMessage) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	s, err := v.schema(schema)
	if err != nil {
		return nil, err
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		// Params that are not JSON at all.
		return []string{"params: " + err.Error()}, nil
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.Field()+": "+e.Description())
	}
	return violations, nil
}

func (v *SchemaValidator) schema(raw []byte) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := string(raw)
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling params schema: %w", err)
	}
	v.compiled[key] = s
	return s, nil
}
