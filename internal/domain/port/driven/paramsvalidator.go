package driven

import "encoding/json"

// ParamsValidator checks operation params against a JSON Schema.
type ParamsValidator interface {
	// Validate returns one message per violation; an empty result means
	// params are valid. err is reserved for an unusable schema.
	Validate(schema []byte, params json.RawMessage) ([]string, error)
}
