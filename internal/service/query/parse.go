package query

import (
	"bytes"
	"encoding/json"

	"go.yaml.in/yaml/v4"

	"mdquery/internal/domain"
)

// ParseQuery decodes a query written as JSON or YAML. Unknown fields are
// rejected.
func ParseQuery(data []byte) (*domain.QueryDto, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, domain.ErrValidation("empty query")
	}
	if !json.Valid(data) {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, domain.ErrValidation("parse query: %v", err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, domain.ErrValidation("parse query: %v", err)
		}
		data = out
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var dto domain.QueryDto
	if err := dec.Decode(&dto); err != nil {
		return nil, domain.ErrValidation("parse query: %v", err)
	}
	return &dto, nil
}
