package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateJSON_Valid(t *testing.T) {
	raw := `{"source":"crossref","analyzer":"funder-match","type":"funder","subject":"10.1234/abc"}`

	assert.NoError(t, ValidateJSON(raw))
}

func TestValidateJSON_NotAnObject(t *testing.T) {
	err := ValidateJSON(`[1,2,3]`)

	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestValidateJSON_NotJSON(t *testing.T) {
	err := ValidateJSON(`not json at all`)

	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestValidateJSON_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing source", `{"analyzer":"a","type":"t","subject":"s"}`},
		{"missing analyzer", `{"source":"s","type":"t","subject":"s"}`},
		{"missing type", `{"source":"s","analyzer":"a","subject":"s"}`},
		{"missing subject", `{"source":"s","analyzer":"a","type":"t"}`},
		{"empty source", `{"source":"","analyzer":"a","type":"t","subject":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJSON(tt.raw)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}
