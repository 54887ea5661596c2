package jobs

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is an opaque JSON document stored in a jsonb column. Scan copies the
// driver buffer, so values stay valid after the row is released.
type JSON []byte

// MustJSON marshals v and panics on failure; intended for literals in callers
// and tests
func MustJSON(v any) JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("jobs: marshal JSON: %v", err))
	}
	return JSON(b)
}

// Scan implements sql.Scanner
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("jobs: cannot scan %T into JSON", src)
	}
	return nil
}

// Value implements driver.Valuer
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON emits the document as-is, or null when empty
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores a copy of the raw document
func (j *JSON) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*j = nil
		return nil
	}
	*j = append(JSON(nil), data...)
	return nil
}

// Valid reports whether the document is empty or well-formed JSON
func (j JSON) Valid() bool {
	return len(j) == 0 || json.Valid(j)
}

// Decode unmarshals the document into v; an empty document leaves v untouched
func (j JSON) Decode(v any) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, v)
}
