// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringSlice is a JSON-encoded []string column (labels, selected groups).
type StringSlice []string

// Scan implements the sql.Scanner interface
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = []string{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("cannot scan StringSlice from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Contains reports whether the slice holds the given element.
func (s StringSlice) Contains(value string) bool {
	for _, item := range s {
		if item == value {
			return true
		}
	}
	return false
}

// JSONMap is a JSON-encoded map column (settings, extra data, details).
type JSONMap map[string]any

// Scan implements the sql.Scanner interface
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan JSONMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// MapSlice is a JSON-encoded list of objects column (vulnerability records).
type MapSlice []map[string]any

// Scan implements the sql.Scanner interface
func (m *MapSlice) Scan(value any) error {
	if value == nil {
		*m = MapSlice{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan MapSlice from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m MapSlice) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}
