package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// scanJSON decodes a JSONB column into target, tolerating NULL.
func scanJSON(src, target interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	default:
		return fmt.Errorf("store: cannot scan %T into JSON value", src)
	}
}

// StringList is a []string stored as a JSONB column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	*l = nil
	return scanJSON(src, (*[]string)(l))
}

// IntList is a []int stored as a JSONB column.
type IntList []int

// Value implements driver.Valuer.
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(l))
}

// Scan implements sql.Scanner.
func (l *IntList) Scan(src interface{}) error {
	*l = nil
	return scanJSON(src, (*[]int)(l))
}

// VSCodeJSON wraps VSCodeInfo for JSONB storage.
type VSCodeJSON VSCodeInfo

// Value implements driver.Valuer.
func (v *VSCodeJSON) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal((*VSCodeInfo)(v))
}

// Scan implements sql.Scanner.
func (v *VSCodeJSON) Scan(src interface{}) error {
	return scanJSON(src, (*VSCodeInfo)(v))
}

// Info returns the plain view, nil-safe.
func (v *VSCodeJSON) Info() *VSCodeInfo {
	if v == nil {
		return nil
	}
	info := VSCodeInfo(*v)
	return &info
}

// NetworkingJSON is the task run's port mirror stored as JSONB.
type NetworkingJSON []PortService

// Value implements driver.Valuer.
func (n NetworkingJSON) Value() (driver.Value, error) {
	if n == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]PortService(n))
}

// Scan implements sql.Scanner.
func (n *NetworkingJSON) Scan(src interface{}) error {
	*n = nil
	return scanJSON(src, (*[]PortService)(n))
}
