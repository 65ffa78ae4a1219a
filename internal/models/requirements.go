package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Requirements is the open, source-specific metadata bag attached to a grant.
// Keys keep insertion order so the stored JSON is stable between runs.
// The typed accessors are best effort: they convert where a sane conversion
// exists and report ok=false otherwise.
type Requirements struct {
	keys   []string
	values map[string]any
}

// NewRequirements returns an empty bag.
func NewRequirements() *Requirements {
	return &Requirements{values: map[string]any{}}
}

// Set stores v under key. Nil values and empty strings are dropped so that
// absent upstream fields do not show up as noise.
func (r *Requirements) Set(key string, v any) *Requirements {
	switch t := v.(type) {
	case nil:
		return r
	case string:
		if strings.TrimSpace(t) == "" {
			return r
		}
	case []string:
		if len(t) == 0 {
			return r
		}
	}
	if r.values == nil {
		r.values = map[string]any{}
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
	return r
}

func (r *Requirements) Get(key string) (any, bool) {
	if r == nil || r.values == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

func (r *Requirements) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Requirements) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// String returns the value as text. Numbers and booleans are formatted.
func (r *Requirements) String(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

// Float returns numeric values, parsing numeric strings like "$1,200".
func (r *Requirements) Float(key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(t)
		f, err := strconv.ParseFloat(clean, 64)
		return f, err == nil
	}
	return 0, false
}

// Bool accepts booleans and the usual yes/no spellings.
func (r *Requirements) Bool(key string) (bool, bool) {
	v, ok := r.Get(key)
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "y", "true", "1":
			return true, true
		case "no", "n", "false", "0":
			return false, true
		}
	}
	return false, false
}

// Strings returns list values. A single string becomes a one-element list.
func (r *Requirements) Strings(key string) ([]string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case string:
		return []string{t}, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, isString := item.(string)
			if !isString {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func (r *Requirements) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("requirements key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Requirements) UnmarshalJSON(data []byte) error {
	r.keys = nil
	r.values = map[string]any{}
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("requirements: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("requirements: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("requirements key %q: %w", key, err)
		}
		if _, exists := r.values[key]; !exists {
			r.keys = append(r.keys, key)
		}
		r.values[key] = v
	}
	_, err = dec.Token()
	return err
}
