package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText normalizes whitespace and drops invalid UTF-8.
func cleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return normalizeSpace(s)
}

// firstNonEmpty returns the first argument that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// splitList splits a separated cell ("Education, Arts; Health") into trimmed unique items.
func splitList(block string, seps string) []string {
	fields := strings.FieldsFunc(block, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	return mergeUniqueFold(nil, fields)
}

func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}

	return dst
}

// looseString decodes a JSON string or number into text. Upstream APIs are
// inconsistent about ids (ProPublica EINs, Grants.gov opportunity ids).
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(string(data))
	return nil
}

func (s looseString) String() string {
	return string(s)
}

// looseFloat decodes numbers, numeric strings ("$1,500"), or null.
// Unparsable strings decode to zero instead of failing the whole payload.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	*f = looseFloat(parseNumber(raw))
	return nil
}

func (f looseFloat) Float64() float64 {
	return float64(f)
}

// parseNumber strips currency symbols and separators and parses the rest, 0 on failure.
func parseNumber(s string) float64 {
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return 0
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return v
}

// passErrors collects failures across the independent requests of one fetch
// (one per keyword or program code). A fetch only fails when every pass failed.
type passErrors struct {
	attempted int
	errs      []error
}

func (p *passErrors) record(label string, err error) {
	p.attempted++
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", label, err))
	}
}

func (p *passErrors) err(source string) error {
	if p.attempted == 0 || len(p.errs) < p.attempted {
		return nil
	}
	return fmt.Errorf("%s: all %d requests failed: %w", source, p.attempted, errors.Join(p.errs...))
}
