package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirementsKeepsInsertionOrder(t *testing.T) {
	r := NewRequirements().
		Set("zeta", "last-alpha").
		Set("alpha", 2.5).
		Set("categories", []string{"Education", "Arts"})

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"last-alpha","alpha":2.5,"categories":["Education","Arts"]}`, string(data))

	var back Requirements
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"zeta", "alpha", "categories"}, back.Keys())

	again, err := json.Marshal(&back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestRequirementsDropsEmptyValues(t *testing.T) {
	r := NewRequirements().Set("a", "").Set("b", nil).Set("c", []string{}).Set("d", "  ")
	assert.Equal(t, 0, r.Len())
}

func TestRequirementsTypedAccessors(t *testing.T) {
	r := NewRequirements().
		Set("assets", "$1,250,000").
		Set("awards", 4.0).
		Set("matching", "Yes").
		Set("list", []any{"a", "b"}).
		Set("mixed", []any{"a", 1.0})

	f, ok := r.Float("assets")
	require.True(t, ok)
	assert.Equal(t, 1250000.0, f)

	s, ok := r.String("awards")
	require.True(t, ok)
	assert.Equal(t, "4", s)

	b, ok := r.Bool("matching")
	require.True(t, ok)
	assert.True(t, b)

	list, ok := r.Strings("list")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, list)

	_, ok = r.Strings("mixed")
	assert.False(t, ok)

	_, ok = r.Float("missing")
	assert.False(t, ok)
}

func TestRequirementsNilSafe(t *testing.T) {
	var r *Requirements
	_, ok := r.Get("x")
	assert.False(t, ok)
	data, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
