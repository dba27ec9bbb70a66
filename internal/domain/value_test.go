package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestValueOfConvertsGoValues(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	cases := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null()},
		{"bool", true, Bool(true)},
		{"int", 42, Int(42)},
		{"uint8", uint8(7), Int(7)},
		{"huge uint", uint64(math.MaxUint64), Float(float64(uint64(math.MaxUint64)))},
		{"float", 1.5, Float(1.5)},
		{"string", "x", String("x")},
		{"json integer", json.Number("12"), Int(12)},
		{"json float", json.Number("1.25"), Float(1.25)},
		{"time", at, String("2026-03-01T12:00:00.0000005Z")},
		{"duration", 1500 * time.Millisecond, Float(1.5)},
		{"error", errors.New("boom"), String("boom")},
		{"strings", []string{"a", "b"}, List(String("a"), String("b"))},
		{"nested", map[string]any{"n": 1, "l": []any{"a", false}}, Map(map[string]Value{
			"n": Int(1),
			"l": List(String("a"), Bool(false)),
		})},
		{"struct", struct{ A int }{A: 1}, String("{1}")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, ValueOf(tc.in)); diff != "" {
				t.Fatalf("ValueOf mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValueJSONNumbers(t *testing.T) {
	var attrs Attributes
	require.NoError(t, json.Unmarshal([]byte(`{"count": 3, "ratio": 0.5, "big": 1e3, "tags": ["a", 2], "meta": {"ok": true}, "none": null}`), &attrs))

	require.Equal(t, KindInt, attrs["count"].Kind())
	require.Equal(t, KindFloat, attrs["ratio"].Kind())
	require.Equal(t, KindFloat, attrs["big"].Kind())
	require.True(t, attrs["none"].IsNull())

	tags, ok := attrs["tags"].AsList()
	require.True(t, ok)
	require.True(t, tags[1].Equal(Int(2)))

	meta, ok := attrs["meta"].AsMap()
	require.True(t, ok)
	require.True(t, meta["ok"].Equal(Bool(true)))

	encoded, err := json.Marshal(attrs)
	require.NoError(t, err)
	require.JSONEq(t, `{"count": 3, "ratio": 0.5, "big": 1000, "tags": ["a", 2], "meta": {"ok": true}, "none": null}`, string(encoded))
}

func TestValueNonFiniteEncodesAsNull(t *testing.T) {
	encoded, err := json.Marshal(Float(math.Inf(1)))
	require.NoError(t, err)
	require.Equal(t, "null", string(encoded))
}

func TestValueCloneIsDeep(t *testing.T) {
	original := Map(map[string]Value{"list": List(Int(1))})
	clone := original.Clone()

	entries, _ := clone.AsMap()
	entries["list"] = String("changed")

	require.True(t, original.Equal(Map(map[string]Value{"list": List(Int(1))})))
}

func TestValueString(t *testing.T) {
	v := Map(map[string]Value{"b": Int(2), "a": List(Bool(true), Null())})
	require.Equal(t, "{a=[true, null], b=2}", v.String())
}

func TestAttributesHelpers(t *testing.T) {
	attrs := AttributesOf(map[string]any{"tool": "grep", "hits": 3})
	attrs.Merge(Attributes{"hits": Int(4), "done": Bool(true)})

	require.Equal(t, []string{"done", "hits", "tool"}, attrs.Keys())
	require.Equal(t, map[string]any{"tool": "grep", "hits": int64(4), "done": true}, attrs.Plain())

	var nilAttrs Attributes
	require.NotNil(t, nilAttrs.Clone())
	require.Empty(t, AttributesOf(nil))
}
