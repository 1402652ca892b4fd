package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool", Bool(true), "true"},
		{"null", Null{}, "null"},
		{"nil", nil, "null"},
		{"float", Float(1.5), "1.5"},
		{"small float", Float(1e-7), "1e-7"},
		{"large float", Float(1e21), "1e+21"},
		{"negative float", Float(-0.25), "-0.25"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array", Array{Int(1), String("a"), Null{}}, `[1,"a",null]`},
		{"object", Object{"a": Int(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{"zebra": Int(1), "apple": Int(2), "mango": Object{"b": Int(1), "a": Int(2)}}
	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"apple":2,"mango":{"a":2,"b":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-8 but before it in UTF-16
	// (the emoji encodes as the surrogate 0xD83D).
	obj := Object{"\U0001F600": Int(1), "\uE000": Int(2)}
	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uE000\":2}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(String("<a href=\"x\">&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href=\"x\">&</a>"`, string(result))
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"line\nbreak", `"line\nbreak"`},
		{"tab\there", `"tab\there"`},
		{`back\slash`, `"back\\slash"`},
		{"\x01", `"\u0001"`},
		{"\u2028", "\"\u2028\""},
	}
	for _, tt := range tests {
		result, err := MarshalCanonical(String(tt.input))
		require.NoError(t, err)
		assert.Equal(t, tt.expected, string(result))
	}
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"
	a, err := MarshalCanonical(String(decomposed))
	require.NoError(t, err)
	b, err := MarshalCanonical(String(composed))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(Object{"x": Float(posInf())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
}

func TestMarshalCanonicalWithGoTypes(t *testing.T) {
	result, err := MarshalCanonical(map[string]any{"b": []any{int64(1), "x"}, "a": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"b":[1,"x"]}`, string(result))
}

func TestMarshalCanonicalUnsupportedType(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	require.Error(t, err)
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	obj := Object{"n": Int(5), "s": String("x"), "l": Array{Bool(false), Float(2.5)}}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	parsed, err := Parse(first)
	require.NoError(t, err)
	second, err := MarshalCanonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
