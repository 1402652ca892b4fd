package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func posInf() float64 { return math.Inf(1) }

func TestValueSealed(t *testing.T) {
	values := []Value{Null{}, Bool(true), Int(1), Float(1.5), String("s"), Array{}, Object{}}
	for _, v := range values {
		assert.NotNil(t, v)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Value
	}{
		{"null", `null`, Null{}},
		{"int", `42`, Int(42)},
		{"big int", `9007199254740993`, Int(9007199254740993)},
		{"float", `1.25`, Float(1.25)},
		{"exponent integral", `1e3`, Int(1000)},
		{"string", `"x"`, String("x")},
		{"array", `[1,true,null]`, Array{Int(1), Bool(true), Null{}}},
		{"object", `{"count":0,"tags":["a"]}`, Object{"count": Int(0), "tags": Array{String("a")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{} {}`))
	require.Error(t, err)
}

func TestParseRejectsOutOfRangeInt(t *testing.T) {
	_, err := Parse([]byte(`99999999999999999999`))
	require.Error(t, err)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := NewObject(O("count", Int(5)), O("name", String("cart")), O("nested", Object{"ok": Bool(true)}))
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"count":5,"name":"cart","nested":{"ok":true}}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestObjectUnmarshalRejectsNonObject(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`[1]`), &obj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSON object")
}

func TestFromAnyAndToAny(t *testing.T) {
	in := map[string]any{"a": 1, "b": 2.0, "c": 2.5, "d": nil, "e": []any{"x"}}
	v, err := FromAny(in)
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Int(1), "b": Int(2), "c": Float(2.5), "d": Null{}, "e": Array{String("x")}}, v)

	out := ToAny(v).(map[string]any)
	assert.Equal(t, int64(1), out["a"])
	assert.Equal(t, 2.5, out["c"])
	assert.Nil(t, out["d"])
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	require.Error(t, err)
	_, err = FromAny(math.NaN())
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Int(2), Float(2)))
	assert.True(t, Equal(Object{"a": Array{Int(1)}}, Object{"a": Array{Int(1)}}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"a": Int(2)}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.False(t, Equal(String("1"), Int(1)))
	assert.False(t, Equal(Array{Int(1)}, Array{Int(1), Int(2)}))
}

func TestSortedKeysUTF16Order(t *testing.T) {
	obj := Object{"b": Null{}, "a": Null{}, "\U0001F600": Null{}, "\uE000": Null{}}
	assert.Equal(t, []string{"a", "b", "\U0001F600", "\uE000"}, obj.SortedKeys())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "null", KindOf(nil))
	assert.Equal(t, "object", KindOf(Object{}))
	assert.Equal(t, "float", KindOf(Float(1)))
}
