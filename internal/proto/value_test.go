package proto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalValue_TypeDiscrimination(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Value
	}{
		{"string", `"hello"`, String("hello")},
		{"empty string", `""`, String("")},
		{"numeric-looking string stays string", `"42"`, String("42")},
		{"bool true", `true`, Bool(true)},
		{"bool false", `false`, Bool(false)},
		{"int", `42`, Int(42)},
		{"negative int", `-7`, Int(-7)},
		{"zero", `0`, Int(0)},
		{"double with fraction", `1.5`, Double(1.5)},
		{"double with exponent", `1e-3`, Double(0.001)},
		{"integral double stays double", `2.0`, Double(2.0)},
		{"negative double", `-0.25`, Double(-0.25)},
		{"int vector", `[1,2,3]`, IntVector{1, 2, 3}},
		{"empty vector", `[]`, IntVector{}},
		{"double vector", `[1.5,2.5]`, DoubleVector{1.5, 2.5}},
		{"mixed vector promotes to double", `[1,2.5,3]`, DoubleVector{1, 2.5, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalValue([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalValue_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"null", `null`},
		{"object", `{"a":1}`},
		{"string element in vector", `["a","b"]`},
		{"bool element in vector", `[true]`},
		{"null element in vector", `[1,null]`},
		{"nested vector", `[[1,2]]`},
		{"int overflow", `9223372036854775808`},
		{"empty input", ``},
		{"garbage", `@`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalValue([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestMarshalValue_DoublesKeepFraction(t *testing.T) {
	// An integral double must not collapse to an int literal on the wire,
	// or the peer would decode it back as a different kind.
	data, err := MarshalValue(Double(2.0))
	require.NoError(t, err)
	assert.Equal(t, "2.0", string(data))

	back, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.Equal(t, Double(2.0), back)

	data, err = MarshalValue(DoubleVector{2, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "[2.0,0.5]", string(data))

	back, err = UnmarshalValue(data)
	require.NoError(t, err)
	assert.Equal(t, DoubleVector{2, 0.5}, back)
}

func TestMarshalValue_ShortestRoundTrip(t *testing.T) {
	for _, f := range []float64{1.0000001, 1e-9, math.MaxFloat64, 0.1} {
		data, err := MarshalValue(Double(f))
		require.NoError(t, err)

		back, err := UnmarshalValue(data)
		require.NoError(t, err)
		assert.Equal(t, Double(f), back, "double %v must survive the wire exactly", f)
	}
}

func TestMarshalValue_RejectsNonFinite(t *testing.T) {
	_, err := MarshalValue(Double(math.NaN()))
	assert.Error(t, err)

	_, err = MarshalValue(Double(math.Inf(1)))
	assert.Error(t, err)

	_, err = MarshalValue(DoubleVector{1, math.Inf(-1)})
	assert.Error(t, err)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "int", Kind(Int(1)))
	assert.Equal(t, "double", Kind(Double(1)))
	assert.Equal(t, "string", Kind(String("")))
	assert.Equal(t, "bool", Kind(Bool(true)))
	assert.Equal(t, "int_vector", Kind(IntVector{}))
	assert.Equal(t, "double_vector", Kind(DoubleVector{}))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "42", FormatValue(Int(42)))
	assert.Equal(t, "1.5", FormatValue(Double(1.5)))
	assert.Equal(t, `"a b"`, FormatValue(String("a b")))
	assert.Equal(t, "true", FormatValue(Bool(true)))
	assert.Equal(t, "[1, 2]", FormatValue(IntVector{1, 2}))
	assert.Equal(t, "[0.5, 2]", FormatValue(DoubleVector{0.5, 2}))
}
