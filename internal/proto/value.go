package proto

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a sealed interface over the six comparable value kinds.
// Only Int, Double, String, Bool, IntVector, and DoubleVector implement it.
type Value interface {
	wireValue() // Sealed - only these types implement it
}

// Int is a 64-bit integer variable value.
type Int int64

func (Int) wireValue() {}

// Double is a 64-bit floating point variable value.
type Double float64

func (Double) wireValue() {}

// String is a string variable value.
type String string

func (String) wireValue() {}

// Bool is a boolean variable value.
type Bool bool

func (Bool) wireValue() {}

// IntVector is a vector of 64-bit integers.
type IntVector []int64

func (IntVector) wireValue() {}

// DoubleVector is a vector of 64-bit floating point numbers.
type DoubleVector []float64

func (DoubleVector) wireValue() {}

// Kind returns the wire name of a value's type, as used in diff reasons
// and trace output.
func Kind(v Value) string {
	switch v.(type) {
	case Int:
		return "int"
	case Double:
		return "double"
	case String:
		return "string"
	case Bool:
		return "bool"
	case IntVector:
		return "int_vector"
	case DoubleVector:
		return "double_vector"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// UnmarshalValue decodes one JSON value into the matching Value kind.
// The first byte selects the decode path; numbers are inspected for a
// fraction or exponent to split Int from Double. null and objects are
// rejected: they carry no comparable meaning across languages.
func UnmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return nil, fmt.Errorf("null is not a comparable value")

	case '{':
		return nil, fmt.Errorf("nested objects are not comparable values")

	case '[':
		return unmarshalVector(data)

	default:
		return unmarshalNumber(data)
	}
}

// unmarshalNumber decodes a bare JSON number as Int or Double.
// Presence of '.', 'e', or 'E' in the literal marks a double; this follows
// the literal the client emitted, not the value, so 1 and 1.0 decode to
// different kinds (the comparator treats them as numerically equal).
func unmarshalNumber(data []byte) (Value, error) {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}

	if isDoubleLiteral(string(n)) {
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid double literal %s: %w", n, err)
		}
		return Double(f), nil
	}

	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("integer out of int64 range: %s", n)
	}
	return Int(i), nil
}

// unmarshalVector decodes a JSON array as IntVector or DoubleVector.
// Any fractional element promotes the whole vector to DoubleVector.
// An empty array decodes as an empty IntVector.
func unmarshalVector(data []byte) (Value, error) {
	var raw []json.Number
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("vector elements must be numbers: %w", err)
	}

	isDouble := false
	for _, n := range raw {
		if isDoubleLiteral(string(n)) {
			isDouble = true
			break
		}
	}

	if isDouble {
		vec := make(DoubleVector, len(raw))
		for i, n := range raw {
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("vector[%d]: invalid double literal %s: %w", i, n, err)
			}
			vec[i] = f
		}
		return vec, nil
	}

	vec := make(IntVector, len(raw))
	for i, n := range raw {
		v, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("vector[%d]: integer out of int64 range: %s", i, n)
		}
		vec[i] = v
	}
	return vec, nil
}

// isDoubleLiteral reports whether a JSON number literal denotes a double.
func isDoubleLiteral(s string) bool {
	return strings.ContainsAny(s, ".eE")
}

// MarshalValue encodes a Value as JSON bytes preserving the type
// discrimination contract: doubles always carry a fraction or exponent so
// the peer decodes them back as doubles.
//
// Non-finite doubles cannot be represented in JSON and return an error.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case Double:
		return appendDouble(nil, float64(val))
	case String:
		return json.Marshal(string(val))
	case Bool:
		return strconv.AppendBool(nil, bool(val)), nil
	case IntVector:
		buf := []byte{'['}
		for i, n := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendInt(buf, n, 10)
		}
		return append(buf, ']'), nil
	case DoubleVector:
		buf := []byte{'['}
		for i, f := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendDouble(buf, f)
			if err != nil {
				return nil, fmt.Errorf("vector[%d]: %w", i, err)
			}
		}
		return append(buf, ']'), nil
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// appendDouble appends the shortest decimal literal that round-trips to the
// same float64, forcing a ".0" suffix onto integral values so the peer
// decodes them as doubles rather than ints.
func appendDouble(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite double cannot be encoded: %v", f)
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'g', -1, 64)
	if !isDoubleLiteral(string(buf[start:])) {
		buf = append(buf, '.', '0')
	}
	return buf, nil
}

// FormatValue renders a Value for human-readable diff and trace output.
// Strings are quoted so whitespace differences stay visible.
func FormatValue(v Value) string {
	switch val := v.(type) {
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Double:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case String:
		return strconv.Quote(string(val))
	case Bool:
		return strconv.FormatBool(bool(val))
	case IntVector:
		parts := make([]string, len(val))
		for i, n := range val {
			parts[i] = strconv.FormatInt(n, 10)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case DoubleVector:
		parts := make([]string, len(val))
		for i, f := range val {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
