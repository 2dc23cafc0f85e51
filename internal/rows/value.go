package rows

import (
	"bytes"
	"fmt"
	"math"
)

// Value is a sealed interface representing the column value types a row may carry.
// Only Null, String, Int, Float, Bool, and Bytes implement this.
type Value interface {
	rowValue() // Sealed - only these types implement it
}

// Null represents an SQL NULL.
// Using an explicit type ensures all Values satisfy the sealed interface.
type Null struct{}

func (Null) rowValue() {}

// String represents a character value.
type String string

func (String) rowValue() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) rowValue() {}

// Float represents a double precision value.
type Float float64

func (Float) rowValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) rowValue() {}

// Bytes represents a binary value.
type Bytes []byte

func (Bytes) rowValue() {}

// Type identifies a column type in a Schema.
type Type uint8

const (
	TypeNull Type = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType converts a type name to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "null":
		return TypeNull, nil
	case "string", "text", "varchar":
		return TypeString, nil
	case "int", "integer", "long":
		return TypeInt, nil
	case "float", "double", "real":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "bytes", "blob", "varbinary":
		return TypeBytes, nil
	default:
		return TypeNull, fmt.Errorf("unknown column type %q", name)
	}
}

// TypeOf returns the Type of a value. nil is treated as Null.
func TypeOf(v Value) Type {
	switch v.(type) {
	case String:
		return TypeString
	case Int:
		return TypeInt
	case Float:
		return TypeFloat
	case Bool:
		return TypeBool
	case Bytes:
		return TypeBytes
	default:
		return TypeNull
	}
}

// Equal compares two values for identity.
// Floats compare by bit pattern so NaN equals itself and -0 differs from +0,
// which is the identity the spill codec preserves.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		return ok && math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	default:
		return false
	}
}

// FromAny converts a Go value (as produced by YAML, JSON or database/sql) to a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case bool:
		return Bool(val), nil
	case []byte:
		return Bytes(append([]byte(nil), val...)), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// ToAny converts a Value back to a plain Go value for output formatting.
func ToAny(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Bytes:
		return []byte(val)
	default:
		return nil
	}
}
