package codec

// Elementary CIP data types served by the controller.

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is a CIP elementary data type code.
type DataType uint16

const (
	TypeBOOL DataType = 0xC1
	TypeDINT DataType = 0xC4
)

// String returns the Logix name of the type.
func (t DataType) String() string {
	switch t {
	case TypeBOOL:
		return "BOOL"
	case TypeDINT:
		return "DINT"
	default:
		return fmt.Sprintf("0x%04X", uint16(t))
	}
}

// Size returns the wire size of one element, or 0 for unknown types.
func (t DataType) Size() int {
	switch t {
	case TypeBOOL:
		return 1
	case TypeDINT:
		return 4
	default:
		return 0
	}
}

// Valid reports whether t is a supported type.
func (t DataType) Valid() bool {
	return t.Size() > 0
}

// ParseDataType parses a type name such as "DINT" (case-insensitive).
func ParseDataType(name string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL":
		return TypeBOOL, nil
	case "DINT":
		return TypeDINT, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q (want BOOL or DINT)", name)
	}
}

// Value is a typed tag value. DINT values are held as int64 so that
// out-of-range candidates can be represented and rejected by the tag table.
type Value struct {
	typ DataType
	b   bool
	i   int64
}

// BoolValue returns a BOOL value.
func BoolValue(v bool) Value {
	return Value{typ: TypeBOOL, b: v}
}

// DIntValue returns a DINT value. It may lie outside the DINT range.
func DIntValue(v int64) Value {
	return Value{typ: TypeDINT, i: v}
}

// Type returns the value's data type.
func (v Value) Type() DataType { return v.typ }

// Bool returns the boolean payload of a BOOL value.
func (v Value) Bool() bool { return v.b }

// Int returns the integer payload of a DINT value.
func (v Value) Int() int64 { return v.i }

// DInt returns the payload truncated to 32 bits.
func (v Value) DInt() int32 { return int32(v.i) }

// InRange reports whether the value is representable in its declared type.
func (v Value) InRange() bool {
	switch v.typ {
	case TypeBOOL:
		return true
	case TypeDINT:
		return v.i >= math.MinInt32 && v.i <= math.MaxInt32
	default:
		return false
	}
}

// Interface returns the payload as bool or int64, for JSON and logs.
func (v Value) Interface() interface{} {
	if v.typ == TypeBOOL {
		return v.b
	}
	return v.i
}

// String formats the value the way the CLI prints it.
func (v Value) String() string {
	switch v.typ {
	case TypeBOOL:
		return strconv.FormatBool(v.b)
	case TypeDINT:
		return strconv.FormatInt(v.i, 10)
	default:
		return "<invalid>"
	}
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.b == o.b && v.i == o.i
}

// EncodeValue returns the wire bytes of a value (no type code).
// BOOL encodes as 0x00/0xFF; DINT as four little-endian bytes.
func EncodeValue(v Value) ([]byte, error) {
	switch v.typ {
	case TypeBOOL:
		if v.b {
			return []byte{0xFF}, nil
		}
		return []byte{0x00}, nil
	case TypeDINT:
		if !v.InRange() {
			return nil, fmt.Errorf("DINT value %d out of range", v.i)
		}
		return AppendUint32(nil, uint32(int32(v.i))), nil
	default:
		return nil, fmt.Errorf("unsupported data type %s", v.typ)
	}
}

// DecodeValue parses the wire bytes of a single element of type t.
// Any non-zero BOOL byte decodes as true.
func DecodeValue(t DataType, data []byte) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("unsupported data type %s", t)
	}
	if len(data) != t.Size() {
		return Value{}, fmt.Errorf("%s value needs %d bytes, got %d", t, t.Size(), len(data))
	}
	switch t {
	case TypeBOOL:
		return BoolValue(data[0] != 0), nil
	default:
		return DIntValue(int64(int32(Uint32(data)))), nil
	}
}

// ParseValue parses text into a value of type t. BOOL accepts
// true/false/1/0/on/off; DINT accepts any base-10 integer (range is not
// checked here).
func ParseValue(t DataType, text string) (Value, error) {
	text = strings.TrimSpace(text)
	switch t {
	case TypeBOOL:
		switch strings.ToLower(text) {
		case "true", "1", "on", "yes":
			return BoolValue(true), nil
		case "false", "0", "off", "no", "":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("invalid BOOL value %q", text)
	case TypeDINT:
		if text == "" {
			return DIntValue(0), nil
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid DINT value %q: %w", text, err)
		}
		return DIntValue(n), nil
	default:
		return Value{}, fmt.Errorf("unsupported data type %s", t)
	}
}

// ValueFromInterface converts a decoded YAML/JSON scalar into a value of
// type t. Numbers are accepted for BOOL (non-zero is true) and strings are
// parsed with ParseValue.
func ValueFromInterface(t DataType, raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return ParseValue(t, "")
	case bool:
		if t == TypeBOOL {
			return BoolValue(v), nil
		}
		return Value{}, fmt.Errorf("%s tag cannot take boolean %v", t, v)
	case int:
		return numericValue(t, int64(v), float64(v))
	case int64:
		return numericValue(t, v, float64(v))
	case uint64:
		if v > math.MaxInt64 {
			return DIntValue(math.MaxInt64), nil
		}
		return numericValue(t, int64(v), float64(v))
	case float64:
		if v != math.Trunc(v) {
			return Value{}, fmt.Errorf("%s tag cannot take fractional %v", t, v)
		}
		if v > math.MaxInt64 || v < math.MinInt64 {
			return Value{}, fmt.Errorf("value %v out of range", v)
		}
		return numericValue(t, int64(v), v)
	case string:
		return ParseValue(t, v)
	default:
		return Value{}, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}
}

func numericValue(t DataType, i int64, f float64) (Value, error) {
	switch t {
	case TypeBOOL:
		return BoolValue(f != 0), nil
	case TypeDINT:
		return DIntValue(i), nil
	default:
		return Value{}, fmt.Errorf("unsupported data type %s", t)
	}
}
