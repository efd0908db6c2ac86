package tagtable

import (
	"fmt"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// DuplicateTagError is returned by Declare when the name is already present.
type DuplicateTagError struct {
	Name string
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("tag %q already declared", e.Name)
}

// UnknownTagError is returned for a name that was never declared.
type UnknownTagError struct {
	Name string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown tag %q", e.Name)
}

// TypeMismatchError is returned when a write's type disagrees with the
// tag's declared type.
type TypeMismatchError struct {
	Name     string
	Declared codec.DataType
	Got      codec.DataType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tag %q is %s, got %s", e.Name, e.Declared, e.Got)
}

// ValueRangeError is returned when a value does not fit the tag's type.
type ValueRangeError struct {
	Name  string
	Type  codec.DataType
	Value int64
}

func (e *ValueRangeError) Error() string {
	return fmt.Sprintf("value %d out of range for %s tag %q", e.Value, e.Type, e.Name)
}
