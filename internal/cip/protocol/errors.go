package protocol

import "fmt"

// MalformedRequestError reports CIP request bytes that cannot be parsed:
// a short buffer, an unparseable path, or a payload whose length disagrees
// with its declared type. It is fatal to the connection that sent it.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return "malformed CIP request: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedRequestError{Reason: fmt.Sprintf(format, args...)}
}

// PathSegmentError reports a well-formed EPATH segment the controller does
// not serve (logical class/instance addressing, array members). The request
// is answered with a path segment error status.
type PathSegmentError struct {
	Segment byte
	Offset  int
}

func (e *PathSegmentError) Error() string {
	return fmt.Sprintf("unsupported path segment 0x%02X at offset %d", e.Segment, e.Offset)
}
