package protocol

import (
	"strings"
)

// ANSI extended symbolic segment type.
const SegmentSymbolic = 0x91

// BuildSymbolicEPATH builds an EPATH using ANSI extended symbolic segments
// (0x91), one per dot-separated component, each padded to an even length.
func BuildSymbolicEPATH(tag string) []byte {
	if tag == "" {
		return nil
	}
	var epath []byte
	for _, seg := range strings.Split(tag, ".") {
		if seg == "" {
			continue
		}
		epath = append(epath, SegmentSymbolic, byte(len(seg)))
		epath = append(epath, seg...)
		if len(seg)%2 != 0 {
			epath = append(epath, 0x00)
		}
	}
	return epath
}

// ParsePath decodes an EPATH into a tag name. Symbolic segments are joined
// with ".". Logical segments are skipped by size and reported with a
// *PathSegmentError; any other byte pattern yields a *MalformedRequestError.
func ParsePath(data []byte) (string, error) {
	if len(data) == 0 {
		return "", malformed("empty path")
	}
	var (
		segments    []string
		unsupported *PathSegmentError
	)
	offset := 0
	for offset < len(data) {
		seg := data[offset]
		switch {
		case seg == SegmentSymbolic:
			if len(data) < offset+2 {
				return "", malformed("incomplete symbolic segment length at offset %d", offset)
			}
			length := int(data[offset+1])
			if length == 0 {
				return "", malformed("empty symbolic segment at offset %d", offset)
			}
			start := offset + 2
			if len(data) < start+length {
				return "", malformed("symbolic segment needs %d bytes, %d available", length, len(data)-start)
			}
			name := data[start : start+length]
			for _, ch := range name {
				if ch < 0x20 || ch > 0x7E {
					return "", malformed("non-printable byte 0x%02X in symbolic segment", ch)
				}
			}
			segments = append(segments, string(name))
			offset = start + length
			if length%2 != 0 {
				if offset >= len(data) || data[offset] != 0x00 {
					return "", malformed("missing pad byte after symbolic segment")
				}
				offset++
			}

		case seg&0xE0 == 0x20:
			// Logical segment: 8-bit, 16-bit (padded) or 32-bit (padded) value.
			var size int
			switch seg & 0x03 {
			case 0:
				size = 2
			case 1:
				size = 4
			case 2:
				size = 6
			default:
				return "", malformed("reserved logical format 0x%02X", seg)
			}
			if len(data) < offset+size {
				return "", malformed("incomplete logical segment 0x%02X", seg)
			}
			if unsupported == nil {
				unsupported = &PathSegmentError{Segment: seg, Offset: offset}
			}
			offset += size

		default:
			return "", malformed("invalid path segment 0x%02X at offset %d", seg, offset)
		}
	}
	if unsupported != nil {
		return strings.Join(segments, "."), unsupported
	}
	return strings.Join(segments, "."), nil
}
