package protocol

// CIP Message Router request/response encoding for symbolic tag access.

import (
	"fmt"

	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/cip/spec"
)

// Request is a decoded CIP Message Router request.
type Request struct {
	Service      spec.ServiceCode
	Tag          string
	RawPath      []byte
	ElementCount uint16
	Type         codec.DataType // write requests only
	Value        codec.Value    // write requests with ElementCount == 1
	Payload      []byte         // raw request data after the path
}

// Response is a CIP Message Router reply.
type Response struct {
	Service   spec.ServiceCode // request service; the reply flag is added on encode
	Status    uint8
	ExtStatus []uint16
	Value     codec.Value
	HasValue  bool
}

// DecodeRequest parses service, path and service data.
//
// A *MalformedRequestError means the bytes could not be parsed at all. A
// *PathSegmentError is returned together with a usable Request when the
// path is well formed but addresses something other than a symbolic tag.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < 2 {
		return Request{}, malformed("request too short (%d bytes)", len(data))
	}
	req := Request{Service: spec.ServiceCode(data[0])}
	if req.Service&spec.ReplyFlag != 0 {
		return Request{}, malformed("reply flag set on request service 0x%02X", data[0])
	}
	pathLen := int(data[1]) * 2
	if pathLen == 0 {
		return Request{}, malformed("empty path")
	}
	if len(data) < 2+pathLen {
		return Request{}, malformed("path needs %d bytes, %d available", pathLen, len(data)-2)
	}
	req.RawPath = data[2 : 2+pathLen]
	tag, pathErr := ParsePath(req.RawPath)
	if pathErr != nil {
		if _, ok := pathErr.(*PathSegmentError); !ok {
			return Request{}, pathErr
		}
	}
	req.Tag = tag
	req.Payload = data[2+pathLen:]

	switch {
	case req.Service.IsRead():
		switch len(req.Payload) {
		case 0:
			req.ElementCount = 1
		case 2:
			req.ElementCount = codec.Uint16(req.Payload)
		default:
			return Request{}, malformed("read request data must be 0 or 2 bytes, got %d", len(req.Payload))
		}
	case req.Service.IsWrite():
		if len(req.Payload) < 4 {
			return Request{}, malformed("write request data too short (%d bytes)", len(req.Payload))
		}
		req.Type = codec.DataType(codec.Uint16(req.Payload[0:2]))
		if !req.Type.Valid() {
			return Request{}, malformed("unknown data type 0x%04X", uint16(req.Type))
		}
		req.ElementCount = codec.Uint16(req.Payload[2:4])
		values := req.Payload[4:]
		if want := req.Type.Size() * int(req.ElementCount); len(values) != want {
			return Request{}, malformed("%s x%d needs %d data bytes, got %d", req.Type, req.ElementCount, want, len(values))
		}
		if req.ElementCount == 1 {
			v, err := codec.DecodeValue(req.Type, values)
			if err != nil {
				return Request{}, malformed("%v", err)
			}
			req.Value = v
		}
	}

	if pathErr != nil {
		return req, pathErr
	}
	return req, nil
}

// EncodeRequest builds the wire form of a tag read or write. Reads of
// Read_Tag carry an element count; writes carry type, count 1 and value.
func EncodeRequest(req Request) ([]byte, error) {
	path := req.RawPath
	if len(path) == 0 {
		path = BuildSymbolicEPATH(req.Tag)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("request has no path")
	}
	if len(path)%2 != 0 {
		return nil, fmt.Errorf("path length %d is not word aligned", len(path))
	}
	if len(path)/2 > 0xFF {
		return nil, fmt.Errorf("path too long (%d bytes)", len(path))
	}

	out := make([]byte, 0, 2+len(path)+8)
	out = append(out, uint8(req.Service), byte(len(path)/2))
	out = append(out, path...)

	switch {
	case req.Payload != nil:
		out = append(out, req.Payload...)
	case req.Service == spec.CIPServiceReadTag:
		count := req.ElementCount
		if count == 0 {
			count = 1
		}
		out = codec.AppendUint16(out, count)
	case req.Service.IsWrite():
		data, err := codec.EncodeValue(req.Value)
		if err != nil {
			return nil, err
		}
		out = codec.AppendUint16(out, uint16(req.Value.Type()))
		out = codec.AppendUint16(out, 1)
		out = append(out, data...)
	}
	return out, nil
}

// EncodeResponse builds the reply: service|0x80, reserved, general status,
// extended status word count and words, then the type code and value for
// successful reads.
func EncodeResponse(resp Response) ([]byte, error) {
	if len(resp.ExtStatus) > 0xFF {
		return nil, fmt.Errorf("too many extended status words (%d)", len(resp.ExtStatus))
	}
	out := make([]byte, 0, 4+2*len(resp.ExtStatus)+6)
	out = append(out, uint8(resp.Service.Reply()), 0x00, resp.Status, byte(len(resp.ExtStatus)))
	for _, word := range resp.ExtStatus {
		out = codec.AppendUint16(out, word)
	}
	if resp.Status == spec.StatusSuccess && resp.HasValue {
		data, err := codec.EncodeValue(resp.Value)
		if err != nil {
			return nil, err
		}
		out = codec.AppendUint16(out, uint16(resp.Value.Type()))
		out = append(out, data...)
	}
	return out, nil
}

// DecodeResponse parses a reply produced by EncodeResponse. Any bytes after
// the status block of a successful reply are read as type code and value.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 4 {
		return Response{}, fmt.Errorf("response too short (%d bytes)", len(data))
	}
	if spec.ServiceCode(data[0])&spec.ReplyFlag == 0 {
		return Response{}, fmt.Errorf("service 0x%02X missing reply flag", data[0])
	}
	resp := Response{
		Service: spec.ServiceCode(data[0]).Request(),
		Status:  data[2],
	}
	extWords := int(data[3])
	offset := 4
	if len(data) < offset+extWords*2 {
		return Response{}, fmt.Errorf("extended status needs %d bytes, %d available", extWords*2, len(data)-offset)
	}
	for i := 0; i < extWords; i++ {
		resp.ExtStatus = append(resp.ExtStatus, codec.Uint16(data[offset:offset+2]))
		offset += 2
	}
	rest := data[offset:]
	if resp.Status != spec.StatusSuccess || len(rest) == 0 {
		return resp, nil
	}
	if len(rest) < 2 {
		return Response{}, fmt.Errorf("truncated type code")
	}
	typ := codec.DataType(codec.Uint16(rest))
	v, err := codec.DecodeValue(typ, rest[2:])
	if err != nil {
		return Response{}, fmt.Errorf("decode value: %w", err)
	}
	resp.Value = v
	resp.HasValue = true
	return resp, nil
}
