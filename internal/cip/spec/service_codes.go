package spec

// ServiceCode is a CIP service code. Bit 7 set marks a reply.
type ServiceCode uint8

// ReplyFlag is OR-ed into the service code of every response.
const ReplyFlag ServiceCode = 0x80

// CIP service codes understood by the controller.
const (
	CIPServiceGetAttributeAll    ServiceCode = 0x01
	CIPServiceGetAttributeSingle ServiceCode = 0x0E
	CIPServiceSetAttributeSingle ServiceCode = 0x10
	CIPServiceReadTag            ServiceCode = 0x4C
	CIPServiceWriteTag           ServiceCode = 0x4D
	CIPServiceReadModifyWrite    ServiceCode = 0x4E
	CIPServiceReadTagFragmented  ServiceCode = 0x52
	CIPServiceWriteTagFragmented ServiceCode = 0x53
	CIPServiceForwardOpen        ServiceCode = 0x54
)

// IsRead reports whether the service reads a single tag.
func (c ServiceCode) IsRead() bool {
	return c == CIPServiceGetAttributeSingle || c == CIPServiceReadTag
}

// IsWrite reports whether the service writes a single tag.
func (c ServiceCode) IsWrite() bool {
	return c == CIPServiceSetAttributeSingle || c == CIPServiceWriteTag
}

// Reply returns the service code echoed in a response.
func (c ServiceCode) Reply() ServiceCode {
	return c | ReplyFlag
}

// Request strips the reply flag.
func (c ServiceCode) Request() ServiceCode {
	return c &^ ReplyFlag
}
