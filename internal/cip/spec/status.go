package spec

import "fmt"

// CIP general status codes returned by the controller.
const (
	StatusSuccess                uint8 = 0x00
	StatusPathSegmentError       uint8 = 0x04
	StatusPathDestinationUnknown uint8 = 0x05
	StatusServiceNotSupported    uint8 = 0x08
	StatusInvalidAttributeValue  uint8 = 0x09
	StatusNotEnoughData          uint8 = 0x13
	StatusTooMuchData            uint8 = 0x15
	StatusInvalidParameter       uint8 = 0x20
	StatusGeneralError           uint8 = 0xFF
)

// ExtStatusTypeMismatch is the Logix extended status for a data type mismatch
// (general status 0xFF).
const ExtStatusTypeMismatch uint16 = 0x2107

var statusNames = map[uint8]string{
	StatusSuccess:                "Success",
	StatusPathSegmentError:       "Path segment error",
	StatusPathDestinationUnknown: "Path destination unknown",
	StatusServiceNotSupported:    "Service not supported",
	StatusInvalidAttributeValue:  "Invalid attribute value",
	StatusNotEnoughData:          "Not enough data",
	StatusTooMuchData:            "Too much data",
	StatusInvalidParameter:       "Invalid parameter",
	StatusGeneralError:           "General error",
}

// StatusName returns a display name for a general status code.
func StatusName(status uint8) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%02X)", status)
}
