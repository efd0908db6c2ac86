package spec

import "fmt"

var cipServiceNames = map[ServiceCode]string{
	CIPServiceGetAttributeAll:    "Get_Attribute_All",
	CIPServiceGetAttributeSingle: "Get_Attribute_Single",
	CIPServiceSetAttributeSingle: "Set_Attribute_Single",
	CIPServiceReadTag:            "Read_Tag",
	CIPServiceWriteTag:           "Write_Tag",
	CIPServiceReadModifyWrite:    "Read_Modify_Write",
	CIPServiceReadTagFragmented:  "Read_Tag_Fragmented",
	CIPServiceWriteTagFragmented: "Write_Tag_Fragmented",
	CIPServiceForwardOpen:        "Forward_Open",
}

// ServiceName returns a display name for a CIP service code.
func ServiceName(code ServiceCode) string {
	if name, ok := cipServiceNames[code.Request()]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(code))
}

// IsKnownService returns true when a service code is recognized.
func IsKnownService(code ServiceCode) bool {
	_, ok := cipServiceNames[code.Request()]
	return ok
}
