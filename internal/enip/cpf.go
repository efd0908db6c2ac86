package enip

// Common Packet Format (CPF) and SendRRData bodies.

import (
	"fmt"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// CPF item type IDs
const (
	CPFItemNullAddress      uint16 = 0x0000
	CPFItemConnectedAddress uint16 = 0x00A1
	CPFItemConnectedData    uint16 = 0x00B1
	CPFItemUnconnectedData  uint16 = 0x00B2
)

// CPFItem is one Common Packet Format item.
type CPFItem struct {
	TypeID uint16
	Data   []byte
}

// EncodeCPFItems encodes an item count followed by the items.
func EncodeCPFItems(items []CPFItem) []byte {
	size := 2
	for _, item := range items {
		size += 4 + len(item.Data)
	}
	out := make([]byte, 0, size)
	out = codec.AppendUint16(out, uint16(len(items)))
	for _, item := range items {
		out = codec.AppendUint16(out, item.TypeID)
		out = codec.AppendUint16(out, uint16(len(item.Data)))
		out = append(out, item.Data...)
	}
	return out
}

// ParseCPFItems parses an item count followed by the items.
func ParseCPFItems(data []byte) ([]CPFItem, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("CPF data too short: %d bytes", len(data))
	}
	count := int(codec.Uint16(data[0:2]))
	offset := 2
	items := make([]CPFItem, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("CPF item %d header too short", i)
		}
		typeID := codec.Uint16(data[offset : offset+2])
		length := int(codec.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if len(data) < offset+length {
			return nil, fmt.Errorf("CPF item %d needs %d bytes, %d available", i, length, len(data)-offset)
		}
		items = append(items, CPFItem{TypeID: typeID, Data: data[offset : offset+length]})
		offset += length
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after CPF items", len(data)-offset)
	}
	return items, nil
}

// BuildSendRRDataPayload wraps CIP data in a SendRRData body: interface
// handle 0, timeout 0, then a null address item and an unconnected data item.
func BuildSendRRDataPayload(cipData []byte) []byte {
	var sendData []byte
	sendData = codec.AppendUint32(sendData, 0) // interface handle (CIP)
	sendData = codec.AppendUint16(sendData, 0) // timeout
	return append(sendData, EncodeCPFItems([]CPFItem{
		{TypeID: CPFItemNullAddress},
		{TypeID: CPFItemUnconnectedData, Data: cipData},
	})...)
}

// BuildSendRRData builds a complete SendRRData frame for UCMM.
func BuildSendRRData(sessionID uint32, senderContext [8]byte, cipData []byte) []byte {
	return EncodeENIP(ENIPEncapsulation{
		Command:       ENIPCommandSendRRData,
		SessionID:     sessionID,
		SenderContext: senderContext,
		Data:          BuildSendRRDataPayload(cipData),
	})
}

// ParseSendRRDataRequest extracts the CIP request from a SendRRData body.
func ParseSendRRDataRequest(data []byte) ([]byte, error) {
	return parseSendRRData(data)
}

// ParseSendRRDataResponse extracts the CIP response from a SendRRData body.
func ParseSendRRDataResponse(data []byte) ([]byte, error) {
	return parseSendRRData(data)
}

func parseSendRRData(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("SendRRData body too short: %d bytes (minimum 6)", len(data))
	}
	items, err := ParseCPFItems(data[6:])
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.TypeID == CPFItemUnconnectedData {
			return item.Data, nil
		}
	}
	return nil, fmt.Errorf("SendRRData body has no unconnected data item")
}
