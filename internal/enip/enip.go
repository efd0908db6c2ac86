package enip

// EtherNet/IP (ENIP) encapsulation handling

import (
	"errors"
	"fmt"
	"io"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// HeaderSize is the fixed length of the encapsulation header.
const HeaderSize = 24

// ENIP command codes
const (
	ENIPCommandNOP               uint16 = 0x0000
	ENIPCommandListServices      uint16 = 0x0004
	ENIPCommandListIdentity      uint16 = 0x0063
	ENIPCommandListInterfaces    uint16 = 0x0064
	ENIPCommandRegisterSession   uint16 = 0x0065
	ENIPCommandUnregisterSession uint16 = 0x0066
	ENIPCommandSendRRData        uint16 = 0x006F
	ENIPCommandSendUnitData      uint16 = 0x0070
)

// ENIP status codes
const (
	ENIPStatusSuccess              uint32 = 0x0000
	ENIPStatusInvalidCommand       uint32 = 0x0001
	ENIPStatusInsufficientMemory   uint32 = 0x0002
	ENIPStatusIncorrectData        uint32 = 0x0003
	ENIPStatusInvalidSessionHandle uint32 = 0x0064
	ENIPStatusInvalidLength        uint32 = 0x0065
	ENIPStatusUnsupportedProtocol  uint32 = 0x0069
)

// ProtocolVersion is the only encapsulation protocol version accepted.
const ProtocolVersion uint16 = 1

// ENIPEncapsulation represents an EtherNet/IP encapsulation header and body.
type ENIPEncapsulation struct {
	Command       uint16
	Length        uint16
	SessionID     uint32
	Status        uint32
	SenderContext [8]byte
	Options       uint32
	Data          []byte
}

// MalformedHeaderError reports an encapsulation frame whose header is short
// or whose declared length disagrees with the bytes available.
type MalformedHeaderError struct {
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	return "malformed ENIP header: " + e.Reason
}

// EncodeENIP encodes an EtherNet/IP encapsulation packet. The length field
// is always taken from len(Data).
func EncodeENIP(encap ENIPEncapsulation) []byte {
	packet := make([]byte, HeaderSize, HeaderSize+len(encap.Data))
	codec.PutUint16(packet[0:2], encap.Command)
	codec.PutUint16(packet[2:4], uint16(len(encap.Data)))
	codec.PutUint32(packet[4:8], encap.SessionID)
	codec.PutUint32(packet[8:12], encap.Status)
	copy(packet[12:20], encap.SenderContext[:])
	codec.PutUint32(packet[20:24], encap.Options)
	return append(packet, encap.Data...)
}

// DecodeENIP decodes exactly one encapsulation packet.
func DecodeENIP(data []byte) (ENIPEncapsulation, error) {
	if len(data) < HeaderSize {
		return ENIPEncapsulation{}, &MalformedHeaderError{
			Reason: fmt.Sprintf("packet too short: %d bytes (minimum %d)", len(data), HeaderSize),
		}
	}
	encap := decodeHeader(data[:HeaderSize])
	if available := len(data) - HeaderSize; int(encap.Length) != available {
		return ENIPEncapsulation{}, &MalformedHeaderError{
			Reason: fmt.Sprintf("declared length %d, %d bytes available", encap.Length, available),
		}
	}
	if encap.Length > 0 {
		encap.Data = data[HeaderSize:]
	}
	return encap, nil
}

// ReadFrame reads one encapsulation frame from r: the header, then exactly
// the declared number of body bytes. It returns io.EOF when the stream ends
// cleanly between frames and a *MalformedHeaderError when it ends mid-frame.
func ReadFrame(r io.Reader) (ENIPEncapsulation, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return ENIPEncapsulation{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ENIPEncapsulation{}, &MalformedHeaderError{
				Reason: fmt.Sprintf("stream ended after %d header bytes", n),
			}
		}
		return ENIPEncapsulation{}, err
	}

	encap := decodeHeader(header)
	if encap.Length == 0 {
		return encap, nil
	}
	encap.Data = make([]byte, encap.Length)
	if n, err := io.ReadFull(r, encap.Data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ENIPEncapsulation{}, &MalformedHeaderError{
				Reason: fmt.Sprintf("declared length %d, stream ended after %d bytes", encap.Length, n),
			}
		}
		return ENIPEncapsulation{}, err
	}
	return encap, nil
}

func decodeHeader(header []byte) ENIPEncapsulation {
	var encap ENIPEncapsulation
	encap.Command = codec.Uint16(header[0:2])
	encap.Length = codec.Uint16(header[2:4])
	encap.SessionID = codec.Uint32(header[4:8])
	encap.Status = codec.Uint32(header[8:12])
	copy(encap.SenderContext[:], header[12:20])
	encap.Options = codec.Uint32(header[20:24])
	return encap
}

// BuildRegisterSession builds a RegisterSession request.
func BuildRegisterSession(senderContext [8]byte) []byte {
	var regData []byte
	regData = codec.AppendUint16(regData, ProtocolVersion)
	regData = codec.AppendUint16(regData, 0) // option flags

	return EncodeENIP(ENIPEncapsulation{
		Command:       ENIPCommandRegisterSession,
		SenderContext: senderContext,
		Data:          regData,
	})
}

// BuildUnregisterSession builds an UnregisterSession request.
func BuildUnregisterSession(sessionID uint32, senderContext [8]byte) []byte {
	return EncodeENIP(ENIPEncapsulation{
		Command:       ENIPCommandUnregisterSession,
		SessionID:     sessionID,
		SenderContext: senderContext,
	})
}

// IsKnownCommand reports whether cmd is an encapsulation command code the
// server recognizes, whether or not it serves it.
func IsKnownCommand(cmd uint16) bool {
	switch cmd {
	case ENIPCommandNOP,
		ENIPCommandListServices,
		ENIPCommandListIdentity,
		ENIPCommandListInterfaces,
		ENIPCommandRegisterSession,
		ENIPCommandUnregisterSession,
		ENIPCommandSendRRData,
		ENIPCommandSendUnitData:
		return true
	default:
		return false
	}
}

var commandNames = map[uint16]string{
	ENIPCommandNOP:               "NOP",
	ENIPCommandListServices:      "ListServices",
	ENIPCommandListIdentity:      "ListIdentity",
	ENIPCommandListInterfaces:    "ListInterfaces",
	ENIPCommandRegisterSession:   "RegisterSession",
	ENIPCommandUnregisterSession: "UnregisterSession",
	ENIPCommandSendRRData:        "SendRRData",
	ENIPCommandSendUnitData:      "SendUnitData",
}

// CommandName returns a display name for an encapsulation command.
func CommandName(cmd uint16) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%04X)", cmd)
}

var statusNames = map[uint32]string{
	ENIPStatusSuccess:              "success",
	ENIPStatusInvalidCommand:       "invalid or unsupported command",
	ENIPStatusInsufficientMemory:   "insufficient memory",
	ENIPStatusIncorrectData:        "incorrect data",
	ENIPStatusInvalidSessionHandle: "invalid session handle",
	ENIPStatusInvalidLength:        "invalid length",
	ENIPStatusUnsupportedProtocol:  "unsupported protocol version",
}

// StatusName returns a display name for an encapsulation status.
func StatusName(status uint32) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%08X", status)
}
