package codec

import "encoding/binary"

// Order is the byte order of every multi-byte field on the EtherNet/IP wire.
var Order binary.ByteOrder = binary.LittleEndian

// PutUint16 writes a uint16 to dst in wire order.
func PutUint16(dst []byte, value uint16) {
	Order.PutUint16(dst, value)
}

// PutUint32 writes a uint32 to dst in wire order.
func PutUint32(dst []byte, value uint32) {
	Order.PutUint32(dst, value)
}

// AppendUint16 appends a uint16 to dst in wire order.
func AppendUint16(dst []byte, value uint16) []byte {
	var buf [2]byte
	Order.PutUint16(buf[:], value)
	return append(dst, buf[:]...)
}

// AppendUint32 appends a uint32 to dst in wire order.
func AppendUint32(dst []byte, value uint32) []byte {
	var buf [4]byte
	Order.PutUint32(buf[:], value)
	return append(dst, buf[:]...)
}

// Uint16 reads a uint16 from the first two bytes of src.
func Uint16(src []byte) uint16 {
	return Order.Uint16(src)
}

// Uint32 reads a uint32 from the first four bytes of src.
func Uint32(src []byte) uint32 {
	return Order.Uint32(src)
}
