package encode

import (
	"encoding/binary"
)

func EncodeVarint(buf []byte, n uint64) []byte {
	for n >= 1<<7 {
		buf = append(buf, uint8(n&0x7f|0x80))
		n >>= 7
	}
	return append(buf, uint8(n))
}

func DecodeVarint(buf []byte) ([]byte, uint64, bool) {
	var idx int
	var n uint64
	for shift := uint(0); shift < 64; shift += 7 {
		if idx >= len(buf) {
			return nil, 0, false
		}
		b := uint64(buf[idx])
		idx += 1
		n |= (b & 0x7F) << shift
		if (b & 0x80) == 0 {
			return buf[idx:], n, true
		}
	}

	// The number is too large to represent in a 64-bit value.
	return nil, 0, false
}

// EncodeBytes appends the length of b as a varint followed by b.
func EncodeBytes(buf, b []byte) []byte {
	buf = EncodeVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// DecodeBytes returns a copy of the length prefixed bytes at the front of buf.
func DecodeBytes(buf []byte) ([]byte, []byte, bool) {
	buf, n, ok := DecodeVarint(buf)
	if !ok || uint64(len(buf)) < n {
		return nil, nil, false
	}
	b := append(make([]byte, 0, n), buf[:n]...)
	return buf[n:], b, true
}

// EncodeOptional encodes a presence byte followed by n as a varint when present.
func EncodeOptional(buf []byte, n uint64, present bool) []byte {
	if !present {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return EncodeVarint(buf, n)
}

func DecodeOptional(buf []byte) ([]byte, uint64, bool, bool) {
	if len(buf) == 0 {
		return nil, 0, false, false
	}
	switch buf[0] {
	case 0:
		return buf[1:], 0, false, true
	case 1:
		buf, n, ok := DecodeVarint(buf[1:])
		return buf, n, true, ok
	}
	return nil, 0, false, false
}

func EncodeUint16(buf []byte, u16 uint16) []byte {
	return append(buf, byte(u16>>8), byte(u16))
}

func EncodeUint32(buf []byte, u32 uint32) []byte {
	return append(buf, byte(u32>>24), byte(u32>>16), byte(u32>>8), byte(u32))
}

func EncodeUint64(buf []byte, u64 uint64) []byte {
	return append(buf, byte(u64>>56), byte(u64>>48), byte(u64>>40), byte(u64>>32),
		byte(u64>>24), byte(u64>>16), byte(u64>>8), byte(u64))
}

func DecodeUint64(buf []byte) ([]byte, uint64, bool) {
	if len(buf) < 8 {
		return nil, 0, false
	}
	return buf[8:], binary.BigEndian.Uint64(buf), true
}
