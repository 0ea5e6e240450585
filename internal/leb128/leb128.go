// Package leb128 implements the variable-length integer encoding used by the
// WebAssembly binary format.
package leb128

import (
	"errors"
	"fmt"
	"io"
)

const (
	maxVarintLen32 = 5
	maxVarintLen33 = maxVarintLen32
	maxVarintLen64 = 10
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt64(value int64) (buf []byte) {
	for {
		// Take 7 remaining low-order bits from the value into b.
		b := uint8(value & 0x7f)
		// Extract the sign bit.
		s := uint8(value & 0x40)
		value >>= 7

		// The encoding unit continues if the remaining value is not the sign extension of b.
		continueLoop := (value != 0 || s != 0) && (value != -1 || s == 0)
		if continueLoop {
			b |= 0x80
		}
		buf = append(buf, b)
		if !continueLoop {
			break
		}
	}
	return buf
}

// EncodeUint32 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint64(value uint64) (buf []byte) {
	for {
		b := uint8(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if value == 0 {
			return buf
		}
	}
}

// LoadUint32 decodes an unsigned 32-bit integer from the head of buf and returns it
// with the number of bytes read.
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	v, n, err := loadUnsigned(buf, 32, maxVarintLen32, errOverflow32)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned 64-bit integer from the head of buf.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	return loadUnsigned(buf, 64, maxVarintLen64, errOverflow64)
}

// LoadInt32 decodes a signed 32-bit integer from the head of buf.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	v, n, err := loadSigned(buf, 32, maxVarintLen32, errOverflow32)
	return int32(v), n, err
}

// LoadInt33AsInt64 decodes a signed 33-bit integer, as used by block types.
func LoadInt33AsInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	return loadSigned(buf, 33, maxVarintLen33, errOverflow33)
}

// LoadInt64 decodes a signed 64-bit integer from the head of buf.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	return loadSigned(buf, 64, maxVarintLen64, errOverflow64)
}

// DecodeUint32 reads an unsigned 32-bit integer from r.
func DecodeUint32(r io.ByteReader) (ret uint32, bytesRead uint64, err error) {
	buf, err := readVarint(r, maxVarintLen32)
	if err != nil {
		return 0, 0, err
	}
	return LoadUint32(buf)
}

// DecodeUint64 reads an unsigned 64-bit integer from r.
func DecodeUint64(r io.ByteReader) (ret uint64, bytesRead uint64, err error) {
	buf, err := readVarint(r, maxVarintLen64)
	if err != nil {
		return 0, 0, err
	}
	return LoadUint64(buf)
}

// DecodeInt32 reads a signed 32-bit integer from r.
func DecodeInt32(r io.ByteReader) (ret int32, bytesRead uint64, err error) {
	buf, err := readVarint(r, maxVarintLen32)
	if err != nil {
		return 0, 0, err
	}
	return LoadInt32(buf)
}

// DecodeInt64 reads a signed 64-bit integer from r.
func DecodeInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	buf, err := readVarint(r, maxVarintLen64)
	if err != nil {
		return 0, 0, err
	}
	return LoadInt64(buf)
}

// readVarint reads the bytes of one encoded integer, at most maxLen of them.
func readVarint(r io.ByteReader, maxLen int) ([]byte, error) {
	buf := make([]byte, 0, maxLen)
	for len(buf) < maxLen {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("unexpected end of input after %d bytes: %w", len(buf), err)
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			break
		}
	}
	return buf, nil
}

func loadUnsigned(buf []byte, bits, maxLen int, overflow error) (uint64, uint64, error) {
	var ret uint64
	var shift uint
	for i := 0; i < maxLen; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("unexpected end of buffer after %d bytes", i)
		}
		b := buf[i]
		if i == maxLen-1 {
			used := uint(bits - 7*(maxLen-1))
			if b&0x80 != 0 || b>>used != 0 {
				return 0, 0, overflow
			}
		}
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, uint64(i + 1), nil
		}
		shift += 7
	}
	return 0, 0, overflow
}

func loadSigned(buf []byte, bits, maxLen int, overflow error) (int64, uint64, error) {
	var ret int64
	var shift uint
	for i := 0; i < maxLen; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("unexpected end of buffer after %d bytes", i)
		}
		b := buf[i]
		if i == maxLen-1 {
			if b&0x80 != 0 {
				return 0, 0, overflow
			}
			// The bits above the value width must be the sign extension of its top bit.
			used := uint(bits - 7*(maxLen-1))
			upper := byte(0x7f) &^ (byte(1)<<used - 1)
			if b>>(used-1)&1 == 1 {
				if b&upper != upper {
					return 0, 0, overflow
				}
			} else if b&upper != 0 {
				return 0, 0, overflow
			}
		}
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				ret |= -1 << shift
			}
			return ret, uint64(i + 1), nil
		}
	}
	return 0, 0, overflow
}
