// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"crypto/md5"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

// DXBC container layout:
//
//	magic      "DXBC"
//	checksum   [16]byte
//	major      u16 (1)
//	minor      u16 (0)
//	size       u32
//	partCount  u32
//	partOffset [partCount]u32
//
// Each part is a FourCC, a u32 size and size bytes of data.
// The checksum covers every byte after the checksum field.
const (
	dxbcHeaderSize = 32
	dxbcSumStart   = 20
)

var dxbcMagic = [4]byte{'D', 'X', 'B', 'C'}

var errContainer = errors.New("malformed DXBC container")

// part is a DXBC part.
type part struct {
	fourCC [4]byte
	data   []byte
}

// writeContainer creates a DXBC container holding parts.
func writeContainer(parts []part) []byte {
	n := dxbcHeaderSize + 4*len(parts)
	for _, p := range parts {
		n += 8 + len(p.data)
	}
	b := make([]byte, 0, n)
	b = append(b, dxbcMagic[:]...)
	b = append(b, make([]byte, 16)...)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(n))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(parts)))
	off := dxbcHeaderSize + 4*len(parts)
	for _, p := range parts {
		b = binary.LittleEndian.AppendUint32(b, uint32(off))
		off += 8 + len(p.data)
	}
	for _, p := range parts {
		b = append(b, p.fourCC[:]...)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(p.data)))
		b = append(b, p.data...)
	}
	sum := dxbcChecksum(b[dxbcSumStart:])
	copy(b[4:20], sum[:])
	return b
}

// readContainer parses a DXBC container and verifies its
// checksum.
func readContainer(b []byte) ([]part, error) {
	if len(b) < dxbcHeaderSize || [4]byte(b[:4]) != dxbcMagic {
		return nil, fmt.Errorf("%w: bad magic", errContainer)
	}
	if sz := binary.LittleEndian.Uint32(b[24:]); int64(sz) != int64(len(b)) {
		return nil, fmt.Errorf("%w: size field is %d, blob has %d bytes", errContainer, sz, len(b))
	}
	if sum := dxbcChecksum(b[dxbcSumStart:]); [16]byte(b[4:20]) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", errContainer)
	}
	cnt := int(binary.LittleEndian.Uint32(b[28:]))
	if cnt > (len(b)-dxbcHeaderSize)/4 {
		return nil, fmt.Errorf("%w: bad part count %d", errContainer, cnt)
	}
	parts := make([]part, cnt)
	for i := range parts {
		off := int(binary.LittleEndian.Uint32(b[dxbcHeaderSize+4*i:]))
		if off < 0 || off+8 > len(b) {
			return nil, fmt.Errorf("%w: part %d out of bounds", errContainer, i)
		}
		sz := int(binary.LittleEndian.Uint32(b[off+4:]))
		if sz < 0 || off+8+sz > len(b) {
			return nil, fmt.Errorf("%w: part %d out of bounds", errContainer, i)
		}
		parts[i] = part{[4]byte(b[off : off+4]), b[off+8 : off+8+sz]}
	}
	return parts, nil
}

// dxbcChecksum computes the DXBC checksum of data.
// It is MD5 with a non-standard final block: the message
// length in bits is stored before the trailing bytes rather
// than after them, and the last word holds (bits>>2)|1.
func dxbcChecksum(data []byte) [16]byte {
	h := md5.New()
	full := len(data) &^ (md5.BlockSize - 1)
	h.Write(data[:full])
	rem := data[full:]
	bits := uint32(len(data)) * 8
	var blk [md5.BlockSize]byte
	if len(rem) >= 56 {
		copy(blk[:], rem)
		blk[len(rem)] = 0x80
		h.Write(blk[:])
		blk = [md5.BlockSize]byte{}
		binary.LittleEndian.PutUint32(blk[0:], bits)
	} else {
		binary.LittleEndian.PutUint32(blk[0:], bits)
		copy(blk[4:], rem)
		blk[4+len(rem)] = 0x80
	}
	binary.LittleEndian.PutUint32(blk[60:], (bits>>2)|1)
	h.Write(blk[:])
	return md5State(h.(encoding.BinaryMarshaler))
}

// md5State returns the raw MD5 state words of h, in little
// endian, without appending the standard padding.
// Every byte written to h must fill whole blocks.
func md5State(h encoding.BinaryMarshaler) [16]byte {
	st, err := h.MarshalBinary()
	if err != nil {
		panic(err)
	}
	// st is "md5\x01", then four big-endian state words.
	var sum [16]byte
	for i := range 4 {
		binary.LittleEndian.PutUint32(sum[i*4:], binary.BigEndian.Uint32(st[4+i*4:]))
	}
	return sum
}
