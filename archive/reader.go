// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
)

// readAt fills p from r at off.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	return err
}

// Parse decodes the archive in b.
func Parse(b []byte) (*Archive, error) {
	return Read(bytes.NewReader(b), int64(len(b)))
}

// Read decodes the archive of the given size from r.
// It fails with ErrCorrupt if the trailer does not match
// the header, or if a record does not fit in the data
// region.
func Read(r io.ReaderAt, size int64) (*Archive, error) {
	if size < headerSize+tableEndSize+trailerSize {
		return nil, fmt.Errorf("%w: size %d too small", ErrCorrupt, size)
	}
	le := binary.LittleEndian
	var hdr [headerSize]byte
	if err := readAt(r, hdr[:], 0); err != nil {
		return nil, fmt.Errorf("archive: reading header: %w", err)
	}
	a := &Archive{
		Header: Header{
			Version: le.Uint32(hdr[:]),
			PSOType: PSOType(le.Uint16(hdr[4:])),
			Lang:    Lang(le.Uint16(hdr[6:])),
		},
		Size: size,
	}
	if a.Version != Version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorrupt, a.Version)
	}
	if total := int64(le.Uint32(hdr[8:])); total != size {
		return nil, fmt.Errorf("%w: header size %d, have %d bytes", ErrCorrupt, total, size)
	}
	var trailer [trailerSize]byte
	if err := readAt(r, trailer[:], size-trailerSize); err != nil {
		return nil, fmt.Errorf("archive: reading trailer: %w", err)
	}
	if n := int64(le.Uint32(trailer[:])); n != size {
		return nil, fmt.Errorf("%w: trailer size %d, have %d bytes", ErrCorrupt, n, size)
	}

	type entry struct {
		typ   RecordType
		flags Flags
		off   int64
		n     int64
	}
	var ents []entry
	var rec [recordSize]byte
	off := int64(headerSize)
	for {
		if off+tableEndSize > size-trailerSize {
			return nil, fmt.Errorf("%w: record table not terminated", ErrCorrupt)
		}
		if err := readAt(r, rec[:2], off); err != nil {
			return nil, fmt.Errorf("archive: reading record table: %w", err)
		}
		if le.Uint16(rec[:]) == 0 {
			off += tableEndSize
			break
		}
		if off+recordSize > size-trailerSize {
			return nil, fmt.Errorf("%w: record table not terminated", ErrCorrupt)
		}
		if err := readAt(r, rec[:], off); err != nil {
			return nil, fmt.Errorf("archive: reading record table: %w", err)
		}
		ents = append(ents, entry{
			typ:   RecordType(le.Uint16(rec[:])),
			flags: Flags(le.Uint16(rec[2:])),
			off:   int64(le.Uint32(rec[4:])),
			n:     int64(le.Uint32(rec[8:])),
		})
		off += recordSize
	}

	a.Records = make([]Record, len(ents))
	for i, e := range ents {
		if e.flags&^knownFlags != 0 {
			return nil, fmt.Errorf("%w: record %d: unknown flags %#x", ErrCorrupt, i, uint16(e.flags))
		}
		if e.off < off || e.off+e.n > size-trailerSize {
			return nil, fmt.Errorf("%w: record %d: data [%d, %d) out of bounds", ErrCorrupt, i, e.off, e.off+e.n)
		}
		var data []byte
		var err error
		sr := io.NewSectionReader(r, e.off, e.n)
		if e.flags&FlagLZ4 != 0 {
			data, err = io.ReadAll(lz4.NewReader(sr))
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrCorrupt, i, err)
			}
		} else {
			data = make([]byte, e.n)
			if _, err = io.ReadFull(sr, data); err != nil {
				return nil, fmt.Errorf("archive: record %d: %w", i, err)
			}
		}
		a.Records[i] = Record{Type: e.typ, Flags: e.flags, Data: data}
	}
	return a, nil
}
