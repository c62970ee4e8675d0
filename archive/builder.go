// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/pierrec/lz4"
)

// Builder builds archives.
// Records are written in the order they are added.
type Builder struct {
	hdr Header

	mu   sync.Mutex
	recs []Record
}

// NewBuilder creates a builder for an archive that holds
// a pipeline of type typ in language lang.
func NewBuilder(typ PSOType, lang Lang) *Builder {
	return &Builder{hdr: Header{Version: Version, PSOType: typ, Lang: lang}}
}

// Add appends a record.
// If compress is set, data is stored as an LZ4 frame.
// It is safe for concurrent use, although records added
// concurrently are written in no particular order.
func (b *Builder) Add(typ RecordType, data []byte, compress bool) error {
	if typ == 0 {
		return fmt.Errorf("archive: record type 0 is reserved")
	}
	r := Record{Type: typ}
	if compress {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		r.Flags |= FlagLZ4
		r.Data = buf.Bytes()
	} else {
		r.Data = bytes.Clone(data)
	}
	b.mu.Lock()
	b.recs = append(b.recs, r)
	b.mu.Unlock()
	return nil
}

func align4(n int64) int64 { return (n + 3) &^ 3 }

// WriteTo writes the archive to w.
// The builder can be reused afterwards.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := int64(headerSize + len(b.recs)*recordSize + tableEndSize)
	offs := make([]int64, len(b.recs))
	for i, r := range b.recs {
		offs[i] = off
		off = align4(off + int64(len(r.Data)))
	}
	total := off + trailerSize
	if total > math.MaxUint32 {
		return 0, fmt.Errorf("archive: archive size %d exceeds the limit", total)
	}

	le := binary.LittleEndian
	buf := make([]byte, total)
	le.PutUint32(buf, b.hdr.Version)
	le.PutUint16(buf[4:], uint16(b.hdr.PSOType))
	le.PutUint16(buf[6:], uint16(b.hdr.Lang))
	le.PutUint32(buf[8:], uint32(total))
	p := buf[headerSize:]
	for i, r := range b.recs {
		le.PutUint16(p, uint16(r.Type))
		le.PutUint16(p[2:], uint16(r.Flags))
		le.PutUint32(p[4:], uint32(offs[i]))
		le.PutUint32(p[8:], uint32(len(r.Data)))
		copy(buf[offs[i]:], r.Data)
		p = p[recordSize:]
	}
	// TableEnd is already zeroed.
	le.PutUint32(buf[total-trailerSize:], uint32(total))

	n, err := w.Write(buf)
	return int64(n), err
}

// Bytes returns the encoded archive.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	b.WriteTo(&buf)
	return buf.Bytes()
}
