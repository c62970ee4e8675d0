// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"errors"
	"fmt"
	"strconv"
)

// ShaderLibrary is a shader module that exports one or
// more ray tracing shaders.
type ShaderLibrary struct {
	Bytecode []byte
	Exports  []string
}

// HitGroupDesc describes a hit group.
// Each field names an export of one of the pipeline's
// libraries. At least one of them must be set.
type HitGroupDesc struct {
	ClosestHit   string
	AnyHit       string
	Intersection string
}

// RecordType is the type of a shader table record.
type RecordType int

// Record types.
const (
	Raygen RecordType = iota
	Miss
	HitGroup
)

// String implements fmt.Stringer.
func (t RecordType) String() string {
	switch t {
	case Raygen:
		return "raygen"
	case Miss:
		return "miss"
	case HitGroup:
		return "hitgroup"
	}
	return "unknown"
}

// ShaderRecordDesc describes one logical shader table
// record.
// For Raygen and Miss records, Index is the position of
// the export across every library of the pipeline (in
// the order given). For HitGroup records, it is the
// position of the hit group.
type ShaderRecordDesc struct {
	Type  RecordType
	Index int
}

// RTPSODesc describes a ray tracing pipeline.
type RTPSODesc struct {
	RootSignature RootSignature
	Libraries     []ShaderLibrary
	HitGroups     []HitGroupDesc
	MaxRecursion  int
	Records       []ShaderRecordDesc
}

// ShaderTableEntry is a resolved shader table record.
type ShaderTableEntry struct {
	Type     RecordType
	ShaderID string
}

// RTPSO is the interface that defines a ray tracing
// pipeline.
// Every record of its shader table has the same size,
// given by RecordStride. Records carry no local root
// arguments.
type RTPSO interface {
	Destroyer

	// RootSignature returns the root signature that the
	// pipeline was created with.
	RootSignature() RootSignature

	// ShaderTable returns the shader table layout, one
	// entry per record in record order.
	ShaderTable() []ShaderTableEntry

	// RecordStride returns the size in bytes of a shader
	// table record.
	RecordStride() int

	// ShaderIdentifier returns the identifier bytes of the
	// shader or hit group named by id.
	ShaderIdentifier(id string) ([]byte, bool)

	// WriteShaderTable writes the shader table into dst,
	// placing the ith record at i*RecordStride.
	// dst must be at least len(ShaderTable())*RecordStride
	// bytes long.
	WriteShaderTable(dst []byte)
}

// ShaderID returns the identifier of the ith export.
func ShaderID(i int) string { return "shdr" + strconv.Itoa(i) }

// HitGroupID returns the identifier of the ith hit group.
func HitGroupID(i int) string { return "htgrp" + strconv.Itoa(i) }

// RTProgram is the backend-independent resolution of an
// RTPSODesc.
type RTProgram struct {
	// Exports in export order. The ith export is
	// identified by ShaderID(i).
	Exports []string
	// Hit groups with the export names replaced by
	// shader identifiers.
	HitGroups []HitGroupDesc
	Table     []ShaderTableEntry
}

var errNoRecords = errors.New("no shader records")

// NewRTProgram resolves desc's exports, hit groups and
// records.
// Errors describe the offending element and should be
// reported by the caller as a *PipelineError.
func NewRTProgram(desc *RTPSODesc) (*RTProgram, error) {
	p := &RTProgram{}
	ids := make(map[string]string)
	for i := range desc.Libraries {
		lib := &desc.Libraries[i]
		if len(lib.Bytecode) == 0 {
			return nil, fmt.Errorf("library %d: empty bytecode", i)
		}
		for _, e := range lib.Exports {
			if e == "" {
				return nil, fmt.Errorf("library %d: empty export name", i)
			}
			if _, dup := ids[e]; dup {
				return nil, fmt.Errorf("library %d: duplicate export %q", i, e)
			}
			ids[e] = ShaderID(len(p.Exports))
			p.Exports = append(p.Exports, e)
		}
	}
	resolve := func(name string) (string, error) {
		if name == "" {
			return "", nil
		}
		id, ok := ids[name]
		if !ok {
			return "", fmt.Errorf("unknown export %q", name)
		}
		return id, nil
	}
	for i, hg := range desc.HitGroups {
		if hg == (HitGroupDesc{}) {
			return nil, fmt.Errorf("hit group %d: no shaders", i)
		}
		var r HitGroupDesc
		var err error
		if r.ClosestHit, err = resolve(hg.ClosestHit); err == nil {
			if r.AnyHit, err = resolve(hg.AnyHit); err == nil {
				r.Intersection, err = resolve(hg.Intersection)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("hit group %d: %w", i, err)
		}
		p.HitGroups = append(p.HitGroups, r)
	}
	if len(desc.Records) == 0 {
		return nil, errNoRecords
	}
	p.Table = make([]ShaderTableEntry, len(desc.Records))
	for i, rec := range desc.Records {
		switch rec.Type {
		case Raygen, Miss:
			if rec.Index < 0 || rec.Index >= len(p.Exports) {
				return nil, fmt.Errorf("record %d: export index %d out of range", i, rec.Index)
			}
			p.Table[i] = ShaderTableEntry{rec.Type, ShaderID(rec.Index)}
		case HitGroup:
			if rec.Index < 0 || rec.Index >= len(p.HitGroups) {
				return nil, fmt.Errorf("record %d: hit group index %d out of range", i, rec.Index)
			}
			p.Table[i] = ShaderTableEntry{rec.Type, HitGroupID(rec.Index)}
		default:
			return nil, fmt.Errorf("record %d: unknown record type %d", i, int(rec.Type))
		}
	}
	return p, nil
}

// IDs returns every shader and hit group identifier of
// p, exports first.
func (p *RTProgram) IDs() []string {
	ids := make([]string, 0, len(p.Exports)+len(p.HitGroups))
	for i := range p.Exports {
		ids = append(ids, ShaderID(i))
	}
	for i := range p.HitGroups {
		ids = append(ids, HitGroupID(i))
	}
	return ids
}

// LayShaderTable writes the identifier of every entry of
// table into dst, at i*stride.
// It panics if dst is too small or if ident does not know
// an entry's identifier.
func LayShaderTable(dst []byte, table []ShaderTableEntry, stride int, ident func(string) ([]byte, bool)) {
	if len(dst) < len(table)*stride {
		panic("driver: shader table destination too small")
	}
	for i, e := range table {
		b, ok := ident(e.ShaderID)
		if !ok || len(b) > stride {
			panic("driver: bad shader identifier for " + e.ShaderID)
		}
		rec := dst[i*stride : (i+1)*stride]
		n := copy(rec, b)
		clear(rec[n:])
	}
}
