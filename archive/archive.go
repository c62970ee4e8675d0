// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package archive implements the shader bytecode archive
// format.
//
// An archive is a header, a record table, a data region
// and a trailer. Every field is little-endian.
//
//	header   version u32, psoType u16, psoLang u16, totalSize u32
//	record   type u16, flags u16, dataOffset u32, dataSize u32
//	...
//	tableEnd type u16 (zero), padding u16
//	data     record data, each aligned to 4 bytes
//	trailer  totalSize u32
//
// dataOffset is relative to the start of the archive and
// totalSize is the size of the whole archive. Data of
// records with FlagLZ4 set is an LZ4 frame.
package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gviegas/rhino/driver"
)

// Version is the archive format version.
const Version = 1

// Sizes of fixed parts.
const (
	headerSize   = 12
	recordSize   = 12
	tableEndSize = 4
	trailerSize  = 4
)

// ErrCorrupt means that the data is not a valid archive.
var ErrCorrupt = errors.New("archive: corrupt archive")

// ErrMissingRecord means that the archive has no record
// of a required type.
var ErrMissingRecord = errors.New("archive: missing record")

// PSOType is the type of pipeline that an archive holds.
type PSOType uint16

// PSO types.
const (
	PSOCompute PSOType = iota + 1
	PSORayTracing
)

// String implements fmt.Stringer.
func (t PSOType) String() string {
	switch t {
	case PSOCompute:
		return "compute"
	case PSORayTracing:
		return "ray tracing"
	}
	return fmt.Sprintf("PSOType(%d)", uint16(t))
}

// Lang is the bytecode language of an archive.
type Lang uint16

// Bytecode languages.
const (
	LangDXIL Lang = iota + 1
	LangSPIRV
	LangMetalIR
)

// String implements fmt.Stringer.
func (l Lang) String() string {
	switch l {
	case LangDXIL:
		return "DXIL"
	case LangSPIRV:
		return "SPIR-V"
	case LangMetalIR:
		return "Metal IR"
	}
	return fmt.Sprintf("Lang(%d)", uint16(l))
}

// API returns the native API that consumes l.
func (l Lang) API() (driver.API, bool) {
	switch l {
	case LangDXIL:
		return driver.D3D12, true
	case LangSPIRV:
		return driver.Vulkan, true
	case LangMetalIR:
		return driver.Metal, true
	}
	return 0, false
}

// RecordType is the type of a record.
// Zero is reserved for the end of the record table.
type RecordType uint16

// Record types.
const (
	// Shader bytecode.
	RecBytecode RecordType = iota + 1
	// Entry point name of a compute shader.
	RecEntryPoint
	// Name of a shader exported by a library.
	RecExport
	// Hit group given as closest hit, any hit and
	// intersection export names separated by NUL.
	RecHitGroup
)

// String implements fmt.Stringer.
func (t RecordType) String() string {
	switch t {
	case RecBytecode:
		return "bytecode"
	case RecEntryPoint:
		return "entry point"
	case RecExport:
		return "export"
	case RecHitGroup:
		return "hit group"
	}
	return fmt.Sprintf("RecordType(%d)", uint16(t))
}

// Flags modify how record data is stored.
type Flags uint16

// Record flags.
const (
	FlagLZ4 Flags = 1 << iota
)

const knownFlags = FlagLZ4

// Header is the header of an archive.
type Header struct {
	Version uint32
	PSOType PSOType
	Lang    Lang
}

// Record is a decoded record.
// Data is always uncompressed.
type Record struct {
	Type  RecordType
	Flags Flags
	Data  []byte
}

// Archive is a decoded archive.
type Archive struct {
	Header
	Records []Record
	// Size of the encoded archive.
	Size int64
}

// Find returns the first record of type t.
func (a *Archive) Find(t RecordType) (Record, bool) {
	for _, r := range a.Records {
		if r.Type == t {
			return r, true
		}
	}
	return Record{}, false
}

// FindAll returns every record of type t, in order.
func (a *Archive) FindAll(t RecordType) []Record {
	var rs []Record
	for _, r := range a.Records {
		if r.Type == t {
			rs = append(rs, r)
		}
	}
	return rs
}

// Compute returns the shader code of a compute archive.
func (a *Archive) Compute() (driver.ShaderCode, error) {
	if a.PSOType != PSOCompute {
		return driver.ShaderCode{}, fmt.Errorf("archive: not a compute archive (%s)", a.PSOType)
	}
	code, ok := a.Find(RecBytecode)
	if !ok {
		return driver.ShaderCode{}, fmt.Errorf("%w: %s", ErrMissingRecord, RecBytecode)
	}
	entry, ok := a.Find(RecEntryPoint)
	if !ok {
		return driver.ShaderCode{}, fmt.Errorf("%w: %s", ErrMissingRecord, RecEntryPoint)
	}
	return driver.ShaderCode{Bytecode: code.Data, EntryPoint: string(entry.Data)}, nil
}

// Library returns the shader library and hit groups of a
// ray tracing archive.
func (a *Archive) Library() (driver.ShaderLibrary, []driver.HitGroupDesc, error) {
	if a.PSOType != PSORayTracing {
		return driver.ShaderLibrary{}, nil, fmt.Errorf("archive: not a ray tracing archive (%s)", a.PSOType)
	}
	code, ok := a.Find(RecBytecode)
	if !ok {
		return driver.ShaderLibrary{}, nil, fmt.Errorf("%w: %s", ErrMissingRecord, RecBytecode)
	}
	lib := driver.ShaderLibrary{Bytecode: code.Data}
	for _, r := range a.FindAll(RecExport) {
		lib.Exports = append(lib.Exports, string(r.Data))
	}
	if len(lib.Exports) == 0 {
		return driver.ShaderLibrary{}, nil, fmt.Errorf("%w: %s", ErrMissingRecord, RecExport)
	}
	var hgs []driver.HitGroupDesc
	for _, r := range a.FindAll(RecHitGroup) {
		s := strings.Split(string(r.Data), "\x00")
		if len(s) != 3 {
			return driver.ShaderLibrary{}, nil, fmt.Errorf("%w: hit group has %d names", ErrCorrupt, len(s))
		}
		hgs = append(hgs, driver.HitGroupDesc{ClosestHit: s[0], AnyHit: s[1], Intersection: s[2]})
	}
	return lib, hgs, nil
}

// HitGroup encodes a hit group as RecHitGroup data.
func HitGroup(hg driver.HitGroupDesc) []byte {
	return []byte(hg.ClosestHit + "\x00" + hg.AnyHit + "\x00" + hg.Intersection)
}
