// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"encoding/binary"
	"fmt"

	"github.com/gviegas/rhino/driver"
)

// D3D12_DESCRIPTOR_RANGE_TYPE.
const (
	RangeTypeSRV     = 0
	RangeTypeUAV     = 1
	RangeTypeCBV     = 2
	RangeTypeSampler = 3
)

// D3D12_ROOT_PARAMETER_TYPE_DESCRIPTOR_TABLE.
const ParameterDescriptorTable = 0

// D3D12_SHADER_VISIBILITY_ALL.
const VisibilityAll = 0

// D3D12_DESCRIPTOR_RANGE_FLAGS.
const (
	RangeFlagDescriptorsVolatile = 0x1
	RangeFlagDataVolatile        = 0x2
)

// D3D_ROOT_SIGNATURE_VERSION_1_1.
const rootSignatureVersion1_1 = 2

// DescriptorRange1 is a D3D12_DESCRIPTOR_RANGE1.
type DescriptorRange1 struct {
	RangeType                         uint32
	NumDescriptors                    uint32
	BaseShaderRegister                uint32
	RegisterSpace                     uint32
	Flags                             uint32
	OffsetInDescriptorsFromTableStart uint32
}

// RootParameter1 is a D3D12_ROOT_PARAMETER1 of type
// descriptor table.
type RootParameter1 struct {
	ParameterType    uint32
	ShaderVisibility uint32
	Ranges           []DescriptorRange1
}

// RootSignatureDesc1 is a D3D12_ROOT_SIGNATURE_DESC1 with no
// static samplers.
type RootSignatureDesc1 struct {
	Parameters []RootParameter1
	Flags      uint32
}

var rts0 = [4]byte{'R', 'T', 'S', '0'}

const (
	rtsHeaderSize = 24
	rtsParamSize  = 12
	rtsTableSize  = 8
	rtsRangeSize  = 24
)

// nativeRange returns the D3D12 range type of t.
func nativeRange(t driver.RangeType) uint32 {
	switch t {
	case driver.CBV:
		return RangeTypeCBV
	case driver.SRV:
		return RangeTypeSRV
	case driver.UAV:
		return RangeTypeUAV
	case driver.Sampler:
		return RangeTypeSampler
	}
	panic("unreachable")
}

// rangeType returns the driver range type of a D3D12 range
// type.
func rangeType(t uint32) driver.RangeType {
	switch t {
	case RangeTypeCBV:
		return driver.CBV
	case RangeTypeSRV:
		return driver.SRV
	case RangeTypeUAV:
		return driver.UAV
	}
	return driver.Sampler
}

// translateLayout creates one descriptor table parameter
// per space of l.
func translateLayout(l *driver.Layout) *RootSignatureDesc1 {
	desc := &RootSignatureDesc1{Parameters: make([]RootParameter1, l.Len())}
	for i := range l.Len() {
		rs := l.Ranges(i)
		p := RootParameter1{
			ParameterType:    ParameterDescriptorTable,
			ShaderVisibility: VisibilityAll,
			Ranges:           make([]DescriptorRange1, len(rs)),
		}
		flags := uint32(RangeFlagDescriptorsVolatile)
		if !l.IsSampler(i) {
			flags |= RangeFlagDataVolatile
		}
		for r, x := range rs {
			p.Ranges[r] = DescriptorRange1{
				RangeType:                         nativeRange(x.Type),
				NumDescriptors:                    uint32(x.DescriptorsCount),
				BaseShaderRegister:                uint32(x.BaseRegisterSlot),
				RegisterSpace:                     uint32(l.SpaceIndex(i)),
				Flags:                             flags,
				OffsetInDescriptorsFromTableStart: uint32(l.Slot(i, r)),
			}
		}
		desc.Parameters[i] = p
	}
	return desc
}

// SerializeRootSignature serializes desc as a version 1.1
// root signature blob.
func SerializeRootSignature(desc *RootSignatureDesc1) ([]byte, error) {
	n := len(desc.Parameters)
	size := rtsHeaderSize + n*rtsParamSize
	for _, p := range desc.Parameters {
		if p.ParameterType != ParameterDescriptorTable {
			return nil, fmt.Errorf("%w: unsupported root parameter type %d", driver.ErrInvalidLayout, p.ParameterType)
		}
		if len(p.Ranges) == 0 {
			return nil, fmt.Errorf("%w: empty descriptor table", driver.ErrInvalidLayout)
		}
		size += rtsTableSize + len(p.Ranges)*rtsRangeSize
	}
	b := make([]byte, 0, size)
	le := binary.LittleEndian
	b = le.AppendUint32(b, rootSignatureVersion1_1)
	b = le.AppendUint32(b, uint32(n))
	b = le.AppendUint32(b, rtsHeaderSize)
	b = le.AppendUint32(b, 0)
	b = le.AppendUint32(b, uint32(size))
	b = le.AppendUint32(b, desc.Flags)
	off := rtsHeaderSize + n*rtsParamSize
	for _, p := range desc.Parameters {
		b = le.AppendUint32(b, p.ParameterType)
		b = le.AppendUint32(b, p.ShaderVisibility)
		b = le.AppendUint32(b, uint32(off))
		off += rtsTableSize + len(p.Ranges)*rtsRangeSize
	}
	off = rtsHeaderSize + n*rtsParamSize
	for _, p := range desc.Parameters {
		b = le.AppendUint32(b, uint32(len(p.Ranges)))
		b = le.AppendUint32(b, uint32(off+rtsTableSize))
		for _, r := range p.Ranges {
			b = le.AppendUint32(b, r.RangeType)
			b = le.AppendUint32(b, r.NumDescriptors)
			b = le.AppendUint32(b, r.BaseShaderRegister)
			b = le.AppendUint32(b, r.RegisterSpace)
			b = le.AppendUint32(b, r.Flags)
			b = le.AppendUint32(b, r.OffsetInDescriptorsFromTableStart)
		}
		off += rtsTableSize + len(p.Ranges)*rtsRangeSize
	}
	return writeContainer([]part{{rts0, b}}), nil
}

// ParseRootSignature decodes a blob created by
// SerializeRootSignature.
// It fails with driver.ErrInvalidLayout if the blob is
// corrupt.
func ParseRootSignature(blob []byte) (*RootSignatureDesc1, error) {
	parts, err := readContainer(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrInvalidLayout, err)
	}
	var b []byte
	for _, p := range parts {
		if p.fourCC == rts0 {
			b = p.data
			break
		}
	}
	bad := func(what string) error {
		return fmt.Errorf("%w: malformed RTS0 part: %s", driver.ErrInvalidLayout, what)
	}
	if b == nil {
		return nil, bad("missing")
	}
	if len(b) < rtsHeaderSize {
		return nil, bad("short header")
	}
	le := binary.LittleEndian
	if v := le.Uint32(b); v != rootSignatureVersion1_1 {
		return nil, bad(fmt.Sprintf("unsupported version %d", v))
	}
	n := int(le.Uint32(b[4:]))
	poff := int(le.Uint32(b[8:]))
	if le.Uint32(b[12:]) != 0 {
		return nil, bad("static samplers")
	}
	if n < 0 || poff < rtsHeaderSize || poff+n*rtsParamSize > len(b) {
		return nil, bad("parameters out of bounds")
	}
	desc := &RootSignatureDesc1{
		Parameters: make([]RootParameter1, n),
		Flags:      le.Uint32(b[20:]),
	}
	for i := range desc.Parameters {
		pb := b[poff+i*rtsParamSize:]
		p := &desc.Parameters[i]
		p.ParameterType = le.Uint32(pb)
		p.ShaderVisibility = le.Uint32(pb[4:])
		if p.ParameterType != ParameterDescriptorTable {
			return nil, bad(fmt.Sprintf("parameter %d: unsupported type %d", i, p.ParameterType))
		}
		toff := int(le.Uint32(pb[8:]))
		if toff < 0 || toff+rtsTableSize > len(b) {
			return nil, bad(fmt.Sprintf("parameter %d: table out of bounds", i))
		}
		nr := int(le.Uint32(b[toff:]))
		roff := int(le.Uint32(b[toff+4:]))
		if nr <= 0 || roff < 0 || roff+nr*rtsRangeSize > len(b) {
			return nil, bad(fmt.Sprintf("parameter %d: ranges out of bounds", i))
		}
		p.Ranges = make([]DescriptorRange1, nr)
		for r := range p.Ranges {
			rb := b[roff+r*rtsRangeSize:]
			p.Ranges[r] = DescriptorRange1{
				RangeType:                         le.Uint32(rb),
				NumDescriptors:                    le.Uint32(rb[4:]),
				BaseShaderRegister:                le.Uint32(rb[8:]),
				RegisterSpace:                     le.Uint32(rb[12:]),
				Flags:                             le.Uint32(rb[16:]),
				OffsetInDescriptorsFromTableStart: le.Uint32(rb[20:]),
			}
			if p.Ranges[r].RangeType > RangeTypeSampler {
				return nil, bad(fmt.Sprintf("parameter %d: bad range type", i))
			}
		}
	}
	return desc, nil
}

// rootSignature implements driver.RootSignature.
type rootSignature struct {
	g      *GPU
	layout *driver.Layout
	blob   []byte
	// The device's view of blob.
	native *RootSignatureDesc1
}

// NewRootSignature creates a new root signature.
func (g *GPU) NewRootSignature(spaces []driver.DescriptorSpaceDesc) (driver.RootSignature, error) {
	l, err := driver.NewLayout(spaces)
	if err != nil {
		return nil, err
	}
	if l.Len() > maxRootParameters {
		return nil, fmt.Errorf("%w: %d spaces exceed the limit of %d", driver.ErrInvalidLayout, l.Len(), maxRootParameters)
	}
	blob, err := SerializeRootSignature(translateLayout(l))
	if err != nil {
		return nil, err
	}
	// ID3D12Device::CreateRootSignature.
	native, err := ParseRootSignature(blob)
	if err != nil {
		return nil, err
	}
	return &rootSignature{g: g, layout: l, blob: blob, native: native}, nil
}

// Layout implements driver.RootSignature.
func (r *rootSignature) Layout() *driver.Layout { return r.layout }

// API implements driver.RootSignature.
func (r *rootSignature) API() driver.API { return driver.D3D12 }

// Blob returns the serialized root signature.
func (r *rootSignature) Blob() []byte { return r.blob }

// Destroy implements driver.Destroyer.
func (r *rootSignature) Destroy() { *r = rootSignature{} }
