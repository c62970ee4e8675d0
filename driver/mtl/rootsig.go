// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
)

// IRRootSignatureVersion_1_1.
const irRootSignatureVersion1_1 = 2

// IRRootParameterTypeDescriptorTable.
const irParameterDescriptorTable = 0

// IRShaderVisibilityAll.
const irVisibilityAll = 0

// IRDescriptorRangeType.
const (
	irRangeSRV     = 0
	irRangeUAV     = 1
	irRangeCBV     = 2
	irRangeSampler = 3
)

// Each root parameter takes one GPU address in the
// top-level argument buffer.
const rootParameterSize = 8

// irDescriptorRange1 is an IRDescriptorRange1.
type irDescriptorRange1 struct {
	rangeType                         uint32
	numDescriptors                    uint32
	baseShaderRegister                uint32
	registerSpace                     uint32
	offsetInDescriptorsFromTableStart uint32
}

// irRootParameter1 is an IRRootParameter1 of type
// descriptor table.
type irRootParameter1 struct {
	parameterType    uint32
	shaderVisibility uint32
	ranges           []irDescriptorRange1
}

// irRootSignature is an IRVersionedRootSignatureDescriptor
// created with IRRootSignatureCreateFromDescriptor.
type irRootSignature struct {
	version    uint32
	parameters []irRootParameter1
}

func irRange(t driver.RangeType) uint32 {
	switch t {
	case driver.CBV:
		return irRangeCBV
	case driver.SRV:
		return irRangeSRV
	case driver.UAV:
		return irRangeUAV
	}
	return irRangeSampler
}

// newIRRootSignature creates one descriptor table parameter
// per space of l.
func newIRRootSignature(l *driver.Layout) *irRootSignature {
	sig := &irRootSignature{
		version:    irRootSignatureVersion1_1,
		parameters: make([]irRootParameter1, l.Len()),
	}
	for i := range l.Len() {
		rs := l.Ranges(i)
		p := irRootParameter1{
			parameterType:    irParameterDescriptorTable,
			shaderVisibility: irVisibilityAll,
			ranges:           make([]irDescriptorRange1, len(rs)),
		}
		for r, x := range rs {
			p.ranges[r] = irDescriptorRange1{
				rangeType:                         irRange(x.Type),
				numDescriptors:                    uint32(x.DescriptorsCount),
				baseShaderRegister:                uint32(x.BaseRegisterSlot),
				registerSpace:                     uint32(l.SpaceIndex(i)),
				offsetInDescriptorsFromTableStart: uint32(l.Slot(i, r)),
			}
		}
		sig.parameters[i] = p
	}
	return sig
}

// rootSignature implements driver.RootSignature.
type rootSignature struct {
	g      *GPU
	layout *driver.Layout
	ir     *irRootSignature
	// Size of the top-level argument buffer.
	tlabSize int64
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
	return &rootSignature{
		g:        g,
		layout:   l,
		ir:       newIRRootSignature(l),
		tlabSize: int64(l.Len()) * rootParameterSize,
	}, nil
}

// Layout implements driver.RootSignature.
func (r *rootSignature) Layout() *driver.Layout { return r.layout }

// API implements driver.RootSignature.
func (r *rootSignature) API() driver.API { return driver.Metal }

// Destroy implements driver.Destroyer.
func (r *rootSignature) Destroy() { *r = rootSignature{} }
