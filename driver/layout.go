// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"fmt"
	"math"
)

// RangeType is the type of a descriptor range.
type RangeType int

// Range types.
const (
	// Constant buffer view.
	CBV RangeType = iota
	// Shader resource view.
	SRV
	// Unordered access view.
	UAV
	// Sampler.
	Sampler
)

// String implements fmt.Stringer.
func (t RangeType) String() string {
	switch t {
	case CBV:
		return "CBV"
	case SRV:
		return "SRV"
	case UAV:
		return "UAV"
	case Sampler:
		return "Sampler"
	}
	return fmt.Sprintf("RangeType(%d)", int(t))
}

// DescriptorRangeDesc describes one homogeneous run of
// descriptors within a descriptor space.
type DescriptorRangeDesc struct {
	Type             RangeType
	BaseRegisterSlot int
	DescriptorsCount int
}

// DescriptorSpaceDesc describes a logical binding space.
// Its ranges are laid out contiguously, starting at
// OffsetInDescriptorsFromTableStart slots from the start
// of the backing table.
// A range's absolute slot is its BaseRegisterSlot plus the
// space's OffsetInDescriptorsFromTableStart.
type DescriptorSpaceDesc struct {
	Space                             int
	OffsetInDescriptorsFromTableStart int
	RangeDescs                        []DescriptorRangeDesc
}

// ValidateLayout checks that spaces describes a valid root
// signature.
// Every space must declare at least one range, space indices
// must be unique, the ranges of a space must be either all
// of type Sampler or all of other types, and the slots of
// the ranges in a space must not overlap. Slots, counts,
// offsets and space indices must fit in 32 bits.
// It returns an error wrapping ErrInvalidLayout otherwise.
func ValidateLayout(spaces []DescriptorSpaceDesc) error {
	for i := range spaces {
		s := &spaces[i]
		if s.Space < 0 {
			return layoutErr(s.Space, -1, "negative space index")
		}
		if s.OffsetInDescriptorsFromTableStart < 0 {
			return layoutErr(s.Space, -1, "negative table offset")
		}
		if int64(s.Space) > math.MaxUint32 || int64(s.OffsetInDescriptorsFromTableStart) > math.MaxUint32 {
			return layoutErr(s.Space, -1, "value exceeds 32 bits")
		}
		if len(s.RangeDescs) == 0 {
			return layoutErr(s.Space, -1, "no ranges")
		}
		for j := range i {
			if spaces[j].Space == s.Space {
				return layoutErr(s.Space, -1, "duplicate space index")
			}
		}
		splr := s.RangeDescs[0].Type == Sampler
		for j, r := range s.RangeDescs {
			switch {
			case r.Type < CBV || r.Type > Sampler:
				return layoutErr(s.Space, j, "unknown range type")
			case r.DescriptorsCount <= 0:
				return layoutErr(s.Space, j, "empty range")
			case r.BaseRegisterSlot < 0:
				return layoutErr(s.Space, j, "negative register slot")
			case (r.Type == Sampler) != splr:
				return layoutErr(s.Space, j, "mixed sampler and non-sampler ranges")
			case int64(r.BaseRegisterSlot) > math.MaxUint32 || int64(r.DescriptorsCount) > math.MaxUint32,
				int64(s.OffsetInDescriptorsFromTableStart)+int64(r.BaseRegisterSlot)+int64(r.DescriptorsCount) > math.MaxUint32:
				return layoutErr(s.Space, j, "range exceeds 32-bit slot space")
			}
			for k := range j {
				q := s.RangeDescs[k]
				rb, qb := int64(r.BaseRegisterSlot), int64(q.BaseRegisterSlot)
				if rb < qb+int64(q.DescriptorsCount) && qb < rb+int64(r.DescriptorsCount) {
					return layoutErr(s.Space, j, fmt.Sprintf("overlaps range %d", k))
				}
			}
		}
	}
	return nil
}

func layoutErr(space, rng int, msg string) error {
	if rng < 0 {
		return fmt.Errorf("%w: space %d: %s", ErrInvalidLayout, space, msg)
	}
	return fmt.Errorf("%w: space %d, range %d: %s", ErrInvalidLayout, space, rng, msg)
}

// Layout is the CPU-side mirror of a root signature.
// It owns a copy of every range, stored contiguously, and
// records for each space the sub-slice that holds its
// ranges. It does not refer to caller memory.
// A Layout is immutable and safe for concurrent reads.
type Layout struct {
	ranges []DescriptorRangeDesc
	spaces []spaceEntry
}

// spaceEntry locates a space's ranges in Layout.ranges.
type spaceEntry struct {
	space int
	off   int
	start int
	count int
}

// NewLayout validates spaces and creates its CPU mirror.
func NewLayout(spaces []DescriptorSpaceDesc) (*Layout, error) {
	if err := ValidateLayout(spaces); err != nil {
		return nil, err
	}
	n := 0
	for i := range spaces {
		n += len(spaces[i].RangeDescs)
	}
	l := &Layout{
		ranges: make([]DescriptorRangeDesc, 0, n),
		spaces: make([]spaceEntry, len(spaces)),
	}
	for i := range spaces {
		l.spaces[i] = spaceEntry{
			space: spaces[i].Space,
			off:   spaces[i].OffsetInDescriptorsFromTableStart,
			start: len(l.ranges),
			count: len(spaces[i].RangeDescs),
		}
		l.ranges = append(l.ranges, spaces[i].RangeDescs...)
	}
	return l, nil
}

// Len returns the number of spaces in the layout.
func (l *Layout) Len() int { return len(l.spaces) }

// Ranges returns the ranges of the ith space.
// The returned slice must not be modified.
func (l *Layout) Ranges(i int) []DescriptorRangeDesc {
	e := l.spaces[i]
	return l.ranges[e.start : e.start+e.count : e.start+e.count]
}

// Space returns a copy of the description of the ith space.
func (l *Layout) Space(i int) DescriptorSpaceDesc {
	e := l.spaces[i]
	rs := make([]DescriptorRangeDesc, e.count)
	copy(rs, l.Ranges(i))
	return DescriptorSpaceDesc{
		Space:                             e.space,
		OffsetInDescriptorsFromTableStart: e.off,
		RangeDescs:                        rs,
	}
}

// Spaces returns a copy of every space description, in the
// order given at creation.
func (l *Layout) Spaces() []DescriptorSpaceDesc {
	s := make([]DescriptorSpaceDesc, len(l.spaces))
	for i := range s {
		s[i] = l.Space(i)
	}
	return s
}

// Find returns the position of the space whose index is
// space.
func (l *Layout) Find(space int) (int, bool) {
	for i := range l.spaces {
		if l.spaces[i].space == space {
			return i, true
		}
	}
	return -1, false
}

// SpaceIndex returns the logical index of the ith space.
func (l *Layout) SpaceIndex(i int) int { return l.spaces[i].space }

// TableOffset returns the OffsetInDescriptorsFromTableStart
// of the ith space.
func (l *Layout) TableOffset(i int) int { return l.spaces[i].off }

// IsSampler returns whether the ith space holds samplers.
func (l *Layout) IsSampler(i int) bool {
	return l.ranges[l.spaces[i].start].Type == Sampler
}

// Slot returns the absolute table slot of the rth range in
// the ith space.
func (l *Layout) Slot(i, r int) int {
	return l.spaces[i].off + l.Ranges(i)[r].BaseRegisterSlot
}

// Extent returns the number of heap slots referenced by the
// layout in sampler heaps (if sampler is set) or in
// CBV/SRV/UAV heaps (otherwise).
// Tables always start at the heap start, so this is one past
// the highest slot referenced.
func (l *Layout) Extent(sampler bool) int {
	n := 0
	for i := range l.spaces {
		if l.IsSampler(i) != sampler {
			continue
		}
		for r, x := range l.Ranges(i) {
			if end := l.Slot(i, r) + x.DescriptorsCount; end > n {
				n = end
			}
		}
	}
	return n
}

// Each calls f for every descriptor that the layout expects,
// in space order.
// slot is the absolute table slot of the descriptor and
// reg is its shader register.
func (l *Layout) Each(f func(space int, typ RangeType, reg, slot int)) {
	for i := range l.spaces {
		for r, x := range l.Ranges(i) {
			base := l.Slot(i, r)
			for k := range x.DescriptorsCount {
				f(l.spaces[i].space, x.Type, x.BaseRegisterSlot+k, base+k)
			}
		}
	}
}
