// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package bitvec defines a bit vector type used to track
// page allocation and descriptor slot occupancy.
package bitvec

import (
	"math/bits"
)

const nbit = 64

// V is a growable bit vector.
// The zero value is an empty vector.
type V struct {
	s   []uint64
	rem int
}

// New returns a vector with at least n unset bits.
func New(n int) *V {
	v := &V{}
	v.Grow((n + nbit - 1) / nbit)
	return v
}

// Len returns the number of bits in the vector.
func (v *V) Len() int { return len(v.s) * nbit }

// Rem returns the number of unset bits in the vector.
func (v *V) Rem() int { return v.rem }

// Grow appends nplus words of unset bits to the vector.
// It returns the index of the first appended bit.
func (v *V) Grow(nplus int) (index int) {
	index = v.Len()
	if nplus > 0 {
		v.rem += nplus * nbit
		v.s = append(v.s, make([]uint64, nplus)...)
	}
	return
}

// Set sets a given bit.
func (v *V) Set(index int) {
	i, b := index/nbit, uint64(1)<<(index%nbit)
	if v.s[i]&b == 0 {
		v.s[i] |= b
		v.rem--
	}
}

// Unset unsets a given bit.
func (v *V) Unset(index int) {
	i, b := index/nbit, uint64(1)<<(index%nbit)
	if v.s[i]&b != 0 {
		v.s[i] &^= b
		v.rem++
	}
}

// IsSet checks whether a given bit is set.
func (v *V) IsSet(index int) bool {
	return v.s[index/nbit]&(1<<(index%nbit)) != 0
}

// SetRange sets the bits in [index, index+n).
func (v *V) SetRange(index, n int) {
	for i := index; i < index+n; i++ {
		v.Set(i)
	}
}

// UnsetRange unsets the bits in [index, index+n).
func (v *V) UnsetRange(index, n int) {
	for i := index; i < index+n; i++ {
		v.Unset(i)
	}
}

// AllSet checks whether every bit in [index, index+n) is
// set.
func (v *V) AllSet(index, n int) bool {
	for i := index; i < index+n; i++ {
		if !v.IsSet(i) {
			return false
		}
	}
	return true
}

// SearchRange attempts to locate a contiguous range of n
// unset bits.
// If ok is true, then every bit in [index, index+n) is
// unset.
func (v *V) SearchRange(n int) (index int, ok bool) {
	if n <= 0 || v.rem < n {
		return
	}
	run := 0
	for i, x := range v.s {
		switch x {
		case ^uint64(0):
			run = 0
			continue
		case 0:
			if run+nbit >= n {
				return i*nbit - run, true
			}
			run += nbit
			continue
		}
		for b := range nbit {
			if x&(1<<b) != 0 {
				run = 0
				continue
			}
			run++
			if run == n {
				return i*nbit + b + 1 - n, true
			}
		}
	}
	return
}

// Count returns the number of set bits in the vector.
func (v *V) Count() int {
	n := 0
	for _, x := range v.s {
		n += bits.OnesCount64(x)
	}
	return n
}

// Clear unsets every bit in the vector.
func (v *V) Clear() {
	clear(v.s)
	v.rem = v.Len()
}
