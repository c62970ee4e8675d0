// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package hal

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
)

// PixelSize returns the size in bytes of a pixel of the
// given format, or zero if the format is not supported.
func PixelSize(f gputypes.TextureFormat) int64 {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4
	case gputypes.TextureFormatR8Unorm:
		return 1
	}
	return 0
}

// TextureInfo is a validated texture description.
type TextureInfo struct {
	Dim    gputypes.TextureDimension
	Size   gputypes.Extent3D
	Format gputypes.TextureFormat
	Mips   int
	Usage  driver.Usage
	// Size in bytes of every mip level.
	Bytes int64
}

// Texture2D validates desc.
// It returns an error wrapping driver.ErrResourceCreation
// if desc is invalid.
func Texture2D(desc *driver.Texture2DDesc) (TextureInfo, error) {
	return newTexture(gputypes.TextureDimension2D, desc.Width, desc.Height, 1, desc.MipLevels, desc.Format, desc.Usage)
}

// Texture3D validates desc.
// It returns an error wrapping driver.ErrResourceCreation
// if desc is invalid.
func Texture3D(desc *driver.Texture3DDesc) (TextureInfo, error) {
	return newTexture(gputypes.TextureDimension3D, desc.Width, desc.Height, desc.Depth, desc.MipLevels, desc.Format, desc.Usage)
}

func newTexture(dim gputypes.TextureDimension, w, h, d, mips int, f gputypes.TextureFormat, u driver.Usage) (TextureInfo, error) {
	pix := PixelSize(f)
	if pix == 0 {
		return TextureInfo{}, fmt.Errorf("%w: unsupported texture format %v", driver.ErrResourceCreation, f)
	}
	if w <= 0 || h <= 0 || d <= 0 {
		return TextureInfo{}, fmt.Errorf("%w: invalid texture size %dx%dx%d", driver.ErrResourceCreation, w, h, d)
	}
	if mips <= 0 || mips > MaxMips(w, h, d) {
		return TextureInfo{}, fmt.Errorf("%w: invalid mip level count %d", driver.ErrResourceCreation, mips)
	}
	var n int64
	for m := range mips {
		n += int64(max(1, w>>m)) * int64(max(1, h>>m)) * int64(max(1, d>>m)) * pix
	}
	return TextureInfo{
		Dim:    dim,
		Size:   gputypes.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: uint32(d)},
		Format: f,
		Mips:   mips,
		Usage:  u,
		Bytes:  n,
	}, nil
}

// MaxMips returns the length of the full mip chain of a
// texture of the given size.
func MaxMips(w, h, d int) int {
	n := 1
	for x := max(w, h, d); x > 1; x >>= 1 {
		n++
	}
	return n
}
