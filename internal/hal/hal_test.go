// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package hal

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
)

func panics(f func()) (p bool) {
	defer func() { p = recover() != nil }()
	f()
	return
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Init("test", driver.QueueCompute)
	if s := r.State(); s != driver.Recording {
		t.Fatalf("r.State:\nhave %v\nwant %v", s, driver.Recording)
	}
	if !panics(func() { r.SetHeap("SetHeap") }) {
		t.Fatal("r.SetHeap before SetPipeline: no panic")
	}
	r.SetPipeline("SetComputePSO", false, 1)
	if !panics(func() { r.Dispatch("Dispatch", false) }) {
		t.Fatal("r.Dispatch before SetHeap: no panic")
	}
	r.SetHeap("SetHeap")
	r.Dispatch("Dispatch", false)
	if !panics(func() { r.Dispatch("DispatchRays", true) }) {
		t.Fatal("r.Dispatch(rt) with compute pipeline: no panic")
	}
	r.SetPipeline("SetComputePSO", false, 0)
	r.Dispatch("Dispatch", false)

	if err := r.Close(); err != nil {
		t.Fatalf("r.Close:\nhave %v\nwant nil", err)
	}
	if err := r.Close(); !errors.Is(err, driver.ErrCmdListState) {
		t.Fatalf("r.Close:\nhave %v\nwant %v", err, driver.ErrCmdListState)
	}
	if !panics(func() { r.Begin("CopyBuffer") }) {
		t.Fatal("r.Begin after Close: no panic")
	}
	if err := SubmitAll(driver.QueueCompute, []*Recorder{&r}); err != nil {
		t.Fatalf("SubmitAll:\nhave %v\nwant nil", err)
	}
	if err := r.Reset(); !errors.Is(err, driver.ErrCmdListState) {
		t.Fatalf("r.Reset:\nhave %v\nwant %v", err, driver.ErrCmdListState)
	}
	r.Retire()
	if s := r.State(); s != driver.Retired {
		t.Fatalf("r.State:\nhave %v\nwant %v", s, driver.Retired)
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("r.Reset:\nhave %v\nwant nil", err)
	}
	if !panics(func() { r.Dispatch("Dispatch", false) }) {
		t.Fatal("r.Dispatch after Reset: no panic")
	}
}

func TestRecorderCopy(t *testing.T) {
	var r Recorder
	r.Init("test", driver.QueueCopy)
	r.Begin("CopyBuffer")
	if !panics(func() { r.Work("BuildBLAS") }) {
		t.Fatal("r.Work on copy queue: no panic")
	}
}

func TestSubmitAll(t *testing.T) {
	var a, b, c Recorder
	a.Init("test", driver.QueueDirect)
	b.Init("test", driver.QueueDirect)
	c.Init("test", driver.QueueCompute)
	a.Close()
	c.Close()
	if err := SubmitAll(driver.QueueDirect, []*Recorder{&a, &b}); !errors.Is(err, driver.ErrSubmission) {
		t.Fatalf("SubmitAll:\nhave %v\nwant %v", err, driver.ErrSubmission)
	}
	if s := a.State(); s != driver.Closed {
		t.Fatalf("a.State:\nhave %v\nwant %v", s, driver.Closed)
	}
	if err := SubmitAll(driver.QueueDirect, []*Recorder{&a, &c}); !errors.Is(err, driver.ErrSubmission) {
		t.Fatalf("SubmitAll:\nhave %v\nwant %v", err, driver.ErrSubmission)
	}
	if s := a.State(); s != driver.Closed {
		t.Fatalf("a.State:\nhave %v\nwant %v", s, driver.Closed)
	}
}

func TestTexture(t *testing.T) {
	info, err := Texture2D(&driver.Texture2DDesc{
		Width:     4,
		Height:    2,
		MipLevels: 3,
		Format:    gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("Texture2D:\nhave %v\nwant nil", err)
	}
	// 4x2 + 2x1 + 1x1 pixels.
	if info.Bytes != 44 {
		t.Fatalf("info.Bytes:\nhave %d\nwant 44", info.Bytes)
	}
	if info.Dim != gputypes.TextureDimension2D || info.Size.DepthOrArrayLayers != 1 {
		t.Fatalf("info:\nhave %v, %v\nwant 2D, depth 1", info.Dim, info.Size)
	}
	info, err = Texture3D(&driver.Texture3DDesc{
		Width:     2,
		Height:    2,
		Depth:     2,
		MipLevels: 2,
		Format:    gputypes.TextureFormatR8Unorm,
	})
	if err != nil || info.Bytes != 9 {
		t.Fatalf("Texture3D:\nhave %d, %v\nwant 9, nil", info.Bytes, err)
	}
	for _, d := range [...]driver.Texture2DDesc{
		{Width: 4, Height: 4, MipLevels: 1, Format: gputypes.TextureFormatDepth24PlusStencil8},
		{Width: 0, Height: 4, MipLevels: 1, Format: gputypes.TextureFormatRGBA8Unorm},
		{Width: 4, Height: 4, MipLevels: 0, Format: gputypes.TextureFormatRGBA8Unorm},
		{Width: 4, Height: 4, MipLevels: 4, Format: gputypes.TextureFormatRGBA8Unorm},
	} {
		if _, err := Texture2D(&d); !errors.Is(err, driver.ErrResourceCreation) {
			t.Fatalf("Texture2D(%v):\nhave %v\nwant %v", d, err, driver.ErrResourceCreation)
		}
	}
}
