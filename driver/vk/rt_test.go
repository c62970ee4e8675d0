// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

func testRTPSODesc(rs driver.RootSignature) *driver.RTPSODesc {
	return &driver.RTPSODesc{
		RootSignature: rs,
		Libraries: []driver.ShaderLibrary{
			{Bytecode: spirv(1), Exports: []string{"vkTestRaygen", "miss"}},
			{Bytecode: spirv(2), Exports: []string{"chit"}},
		},
		HitGroups:    []driver.HitGroupDesc{{ClosestHit: "chit"}},
		MaxRecursion: 1,
		Records: []driver.ShaderRecordDesc{
			{Type: driver.Raygen, Index: 0},
			{Type: driver.Miss, Index: 1},
			{Type: driver.HitGroup, Index: 0},
		},
	}
}

func TestNewRTPSO(t *testing.T) {
	rs := uavSignature(t)
	pso, err := tGPU.NewRTPSO(testRTPSODesc(rs))
	if err != nil {
		t.Fatalf("tGPU.NewRTPSO:\nhave %v\nwant nil", err)
	}
	defer pso.Destroy()
	want := []driver.ShaderTableEntry{
		{Type: driver.Raygen, ShaderID: "shdr0"},
		{Type: driver.Miss, ShaderID: "shdr1"},
		{Type: driver.HitGroup, ShaderID: "htgrp0"},
	}
	tbl := pso.ShaderTable()
	if len(tbl) != len(want) {
		t.Fatalf("pso.ShaderTable:\nhave %v\nwant %v", tbl, want)
	}
	for i := range want {
		if tbl[i] != want[i] {
			t.Fatalf("pso.ShaderTable()[%d]:\nhave %v\nwant %v", i, tbl[i], want[i])
		}
	}
	if n := pso.RecordStride(); n != 64 {
		t.Fatalf("pso.RecordStride:\nhave %d\nwant 64", n)
	}
	for _, id := range [...]string{"shdr0", "shdr1", "shdr2", "htgrp0"} {
		if b, ok := pso.ShaderIdentifier(id); !ok || len(b) != shaderGroupHandleSize {
			t.Fatalf("pso.ShaderIdentifier(%s):\nhave %d, %t\nwant %d, true", id, len(b), ok, shaderGroupHandleSize)
		}
	}
	a, _ := pso.ShaderIdentifier("shdr0")
	b, _ := pso.ShaderIdentifier("htgrp0")
	if bytes.Equal(a, b) {
		t.Fatal("pso.ShaderIdentifier: shdr0 and htgrp0 share a handle")
	}
	groups := pso.(*rtPipeline).groups
	if len(groups) != 4 || groups[3].typ != shaderGroupTrianglesHitGroup || groups[3].closestHit != 2 || groups[3].general != shaderUnused {
		t.Fatalf("rtPipeline.groups:\nhave %+v\nwant 3 general groups and a triangles hit group", groups)
	}
	if _, ok := pso.ShaderIdentifier("htgrp1"); ok {
		t.Fatal("pso.ShaderIdentifier(htgrp1):\nhave true\nwant false")
	}

	bad := []func(*driver.RTPSODesc){
		func(d *driver.RTPSODesc) { d.HitGroups[0].AnyHit = "nope" },
		func(d *driver.RTPSODesc) { d.Records[2].Index = 1 },
		func(d *driver.RTPSODesc) { d.Records[0].Index = 3 },
		func(d *driver.RTPSODesc) { d.Records = nil },
		func(d *driver.RTPSODesc) { d.MaxRecursion = maxRayRecursionDepth + 1 },
		func(d *driver.RTPSODesc) { d.Libraries[1].Bytecode = []byte("DXBC") },
		func(d *driver.RTPSODesc) { d.Libraries[1].Exports = []string{"miss"} },
	}
	for i, f := range bad {
		desc := testRTPSODesc(rs)
		f(desc)
		if _, err := tGPU.NewRTPSO(desc); !errors.Is(err, driver.ErrPipelineCompile) {
			t.Errorf("tGPU.NewRTPSO(bad desc %d):\nhave %v\nwant %v", i, err, driver.ErrPipelineCompile)
		}
	}
}

func putFloats(b []byte, f ...float32) {
	for i, x := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
}

func TestDispatchRays(t *testing.T) {
	var launch gpusim.RayLaunch
	var size [3]int
	gpusim.RegisterKernel("vkTestRaygen", func(inv *gpusim.Invocation) error {
		if inv.Rays == nil {
			return errors.New("not a ray dispatch")
		}
		launch, size = *inv.Rays, inv.Groups
		return fillKernel(inv)
	})
	defer gpusim.RegisterKernel("vkTestRaygen", nil)

	rs := uavSignature(t)
	pso, err := tGPU.NewRTPSO(testRTPSODesc(rs))
	if err != nil {
		t.Fatalf("tGPU.NewRTPSO:\nhave %v\nwant nil", err)
	}
	defer pso.Destroy()
	stride := int64(pso.RecordStride())
	tbl := newBuffer(t, 3*stride, driver.HeapUpload, driver.UShaderResource)
	pso.WriteShaderTable(tbl.Bytes())

	vtx := newBuffer(t, 36, driver.HeapUpload, driver.UShaderResource)
	putFloats(vtx.Bytes(), 0, 0, 0, 1, 0, 0, 0, 2, 0)
	blas, _ := tGPU.NewAccelStruct(&driver.AccelStructDesc{Level: driver.BottomLevel, Capacity: 1})
	defer blas.Destroy()
	tlas, _ := tGPU.NewAccelStruct(&driver.AccelStructDesc{Level: driver.TopLevel, Capacity: 1})
	defer tlas.Destroy()

	out := newBuffer(t, 64, driver.HeapUpload, driver.UUnorderedAccess)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 1)
	heap.WriteUAV(&driver.ViewDesc{Buffer: out, Stride: 4})

	cl, _ := tGPU.NewCmdList(driver.QueueDirect)
	defer cl.Destroy()
	cl.BuildBLAS(&driver.BLASBuild{Dst: blas, Vertices: vtx, VertexStride: 12, VertexCount: 3})
	cl.BuildTLAS(&driver.TLASBuild{Dst: tlas, Instances: []driver.Instance{{
		BLAS:      blas,
		Transform: [12]float32{1, 0, 0, 5, 0, 1, 0, 0, 0, 0, 1, 0},
		Mask:      0xff,
	}}})
	cl.SetRTPSO(pso)
	cl.SetHeap(heap, nil)
	cl.DispatchRays(&driver.DispatchRaysDesc{
		RayGen:   driver.ShaderTableRegion{Buffer: tbl, Offset: 0, Size: stride},
		Miss:     driver.ShaderTableRegion{Buffer: tbl, Offset: stride, Size: stride, Stride: stride},
		HitGroup: driver.ShaderTableRegion{Buffer: tbl, Offset: 2 * stride, Size: stride, Stride: stride},
		Width:    8,
		Height:   4,
	})
	if err := cl.Close(); err != nil {
		t.Fatalf("cl.Close:\nhave %v\nwant nil", err)
	}
	q := tGPU.Queue(driver.QueueDirect)
	if err := q.Submit(cl); err != nil {
		t.Fatalf("q.Submit:\nhave %v\nwant nil", err)
	}
	sem, _ := tGPU.NewSemaphore(0)
	defer sem.Destroy()
	q.SignalSemaphore(sem, 1)
	if !sem.WaitFromHost(1, 5*time.Second) {
		t.Fatal("sem.WaitFromHost:\nhave false\nwant true")
	}

	if size != [3]int{8, 4, 1} {
		t.Fatalf("launch size:\nhave %v\nwant [8 4 1]", size)
	}
	if len(launch.Miss) != 1 || launch.Miss[0].General != "miss" {
		t.Fatalf("launch.Miss:\nhave %v\nwant [{miss}]", launch.Miss)
	}
	if len(launch.HitGroups) != 1 || launch.HitGroups[0].ClosestHit != "chit" {
		t.Fatalf("launch.HitGroups:\nhave %v\nwant [{ClosestHit: chit}]", launch.HitGroups)
	}
	if x := binary.LittleEndian.Uint32(out.Bytes()[60:]); x != 15 {
		t.Fatalf("out.Bytes()[60:]:\nhave %d\nwant 15", x)
	}
	wantBLAS := driver.AABB{Min: [3]float32{0, 0, 0}, Max: [3]float32{1, 2, 0}}
	if b := blas.Bounds(); b != wantBLAS {
		t.Fatalf("blas.Bounds:\nhave %v\nwant %v", b, wantBLAS)
	}
	wantTLAS := driver.AABB{Min: [3]float32{5, 0, 0}, Max: [3]float32{6, 2, 0}}
	if b := tlas.Bounds(); b != wantTLAS {
		t.Fatalf("tlas.Bounds:\nhave %v\nwant %v", b, wantTLAS)
	}
}
