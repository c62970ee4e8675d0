// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func rtDesc() *RTPSODesc {
	return &RTPSODesc{
		Libraries: []ShaderLibrary{
			{Bytecode: []byte{1}, Exports: []string{"rgen", "miss"}},
			{Bytecode: []byte{2}, Exports: []string{"chit", "ahit", "isect"}},
		},
		HitGroups: []HitGroupDesc{
			{ClosestHit: "chit"},
			{ClosestHit: "chit", AnyHit: "ahit", Intersection: "isect"},
		},
		Records: []ShaderRecordDesc{
			{Raygen, 0},
			{Miss, 1},
			{HitGroup, 1},
			{HitGroup, 0},
		},
	}
}

func TestNewRTProgram(t *testing.T) {
	p, err := NewRTProgram(rtDesc())
	if err != nil {
		t.Fatalf("NewRTProgram:\nhave %v\nwant nil", err)
	}
	if want := []string{"rgen", "miss", "chit", "ahit", "isect"}; !reflect.DeepEqual(p.Exports, want) {
		t.Fatalf("RTProgram.Exports:\nhave %v\nwant %v", p.Exports, want)
	}
	wantHG := []HitGroupDesc{
		{ClosestHit: "shdr2"},
		{ClosestHit: "shdr2", AnyHit: "shdr3", Intersection: "shdr4"},
	}
	if !reflect.DeepEqual(p.HitGroups, wantHG) {
		t.Fatalf("RTProgram.HitGroups:\nhave %v\nwant %v", p.HitGroups, wantHG)
	}
	wantTable := []ShaderTableEntry{
		{Raygen, "shdr0"},
		{Miss, "shdr1"},
		{HitGroup, "htgrp1"},
		{HitGroup, "htgrp0"},
	}
	if !reflect.DeepEqual(p.Table, wantTable) {
		t.Fatalf("RTProgram.Table:\nhave %v\nwant %v", p.Table, wantTable)
	}
	wantIDs := []string{"shdr0", "shdr1", "shdr2", "shdr3", "shdr4", "htgrp0", "htgrp1"}
	if ids := p.IDs(); !reflect.DeepEqual(ids, wantIDs) {
		t.Fatalf("RTProgram.IDs:\nhave %v\nwant %v", ids, wantIDs)
	}
}

func TestNewRTProgramInvalid(t *testing.T) {
	cases := []struct {
		edit func(d *RTPSODesc)
		msg  string
	}{
		{func(d *RTPSODesc) { d.Libraries[1].Bytecode = nil }, "library 1: empty bytecode"},
		{func(d *RTPSODesc) { d.Libraries[0].Exports[1] = "" }, "library 0: empty export name"},
		{func(d *RTPSODesc) { d.Libraries[1].Exports[0] = "rgen" }, `library 1: duplicate export "rgen"`},
		{func(d *RTPSODesc) { d.HitGroups[0] = HitGroupDesc{} }, "hit group 0: no shaders"},
		{func(d *RTPSODesc) { d.HitGroups[1].AnyHit = "nope" }, `hit group 1: unknown export "nope"`},
		{func(d *RTPSODesc) { d.Records = nil }, "no shader records"},
		{func(d *RTPSODesc) { d.Records[1].Index = 5 }, "record 1: export index 5 out of range"},
		{func(d *RTPSODesc) { d.Records[2].Index = -1 }, "record 2: hit group index -1 out of range"},
		{func(d *RTPSODesc) { d.Records[3].Type = RecordType(9) }, "record 3: unknown record type 9"},
	}
	for _, c := range cases {
		d := rtDesc()
		c.edit(d)
		p, err := NewRTProgram(d)
		if err == nil || p != nil || !strings.Contains(err.Error(), c.msg) {
			t.Errorf("NewRTProgram:\nhave %v, %v\nwant nil, %s", p, err, c.msg)
		}
	}
}

func TestLayShaderTable(t *testing.T) {
	table := []ShaderTableEntry{{Raygen, "a"}, {Miss, "bb"}}
	ident := func(id string) ([]byte, bool) {
		switch id {
		case "a":
			return []byte{1, 2}, true
		case "bb":
			return []byte{3, 4, 5}, true
		}
		return nil, false
	}
	dst := bytes.Repeat([]byte{0xff}, 8)
	LayShaderTable(dst, table, 4, ident)
	if want := []byte{1, 2, 0, 0, 3, 4, 5, 0}; !bytes.Equal(dst, want) {
		t.Fatalf("LayShaderTable:\nhave %v\nwant %v", dst, want)
	}

	for _, f := range [...]func(){
		func() { LayShaderTable(dst[:7], table, 4, ident) },
		func() { LayShaderTable(dst, table, 2, ident) },
		func() { LayShaderTable(dst, []ShaderTableEntry{{HitGroup, "c"}}, 4, ident) },
	} {
		if !panics(f) {
			t.Error("LayShaderTable: should have panicked")
		}
	}
}

// panics reports whether f panics.
func panics(f func()) (p bool) {
	defer func() { p = recover() != nil }()
	f()
	return
}
