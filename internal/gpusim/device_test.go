// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gpusim

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestDevice(mem int64) (*Device, *test.Hook) {
	log, hook := test.NewNullLogger()
	return New(Config{Name: "test", Memory: mem, Log: logrus.NewEntry(log)}), hook
}

func TestAlloc(t *testing.T) {
	d, _ := newTestDevice(1 << 20)
	defer d.Close()
	a, err := d.Alloc(100, 256)
	if err != nil {
		t.Fatalf("d.Alloc:\nhave %v\nwant nil", err)
	}
	if a.VA != BaseVA {
		t.Fatalf("a.VA:\nhave %#x\nwant %#x", a.VA, BaseVA)
	}
	if n := len(a.Data); n != PageSize {
		t.Fatalf("len(a.Data):\nhave %d\nwant %d", n, PageSize)
	}
	b, err := d.Alloc(PageSize+1, 0)
	if err != nil {
		t.Fatalf("d.Alloc:\nhave %v\nwant nil", err)
	}
	if b.VA != BaseVA+PageSize {
		t.Fatalf("b.VA:\nhave %#x\nwant %#x", b.VA, BaseVA+PageSize)
	}
	if n := d.Allocated(); n != 3 {
		t.Fatalf("d.Allocated:\nhave %d\nwant 3", n)
	}
	if a.ID == b.ID {
		t.Fatal("a.ID == b.ID")
	}
	if x, ok := d.Lookup(b.ID); !ok || x != b {
		t.Fatalf("d.Lookup:\nhave %p, %t\nwant %p, true", x, ok, b)
	}
	d.Free(a)
	d.Free(a)
	if n := d.Allocated(); n != 2 {
		t.Fatalf("d.Allocated:\nhave %d\nwant 2", n)
	}
	c, err := d.Alloc(1, 1)
	if err != nil || c.VA != BaseVA {
		t.Fatalf("d.Alloc:\nhave %#x, %v\nwant %#x, nil", c.VA, err, BaseVA)
	}
}

func TestAllocFail(t *testing.T) {
	d, _ := newTestDevice(4 * PageSize)
	defer d.Close()
	for _, x := range [...]struct {
		size, align int64
	}{
		{0, 0},
		{-1, 0},
		{1, 3},
		{1, 2 * PageSize},
	} {
		if _, err := d.Alloc(x.size, x.align); err == nil {
			t.Fatalf("d.Alloc(%d, %d):\nhave nil\nwant error", x.size, x.align)
		}
	}
	if _, err := d.Alloc(5*PageSize, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("d.Alloc:\nhave %v\nwant %v", err, ErrOutOfMemory)
	}
	if _, err := d.Alloc(4*PageSize, 0); err != nil {
		t.Fatalf("d.Alloc:\nhave %v\nwant nil", err)
	}
	if _, err := d.Alloc(1, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("d.Alloc:\nhave %v\nwant %v", err, ErrOutOfMemory)
	}
}

func TestResolve(t *testing.T) {
	d, hook := newTestDevice(0)
	defer d.Close()
	a, _ := d.Alloc(1024, 0)
	a.Data[512] = 42
	mem, err := d.Resolve(a.VA+512, 16)
	if err != nil {
		t.Fatalf("d.Resolve:\nhave %v\nwant nil", err)
	}
	if len(mem) != 16 || mem[0] != 42 {
		t.Fatalf("d.Resolve:\nhave %v\nwant [42 ...] (16)", mem)
	}
	mem[1] = 7
	if a.Data[513] != 7 {
		t.Fatal("d.Resolve: view does not alias allocation memory")
	}
	for _, x := range [...]struct {
		va   uint64
		size int64
	}{
		{0, 1},
		{a.VA + PageSize, 1},
		{a.VA + PageSize - 4, 8},
		{a.VA - 1, 1},
	} {
		if _, err := d.Resolve(x.va, x.size); !errors.Is(err, ErrFault) {
			t.Fatalf("d.Resolve(%#x, %d):\nhave %v\nwant %v", x.va, x.size, err, ErrFault)
		}
	}
	if n := d.Faults(); n != 4 {
		t.Fatalf("d.Faults:\nhave %d\nwant 4", n)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.ErrorLevel {
		t.Fatalf("hook.LastEntry:\nhave %v\nwant error entry", e)
	}
}

func TestClose(t *testing.T) {
	d, _ := newTestDevice(0)
	q := d.NewQueue("q")
	d.Alloc(1, 0)
	d.Close()
	d.Close()
	if !d.Lost() {
		t.Fatal("d.Lost:\nhave false\nwant true")
	}
	if _, err := d.Alloc(1, 0); !errors.Is(err, ErrLost) {
		t.Fatalf("d.Alloc:\nhave %v\nwant %v", err, ErrLost)
	}
	if _, err := q.Submit(&Batch{}); !errors.Is(err, ErrLost) {
		t.Fatalf("q.Submit:\nhave %v\nwant %v", err, ErrLost)
	}
	if n := d.Allocated(); n != 0 {
		t.Fatalf("d.Allocated:\nhave %d\nwant 0", n)
	}
}
