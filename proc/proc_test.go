package proc

import (
	"path/filepath"
	"testing"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/limits"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/swap"
	"github.com/CS161/tapiros/tlb"
	"github.com/CS161/tapiros/vm"
)

func mksystem(t *testing.T) (*vm.Vm_t, *tlb.Machine_t, *Ptable_t) {
	t.Helper()
	rampages := 32
	phys := mem.Phys_init(rampages)
	mach := tlb.Mkmachine(2)
	mach.Start()
	sw, err := swap.Mkswap(filepath.Join(t.TempDir(), "swap"), 256)
	if err != nil {
		t.Fatal(err)
	}
	lim := limits.MkSyslimit(rampages)
	v := vm.Mkvm(phys, sw, mach, lim)
	t.Cleanup(func() {
		mach.Stop()
		sw.Close()
	})
	return v, mach, MkPtable(lim)
}

func TestPtable(t *testing.T) {
	v, _, pt := mksystem(t)

	p, err := pt.Mkproc()
	if err != 0 {
		t.Fatalf("mkproc: %v", err)
	}
	if got, ok := pt.Lookup(p.Pid); !ok || got != p {
		t.Fatalf("lookup failed")
	}
	p.Exit(v)
	if _, ok := pt.Lookup(p.Pid); ok {
		t.Fatalf("exited process still in table")
	}
}

func TestForkCopiesImage(t *testing.T) {
	v, mach, pt := mksystem(t)
	cpu := mach.Cpu(0)

	parent, err := pt.Mkproc()
	if err != 0 {
		t.Fatalf("mkproc: %v", err)
	}
	if errc := v.As_define_region(parent.As, 0x40_0000, uint32(mem.PGSIZE), true, true, false); errc != 0 {
		t.Fatalf("define region: %v", errc)
	}
	if errc := v.Fault(cpu, parent.As, defs.FAULT_WRITE, vm.USERSTACK-8); errc != 0 {
		t.Fatalf("fault: %v", errc)
	}

	child, err := parent.Fork(v)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.Pid == parent.Pid {
		t.Fatalf("fork reused the pid")
	}
	// the child's copies are resident and independent
	if errc := v.Fault(cpu, child.As, defs.FAULT_READ, 0x40_0000); errc != 0 {
		t.Fatalf("child fault on copied region: %v", errc)
	}
	hb, ht := child.As.Heapbounds()
	phb, pht := parent.As.Heapbounds()
	if hb != phb || ht != pht {
		t.Fatalf("heap bounds not copied")
	}

	child.Exit(v)
	parent.Exit(v)
	if v.Cmcounts().User != 0 {
		t.Fatalf("user pages leaked after exits")
	}
}

func TestHashtable(t *testing.T) {
	ht := MkHash(16)
	for i := 0; i < 100; i++ {
		ht.Set(i, i*10)
	}
	if ht.Size() != 100 {
		t.Fatalf("size = %v", ht.Size())
	}
	for i := 0; i < 100; i++ {
		v, ok := ht.Get(i)
		if !ok || v.(int) != i*10 {
			t.Fatalf("get %v = %v, %v", i, v, ok)
		}
	}
	ht.Set(7, 99)
	if v, _ := ht.Get(7); v.(int) != 99 {
		t.Fatalf("overwrite failed")
	}
	ht.Del(7)
	if _, ok := ht.Get(7); ok {
		t.Fatalf("delete failed")
	}
	if ht.Size() != 99 {
		t.Fatalf("size after delete = %v", ht.Size())
	}
}
