package vm

import (
	"path/filepath"
	"testing"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/limits"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/swap"
	"github.com/CS161/tapiros/tlb"
)

func mktestvm(t *testing.T, rampages, swappages, ncpus int) *Vm_t {
	t.Helper()
	phys := mem.Phys_init(rampages)
	mach := tlb.Mkmachine(ncpus)
	mach.Start()
	sw, err := swap.Mkswap(filepath.Join(t.TempDir(), "swap"), swappages)
	if err != nil {
		t.Fatal(err)
	}
	v := Mkvm(phys, sw, mach, limits.MkSyslimit(rampages))
	t.Cleanup(func() {
		v.Stoppagedaemon()
		mach.Stop()
		sw.Close()
	})
	return v
}

// upoke stores data at user address va the way user code would: fault
// the page in, take the read-only trap that marks it dirty, then write
// the bytes through the frame.
func upoke(t *testing.T, v *Vm_t, cpu *tlb.Cpu_t, as *Addrspace_t, va uint32, data []uint8) {
	t.Helper()
	if err := v.Fault(cpu, as, defs.FAULT_WRITE, va); err != 0 {
		t.Fatalf("write fault at %#x: %v", va, err)
	}
	if err := v.Fault(cpu, as, defs.FAULT_READONLY, va); err != 0 {
		t.Fatalf("readonly fault at %#x: %v", va, err)
	}
	as.splk.Acquire()
	pte := as.ptd.lookup(va)
	if pte == nil || !pte.Present() {
		t.Fatalf("page at %#x not resident after fault", va)
	}
	v.cmsplk.Acquire()
	pg := v.dmap(v.pte2cmi(pte))
	copy(pg[va&uint32(mem.PGOFFSET):], data)
	v.cmsplk.Release()
	as.splk.Release()
}

// upeek reads n bytes at user address va, faulting the page in first.
func upeek(t *testing.T, v *Vm_t, cpu *tlb.Cpu_t, as *Addrspace_t, va uint32, n int) []uint8 {
	t.Helper()
	if err := v.Fault(cpu, as, defs.FAULT_READ, va); err != 0 {
		t.Fatalf("read fault at %#x: %v", va, err)
	}
	out := make([]uint8, n)
	as.splk.Acquire()
	pte := as.ptd.lookup(va)
	if pte == nil || !pte.Present() {
		t.Fatalf("page at %#x not resident after fault", va)
	}
	v.cmsplk.Acquire()
	pg := v.dmap(v.pte2cmi(pte))
	copy(out, pg[va&uint32(mem.PGOFFSET):])
	v.cmsplk.Release()
	as.splk.Release()
	return out
}

// checkvm verifies the universal invariants: frame/PTE double linkage
// in both directions, frame accounting, and the swap counter.
func checkvm(t *testing.T, v *Vm_t, spaces ...*Addrspace_t) {
	t.Helper()

	v.cmsplk.Acquire()
	var nfree, nuser, nkernel uint32
	for i := range v.cm {
		cme := &v.cm[i]
		switch {
		case cme.md.Kernel():
			nkernel++
			if cme.as != nil {
				t.Errorf("frame %v: kernel frame with an address space", i)
			}
			if cme.va == 0 {
				t.Errorf("frame %v: kernel frame with no virtual address", i)
			}
			if cme.md.Spres() {
				t.Errorf("frame %v: kernel frame with a swap slot", i)
			}
		case cme.va != 0:
			nuser++
			pte := cme.as.ptd.lookup(cme.va)
			if pte == nil || !pte.Present() || v.pte2cmi(pte) != uint32(i) {
				t.Errorf("frame %v: back-reference to %#x is stale", i, cme.va)
			}
		default:
			nfree++
		}
	}
	if nfree != v.nfree {
		t.Errorf("nfree = %v but %v frames are free", v.nfree, nfree)
	}
	if nfree+nuser+nkernel != v.ncmes {
		t.Errorf("%v + %v + %v frames != %v", nfree, nuser, nkernel, v.ncmes)
	}
	v.cmsplk.Release()

	for _, as := range spaces {
		as.splk.Acquire()
		v.cmsplk.Acquire()
		for l1 := uint32(0); l1 < NUM_PTES; l1++ {
			pt := as.ptd.pts[l1]
			if pt == nil {
				continue
			}
			for l2 := uint32(0); l2 < NUM_PTES; l2++ {
				pte := &pt.ptes[l2]
				if pte.Addr() == 0 || !pte.Present() {
					continue
				}
				va := l12va(l1, l2)
				cmi := v.pte2cmi(pte)
				if v.cm[cmi].as != as || v.cm[cmi].va != va {
					t.Errorf("pte %#x: frame %v does not point back", va, cmi)
				}
			}
		}
		v.cmsplk.Release()
		as.splk.Release()
	}

	if uint32(v.sw.Popcount())-1 != v.sw.Nswap() {
		t.Errorf("swap popcount %v does not match nswap %v",
			v.sw.Popcount(), v.sw.Nswap())
	}
}

func TestMetadataPacking(t *testing.T) {
	var md Metadata_t
	md.Setswap(0xabcde)
	md.Setrecent(true)
	md.Settlb(true)
	md.Setdirty(true)
	md.Setcontig(true)
	md.Setkernel(true)
	md.Setspres(true)
	md.Setbusy(true)
	if md.Swap() != 0xabcde || !md.Recent() || !md.Tlb() || !md.Dirty() ||
		!md.Contig() || !md.Kernel() || !md.Spres() || !md.Busy() {
		t.Fatalf("fields disturbed each other: %#x", uint32(md))
	}
	md.Setdirty(false)
	if md.Dirty() || md.Swap() != 0xabcde || !md.Busy() {
		t.Fatalf("clearing one field disturbed others")
	}
	md = 0
	if md.Swap() != 0 || md.Busy() || md.Kernel() || md.Spres() {
		t.Fatalf("zeroing did not clear all fields")
	}
}

func TestPtePacking(t *testing.T) {
	var pte Pte_t
	pte.Setaddr(0xfffff)
	pte.Setperms(PERM_R | PERM_W | PERM_X)
	pte.Setpresent(true)
	pte.Setbusy(true)
	if pte.Addr() != 0xfffff || !pte.Rd() || !pte.Wr() || !pte.Xr() ||
		!pte.Present() || !pte.Busy() {
		t.Fatalf("fields disturbed each other: %#x", uint32(pte))
	}
	pte.Setaddr(0x12345)
	if pte.Addr() != 0x12345 || !pte.Present() || !pte.Busy() {
		t.Fatalf("address update disturbed flags")
	}
	pte.Clear()
	if uint32(pte) != 0 {
		t.Fatalf("clear left bits: %#x", uint32(pte))
	}
}

// Cold boot: define a code region and a stack, fault the first stack
// page. One frame allocated, PTE present, in_tlb set, clean, and the
// TLB entry installed without write permission.
func TestColdBootStackFault(t *testing.T) {
	v := mktestvm(t, 64<<20/mem.PGSIZE, 4<<20/mem.PGSIZE, 2)
	cpu := v.mach.Cpu(0)
	as := Mkaddrspace()
	defer v.As_destroy(as)

	if err := v.As_define_region(as, 0x40_0000, 16*uint32(mem.PGSIZE), true, true, false); err != 0 {
		t.Fatalf("define region: %v", err)
	}
	sp := v.As_define_stack(as)
	if sp != USERSTACK {
		t.Fatalf("stack pointer = %#x", sp)
	}
	As_activate(cpu)

	freebefore := v.Nfree()
	va := sp - 4
	if err := v.Fault(cpu, as, defs.FAULT_WRITE, va); err != 0 {
		t.Fatalf("stack fault: %v", err)
	}
	if v.Nfree() != freebefore-1 {
		t.Fatalf("fault allocated %v frames", freebefore-v.Nfree())
	}

	as.splk.Acquire()
	pte := as.ptd.lookup(va)
	if pte == nil || !pte.Present() {
		t.Fatalf("pte not present")
	}
	v.cmsplk.Acquire()
	cme := &v.cm[v.pte2cmi(pte)]
	if !cme.md.Tlb() || cme.md.Dirty() {
		t.Fatalf("frame metadata wrong: tlb=%v dirty=%v", cme.md.Tlb(), cme.md.Dirty())
	}
	v.cmsplk.Release()
	as.splk.Release()

	lo, ok := cpu.Tlb.Lookup(va & tlb.HI_VPAGE)
	if !ok {
		t.Fatalf("no TLB entry installed")
	}
	if lo&tlb.LO_DIRTY != 0 {
		t.Fatalf("TLB entry installed with write enabled")
	}

	checkvm(t, v, as)
}

// Dirty bit: the first store traps READONLY; the handler marks the
// frame dirty, bumps ndirty, and enables writes in the TLB so further
// stores do not trap.
func TestDirtyBitUpgrade(t *testing.T) {
	v := mktestvm(t, 64<<20/mem.PGSIZE, 4<<20/mem.PGSIZE, 2)
	cpu := v.mach.Cpu(0)
	as := Mkaddrspace()
	defer v.As_destroy(as)

	va := USERSTACK - 4
	if err := v.Fault(cpu, as, defs.FAULT_WRITE, va); err != 0 {
		t.Fatalf("fault: %v", err)
	}
	if v.Ndirty() != 0 {
		t.Fatalf("page dirty before first store")
	}

	if err := v.Fault(cpu, as, defs.FAULT_READONLY, va); err != 0 {
		t.Fatalf("readonly fault: %v", err)
	}
	if v.Ndirty() != 1 {
		t.Fatalf("ndirty = %v, want 1", v.Ndirty())
	}

	as.splk.Acquire()
	pte := as.ptd.lookup(va)
	v.cmsplk.Acquire()
	if !v.cm[v.pte2cmi(pte)].md.Dirty() {
		t.Fatalf("frame not marked dirty")
	}
	v.cmsplk.Release()
	as.splk.Release()

	lo, ok := cpu.Tlb.Lookup(va & tlb.HI_VPAGE)
	if !ok || lo&tlb.LO_DIRTY == 0 {
		t.Fatalf("TLB write bit not set after upgrade")
	}

	// a second upgrade of an already-dirty page must not double count
	if err := v.Fault(cpu, as, defs.FAULT_READONLY, va); err != 0 {
		t.Fatalf("second readonly fault: %v", err)
	}
	if v.Ndirty() != 1 {
		t.Fatalf("ndirty = %v after repeat upgrade", v.Ndirty())
	}
}

func TestFaultErrors(t *testing.T) {
	v := mktestvm(t, 64<<20/mem.PGSIZE, 4<<20/mem.PGSIZE, 1)
	cpu := v.mach.Cpu(0)
	as := Mkaddrspace()
	defer v.As_destroy(as)

	if err := v.Fault(cpu, as, defs.FAULT_READ, 0); err != defs.EFAULT {
		t.Errorf("NULL page fault: %v", err)
	}
	if err := v.Fault(cpu, as, defs.FAULT_READ, USERSPACETOP+4); err != defs.EFAULT {
		t.Errorf("kernel address fault: %v", err)
	}
	if err := v.Fault(cpu, nil, defs.FAULT_READ, 0x1000); err != defs.EFAULT {
		t.Errorf("missing address space: %v", err)
	}
	if err := v.Fault(cpu, as, defs.Fault_t(9), USERSTACK-4); err != defs.EINVAL {
		t.Errorf("unknown fault type: %v", err)
	}
	// far outside heap and stack
	if err := v.Fault(cpu, as, defs.FAULT_READ, 0x1000_0000); err != defs.EFAULT {
		t.Errorf("unmapped region: %v", err)
	}

	// a write fault on a read-only region is refused
	if err := v.As_define_region(as, 0x40_0000, uint32(mem.PGSIZE), true, false, true); err != 0 {
		t.Fatalf("define region: %v", err)
	}
	if err := v.Fault(cpu, as, defs.FAULT_WRITE, 0x40_0000); err != defs.EFAULT {
		t.Errorf("write to read-only region: %v", err)
	}
	if err := v.Fault(cpu, as, defs.FAULT_READ, 0x40_0000); err != 0 {
		t.Errorf("read of read-only region: %v", err)
	}
}
