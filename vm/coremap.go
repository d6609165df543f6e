// Package vm implements the machine-independent virtual memory system:
// the core map of physical frame descriptors, the clock page-replacement
// engine, the pager that moves pages to and from swap, per-process
// two-level page tables, the fault handler, and the paging daemon.
package vm

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/CS161/tapiros/limits"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/swap"
	"github.com/CS161/tapiros/synch"
	"github.com/CS161/tapiros/tlb"
	"github.com/CS161/tapiros/util"
)

// Metadata_t is a frame descriptor's packed metadata word:
//
//	[swap_index:20] [reserved:5] [recent:1] [in_tlb:1] [dirty:1]
//	[contig_end:1] [kernel:1] [swap_present:1] [busy:1]
//
// Zeroing the word clears every field in a single store.
type Metadata_t uint32

const (
	mdSwap   Metadata_t = 0xf_ffff
	mdRecent Metadata_t = 1 << 25
	mdTlb    Metadata_t = 1 << 26
	mdDirty  Metadata_t = 1 << 27
	mdContig Metadata_t = 1 << 28
	mdKernel Metadata_t = 1 << 29
	mdSpres  Metadata_t = 1 << 30
	mdBusy   Metadata_t = 1 << 31
)

func (m Metadata_t) Swap() uint {
	return uint(m & mdSwap)
}

func (m *Metadata_t) Setswap(s uint) {
	if Metadata_t(s)&^mdSwap != 0 {
		panic("swap index overflow")
	}
	*m = (*m &^ mdSwap) | Metadata_t(s)
}

func (m Metadata_t) Recent() bool { return m&mdRecent != 0 }
func (m Metadata_t) Tlb() bool    { return m&mdTlb != 0 }
func (m Metadata_t) Dirty() bool  { return m&mdDirty != 0 }
func (m Metadata_t) Contig() bool { return m&mdContig != 0 }
func (m Metadata_t) Kernel() bool { return m&mdKernel != 0 }
func (m Metadata_t) Spres() bool  { return m&mdSpres != 0 }
func (m Metadata_t) Busy() bool   { return m&mdBusy != 0 }

func (m *Metadata_t) setbit(bit Metadata_t, v bool) {
	if v {
		*m |= bit
	} else {
		*m &^= bit
	}
}

func (m *Metadata_t) Setrecent(v bool) { m.setbit(mdRecent, v) }
func (m *Metadata_t) Settlb(v bool)    { m.setbit(mdTlb, v) }
func (m *Metadata_t) Setdirty(v bool)  { m.setbit(mdDirty, v) }
func (m *Metadata_t) Setcontig(v bool) { m.setbit(mdContig, v) }
func (m *Metadata_t) Setkernel(v bool) { m.setbit(mdKernel, v) }
func (m *Metadata_t) Setspres(v bool)  { m.setbit(mdSpres, v) }
func (m *Metadata_t) Setbusy(v bool)   { m.setbit(mdBusy, v) }

// Cme_t describes one physical frame. va is 0 when the frame is free;
// kernel frames carry the frame's own kernel virtual address. as and va
// together form a weak back-reference to the owning mapping and must not
// be followed once va is 0 and busy is clear.
type Cme_t struct {
	va uint32
	as *Addrspace_t
	md Metadata_t
}

// cmesize is the per-frame descriptor footprint charged against
// physical memory at bootstrap.
const cmesize = 16

// Vm_t owns the core map and everything layered on it. One exists per
// machine, created by the kernel during bootstrap after the physical
// allocator hands over its watermark.
type Vm_t struct {
	phys *mem.Physmem_t
	sw   *swap.Swap_t
	mach *tlb.Machine_t
	lim  *limits.Syslimit_t

	cm     []Cme_t
	ncmes  uint32
	base   mem.Pa_t // physical address of frame 0
	clock  uint32   // clock hand for page eviction
	cmsplk synch.Spinlock_t

	// stat tracking, guarded by cmsplk
	nfree  uint32
	ndirty uint32

	heappages int64 // pages promised to user heaps, updated atomically

	dstop chan struct{}
	dkick chan struct{}
	ddone chan struct{}
}

// Mkvm takes over physical memory management from the boot allocator.
// The core map's own descriptor storage is charged against the first
// frames of the managed region, which stay kernel-owned forever.
func Mkvm(phys *mem.Physmem_t, sw *swap.Swap_t, mach *tlb.Machine_t,
	lim *limits.Syslimit_t) *Vm_t {

	v := &Vm_t{phys: phys, sw: sw, mach: mach, lim: lim}
	base := phys.Stealmem(0)
	v.base = base
	v.ncmes = uint32((phys.Size() - base) >> mem.PGSHIFT)
	selfpages := uint32(util.Roundup(int(v.ncmes)*cmesize, mem.PGSIZE) / mem.PGSIZE)
	if selfpages >= v.ncmes {
		panic("not enough memory for the core map")
	}
	phys.Stealmem(int(selfpages))
	phys.Handoff()

	v.cm = make([]Cme_t, v.ncmes)
	for i := uint32(0); i < selfpages; i++ {
		v.cm[i].va = mem.Kvaddr(v.cmi2pa(i))
		v.cm[i].md.Setkernel(true)
	}
	v.nfree = v.ncmes - selfpages
	v.dkick = make(chan struct{}, 1)
	return v
}

// Ncmes returns the number of managed frames.
func (v *Vm_t) Ncmes() uint32 {
	return v.ncmes
}

func (v *Vm_t) cmi2pa(cmi uint32) mem.Pa_t {
	return v.base + mem.Pa_t(cmi)<<mem.PGSHIFT
}

func (v *Vm_t) pa2cmi(pa mem.Pa_t) uint32 {
	if pa < v.base {
		panic("address below the core map")
	}
	return uint32((pa - v.base) >> mem.PGSHIFT)
}

// trycmi is pa2cmi for addresses that may fall outside the managed
// range, such as TLB entries installed before bootup.
func (v *Vm_t) trycmi(pa mem.Pa_t) (uint32, bool) {
	if pa < v.base || pa >= v.phys.Size() {
		return 0, false
	}
	return v.pa2cmi(pa), true
}

// pte2cmi converts a present PTE's frame number to a core map index.
func (v *Vm_t) pte2cmi(pte *Pte_t) uint32 {
	return v.pa2cmi(mem.Pa_t(pte.Addr()) << mem.PGSHIFT)
}

func (v *Vm_t) dmap(cmi uint32) *mem.Bytepg_t {
	return v.phys.Dmap(v.cmi2pa(cmi))
}

// choosevictim selects a frame for eviction with up to three
// progressively more permissive sweeps of the clock: the first gives
// recently used frames a second chance and refuses TLB-resident frames,
// the second drops the recency check, and the third accepts
// TLB-resident frames (forcing a shootdown). Kernel and busy frames are
// never victims. The core map spinlock must be held.
func (v *Vm_t) choosevictim() (uint32, bool) {
	advance := func() uint32 {
		if v.clock >= v.ncmes {
			v.clock = 0
		}
		i := v.clock
		v.clock++
		return i
	}
	for n := uint32(0); n < v.ncmes; n++ {
		i := advance()
		cme := &v.cm[i]
		if cme.md.Recent() {
			cme.md.Setrecent(false)
		} else if !cme.md.Kernel() && !cme.md.Busy() && !cme.md.Tlb() {
			return i, true
		}
	}
	for n := uint32(0); n < v.ncmes; n++ {
		i := advance()
		cme := &v.cm[i]
		if !cme.md.Kernel() && !cme.md.Busy() && !cme.md.Tlb() {
			return i, true
		}
	}
	for n := uint32(0); n < v.ncmes; n++ {
		i := advance()
		cme := &v.cm[i]
		if !cme.md.Kernel() && !cme.md.Busy() {
			return i, true
		}
	}
	return 0, false
}

// find_cmi returns a frame the caller may claim: the first free one, or
// a victim that has been swapped out on the caller's behalf. Both the
// address-space and core-map spinlocks must be held; they may be
// dropped and reacquired if eviction is needed.
func (v *Vm_t) find_cmi(as *Addrspace_t) uint32 {
	for i := uint32(0); i < v.ncmes; i++ {
		if !v.cm[i].md.Busy() && v.cm[i].va == 0 {
			return i
		}
	}
	i, ok := v.choosevictim()
	if !ok {
		panic("out of swappable pages")
	}
	v.swap_out(i, as)
	return i
}

// kickdaemon nudges the paging daemon when memory runs low.
func (v *Vm_t) kickdaemon() {
	select {
	case v.dkick <- struct{}{}:
	default:
	}
}

// Cmcounts_t summarizes core map occupancy for the kernel menu.
type Cmcounts_t struct {
	Free   uint32
	User   uint32
	Kernel uint32
	Busy   uint32
	Dirty  uint32
}

// Cmcounts takes a consistent snapshot of the frame counts.
func (v *Vm_t) Cmcounts() Cmcounts_t {
	var c Cmcounts_t
	v.cmsplk.Acquire()
	for i := range v.cm {
		cme := &v.cm[i]
		switch {
		case cme.md.Kernel():
			c.Kernel++
		case cme.va != 0:
			c.User++
		default:
			c.Free++
		}
		if cme.md.Busy() {
			c.Busy++
		}
		if cme.md.Dirty() {
			c.Dirty++
		}
	}
	v.cmsplk.Release()
	return c
}

// Print_core_map implements the kernel menu's 'cm' command: occupancy
// totals, a per-frame dump for small memories, and a check that the
// swap bitmap is clear above slot 0 once everything has been freed.
func (v *Vm_t) Print_core_map(w io.Writer) {
	if v.ncmes <= 128 {
		v.cmsplk.Acquire()
		for i := range v.cm {
			cme := &v.cm[i]
			fmt.Fprintf(w, "%v: vaddr: %#x, as: %p, c:%v, b:%v\n", i,
				cme.va, cme.as, cme.md.Contig(), cme.md.Busy())
		}
		v.cmsplk.Release()
	}
	c := v.Cmcounts()
	fmt.Fprintf(w, "\nKernel Pages: %v\nUser Pages: %v\nFree Pages: %v\nTotal Pages: %v\n\n",
		c.Kernel, c.User, c.Free, v.ncmes)
	if v.sw.Zeroedabove(0) {
		fmt.Fprintf(w, "Swap is properly zeroed.\n")
	} else {
		fmt.Fprintf(w, "Swap isn't properly zeroed.\n")
	}
}

// Nfree returns the current free frame count.
func (v *Vm_t) Nfree() uint32 {
	v.cmsplk.Acquire()
	n := v.nfree
	v.cmsplk.Release()
	return n
}

// Ndirty returns the current dirty frame count.
func (v *Vm_t) Ndirty() uint32 {
	v.cmsplk.Acquire()
	n := v.ndirty
	v.cmsplk.Release()
	return n
}

func (v *Vm_t) heapreserve(npages int64) bool {
	for {
		cur := atomic.LoadInt64(&v.heappages)
		if cur+npages > int64(v.lim.Totalheappages) {
			return false
		}
		if atomic.CompareAndSwapInt64(&v.heappages, cur, cur+npages) {
			return true
		}
	}
}

func (v *Vm_t) heapunreserve(npages int64) {
	if atomic.AddInt64(&v.heappages, -npages) < 0 {
		panic("negative heap reservation")
	}
}
