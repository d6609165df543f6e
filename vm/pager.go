package vm

import (
	"github.com/CS161/tapiros/tlb"
)

// The pager moves page contents between frames and the swap store. All
// four operations are entered with the relevant address-space spinlock
// and the core-map spinlock held; each drops both locks around its disk
// I/O, because a thread must never sleep while holding a spinlock.

// copy_out writes the frame at cmi to its swap slot, allocating a slot
// if the frame has none. Preconditions: as is the frame's owner, both
// spinlocks are held, and the caller has set the frame busy. The busy
// bit is cleared and the owner's wait channel woken before returning
// with both locks held again.
func (v *Vm_t) copy_out(as *Addrspace_t, cmi uint32) {
	cme := &v.cm[cmi]

	if cme.md.Kernel() {
		panic("copying out a kernel page")
	}
	if !cme.md.Busy() {
		panic("frame not pinned")
	}

	if !cme.md.Spres() {
		slot, ok := v.sw.Alloc()
		if !ok {
			panic("out of swap space")
		}
		cme.md.Setspres(true)
		cme.md.Setswap(slot)
	}
	slot := cme.md.Swap()

	v.cmsplk.Release()
	as.splk.Release()

	v.sw.Write(slot, v.dmap(cmi))

	as.splk.Acquire()
	v.cmsplk.Acquire()

	if cme.md.Dirty() {
		cme.md.Setdirty(false)
		v.ndirty--
	}
	cme.md.Setbusy(false)

	as.wchan.Wakeall()
}

// swap_out evicts the frame at cmi, which belongs to a different
// address space than the caller's. other is the caller's space, whose
// spinlock is held along with the core map's; both are released while
// the victim's own lock is taken (strict ordering: never two
// address-space locks at once here) and reacquired before returning.
// On return the frame is free and still pinned-free under the caller's
// locks.
func (v *Vm_t) swap_out(cmi uint32, other *Addrspace_t) {
	cme := &v.cm[cmi]
	as := cme.as

	cme.md.Setbusy(true)
	v.cmsplk.Release()
	other.splk.Release()

	as.splk.Acquire()
	v.cmsplk.Acquire()
	cme.md.Setbusy(false)

	pte := as.ptd.lookup(cme.va)
	if pte == nil {
		panic("owned frame without a page table")
	}

	for pte.Busy() {
		v.cmsplk.Release()
		as.wchan.Sleep()
		v.cmsplk.Acquire()
	}

	if cme.md.Tlb() {
		// some CPU still has this translation; it must be gone
		// before the frame can be reused under another mapping
		cme.md.Setbusy(true)
		hi := cme.va & tlb.HI_VPAGE
		v.cmsplk.Release()
		as.splk.Release()

		v.mach.Tlbshoot(nil, tlb.Shootdown_t{Oldentryhi: hi, As: as})

		as.splk.Acquire()
		v.cmsplk.Acquire()
		cme.md.Setbusy(false)
		cme.md.Settlb(false)
	}

	if cme.md.Dirty() || !cme.md.Spres() {
		cme.md.Setbusy(true)
		v.copy_out(as, cmi)
	}

	if cme.md.Busy() {
		panic("frame still pinned")
	}
	if !cme.md.Spres() {
		panic("evicting frame with no swap slot")
	}

	pte.Setpresent(false)
	pte.Setaddr(uint32(cme.md.Swap()))

	cme.va = 0
	cme.as = nil
	cme.md = 0
	v.nfree++
	cme.md.Setbusy(true)

	as.wchan.Wakeall()
	v.cmsplk.Release()
	as.splk.Release()

	other.splk.Acquire()
	v.cmsplk.Acquire()

	cme.md.Setbusy(false)
}

// copy_in reads the swapped page named by as's PTE for vaddr into the
// free frame at cmi and links the two. Preconditions: both spinlocks
// held, the frame free and not busy, the PTE not present, not busy, and
// holding a nonzero swap slot.
func (v *Vm_t) copy_in(as *Addrspace_t, vaddr uint32, cmi uint32) {
	pte := as.ptd.lookup(vaddr)
	cme := &v.cm[cmi]

	if cme.md.Kernel() {
		panic("copying into a kernel page")
	}
	if cme.va != 0 || cme.md.Busy() {
		panic("destination frame not free")
	}
	if pte == nil || pte.Present() || pte.Busy() || pte.Addr() == 0 {
		panic("bad pte for copy in")
	}

	cme.md.Setbusy(true)
	pte.Setbusy(true)
	slot := uint(pte.Addr())

	v.cmsplk.Release()
	as.splk.Release()

	v.sw.Read(slot, v.dmap(cmi))

	as.splk.Acquire()
	v.cmsplk.Acquire()

	cme.va = vaddr
	cme.as = as
	cme.md = 0 // also clears busy
	cme.md.Setswap(slot)
	cme.md.Setspres(true)
	v.nfree--

	pte.Setaddr(uint32(v.cmi2pa(cmi)) >> 12)
	pte.Setpresent(true)
	pte.Setbusy(false)

	as.wchan.Wakeall()
}

// swap_in brings as's page at vaddr back into memory. The clock picks
// the destination frame; if that frame holds another page, that page is
// evicted first. Both spinlocks must be held.
func (v *Vm_t) swap_in(as *Addrspace_t, vaddr uint32) {
	cmi, ok := v.choosevictim()
	if !ok {
		panic("out of pages to swap")
	}
	if v.cm[cmi].md.Kernel() {
		panic("clock chose a kernel page")
	}
	if v.cm[cmi].va != 0 {
		v.swap_out(cmi, as)
	}
	v.copy_in(as, vaddr, cmi)
}
