package vm

import (
	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/synch"
	"github.com/CS161/tapiros/tlb"
)

// Addrspace_t is one process's address space: the lazily filled
// two-level page table, the spinlock guarding it, the wait channel
// where threads block on busy pages in this space, and the heap bounds.
// Only one thread ever runs in an address space.
type Addrspace_t struct {
	splk  synch.Spinlock_t
	wchan *synch.Wchan_t
	ptd   *ptd_t

	heapbottom uint32
	heaptop    uint32
}

// Mkaddrspace creates an empty address space.
func Mkaddrspace() *Addrspace_t {
	as := &Addrspace_t{ptd: &ptd_t{}}
	as.wchan = synch.MkWchan("addrspace wchan", &as.splk)
	return as
}

// Heapbounds returns the current heap range.
func (as *Addrspace_t) Heapbounds() (uint32, uint32) {
	as.splk.Acquire()
	b, t := as.heapbottom, as.heaptop
	as.splk.Release()
	return b, t
}

// As_define_region sets up an eagerly allocated segment (code or data)
// at vaddr and places the heap immediately after it.
func (v *Vm_t) As_define_region(as *Addrspace_t, vaddr uint32, memsize uint32,
	readable, writeable, executable bool) defs.Err_t {

	memsize += vaddr & uint32(mem.PGOFFSET)
	vaddr &^= uint32(mem.PGOFFSET)
	var perms uint8
	if writeable {
		perms |= PERM_W
	}
	if readable {
		perms |= PERM_R
	}
	if executable {
		perms |= PERM_X
	}

	npages := uint32(mem.PGSIZE+int(memsize)-1) / uint32(mem.PGSIZE)
	end := vaddr + npages*uint32(mem.PGSIZE)
	if end >= USERSTACKBOT {
		return defs.EINVAL
	}
	if err := v.Alloc_upages(as, vaddr, npages, perms); err != 0 {
		return err
	}

	as.splk.Acquire()
	as.heapbottom = end
	as.heaptop = end
	as.splk.Release()
	return 0
}

// As_define_stack returns the initial user stack pointer. Stack pages
// are allocated on demand by the fault path.
func (v *Vm_t) As_define_stack(as *Addrspace_t) uint32 {
	return USERSTACK
}

// As_activate invalidates the local TLB when a new address space is
// switched onto cpu.
func As_activate(cpu *tlb.Cpu_t) {
	cpu.Tlb.Invalidate()
}

// As_destroy frees every user page, waiting out in-progress swaps, and
// releases the page-table hierarchy.
func (v *Vm_t) As_destroy(as *Addrspace_t) {
	as.splk.Acquire()
	for i := uint32(0); i < NUM_PTES; i++ {
		pt := as.ptd.pts[i]
		if pt == nil {
			continue
		}
		for j := uint32(0); j < NUM_PTES; j++ {
			if pt.ptes[j].Addr() != 0 {
				v.Free_upage(as, l12va(i, j), true)
			}
		}
		as.ptd.pts[i] = nil
	}
	heappromised := (as.heaptop - as.heapbottom) / uint32(mem.PGSIZE)
	as.splk.Release()
	if heappromised > 0 {
		v.heapunreserve(int64(heappromised))
	}
}

// Sbrk grows or shrinks the heap by a page-aligned delta and returns
// the previous break. Growth fails with ENOMEM when it would pass the
// per-heap cap or the global promise cap; pages in a shrunk range are
// freed.
func (v *Vm_t) Sbrk(as *Addrspace_t, amount int64) (uint32, defs.Err_t) {
	if amount%int64(mem.PGSIZE) != 0 {
		return 0, defs.EINVAL
	}
	npages := amount / int64(mem.PGSIZE)

	as.splk.Acquire()
	old := as.heaptop

	if amount >= 0 {
		if uint64(as.heaptop)+uint64(amount) >
			uint64(as.heapbottom)+uint64(USERHEAPSIZE) {
			as.splk.Release()
			return 0, defs.ENOMEM
		}
		if !v.heapreserve(npages) {
			as.splk.Release()
			return 0, defs.ENOMEM
		}
		as.heaptop += uint32(amount)
		as.splk.Release()
		return old, 0
	}

	if int64(as.heaptop)+amount < int64(as.heapbottom) {
		as.splk.Release()
		return 0, defs.EINVAL
	}
	as.heaptop = uint32(int64(as.heaptop) + amount)
	newtop := as.heaptop

	// free (new_top, old_top]; untouched pages have no pte
	for va := newtop; va < old; va += uint32(mem.PGSIZE) {
		pte := as.ptd.lookup(va)
		if pte != nil && pte.Addr() != 0 {
			v.Free_upage(as, va, true)
		}
	}
	as.splk.Release()
	v.heapunreserve(-npages)
	return old, 0
}

// Pth_copy deep-copies every mapped page of old into new, reading
// swapped pages back from old's swap slots; the two spaces never share
// a slot. The heap bounds and their global promise transfer too; ENOMEM
// means the promise cap is exhausted. Only the single thread of old
// runs during fork, so the old-then-new lock order is safe. No
// spinlocks may be held.
func (v *Vm_t) Pth_copy(old, new *Addrspace_t) defs.Err_t {
	old.splk.Acquire()
	hb, ht := old.heapbottom, old.heaptop
	old.splk.Release()
	promised := int64((ht - hb) / uint32(mem.PGSIZE))
	if promised > 0 && !v.heapreserve(promised) {
		return defs.ENOMEM
	}
	new.splk.Acquire()
	new.heapbottom = hb
	new.heaptop = ht
	new.splk.Release()

	maxl1 := l1index(USERSPACETOP)
	for i := uint32(0); i < maxl1; i++ {
		old.splk.Acquire()
		if old.ptd.pts[i] == nil {
			old.splk.Release()
			continue
		}
		for j := uint32(0); j < NUM_PTES; j++ {
			opte := &old.ptd.pts[i].ptes[j]
			if opte.Addr() == 0 {
				continue
			}
			va := l12va(i, j)

			old.wchan.SleepWhile(func() bool { return opte.Busy() })

			if opte.Present() {
				perms := opte.permbits()
				old.splk.Release()

				if err := v.Alloc_upage(new, va, perms|permForce, false); err != 0 {
					panic("fork copy failed")
				}

				// stabilize and pin the fresh copy before retaking
				// old's lock, so nothing moves it while we hold both
				// spaces and so any swap-in here happens without
				// old's lock (its victim could belong to old)
				new.splk.Acquire()
				npte := new.ptd.lookup(va)
				v.cmsplk.Acquire()
				var dcmi uint32
				for {
					if !npte.Present() {
						v.swap_in(new, va)
						continue
					}
					dcmi = v.pte2cmi(npte)
					if v.cm[dcmi].md.Busy() {
						v.cmsplk.Release()
						new.wchan.Sleep()
						v.cmsplk.Acquire()
						continue
					}
					break
				}
				v.cm[dcmi].md.Setbusy(true)
				v.cmsplk.Release()
				new.splk.Release()

				old.splk.Acquire()
				old.wchan.SleepWhile(func() bool { return opte.Busy() })
				if opte.Present() {
					// the source cannot finish an eviction while
					// old's spinlock is held
					v.cmsplk.Acquire()
					src := v.dmap(v.pte2cmi(opte))
					*v.dmap(dcmi) = *src
					v.cm[dcmi].md.Setbusy(false)
					v.cmsplk.Release()
					new.wchan.Wakeall()
					continue
				}
				// evicted while we allocated; drop the copy and take
				// the swap path
				v.cmsplk.Acquire()
				v.cm[dcmi].md.Setbusy(false)
				v.cmsplk.Release()
				new.wchan.Wakeall()
				old.splk.Release()
				v.Free_upage(new, va, false)
				old.splk.Acquire()
			}

			// source lives in swap: point new's pte at old's slot
			// long enough to read it into a fresh frame, then
			// forget the slot so it stays owned by old alone
			slot := opte.Addr()
			perms := opte.permbits()
			old.splk.Release()

			new.splk.Acquire()
			npte := new.ptd.getpte(va)
			if npte.Addr() != 0 {
				panic("fork target already mapped")
			}
			npte.Setaddr(slot)
			npte.Setperms(perms)

			v.cmsplk.Acquire()
			cmi := v.find_cmi(new)
			v.copy_in(new, va, cmi)
			cme := &v.cm[cmi]
			cme.md.Setspres(false)
			cme.md.Setswap(0)
			v.cmsplk.Release()
			new.splk.Release()

			old.splk.Acquire()
		}
		old.splk.Release()
	}
	return 0
}

// permbits extracts the advisory permission bits as an alloc hint.
func (p Pte_t) permbits() uint8 {
	var perms uint8
	if p.Wr() {
		perms |= PERM_W
	}
	if p.Rd() {
		perms |= PERM_R
	}
	if p.Xr() {
		perms |= PERM_X
	}
	return perms
}
