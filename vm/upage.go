package vm

import (
	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/tlb"
)

// Alloc_upage maps a fresh zero-filled page at vaddr in as. perms is
// nonzero when called from as_define_region or pth_copy; with perms ==
// 0 the address must fall in the space's heap or stack range and the
// page defaults to read-write. asheld marks whether the caller already
// holds the address-space spinlock. The PTE must be unmapped.
func (v *Vm_t) Alloc_upage(as *Addrspace_t, vaddr uint32, perms uint8, asheld bool) defs.Err_t {
	if vaddr >= USERSPACETOP {
		panic("user address expected")
	}

	if perms == 0 {
		if vaddr < as.heapbottom ||
			(vaddr >= as.heaptop && vaddr < USERSTACKBOT) ||
			vaddr >= USERSTACK {
			return defs.EFAULT
		}
	}

	if !asheld {
		as.splk.Acquire()
	}

	pte := as.ptd.getpte(vaddr)
	if pte.Addr() != 0 {
		panic("pte already mapped")
	}

	v.cmsplk.Acquire()

	cmi := v.find_cmi(as)
	cme := &v.cm[cmi]
	if cme.md.Kernel() {
		panic("claiming a kernel frame")
	}
	cme.va = vaddr
	cme.as = as
	v.nfree--
	if v.nfree < v.ncmes/16 {
		v.kickdaemon()
	}

	*v.dmap(cmi) = mem.Bytepg_t{}

	var npte Pte_t
	npte.Setaddr(uint32(v.cmi2pa(cmi)) >> 12)
	npte.Setpresent(true)
	if perms&^permForce == 0 {
		npte.Setperms(PERM_R | PERM_W)
	} else {
		npte.Setperms(perms)
	}
	*pte = npte

	v.cmsplk.Release()
	if !asheld {
		as.splk.Release()
	}
	return 0
}

// Free_upage unmaps vaddr from as, tolerating a page that is resident,
// in swap, or mid-move. Any retained swap slot is released. No
// spinlocks may be held except, when asheld is set, the address-space
// spinlock; that lock is dropped and retaken internally around sleeps.
func (v *Vm_t) Free_upage(as *Addrspace_t, vaddr uint32, asheld bool) {
	if vaddr >= USERSPACETOP {
		panic("user address expected")
	}

	if !asheld {
		as.splk.Acquire()
	}

	pte := as.ptd.lookup(vaddr)
	if pte == nil || pte.Addr() == 0 {
		panic("freeing an unmapped page")
	}

	as.wchan.SleepWhile(func() bool { return pte.Busy() })

	swapped := !pte.Present()
	if !swapped {
		cmi := v.pte2cmi(pte)
		cme := &v.cm[cmi]
		v.cmsplk.Acquire()

		// wait until the physical page isn't busy; eviction may
		// complete underneath us, in which case the page is now in
		// swap
		for cme.md.Busy() {
			v.cmsplk.Release()
			as.wchan.Sleep()
			if !pte.Present() {
				swapped = true
				break
			}
			v.cmsplk.Acquire()
		}

		if !swapped {
			if cme.va == 0 || cme.as != as || cme.md.Kernel() || pte.Busy() {
				panic("bad state")
			}

			if cme.md.Tlb() {
				cme.md.Setbusy(true)
				hi := vaddr & tlb.HI_VPAGE
				v.cmsplk.Release()
				as.splk.Release()

				v.mach.Tlbshoot(nil, tlb.Shootdown_t{Oldentryhi: hi, As: as})

				as.splk.Acquire()
				v.cmsplk.Acquire()
				cme.md.Setbusy(false)
				cme.md.Settlb(false)
				as.wchan.Wakeall()
			}

			spres := cme.md.Spres()
			slot := cme.md.Swap()
			if cme.md.Dirty() {
				v.ndirty--
			}
			cme.va = 0
			cme.as = nil
			cme.md = 0
			v.nfree++

			if spres {
				v.cmsplk.Release()
				as.splk.Release()

				v.sw.Free(slot)

				as.splk.Acquire()
			} else {
				v.cmsplk.Release()
			}
		}
	}

	if swapped {
		slot := uint(pte.Addr())
		as.splk.Release()
		// no other thread will touch a pte that's only in swap, so
		// the busy bit isn't needed
		v.sw.Free(slot)

		as.splk.Acquire()
	}

	pte.Clear()

	if !asheld {
		as.splk.Release()
	}
}

// Alloc_upages maps npages pages starting at vaddr, rolling back on
// failure. No spinlocks may be held.
func (v *Vm_t) Alloc_upages(as *Addrspace_t, vaddr uint32, npages uint32, perms uint8) defs.Err_t {
	for i := uint32(0); i < npages; i++ {
		if err := v.Alloc_upage(as, vaddr+i*uint32(mem.PGSIZE), perms, false); err != 0 {
			for j := uint32(0); j < i; j++ {
				v.Free_upage(as, vaddr+j*uint32(mem.PGSIZE), false)
			}
			return err
		}
	}
	return 0
}

// Free_upages unmaps every mapped page in [vaddr, vaddr+npages*PGSIZE)
// and reclaims fully covered leaf tables. No spinlocks may be held.
func (v *Vm_t) Free_upages(as *Addrspace_t, vaddr uint32, npages uint32) {
	as.splk.Acquire()

	end := vaddr + npages*uint32(mem.PGSIZE)
	l1start := l1index(vaddr)
	l1max := l1index(end)
	if l2index(end) != 0 || end == 0 {
		l1max++
	}
	for i := l1start; i < l1max && i < NUM_PTES; i++ {
		pt := as.ptd.pts[i]
		if pt == nil {
			continue
		}
		l2start := uint32(0)
		if i == l1start {
			l2start = l2index(vaddr)
		}
		l2max := uint32(NUM_PTES)
		if i == l1index(end) && l2index(end) != 0 {
			l2max = l2index(end)
		}
		for j := l2start; j < l2max; j++ {
			if pt.ptes[j].Addr() != 0 {
				v.Free_upage(as, l12va(i, j), true)
			}
		}
		if l2start == 0 && l2max == NUM_PTES {
			as.ptd.pts[i] = nil
		}
	}

	as.splk.Release()
}
