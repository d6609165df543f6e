package vm

import (
	"math/rand"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/tlb"
)

// Fault is the VM entry point called by the trap code on cpu. READ and
// WRITE faults refill the TLB, allocating or swapping the page in as
// needed; READONLY faults upgrade a clean page to writable and set its
// dirty bit.
func (v *Vm_t) Fault(cpu *tlb.Cpu_t, as *Addrspace_t, faulttype defs.Fault_t, vaddr uint32) defs.Err_t {
	// reject NULL-page pointers and kernel addresses
	if vaddr < uint32(mem.PGSIZE) || vaddr >= USERSPACETOP {
		return defs.EFAULT
	}
	if as == nil {
		return defs.EFAULT
	}

	switch faulttype {
	case defs.FAULT_READONLY:
		return v.perms_fault(cpu, as, vaddr)
	case defs.FAULT_READ, defs.FAULT_WRITE:
		return v.tlb_miss(cpu, as, vaddr, faulttype == defs.FAULT_WRITE)
	default:
		return defs.EINVAL
	}
}

// tlb_miss resolves a translation miss: locate or create the PTE,
// allocate a fresh page for a first touch, swap the page in if it isn't
// resident, and install a TLB entry. The entry's write bit is left
// clear even for writable pages so the first store traps and the dirty
// bit can be tracked in software.
func (v *Vm_t) tlb_miss(cpu *tlb.Cpu_t, as *Addrspace_t, vaddr uint32, iswrite bool) defs.Err_t {
	vaddr &^= uint32(mem.PGOFFSET)
	as.splk.Acquire()

	pte := as.ptd.getpte(vaddr)

	if pte.Addr() == 0 {
		if err := v.Alloc_upage(as, vaddr, 0, true); err != 0 {
			as.splk.Release()
			return err
		}
	}

	if iswrite && !pte.Wr() {
		as.splk.Release()
		return defs.EFAULT
	}

	as.wchan.SleepWhile(func() bool { return pte.Busy() })

	v.cmsplk.Acquire()

	if !pte.Present() {
		v.swap_in(as, vaddr)
	}

	cmi := v.pte2cmi(pte)
	v.cm[cmi].md.Settlb(true)

	newentryhi := vaddr & tlb.HI_VPAGE
	newentrylo := (uint32(v.cmi2pa(cmi)) & tlb.LO_PPAGE) | tlb.LO_VALID
	// write permissions aren't set so we can track the dirty bit

	tlbi := v.choose_tlb_entry(cpu)
	cpu.Tlb.Write(newentryhi, newentrylo, tlbi)

	v.cmsplk.Release()
	as.splk.Release()

	return 0
}

// choose_tlb_entry picks a random TLB slot on cpu to replace. If the
// evicted slot held a valid page, that frame loses its in_tlb bit and
// gains a second chance with the clock; frames in the middle of a swap
// are skipped because replacing their entries mid-flight is a pain, and
// at most NCPU entries can be busy at once. The address-space and
// core-map spinlocks must be held.
func (v *Vm_t) choose_tlb_entry(cpu *tlb.Cpu_t) int {
	for {
		tlbi := rand.Intn(tlb.NTLB)
		_, oldentrylo := cpu.Tlb.Read(tlbi)
		if oldentrylo&tlb.LO_VALID == 0 {
			return tlbi
		}
		oldcmi, ok := v.trycmi(mem.Pa_t(oldentrylo & tlb.LO_PPAGE))
		if !ok {
			return tlbi
		}
		if v.cm[oldcmi].md.Busy() {
			continue
		}
		v.cm[oldcmi].md.Settlb(false)
		v.cm[oldcmi].md.Setrecent(true)
		return tlbi
	}
}

// perms_fault handles the trap taken on the first store to a page whose
// TLB entry was installed read-only. If the page was swapped out after
// the fault was raised but before it is handled, succeed without doing
// anything: the user's retry will take the TLB-miss path instead.
func (v *Vm_t) perms_fault(cpu *tlb.Cpu_t, as *Addrspace_t, vaddr uint32) defs.Err_t {
	as.splk.Acquire()

	pte := as.ptd.lookup(vaddr)
	if pte == nil || pte.Addr() == 0 {
		as.splk.Release()
		return defs.EFAULT
	}
	if !pte.Wr() {
		// genuinely read-only mapping
		as.splk.Release()
		return defs.EFAULT
	}

	as.wchan.SleepWhile(func() bool { return pte.Busy() })

	if !pte.Present() {
		as.splk.Release()
		return 0
	}

	cmi := v.pte2cmi(pte)
	v.cmsplk.Acquire()

	for v.cm[cmi].md.Busy() {
		v.cmsplk.Release()

		as.wchan.Sleep()

		v.cmsplk.Acquire()

		if !pte.Present() {
			break
		}
	}

	if !pte.Present() {
		v.cmsplk.Release()
		as.splk.Release()
		return 0
	}

	if !v.cm[cmi].md.Dirty() {
		v.cm[cmi].md.Setdirty(true)
		v.ndirty++
	}

	// the spinlocks keep the TLB consistent with the core map here
	entryhi := vaddr & tlb.HI_VPAGE
	if j := cpu.Tlb.Probe(entryhi); j >= 0 {
		hi, lo := cpu.Tlb.Read(j)
		lo |= tlb.LO_DIRTY
		cpu.Tlb.Write(hi, lo, j)
	}

	v.cmsplk.Release()
	as.splk.Release()

	return 0
}
