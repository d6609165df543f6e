package vm

import (
	"github.com/CS161/tapiros/mem"
)

// The contiguous kernel allocator searches the core map for a run of
// npages frames, tracking three candidate tiers in one linear pass:
//
//	tier 0: free non-busy frames (no work needed)
//	tier 1: non-kernel non-TLB non-busy frames (eviction, no shootdown)
//	tier 2: non-kernel non-busy frames (eviction plus shootdown)
//
// A kernel frame, a TLB-resident frame, or a busy frame terminates the
// tiers it is ineligible for. The cheapest tier with a long-enough run
// wins.

type kchain_t struct {
	start     [3]uint32
	length    [3]uint32
	candidate [3]uint32
}

// terminate closes tier n's in-progress chain at position i, keeping it
// if it is the longest seen.
func (kc *kchain_t) terminate(n int, i uint32) {
	if kc.candidate[n] > kc.length[n] {
		kc.start[n] = i - kc.candidate[n]
		kc.length[n] = kc.candidate[n]
	}
	kc.candidate[n] = 0
}

func (kc *kchain_t) terminateall(i uint32) {
	kc.terminate(0, i)
	kc.terminate(1, i)
	kc.terminate(2, i)
}

// Alloc_kpages allocates npages physically contiguous kernel pages and
// returns their kernel virtual address, or 0 if no tier yields a long
// enough run. Pages are not zero-filled. No spinlocks may be held.
func (v *Vm_t) Alloc_kpages(npages uint32) uint32 {
	if npages == 0 || npages > v.ncmes {
		return 0
	}

	var kc kchain_t
	v.cmsplk.Acquire()

	var i uint32
	for i = 0; i < v.ncmes; i++ {
		cme := &v.cm[i]
		if cme.md.Busy() {
			kc.terminateall(i)
		} else if cme.va == 0 {
			kc.candidate[0]++
			kc.candidate[1]++
			kc.candidate[2]++
		} else {
			kc.terminate(0, i)
			if !cme.md.Kernel() {
				if !cme.md.Tlb() {
					kc.candidate[1]++
				} else {
					kc.terminate(1, i)
				}
				kc.candidate[2]++
			} else {
				kc.terminate(1, i)
				kc.terminate(2, i)
			}
		}
		if kc.candidate[0] == npages {
			// optimal chain found; stop early
			i++
			break
		}
	}
	kc.terminateall(i)

	tier := -1
	for n := 0; n < 3; n++ {
		if kc.length[n] >= npages {
			tier = n
			break
		}
	}
	if tier < 0 {
		v.cmsplk.Release()
		return 0
	}

	start := kc.start[tier]
	// pin the chosen run before any sleeping work so a concurrent
	// kernel allocation cannot carve an unswappable block out of the
	// middle of it
	for j := start; j < start+npages; j++ {
		if v.cm[j].md.Busy() {
			panic("pinned frame went busy")
		}
		v.cm[j].md.Setbusy(true)
	}

	for j := start; j < start+npages; j++ {
		cme := &v.cm[j]
		if cme.va != 0 {
			v.cmsplk.Release()

			other := cme.as
			other.splk.Acquire() // synchronization dance
			v.cmsplk.Acquire()

			if !cme.md.Busy() {
				panic("lost the pin")
			}
			cme.md.Setbusy(false)
			cme.as.wchan.Wakeall()

			v.swap_out(j, other)
			cme.md.Setbusy(true)

			other.splk.Release()
		}
		if cme.va != 0 || cme.md.Kernel() || cme.as != nil || !cme.md.Busy() {
			panic("bad state")
		}
		if cme.md.Contig() {
			panic("free frame marked contiguous")
		}

		cme.va = mem.Kvaddr(v.cmi2pa(j))
		cme.md.Setkernel(true)
		cme.md.Setbusy(false)
		v.nfree--
	}
	// mark only the final page in a chain
	v.cm[start+npages-1].md.Setcontig(true)

	v.cmsplk.Release()

	return mem.Kvaddr(v.cmi2pa(start))
}

// Free_kpages releases a contiguous kernel allocation starting at addr,
// walking forward until the contig_end marker is consumed.
func (v *Vm_t) Free_kpages(addr uint32) {
	i := v.pa2cmi(mem.Kv2pa(addr))

	v.cmsplk.Acquire()

	for !v.cm[i].md.Contig() {
		if v.cm[i].va == 0 || !v.cm[i].md.Kernel() {
			panic("freeing a non-kernel page")
		}
		v.cm[i].va = 0
		v.cm[i].md.Setkernel(false)
		i++
		v.nfree++
	}
	if v.cm[i].va == 0 || !v.cm[i].md.Kernel() {
		panic("freeing a non-kernel page")
	}
	v.cm[i].va = 0
	v.cm[i].md.Setkernel(false)
	v.cm[i].md.Setcontig(false)
	v.nfree++

	v.cmsplk.Release()
}
