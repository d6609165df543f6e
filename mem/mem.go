// Package mem manages the machine's physical memory: the simulated RAM
// array, the direct map from physical addresses to kernel-visible pages,
// and the early-boot steal allocator that reserves frames below the
// watermark before the core map takes over.
package mem

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// KSEG0 is the kernel direct-map segment: physical address p is visible
// to the kernel at virtual address KSEG0+p.
const KSEG0 uint32 = 0x8000_0000

// Pa_t represents a physical address.
type Pa_t uint32

// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

// Kvaddr returns the kernel virtual address of a physical address.
func Kvaddr(pa Pa_t) uint32 {
	return KSEG0 + uint32(pa)
}

// Kv2pa converts a kernel direct-map virtual address back to a physical
// address.
func Kv2pa(va uint32) Pa_t {
	if va < KSEG0 {
		panic("not a kernel address")
	}
	return Pa_t(va - KSEG0)
}

// Physmem_t owns all physical memory. Before Handoff only Stealmem may
// be used; afterwards frames above the watermark belong to the core map
// and Stealmem panics.
type Physmem_t struct {
	pgs       []Bytepg_t
	firstfree Pa_t
	booted    bool
}

// Phys_init reserves npages pages of physical memory.
func Phys_init(npages int) *Physmem_t {
	if npages < 2 {
		panic("not enough memory")
	}
	return &Physmem_t{pgs: make([]Bytepg_t, npages)}
}

// Size returns one past the highest valid physical address.
func (phys *Physmem_t) Size() Pa_t {
	return Pa_t(len(phys.pgs)) << PGSHIFT
}

// Stealmem grabs npages pages that can never be freed. It is intended
// for use early in bootup before the core map takes over; with npages ==
// 0 it returns the current watermark without reserving anything.
func (phys *Physmem_t) Stealmem(npages int) Pa_t {
	if phys.booted {
		panic("stealmem after handoff")
	}
	pa := phys.firstfree
	phys.firstfree += Pa_t(npages) << PGSHIFT
	if phys.firstfree > phys.Size() {
		panic("stealmem: out of physical memory")
	}
	return pa
}

// Handoff ends the bootstrap phase and reports the first managed
// physical address. Called exactly once, by the core map.
func (phys *Physmem_t) Handoff() Pa_t {
	if phys.booted {
		panic("double handoff")
	}
	phys.booted = true
	return phys.firstfree
}

// Dmap converts a physical address into its direct-mapped page.
func (phys *Physmem_t) Dmap(p Pa_t) *Bytepg_t {
	return &phys.pgs[p>>PGSHIFT]
}

// Dmap8 returns the direct-mapped bytes starting at p through the end of
// its page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	return pg[p&PGOFFSET:]
}
