package vm

import (
	"github.com/CS161/tapiros/mem"
)

// User virtual address layout. The stack grows down from the top of user
// space; the heap begins where as_define_region leaves off.
const (
	NUM_PTES = 1024

	USERSPACETOP   uint32 = 0x8000_0000
	USERSTACK      uint32 = USERSPACETOP
	USERSTACKPAGES uint32 = 1024
	USERSTACKBOT   uint32 = USERSTACK - USERSTACKPAGES*uint32(mem.PGSIZE)
	USERHEAPPAGES  uint32 = 2048
	USERHEAPSIZE   uint32 = USERHEAPPAGES * uint32(mem.PGSIZE)
)

func l1index(va uint32) uint32 {
	return va >> 22
}

func l2index(va uint32) uint32 {
	return (va << 10) >> 22
}

func l12va(l1, l2 uint32) uint32 {
	return l1<<22 | l2<<12
}

// Permission hints for alloc_upage. A zero value means "default
// stack/heap page": the address must fall in a valid stack or heap
// range and the page is mapped read-write.
const (
	PERM_W uint8 = 1 << 0
	PERM_R uint8 = 1 << 1
	PERM_X uint8 = 1 << 2

	// permForce bypasses the stack/heap range validation; it is the
	// copy context used by pth_copy, which must allocate into any
	// region the source space had mapped.
	permForce uint8 = 1 << 3
)

// Pte_t is one page-table entry, bit-packed so that clearing the word
// clears every field in a single store:
//
//	[frame_or_swap:20] [reserved:7] [x:1] [r:1] [w:1] [present:1] [busy:1]
//
// frame_or_swap holds a physical frame number while present, and a swap
// slot index while not. Zero means unmapped.
type Pte_t uint32

const (
	pteAddr Pte_t = 0xf_ffff
	pteX    Pte_t = 1 << 27
	pteR    Pte_t = 1 << 28
	pteW    Pte_t = 1 << 29
	pteP    Pte_t = 1 << 30
	pteB    Pte_t = 1 << 31
)

func (p Pte_t) Addr() uint32 {
	return uint32(p & pteAddr)
}

func (p *Pte_t) Setaddr(a uint32) {
	if Pte_t(a)&^pteAddr != 0 {
		panic("pte address overflow")
	}
	*p = (*p &^ pteAddr) | Pte_t(a)
}

func (p Pte_t) Present() bool { return p&pteP != 0 }
func (p Pte_t) Busy() bool    { return p&pteB != 0 }
func (p Pte_t) Xr() bool      { return p&pteX != 0 }
func (p Pte_t) Rd() bool      { return p&pteR != 0 }
func (p Pte_t) Wr() bool      { return p&pteW != 0 }

func (p *Pte_t) setbit(bit Pte_t, v bool) {
	if v {
		*p |= bit
	} else {
		*p &^= bit
	}
}

func (p *Pte_t) Setpresent(v bool) { p.setbit(pteP, v) }
func (p *Pte_t) Setbusy(v bool)    { p.setbit(pteB, v) }

// Setperms installs the advisory permission bits from an alloc_upage
// hint. The hardware write-enable bit is managed separately by the
// fault handler.
func (p *Pte_t) Setperms(perms uint8) {
	p.setbit(pteW, perms&PERM_W != 0)
	p.setbit(pteR, perms&PERM_R != 0)
	p.setbit(pteX, perms&PERM_X != 0)
}

// Clear zeroes the entry, unmapping it.
func (p *Pte_t) Clear() {
	*p = 0
}

// pt_t is a lazily allocated leaf table.
type pt_t struct {
	ptes [NUM_PTES]Pte_t
}

// ptd_t is the upper directory of the two-level hierarchy.
type ptd_t struct {
	pts [NUM_PTES]*pt_t
}

// getpte returns the PTE for va, allocating the leaf table if needed.
// The owning address-space spinlock must be held.
func (ptd *ptd_t) getpte(va uint32) *Pte_t {
	l1 := l1index(va)
	if ptd.pts[l1] == nil {
		ptd.pts[l1] = &pt_t{}
	}
	return &ptd.pts[l1].ptes[l2index(va)]
}

// lookup returns the PTE for va, or nil if no leaf table exists. Use
// getpte when the entry's existence is an invariant.
func (ptd *ptd_t) lookup(va uint32) *Pte_t {
	l1 := l1index(va)
	if ptd.pts[l1] == nil {
		return nil
	}
	return &ptd.pts[l1].ptes[l2index(va)]
}
