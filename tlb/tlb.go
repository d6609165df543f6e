// Package tlb models the hardware side of address translation: a
// per-CPU translation lookaside buffer with the MIPS-style probe/read/
// write/invalidate operations, and the machine's interprocessor
// interrupt fabric used for cross-CPU shootdown.
package tlb

import "sync"

// NTLB is the number of TLB slots per CPU.
const NTLB = 32

// TLBSHOOTDOWN_MAX is the most single-entry invalidations a CPU will
// queue before flushing its whole TLB instead.
const TLBSHOOTDOWN_MAX = 16

// Entry-high and entry-low field masks. Entry-high carries the virtual
// page; entry-low carries the physical page, a valid bit, and the
// write-enable ("dirty" in MIPS terms) bit.
const (
	HI_VPAGE uint32 = 0xffff_f000
	LO_PPAGE uint32 = 0xffff_f000
	LO_DIRTY uint32 = 1 << 10
	LO_VALID uint32 = 1 << 9
)

const kseg0 uint32 = 0x8000_0000

type entry_t struct {
	hi uint32
	lo uint32
}

// Tlb_t is one CPU's TLB. The mutex stands in for the interrupt
// disabling that makes TLB access atomic on real hardware; both the
// owning CPU's fault path and its shootdown handler take it.
type Tlb_t struct {
	sync.Mutex
	e [NTLB]entry_t
}

// invalidhi produces an entry-high value that can never match a user
// probe; kernel segment addresses are not translated through the TLB.
func invalidhi(i int) uint32 {
	return kseg0 + uint32(i)<<12
}

// Reset invalidates every slot. Hardware comes up with garbage; the
// kernel calls this at boot and in as_activate.
func (t *Tlb_t) Reset() {
	t.Lock()
	for i := range t.e {
		t.e[i] = entry_t{hi: invalidhi(i)}
	}
	t.Unlock()
}

// Probe returns the index of the slot whose entry-high matches hi, or -1.
func (t *Tlb_t) Probe(hi uint32) int {
	t.Lock()
	defer t.Unlock()
	return t.probe(hi)
}

func (t *Tlb_t) probe(hi uint32) int {
	for i := range t.e {
		if t.e[i].hi&HI_VPAGE == hi&HI_VPAGE {
			return i
		}
	}
	return -1
}

// Read returns slot i.
func (t *Tlb_t) Read(i int) (uint32, uint32) {
	t.Lock()
	defer t.Unlock()
	return t.e[i].hi, t.e[i].lo
}

// Write fills slot i.
func (t *Tlb_t) Write(hi, lo uint32, i int) {
	t.Lock()
	t.e[i] = entry_t{hi: hi, lo: lo}
	t.Unlock()
}

// Writeinvalid invalidates slot i.
func (t *Tlb_t) Writeinvalid(i int) {
	t.Lock()
	t.e[i] = entry_t{hi: invalidhi(i)}
	t.Unlock()
}

// Invalidate clears the whole TLB.
func (t *Tlb_t) Invalidate() {
	t.Reset()
}

// Lookup is a test and diagnostics helper: it returns the entry-low for
// hi and whether a matching valid slot exists.
func (t *Tlb_t) Lookup(hi uint32) (uint32, bool) {
	t.Lock()
	defer t.Unlock()
	i := t.probe(hi)
	if i < 0 || t.e[i].lo&LO_VALID == 0 {
		return 0, false
	}
	return t.e[i].lo, true
}
