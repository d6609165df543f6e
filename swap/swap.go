// Package swap implements the swap store: a single block device
// addressed in page-size slots, a free-slot bitmap, and the sleep-lock
// that serializes device I/O. Slot 0 is permanently marked used so a
// slot index of 0 can mean "no slot" everywhere else in the VM system.
package swap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/stats"
	"github.com/CS161/tapiros/synch"
	"github.com/CS161/tapiros/util"
)

// Swap_t is the swap device. The sleep-lock covers device I/O; the
// spinlock covers the bitmap and counters, which are touched from fault
// context where sleeping is not always allowed.
type Swap_t struct {
	lk     *synch.Lock_t
	bsplk  synch.Spinlock_t
	bmap   *util.Bitmap_t
	f      *os.File
	nslots uint
	nswap  uint32 // occupied slots, not counting slot 0

	st struct {
		Nreads  stats.Counter_t
		Nwrites stats.Counter_t
	}
}

// maxslots keeps slot indexes representable in the 20-bit PTE and
// frame-metadata fields.
const maxslots = 1<<20 - 1

// Mkswap creates a swap store of npages slots backed by the file at
// path.
func Mkswap(path string, npages int) (*Swap_t, error) {
	if npages < 2 {
		return nil, fmt.Errorf("swap of %v pages is useless", npages)
	}
	if npages > maxslots {
		npages = maxslots
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("swapon: %w", err)
	}
	if err := f.Truncate(int64(npages) * int64(mem.PGSIZE)); err != nil {
		f.Close()
		return nil, fmt.Errorf("swapon: %w", err)
	}
	s := &Swap_t{
		lk:     synch.MkLock("swap_lk"),
		bmap:   util.MkBitmap(uint(npages)),
		f:      f,
		nslots: uint(npages),
	}
	// never hand out slot 0
	s.bmap.Mark(0)
	return s, nil
}

// Close flushes and closes the device.
func (s *Swap_t) Close() error {
	if err := unix.Fdatasync(int(s.f.Fd())); err != nil {
		return err
	}
	return s.f.Close()
}

// Nslots returns the slot capacity.
func (s *Swap_t) Nslots() uint {
	return s.nslots
}

// Nswap returns the number of occupied slots.
func (s *Swap_t) Nswap() uint32 {
	s.bsplk.Acquire()
	n := s.nswap
	s.bsplk.Release()
	return n
}

// Popcount returns the number of marked bitmap slots, including the
// permanently marked slot 0.
func (s *Swap_t) Popcount() uint {
	s.bsplk.Acquire()
	n := s.bmap.Popcount()
	s.bsplk.Release()
	return n
}

// Alloc reserves a free slot. The second return value is false when the
// store is full.
func (s *Swap_t) Alloc() (uint, bool) {
	s.bsplk.Acquire()
	slot, ok := s.bmap.Alloc()
	if ok {
		s.nswap++
	}
	s.bsplk.Release()
	return slot, ok
}

// Free releases a slot back to the store.
func (s *Swap_t) Free(slot uint) {
	if slot == 0 {
		panic("freeing swap slot 0")
	}
	s.bsplk.Acquire()
	if !s.bmap.Isset(slot) {
		panic("freeing a free swap slot")
	}
	s.bmap.Unmark(slot)
	s.nswap--
	s.bsplk.Release()
}

// Isset reports whether a slot is occupied.
func (s *Swap_t) Isset(slot uint) bool {
	s.bsplk.Acquire()
	r := s.bmap.Isset(slot)
	s.bsplk.Release()
	return r
}

// Zeroedabove reports whether every slot above first is free; the
// kernel menu uses it to check for leaked slots.
func (s *Swap_t) Zeroedabove(first uint) bool {
	s.bsplk.Acquire()
	defer s.bsplk.Release()
	for i := first + 1; i < s.nslots; i++ {
		if s.bmap.Isset(i) {
			return false
		}
	}
	return true
}

// Write copies a page into the given slot. It blocks on the swap
// sleep-lock and the device; the caller must hold no spinlocks. An I/O
// error is fatal: once a frame's only copy is supposed to be in swap,
// there is no way forward without it.
func (s *Swap_t) Write(slot uint, pg *mem.Bytepg_t) {
	if slot == 0 || slot >= s.nslots {
		panic("bad swap slot")
	}
	s.lk.Acquire()
	s.st.Nwrites.Inc()
	if _, err := s.f.WriteAt(pg[:], int64(slot)*int64(mem.PGSIZE)); err != nil {
		panic(fmt.Sprintf("write to swap failed: %v", err))
	}
	s.lk.Release()
}

// Read copies the given slot into a page. Blocking and error behavior
// are as for Write.
func (s *Swap_t) Read(slot uint, pg *mem.Bytepg_t) {
	if slot == 0 || slot >= s.nslots {
		panic("bad swap slot")
	}
	s.lk.Acquire()
	s.st.Nreads.Inc()
	if _, err := s.f.ReadAt(pg[:], int64(slot)*int64(mem.PGSIZE)); err != nil {
		panic(fmt.Sprintf("read from swap failed: %v", err))
	}
	s.lk.Release()
}

// Stats returns device counters for the kernel menu.
func (s *Swap_t) Stats() string {
	return "swap:" + stats.Stats2String(s.st)
}
