package fs

import (
	"github.com/CS161/tapiros/synch"
	"github.com/CS161/tapiros/util"
)

// bitsperblock is the number of freemap bits one block holds.
const bitsperblock = BSIZE * 8

// Freemapbits rounds a block count up to the freemap's bit granularity.
// The extra bits describe sectors beyond the end of the device and are
// kept marked "in use" so they can never be allocated.
func Freemapbits(nblocks int) int {
	return util.Roundup(nblocks, bitsperblock)
}

// Freemapblocks returns the number of blocks the freemap occupies.
func Freemapblocks(nblocks int) int {
	return Freemapbits(nblocks) / bitsperblock
}

// Freemap_t is the free-block bitmap, cached in memory and guarded by a
// sleep-lock; it is written back whole, the way it is read.
type Freemap_t struct {
	lk     *synch.Lock_t
	bmap   *util.Bitmap_t
	disk   Disk_i
	start  int
	blocks int
	dirty  bool
}

// MkFreemap sizes an in-memory freemap for a volume of nblocks blocks.
func MkFreemap(disk Disk_i, nblocks int) *Freemap_t {
	return &Freemap_t{
		lk:     synch.MkLock("freemaplock"),
		bmap:   util.MkBitmap(uint(Freemapbits(nblocks))),
		disk:   disk,
		start:  FREEMAP_START,
		blocks: Freemapblocks(nblocks),
	}
}

// Read loads the freemap from disk.
func (fm *Freemap_t) Read() {
	fm.lk.Acquire()
	defer fm.lk.Release()
	data := fm.bmap.Data()
	blk := MkBlock(0, "freemap", fm.disk)
	for j := 0; j < fm.blocks; j++ {
		blk.Block = fm.start + j
		blk.Read()
		copy(data[j*BSIZE:(j+1)*BSIZE], blk.Data[:])
	}
	fm.dirty = false
}

// Write stores the freemap to disk if it has changed.
func (fm *Freemap_t) Write() {
	fm.lk.Acquire()
	defer fm.lk.Release()
	if !fm.dirty {
		return
	}
	data := fm.bmap.Data()
	blk := MkBlock(0, "freemap", fm.disk)
	for j := 0; j < fm.blocks; j++ {
		blk.Block = fm.start + j
		copy(blk.Data[:], data[j*BSIZE:(j+1)*BSIZE])
		blk.Write()
	}
	fm.dirty = false
}

// Mark sets block's bit if it is clear; the existing-state check keeps
// replayed operations idempotent.
func (fm *Freemap_t) Mark(block uint) {
	fm.lk.Acquire()
	if !fm.bmap.Isset(block) {
		fm.bmap.Mark(block)
		fm.dirty = true
	}
	fm.lk.Release()
}

// Unmark clears block's bit if it is set.
func (fm *Freemap_t) Unmark(block uint) {
	fm.lk.Acquire()
	if fm.bmap.Isset(block) {
		fm.bmap.Unmark(block)
		fm.dirty = true
	}
	fm.lk.Release()
}

// Isset reports whether block is allocated.
func (fm *Freemap_t) Isset(block uint) bool {
	fm.lk.Acquire()
	r := fm.bmap.Isset(block)
	fm.lk.Release()
	return r
}

// Alloc finds and marks a free block.
func (fm *Freemap_t) Alloc() (uint, bool) {
	fm.lk.Acquire()
	b, ok := fm.bmap.Alloc()
	if ok {
		fm.dirty = true
	}
	fm.lk.Release()
	return b, ok
}
