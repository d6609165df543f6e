// Package fs implements the on-disk surface of the journaled
// filesystem needed for crash recovery: the block device layer, the
// superblock and free-block bitmap, the physical journal container, a
// transaction write API, and the four-pass recovery engine that runs at
// mount.
package fs

import (
	"container/list"
	"sync"
)

// BSIZE is the size of a disk block in bytes. Inodes are exactly one
// block; directory entries pack evenly into blocks.
const BSIZE = 512

// Bytesec_t is one block's worth of bytes.
type Bytesec_t [BSIZE]uint8

// Bdevcmd_t enumerates disk request types.
type Bdevcmd_t uint

const (
	BDEV_WRITE Bdevcmd_t = 1
	BDEV_READ  Bdevcmd_t = 2
	BDEV_FLUSH Bdevcmd_t = 3
)

// Bdev_block_t represents one disk block in memory.
type Bdev_block_t struct {
	sync.Mutex
	Block int
	Data  *Bytesec_t
	Name  string
	Disk  Disk_i
}

// MkBlock constructs a block with fresh backing memory.
func MkBlock(block int, s string, d Disk_i) *Bdev_block_t {
	return &Bdev_block_t{Block: block, Data: &Bytesec_t{}, Name: s, Disk: d}
}

// Key returns the lookup key for caches of blocks.
func (blk *Bdev_block_t) Key() int {
	return blk.Block
}

// Write synchronously writes the block to disk.
func (b *Bdev_block_t) Write() {
	l := MkBlkList()
	l.PushBack(b)
	req := MkRequest(l, BDEV_WRITE, true)
	if b.Disk.Start(req) {
		<-req.AckCh
	}
}

// Read reads the block from disk synchronously.
func (b *Bdev_block_t) Read() {
	l := MkBlkList()
	l.PushBack(b)
	req := MkRequest(l, BDEV_READ, true)
	if b.Disk.Start(req) {
		<-req.AckCh
	}
}

// BlkList_t wraps a list.List of block pointers.
type BlkList_t struct {
	l *list.List
	e *list.Element // iterator
}

// MkBlkList creates an empty block list.
func MkBlkList() *BlkList_t {
	bl := &BlkList_t{}
	bl.l = list.New()
	return bl
}

// Len returns the number of blocks in the list.
func (bl *BlkList_t) Len() int {
	return bl.l.Len()
}

// PushBack appends a block to the list.
func (bl *BlkList_t) PushBack(b *Bdev_block_t) {
	bl.l.PushBack(b)
}

// FrontBlock resets the iterator and returns the first block.
func (bl *BlkList_t) FrontBlock() *Bdev_block_t {
	if bl.l.Front() == nil {
		return nil
	}
	bl.e = bl.l.Front()
	return bl.e.Value.(*Bdev_block_t)
}

// NextBlock advances the iterator and returns the next block.
func (bl *BlkList_t) NextBlock() *Bdev_block_t {
	if bl.e == nil {
		return nil
	}
	bl.e = bl.e.Next()
	if bl.e == nil {
		return nil
	}
	return bl.e.Value.(*Bdev_block_t)
}

// Apply calls f for each block in the list.
func (bl *BlkList_t) Apply(f func(*Bdev_block_t)) {
	for b := bl.FrontBlock(); b != nil; b = bl.NextBlock() {
		f(b)
	}
}

// Bdev_req_t describes a block device request.
type Bdev_req_t struct {
	Cmd   Bdevcmd_t
	Blks  *BlkList_t
	AckCh chan bool
	Sync  bool
}

// MkRequest allocates a new block request structure.
func MkRequest(blks *BlkList_t, cmd Bdevcmd_t, sync bool) *Bdev_req_t {
	ret := &Bdev_req_t{}
	ret.Blks = blks
	ret.AckCh = make(chan bool)
	ret.Cmd = cmd
	ret.Sync = sync
	return ret
}

// Disk_i represents a physical disk interface.
type Disk_i interface {
	// Start begins servicing the request and reports whether the
	// caller should wait on the request's ack channel.
	Start(*Bdev_req_t) bool
	Nblocks() int
	Stats() string
}
