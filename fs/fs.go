package fs

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/klog"
	"github.com/CS161/tapiros/synch"
)

// Fs_t is a mounted volume: device, superblock, freemap, and journal.
type Fs_t struct {
	disk    Disk_i
	sb      Superblock_t
	freemap *Freemap_t
	jphys   *Jphys_t

	txlk    *synch.Lock_t
	nexttid uint64
	log     *slog.Logger
}

// Mount loads the superblock and freemap, replays the journal, and
// checkpoints. The volume is consistent when Mount returns.
func Mount(disk Disk_i) (*Fs_t, error) {
	fsys := &Fs_t{
		disk: disk,
		txlk: synch.MkLock("tx_lock"),
		log:  klog.With("sub", "fs"),
	}

	fsys.sb.Data = &Bytesec_t{}
	sblk := MkBlock(SUPER_BLOCK, "superblock", disk)
	sblk.Read()
	*fsys.sb.Data = *sblk.Data

	if fsys.sb.Magic() != MAGIC {
		return nil, fmt.Errorf("wrong magic number in superblock (%#x, should be %#x)",
			fsys.sb.Magic(), MAGIC)
	}
	if fsys.sb.Journalblocks() >= fsys.sb.Nblocks() {
		fsys.log.Warn("journal takes up whole volume")
	}
	if fsys.sb.Nblocks() > disk.Nblocks() {
		fsys.log.Warn("volume larger than device",
			"fs", fsys.sb.Nblocks(), "device", disk.Nblocks())
	}

	fsys.freemap = MkFreemap(disk, fsys.sb.Nblocks())
	fsys.freemap.Read()

	if err := fsys.Recover(); err != nil {
		return nil, err
	}

	// ensure all recovery is reflected on disk, then clear the journal
	fsys.freemap.Write()
	fsys.flush()
	fsys.jphys = Mkjphys(disk, fsys.sb.Journalstart(), fsys.sb.Journalblocks())
	fsys.jphys.Checkpoint()
	fsys.flush()

	return fsys, nil
}

// Volname returns the mounted volume's name.
func (fsys *Fs_t) Volname() string {
	return fsys.sb.Volname()
}

// Sync writes cached state and flushes the device.
func (fsys *Fs_t) Sync() {
	fsys.freemap.Write()
	fsys.flush()
}

// Unmount syncs and detaches. The caller owns the device.
func (fsys *Fs_t) Unmount() {
	fsys.Sync()
}

func (fsys *Fs_t) flush() {
	req := MkRequest(nil, BDEV_FLUSH, true)
	if fsys.disk.Start(req) {
		<-req.AckCh
	}
}

// Readblock reads block n of the volume.
func (fsys *Fs_t) Readblock(n int) *Bytesec_t {
	blk := MkBlock(n, "fs read", fsys.disk)
	blk.Read()
	return blk.Data
}

// Writeblock writes data to block n of the volume.
func (fsys *Fs_t) Writeblock(n int, data *Bytesec_t) {
	blk := MkBlock(n, "fs write", fsys.disk)
	*blk.Data = *data
	blk.Write()
}

// Tx_t is one metadata transaction. Records are journaled before their
// effects reach the volume; a transaction is durable once its TXEND is
// on disk and rolled back by recovery otherwise.
type Tx_t struct {
	fsys *Fs_t
	tid  defs.Tid_t
	done bool
}

// Op_begin opens a transaction. dbgtype labels the operation for
// debugging output.
func (fsys *Fs_t) Op_begin(dbgtype uint16) *Tx_t {
	tid := defs.Tid_t(atomic.AddUint64(&fsys.nexttid, 1))
	tx := &Tx_t{fsys: fsys, tid: tid}
	r := Jtx_t{Tid: tid, Type: dbgtype}
	fsys.jphys.Append(JPHYS_CLIENT, JPHYS_TXSTART, r.encode())
	return tx
}

// Op_end commits: the TXEND record reaching the journal is the commit
// point.
func (tx *Tx_t) Op_end() {
	if tx.done {
		panic("transaction already ended")
	}
	tx.done = true
	r := Jtx_t{Tid: tx.tid}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_TXEND, r.encode())
	tx.fsys.flush()
}

// Balloc allocates a block, journals the allocation, and returns its
// number.
func (tx *Tx_t) Balloc() (int, defs.Err_t) {
	b, ok := tx.fsys.freemap.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	r := Jblock_t{Tid: tx.tid, Index: uint32(b)}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_ALLOCB, r.encode())
	return int(b), 0
}

// Bfree releases a block and journals the free.
func (tx *Tx_t) Bfree(block int) {
	tx.fsys.freemap.Unmark(uint(block))
	r := Jblock_t{Tid: tx.tid, Index: uint32(block)}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_FREEB, r.encode())
}

// Writeb performs a raw user-data write: the value is not journaled,
// only a WRITEB notice with the block's post-write checksum, after
// which the block is written in place.
func (tx *Tx_t) Writeb(block int, data *Bytesec_t) {
	r := Jwriteb_t{Tid: tx.tid, Checksum: Checksum(data[:]), Index: uint32(block)}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITEB, r.encode())
	tx.fsys.Writeblock(block, data)
}

// Write16 journals and applies a 16-bit metadata write.
func (tx *Tx_t) Write16(block int, offset int, v uint16) {
	if offset < 0 || offset > BSIZE-2 {
		panic("bad offset")
	}
	data := tx.fsys.Readblock(block)
	old := uint16(data[offset]) | uint16(data[offset+1])<<8
	r := Jwrite16_t{Tid: tx.tid, Index: uint32(block), Old: old, New: v,
		Offset: uint16(offset)}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITE16, r.encode())
	data[offset] = uint8(v)
	data[offset+1] = uint8(v >> 8)
	tx.fsys.Writeblock(block, data)
}

// Write32 journals and applies a 32-bit metadata write.
func (tx *Tx_t) Write32(block int, offset int, v uint32) {
	if offset < 0 || offset > BSIZE-4 {
		panic("bad offset")
	}
	data := tx.fsys.Readblock(block)
	old := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	r := Jwrite32_t{Tid: tx.tid, Index: uint32(block), Old: old, New: v,
		Offset: uint16(offset)}
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITE32, r.encode())
	for i := 0; i < 4; i++ {
		data[offset+i] = uint8(v >> (8 * uint(i)))
	}
	tx.fsys.Writeblock(block, data)
}

// Writem journals and applies a metadata write of up to 128 bytes.
func (tx *Tx_t) Writem(block int, offset int, newdata []uint8) {
	n := len(newdata)
	if n == 0 || n > WRITEM_LEN {
		panic("bad writem length")
	}
	if offset < 0 || offset+n > BSIZE {
		panic("bad offset")
	}
	data := tx.fsys.Readblock(block)
	r := Jwritem_t{Tid: tx.tid, Index: uint32(block), Offset: uint16(offset),
		Len: uint16(n)}
	copy(r.Old[:], data[offset:offset+n])
	copy(r.New[:], newdata)
	tx.fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITEM, r.encode())
	copy(data[offset:offset+n], newdata)
	tx.fsys.Writeblock(block, data)
}
