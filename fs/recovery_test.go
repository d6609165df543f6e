package fs

import (
	"os"
	"testing"

	"github.com/CS161/tapiros/klog"
	"github.com/CS161/tapiros/synch"
)

// rawfs attaches to a volume without mounting it: superblock and
// freemap loaded, journal untouched. Recovery can then be driven by
// hand, including several times over the same log.
func rawfs(t *testing.T, disk Disk_i) *Fs_t {
	t.Helper()
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
		t.Fatalf("bad magic on test volume")
	}
	fsys.freemap = MkFreemap(disk, fsys.sb.Nblocks())
	fsys.freemap.Read()
	return fsys
}

func snapshot(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Crash and recover: a committed transaction survives, an uncommitted
// one disappears without a trace.
func TestCrashRecovery(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	// T1: allocate b1, patch an inode, commit
	t1 := fsys.Op_begin(1)
	b1, errc := t1.Balloc()
	if errc != 0 {
		t.Fatalf("balloc: %v", errc)
	}
	t1.Writem(ROOTDIR_INO, 0, []uint8{0x10, 0x20, 0x30, 0x40})
	t1.Op_end()

	// T2: allocate b2, patch the inode again, crash before commit
	t2 := fsys.Op_begin(2)
	b2, errc := t2.Balloc()
	if errc != 0 {
		t.Fatalf("balloc: %v", errc)
	}
	t2.Write16(ROOTDIR_INO, 6, 0x7777)

	// crash: drop fsys without syncing the freemap

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	if !fsys2.freemap.Isset(uint(b1)) {
		t.Errorf("committed allocation of block %v lost", b1)
	}
	if fsys2.freemap.Isset(uint(b2)) {
		t.Errorf("uncommitted allocation of block %v survived", b2)
	}
	ino := fsys2.Readblock(ROOTDIR_INO)
	if ino[0] != 0x10 || ino[1] != 0x20 || ino[2] != 0x30 || ino[3] != 0x40 {
		t.Errorf("committed metadata write lost: % x", ino[0:4])
	}
	// the uncommitted link count write was rolled back to the mkfs
	// value
	if got := uint16(ino[6]) | uint16(ino[7])<<8; got != 1 {
		t.Errorf("uncommitted write not undone: linkcount = %#x", got)
	}
	fsys2.Unmount()
}

// A torn user write: the WRITEB record reached the journal but the
// block payload on disk is stale. Recovery must zero the block rather
// than expose the stale bytes.
func TestTornUserWrite(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	var intended Bytesec_t
	for i := range intended {
		intended[i] = 0xab
	}
	var stale Bytesec_t
	for i := range stale {
		stale[i] = 0x77
	}

	tx := fsys.Op_begin(3)
	b1, errc := tx.Balloc()
	if errc != 0 {
		t.Fatalf("balloc: %v", errc)
	}
	// log the write notice with the intended checksum, but let only
	// the stale payload reach the device
	rec := Jwriteb_t{Tid: tx.tid, Checksum: Checksum(intended[:]), Index: uint32(b1)}
	fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITEB, rec.encode())
	fsys.Writeblock(b1, &stale)
	tx.Op_end()

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	got := fsys2.Readblock(b1)
	if *got != (Bytesec_t{}) {
		t.Fatalf("torn block not zeroed: % x ...", got[0:8])
	}
	// the allocation itself committed
	if !fsys2.freemap.Isset(uint(b1)) {
		t.Fatalf("committed allocation lost")
	}
	fsys2.Unmount()
}

// An intact user write is left alone: checksum matches, content stays.
func TestIntactUserWrite(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	var data Bytesec_t
	for i := range data {
		data[i] = uint8(i ^ 0x5a)
	}
	tx := fsys.Op_begin(3)
	b1, _ := tx.Balloc()
	tx.Writeb(b1, &data)
	tx.Op_end()

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	if got := fsys2.Readblock(b1); *got != data {
		t.Fatalf("intact user write damaged by recovery")
	}
	fsys2.Unmount()
}

// A block flagged as user data whose most recent journal record is an
// ALLOCB is zeroed by pass 4 under that ALLOCB: its write never even
// produced a record, so nothing newer can vouch for the contents.
func TestAllocatedUnwrittenUserBlock(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	var stale Bytesec_t
	for i := range stale {
		stale[i] = 0x99
	}

	tx := fsys.Op_begin(3)
	b1, _ := tx.Balloc()
	fsys.Writeblock(b1, &stale)
	// the block's flagging WRITEB is older in the log than its newest
	// ALLOCB, so the backward scrub reaches the ALLOCB first
	wrec := Jwriteb_t{Tid: tx.tid, Checksum: Checksum(stale[:]), Index: uint32(b1)}
	fsys.jphys.Append(JPHYS_CLIENT, JPHYS_WRITEB, wrec.encode())
	arec := Jblock_t{Tid: tx.tid, Index: uint32(b1)}
	fsys.jphys.Append(JPHYS_CLIENT, JPHYS_ALLOCB, arec.encode())
	tx.Op_end()

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	if got := fsys2.Readblock(b1); *got != (Bytesec_t{}) {
		t.Fatalf("unwritten user block not scrubbed")
	}
	fsys2.Unmount()
}

// Redo idempotence: recovering the same log twice produces the same
// disk state as recovering it once.
func TestRedoIdempotence(t *testing.T) {
	disk, path := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	t1 := fsys.Op_begin(1)
	b1, _ := t1.Balloc()
	t1.Write32(ROOTDIR_INO, 0, 12345)
	var data Bytesec_t
	data[0] = 0xcc
	t1.Writeb(b1, &data)
	t1.Op_end()
	// an uncommitted tail too, so undo runs both times
	t2 := fsys.Op_begin(2)
	t2.Write16(PURGDIR_INO, 6, 0x1234)
	_, _ = t2.Balloc()

	// crash; recover once
	f1 := rawfs(t, disk)
	if err := f1.Recover(); err != nil {
		t.Fatal(err)
	}
	f1.freemap.Write()
	once := snapshot(t, path)

	// recover again over the very same journal
	f2 := rawfs(t, disk)
	if err := f2.Recover(); err != nil {
		t.Fatal(err)
	}
	f2.freemap.Write()
	twice := snapshot(t, path)

	if string(once) != string(twice) {
		t.Fatalf("second recovery changed the disk")
	}
}

// Commit monotonicity across a larger mix: committed transactions all
// survive, uncommitted ones leave no partial effect.
func TestCommitMonotonicity(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	var committed, uncommitted []int
	for i := 0; i < 4; i++ {
		tx := fsys.Op_begin(uint16(i))
		b, errc := tx.Balloc()
		if errc != 0 {
			t.Fatalf("balloc: %v", errc)
		}
		if i%2 == 0 {
			tx.Op_end()
			committed = append(committed, b)
		} else {
			uncommitted = append(uncommitted, b)
		}
	}

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range committed {
		if !fsys2.freemap.Isset(uint(b)) {
			t.Errorf("committed block %v not allocated", b)
		}
	}
	for _, b := range uncommitted {
		if fsys2.freemap.Isset(uint(b)) {
			t.Errorf("uncommitted block %v still allocated", b)
		}
	}
	fsys2.Unmount()
}

// A freed-then-reused block number must not be treated as user data
// from its earlier life: FREEB clears the pass-1 flag.
func TestFreebClearsUserFlag(t *testing.T) {
	disk, _ := mkvolume(t)
	fsys, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}

	var data Bytesec_t
	data[0] = 0x42

	t1 := fsys.Op_begin(1)
	b, _ := t1.Balloc()
	t1.Writeb(b, &data)
	t1.Bfree(b)
	t1.Op_end()

	// the same block is reused for metadata afterwards
	t2 := fsys.Op_begin(2)
	b2, _ := t2.Balloc()
	if b2 != b {
		t.Fatalf("expected block reuse, got %v then %v", b, b2)
	}
	t2.Write32(b2, 0, 0xfeedface)
	t2.Op_end()

	fsys2, err := Mount(disk)
	if err != nil {
		t.Fatal(err)
	}
	// the metadata write must have been redone, not skipped or zeroed
	got := fsys2.Readblock(b2)
	v := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
	if v != 0xfeedface {
		t.Fatalf("metadata on reused block = %#x", v)
	}
	fsys2.Unmount()
}
