package fs

import (
	"github.com/CS161/tapiros/util"
)

// Recovery replays the physical journal in four passes before the
// volume is used:
//
//	1. forward: find which blocks will end up holding user data, and
//	   count committed transactions
//	2. forward: redo every idempotent effect, skipping metadata writes
//	   to blocks the first pass flagged as user data
//	3. backward: undo every record belonging to an uncommitted
//	   transaction
//	4. backward: scrub flagged user blocks whose in-place write never
//	   reached disk
//
// Pass 2's user-block skip is what keeps recovery idempotent against a
// crash during pass 4: a metadata-style redo of a block that pass 4
// already zeroed would resurrect stale bytes on the next recovery.

func txfinished(commits []uint64, tid uint64) bool {
	for _, c := range commits {
		if c == tid {
			return true
		}
	}
	return false
}

// Recover restores volume consistency after a crash. The superblock and
// freemap are loaded; no other filesystem activity may have started.
func (fsys *Fs_t) Recover() error {
	jstart := fsys.sb.Journalstart()
	jblocks := fsys.sb.Journalblocks()

	userblocks := util.MkBitmap(uint(Freemapbits(fsys.sb.Nblocks())))
	var ncommits int

	// Pass 1 - forward to mark user blocks (and count committed
	// transactions)

	fsys.log.Debug("recovery: starting pass 1")

	ji, err := Jiter_fwd(fsys.disk, jstart, jblocks)
	if err != nil {
		return err
	}
	for ; !ji.Done(); ji.Next() {
		switch ji.Type() {
		case JPHYS_TXEND:
			ncommits++
		case JPHYS_FREEB:
			rec := decodejblock(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				userblocks.Unmark(uint(rec.Index))
			}
		case JPHYS_WRITEB:
			rec := decodejwriteb(ji.Rec())
			if !userblocks.Isset(uint(rec.Index)) {
				userblocks.Mark(uint(rec.Index))
			}
		}
	}

	// Pass 2 - forward to redo all operations (and collect the
	// committed transaction ids)

	fsys.log.Debug("recovery: starting pass 2")

	commits := make([]uint64, 0, ncommits)

	ji, err = Jiter_fwd(fsys.disk, jstart, jblocks)
	if err != nil {
		return err
	}
	for ; !ji.Done(); ji.Next() {
		switch ji.Type() {
		case JPHYS_TXSTART:
			// no redo action
		case JPHYS_TXEND:
			rec := decodejtx(ji.Rec())
			commits = append(commits, uint64(rec.Tid))
		case JPHYS_ALLOCB:
			rec := decodejblock(ji.Rec())
			fsys.freemap.Mark(uint(rec.Index))
		case JPHYS_FREEB:
			rec := decodejblock(ji.Rec())
			fsys.freemap.Unmark(uint(rec.Index))
		case JPHYS_WRITEB:
			// no redo action; user writes are scrubbed in pass 4
		case JPHYS_WRITE16:
			rec := decodejwrite16(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				fsys.log.Debug("recovery: skipping redo for user block",
					"block", rec.Index)
				break
			}
			fsys.patch16(int(rec.Index), int(rec.Offset), rec.New)
		case JPHYS_WRITE32:
			rec := decodejwrite32(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				fsys.log.Debug("recovery: skipping redo for user block",
					"block", rec.Index)
				break
			}
			fsys.patch32(int(rec.Index), int(rec.Offset), rec.New)
		case JPHYS_WRITEM:
			rec := decodejwritem(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				fsys.log.Debug("recovery: skipping redo for user block",
					"block", rec.Index)
				break
			}
			fsys.patchm(int(rec.Index), int(rec.Offset), rec.New[:rec.Len])
		}
	}

	// Pass 3 - backward to undo uncommitted transactions

	fsys.log.Debug("recovery: starting pass 3")

	ji, err = Jiter_rev(fsys.disk, jstart, jblocks)
	if err != nil {
		return err
	}
	for ; !ji.Done(); ji.Next() {
		switch ji.Type() {
		case JPHYS_ALLOCB:
			rec := decodejblock(ji.Rec())
			if txfinished(commits, uint64(rec.Tid)) {
				break
			}
			fsys.log.Debug("recovery: undoing ALLOCB", "block", rec.Index)
			fsys.freemap.Unmark(uint(rec.Index))
		case JPHYS_FREEB:
			rec := decodejblock(ji.Rec())
			if txfinished(commits, uint64(rec.Tid)) {
				break
			}
			fsys.log.Debug("recovery: undoing FREEB", "block", rec.Index)
			fsys.freemap.Mark(uint(rec.Index))
		case JPHYS_WRITE16:
			rec := decodejwrite16(ji.Rec())
			if txfinished(commits, uint64(rec.Tid)) {
				break
			}
			fsys.log.Debug("recovery: undoing WRITE16", "block", rec.Index)
			fsys.patch16(int(rec.Index), int(rec.Offset), rec.Old)
		case JPHYS_WRITE32:
			rec := decodejwrite32(ji.Rec())
			if txfinished(commits, uint64(rec.Tid)) {
				break
			}
			fsys.log.Debug("recovery: undoing WRITE32", "block", rec.Index)
			fsys.patch32(int(rec.Index), int(rec.Offset), rec.Old)
		case JPHYS_WRITEM:
			rec := decodejwritem(ji.Rec())
			if txfinished(commits, uint64(rec.Tid)) {
				break
			}
			fsys.log.Debug("recovery: undoing WRITEM", "block", rec.Index)
			fsys.patchm(int(rec.Index), int(rec.Offset), rec.Old[:rec.Len])
		case JPHYS_TXSTART, JPHYS_TXEND, JPHYS_WRITEB:
			// no undo
		}
	}

	// Pass 4 - backward to zero stale user data

	fsys.log.Debug("recovery: starting pass 4")

	ji, err = Jiter_rev(fsys.disk, jstart, jblocks)
	if err != nil {
		return err
	}
	for ; !ji.Done(); ji.Next() {
		switch ji.Type() {
		case JPHYS_ALLOCB:
			// user block allocated, but not even the write record
			// hit disk
			rec := decodejblock(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				fsys.log.Debug("recovery: zeroing allocated user block",
					"block", rec.Index)
				fsys.Writeblock(int(rec.Index), &Bytesec_t{})
				userblocks.Unmark(uint(rec.Index))
			}
		case JPHYS_WRITEB:
			// write record did hit disk; did the data?
			rec := decodejwriteb(ji.Rec())
			if userblocks.Isset(uint(rec.Index)) {
				data := fsys.Readblock(int(rec.Index))
				if Checksum(data[:]) != rec.Checksum {
					// in-place write didn't reach disk
					fsys.log.Debug("recovery: zeroing unwritten user block",
						"block", rec.Index)
					fsys.Writeblock(int(rec.Index), &Bytesec_t{})
				}
				userblocks.Unmark(uint(rec.Index))
			}
		}
	}

	fsys.log.Debug("recovery: done", "committed", len(commits))
	return nil
}

func (fsys *Fs_t) patch16(block, offset int, v uint16) {
	if offset > BSIZE-2 {
		panic("bad patch offset")
	}
	data := fsys.Readblock(block)
	data[offset] = uint8(v)
	data[offset+1] = uint8(v >> 8)
	fsys.Writeblock(block, data)
}

func (fsys *Fs_t) patch32(block, offset int, v uint32) {
	if offset > BSIZE-4 {
		panic("bad patch offset")
	}
	data := fsys.Readblock(block)
	for i := 0; i < 4; i++ {
		data[offset+i] = uint8(v >> (8 * uint(i)))
	}
	fsys.Writeblock(block, data)
}

func (fsys *Fs_t) patchm(block, offset int, chunk []uint8) {
	if offset+len(chunk) > BSIZE {
		panic("bad patch offset")
	}
	data := fsys.Readblock(block)
	copy(data[offset:], chunk)
	fsys.Writeblock(block, data)
}
