package fs

import (
	"fmt"
)

// Mkfs writes an empty volume onto disk: superblock, root and purgatory
// directory inodes, free-block bitmap, and a zeroed journal region.
// Data blocks follow the journal.
func Mkfs(disk Disk_i, nblocks int, volname string, jblocks int) error {
	if nblocks > disk.Nblocks() {
		return fmt.Errorf("mkfs: %v blocks on a %v-block device", nblocks, disk.Nblocks())
	}
	fmblocks := Freemapblocks(nblocks)
	jstart := FREEMAP_START + fmblocks
	if jstart+jblocks >= nblocks {
		return fmt.Errorf("mkfs: journal of %v blocks leaves no data blocks", jblocks)
	}

	// superblock
	sb := Superblock_t{Data: &Bytesec_t{}}
	sb.SetMagic()
	sb.SetNblocks(nblocks)
	sb.SetVolname(volname)
	sb.SetJournalstart(jstart)
	sb.SetJournalblocks(jblocks)
	sblk := MkBlock(SUPER_BLOCK, "superblock", disk)
	*sblk.Data = *sb.Data
	sblk.Write()

	// root and purgatory directories
	for _, ino := range []int{ROOTDIR_INO, PURGDIR_INO} {
		di := Dinode_t{Data: &Bytesec_t{}}
		di.SetType(TYPE_DIR)
		di.SetLinkcount(1)
		iblk := MkBlock(ino, "dinode", disk)
		*iblk.Data = *di.Data
		iblk.Write()
	}

	// freemap: metadata blocks and the journal are permanently in
	// use, as are the bitmap's bits beyond the end of the volume
	fm := MkFreemap(disk, nblocks)
	for b := 0; b < jstart+jblocks; b++ {
		fm.Mark(uint(b))
	}
	for b := nblocks; b < Freemapbits(nblocks); b++ {
		fm.Mark(uint(b))
	}
	fm.Write()

	// zeroed journal
	zero := MkBlock(0, "journal", disk)
	for b := jstart; b < jstart+jblocks; b++ {
		zero.Block = b
		zero.Write()
	}

	req := MkRequest(nil, BDEV_FLUSH, true)
	if disk.Start(req) {
		<-req.AckCh
	}
	return nil
}
