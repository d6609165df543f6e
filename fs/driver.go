package fs

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/CS161/tapiros/stats"
)

// Filedisk_t simulates a disk backed by a file on the host.
type Filedisk_t struct {
	sync.Mutex
	f       *os.File
	nblocks int
	st      struct {
		Nreads   stats.Counter_t
		Nwrites  stats.Counter_t
		Nflushes stats.Counter_t
	}
}

// MkFiledisk opens or creates a file-backed disk of nblocks blocks.
func MkFiledisk(path string, nblocks int) (*Filedisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("filedisk: %w", err)
	}
	if err := f.Truncate(int64(nblocks) * BSIZE); err != nil {
		f.Close()
		return nil, fmt.Errorf("filedisk: %w", err)
	}
	return &Filedisk_t{f: f, nblocks: nblocks}, nil
}

// Close flushes and closes the backing file.
func (d *Filedisk_t) Close() error {
	d.Lock()
	defer d.Unlock()
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return err
	}
	return d.f.Close()
}

// Nblocks returns the device size in blocks.
func (d *Filedisk_t) Nblocks() int {
	return d.nblocks
}

func (d *Filedisk_t) checkblk(b *Bdev_block_t) {
	if b.Block < 0 || b.Block >= d.nblocks {
		panic("block address out of range")
	}
}

// Start services a block device request. Host I/O errors are fatal: a
// disk that fails mid-operation leaves the kernel with no way to keep
// its durability promises.
func (d *Filedisk_t) Start(req *Bdev_req_t) bool {
	d.Lock()
	defer d.Unlock()

	switch req.Cmd {
	case BDEV_READ:
		if req.Blks.Len() != 1 {
			panic("read: too many blocks")
		}
		blk := req.Blks.FrontBlock()
		d.checkblk(blk)
		d.st.Nreads.Inc()
		if _, err := d.f.ReadAt(blk.Data[:], int64(blk.Block)*BSIZE); err != nil {
			panic(fmt.Sprintf("disk read failed: %v", err))
		}
	case BDEV_WRITE:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			d.checkblk(b)
			d.st.Nwrites.Inc()
			if _, err := d.f.WriteAt(b.Data[:], int64(b.Block)*BSIZE); err != nil {
				panic(fmt.Sprintf("disk write failed: %v", err))
			}
		}
	case BDEV_FLUSH:
		d.st.Nflushes.Inc()
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			panic(fmt.Sprintf("disk flush failed: %v", err))
		}
	}
	if req.Sync {
		go func() {
			req.AckCh <- true
		}()
		return true
	}
	return false
}

// Stats returns driver counters.
func (d *Filedisk_t) Stats() string {
	return "filedisk:" + stats.Stats2String(d.st)
}
