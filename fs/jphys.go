package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/synch"
)

// The physical journal is a contiguous run of blocks holding typed,
// length-prefixed records. Each record starts with a 64-bit header
// packing a 1-bit class, 7-bit type, 8-bit length in 2-octet units, and
// a 48-bit LSN. A header whose integer value is 0 is invalid, which
// distinguishes real records from still-zeroed journal blocks. Records
// never span blocks; a PAD record (or a zeroed tail shorter than a
// header) fills the remainder.

// Record classes.
const (
	JPHYS_CONTAINER = 0
	JPHYS_CLIENT    = 1
)

// Container-level record types.
const (
	JPHYS_INVALID = 0
	JPHYS_PAD     = 1
	JPHYS_TRIM    = 2
)

// Client record types.
const (
	JPHYS_TXSTART = 3
	JPHYS_TXEND   = 4
	JPHYS_ALLOCB  = 5
	JPHYS_FREEB   = 6
	JPHYS_WRITEB  = 7
	JPHYS_WRITE16 = 8
	JPHYS_WRITE32 = 9
	JPHYS_WRITEM  = 10
)

// Recname returns a record type's name for log output.
func Recname(ty uint) string {
	switch ty {
	case JPHYS_PAD:
		return "PAD"
	case JPHYS_TRIM:
		return "TRIM"
	case JPHYS_TXSTART:
		return "TXSTART"
	case JPHYS_TXEND:
		return "TXEND"
	case JPHYS_ALLOCB:
		return "ALLOCB"
	case JPHYS_FREEB:
		return "FREEB"
	case JPHYS_WRITEB:
		return "WRITEB"
	case JPHYS_WRITE16:
		return "WRITE16"
	case JPHYS_WRITE32:
		return "WRITE32"
	case JPHYS_WRITEM:
		return "WRITEM"
	default:
		return "UNKNOWN"
	}
}

const (
	jheadersize = 8
	lsnmask     = uint64(1)<<48 - 1
)

// mkconinfo packs a record header. length counts bytes including the
// header and must be even.
func mkconinfo(class, ty uint, length int, lsn uint64) uint64 {
	if length%2 != 0 || length/2 > 0xff {
		panic("bad record length")
	}
	if ty > 0x7f || class > 1 {
		panic("bad record type")
	}
	return uint64(class)<<63 | uint64(ty)<<56 |
		uint64(length/2)<<48 | lsn&lsnmask
}

func coninfoclass(ci uint64) uint { return uint(ci >> 63) }
func coninfotype(ci uint64) uint  { return uint(ci>>56) & 0x7f }
func coninfolen(ci uint64) int    { return int(ci>>48&0xff) * 2 }
func coninfolsn(ci uint64) uint64 { return ci & lsnmask }

// WRITEM_LEN is the largest chunk a WRITEM record can carry.
const WRITEM_LEN = 128

// Record bodies. All integers are little-endian on disk.

// Jtx_t is the body of TXSTART and TXEND.
type Jtx_t struct {
	Tid  defs.Tid_t
	Type uint16 // transaction type (for debugging)
}

// Jblock_t is the body of ALLOCB and FREEB.
type Jblock_t struct {
	Tid   defs.Tid_t
	Index uint32 // index in block freemap
}

// Jwriteb_t is the body of WRITEB. The written value is not logged;
// the checksum identifies whether the in-place write reached disk.
type Jwriteb_t struct {
	Tid      defs.Tid_t
	Checksum uint32
	Index    uint32
}

// Jwrite16_t is the body of WRITE16.
type Jwrite16_t struct {
	Tid    defs.Tid_t
	Index  uint32
	Old    uint16
	New    uint16
	Offset uint16
}

// Jwrite32_t is the body of WRITE32.
type Jwrite32_t struct {
	Tid    defs.Tid_t
	Index  uint32
	Old    uint32
	New    uint32
	Offset uint16
}

// Jwritem_t is the body of WRITEM: an up to 128-byte metadata chunk
// with both old and new images.
type Jwritem_t struct {
	Tid    defs.Tid_t
	Index  uint32
	Offset uint16
	Len    uint16
	Old    [WRITEM_LEN]uint8
	New    [WRITEM_LEN]uint8
}

func (r *Jtx_t) encode() []uint8 {
	b := make([]uint8, 10)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint16(b[8:], r.Type)
	return b
}

func decodejtx(b []uint8) Jtx_t {
	return Jtx_t{
		Tid:  defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Type: binary.LittleEndian.Uint16(b[8:]),
	}
}

func (r *Jblock_t) encode() []uint8 {
	b := make([]uint8, 12)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint32(b[8:], r.Index)
	return b
}

func decodejblock(b []uint8) Jblock_t {
	return Jblock_t{
		Tid:   defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Index: binary.LittleEndian.Uint32(b[8:]),
	}
}

func (r *Jwriteb_t) encode() []uint8 {
	b := make([]uint8, 16)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint32(b[8:], r.Checksum)
	binary.LittleEndian.PutUint32(b[12:], r.Index)
	return b
}

func decodejwriteb(b []uint8) Jwriteb_t {
	return Jwriteb_t{
		Tid:      defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Checksum: binary.LittleEndian.Uint32(b[8:]),
		Index:    binary.LittleEndian.Uint32(b[12:]),
	}
}

func (r *Jwrite16_t) encode() []uint8 {
	b := make([]uint8, 18)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint32(b[8:], r.Index)
	binary.LittleEndian.PutUint16(b[12:], r.Old)
	binary.LittleEndian.PutUint16(b[14:], r.New)
	binary.LittleEndian.PutUint16(b[16:], r.Offset)
	return b
}

func decodejwrite16(b []uint8) Jwrite16_t {
	return Jwrite16_t{
		Tid:    defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Index:  binary.LittleEndian.Uint32(b[8:]),
		Old:    binary.LittleEndian.Uint16(b[12:]),
		New:    binary.LittleEndian.Uint16(b[14:]),
		Offset: binary.LittleEndian.Uint16(b[16:]),
	}
}

func (r *Jwrite32_t) encode() []uint8 {
	b := make([]uint8, 22)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint32(b[8:], r.Index)
	binary.LittleEndian.PutUint32(b[12:], r.Old)
	binary.LittleEndian.PutUint32(b[16:], r.New)
	binary.LittleEndian.PutUint16(b[20:], r.Offset)
	return b
}

func decodejwrite32(b []uint8) Jwrite32_t {
	return Jwrite32_t{
		Tid:    defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Index:  binary.LittleEndian.Uint32(b[8:]),
		Old:    binary.LittleEndian.Uint32(b[12:]),
		New:    binary.LittleEndian.Uint32(b[16:]),
		Offset: binary.LittleEndian.Uint16(b[20:]),
	}
}

func (r *Jwritem_t) encode() []uint8 {
	if int(r.Len) > WRITEM_LEN {
		panic("writem chunk too large")
	}
	b := make([]uint8, 16+2*WRITEM_LEN)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.Tid))
	binary.LittleEndian.PutUint32(b[8:], r.Index)
	binary.LittleEndian.PutUint16(b[12:], r.Offset)
	binary.LittleEndian.PutUint16(b[14:], r.Len)
	copy(b[16:], r.Old[:])
	copy(b[16+WRITEM_LEN:], r.New[:])
	return b
}

func decodejwritem(b []uint8) Jwritem_t {
	r := Jwritem_t{
		Tid:    defs.Tid_t(binary.LittleEndian.Uint64(b[0:])),
		Index:  binary.LittleEndian.Uint32(b[8:]),
		Offset: binary.LittleEndian.Uint16(b[12:]),
		Len:    binary.LittleEndian.Uint16(b[14:]),
	}
	copy(r.Old[:], b[16:])
	copy(r.New[:], b[16+WRITEM_LEN:])
	return r
}

// Jphys_t is the journal writer. Appended records are written through
// to the device immediately so that a crash at any moment leaves a
// scannable prefix on disk.
type Jphys_t struct {
	disk    Disk_i
	jstart  int
	jblocks int

	lk      *synch.Lock_t
	nextlsn uint64
	block   int // absolute block number being filled
	off     int
	cur     *Bdev_block_t
}

// Mkjphys attaches a journal writer to the given region. The writer
// assumes the region has been checkpointed (zeroed); recovery runs
// before any writing starts.
func Mkjphys(disk Disk_i, jstart, jblocks int) *Jphys_t {
	if jblocks < 1 || jstart+jblocks > disk.Nblocks() {
		panic("bad journal geometry")
	}
	j := &Jphys_t{
		disk:    disk,
		jstart:  jstart,
		jblocks: jblocks,
		lk:      synch.MkLock("jphys_lk"),
		nextlsn: 1,
		block:   jstart,
	}
	j.cur = MkBlock(j.block, "journal", disk)
	return j
}

// Append adds one record and returns its LSN. It blocks on journal and
// disk I/O; no spinlocks may be held.
func (j *Jphys_t) Append(class, ty uint, body []uint8) uint64 {
	if len(body)%2 != 0 {
		panic("record bodies must be even")
	}
	reclen := jheadersize + len(body)
	if reclen > BSIZE {
		panic("record larger than a block")
	}

	j.lk.Acquire()
	defer j.lk.Release()

	if j.off+reclen > BSIZE {
		j.pad()
	}

	lsn := j.nextlsn
	j.nextlsn++
	ci := mkconinfo(class, ty, reclen, lsn)
	binary.LittleEndian.PutUint64(j.cur.Data[j.off:], ci)
	copy(j.cur.Data[j.off+jheadersize:], body)
	j.off += reclen

	j.cur.Write()
	return lsn
}

// pad closes out the current block and moves to the next one. Tails too
// short for a header are left zeroed; the scanner skips them.
func (j *Jphys_t) pad() {
	if rem := BSIZE - j.off; rem >= jheadersize {
		lsn := j.nextlsn
		j.nextlsn++
		ci := mkconinfo(JPHYS_CONTAINER, JPHYS_PAD, rem, lsn)
		binary.LittleEndian.PutUint64(j.cur.Data[j.off:], ci)
		j.cur.Write()
	}
	j.block++
	if j.block >= j.jstart+j.jblocks {
		panic("journal full")
	}
	j.off = 0
	j.cur = MkBlock(j.block, "journal", j.disk)
}

// Checkpoint zeroes the journal region and resets the writer; callers
// must already have made every logged effect durable.
func (j *Jphys_t) Checkpoint() {
	j.lk.Acquire()
	defer j.lk.Release()
	zero := MkBlock(0, "journal zero", j.disk)
	for b := j.jstart; b < j.jstart+j.jblocks; b++ {
		zero.Block = b
		zero.Write()
	}
	j.block = j.jstart
	j.off = 0
	j.cur = MkBlock(j.block, "journal", j.disk)
	j.nextlsn = 1
}

// Jrec_t is one decoded journal record.
type Jrec_t struct {
	Lsn   uint64
	Class uint
	Type  uint
	Body  []uint8
}

// Jiter_t iterates the journal's records in a fixed direction, the way
// recovery consumes them.
type Jiter_t struct {
	recs []Jrec_t
	i    int
	rev  bool
}

// scanjournal decodes every client record currently on disk.
func scanjournal(disk Disk_i, jstart, jblocks int) ([]Jrec_t, error) {
	var recs []Jrec_t
	blk := MkBlock(0, "journal scan", disk)
	for b := jstart; b < jstart+jblocks; b++ {
		blk.Block = b
		blk.Read()
		off := 0
		for off+jheadersize <= BSIZE {
			ci := binary.LittleEndian.Uint64(blk.Data[off:])
			if ci == 0 {
				if off == 0 {
					// a still-zeroed block ends the log
					return recs, nil
				}
				break
			}
			rlen := coninfolen(ci)
			if rlen < jheadersize || off+rlen > BSIZE {
				return nil, fmt.Errorf("corrupt journal record at block %v offset %v", b, off)
			}
			if coninfoclass(ci) == JPHYS_CLIENT {
				body := make([]uint8, rlen-jheadersize)
				copy(body, blk.Data[off+jheadersize:off+rlen])
				recs = append(recs, Jrec_t{
					Lsn:   coninfolsn(ci),
					Class: JPHYS_CLIENT,
					Type:  coninfotype(ci),
					Body:  body,
				})
			}
			off += rlen
		}
	}
	return recs, nil
}

// Jiter_fwd scans the journal and returns a forward iterator.
func Jiter_fwd(disk Disk_i, jstart, jblocks int) (*Jiter_t, error) {
	recs, err := scanjournal(disk, jstart, jblocks)
	if err != nil {
		return nil, err
	}
	return &Jiter_t{recs: recs}, nil
}

// Jiter_rev scans the journal and returns a reverse iterator.
func Jiter_rev(disk Disk_i, jstart, jblocks int) (*Jiter_t, error) {
	recs, err := scanjournal(disk, jstart, jblocks)
	if err != nil {
		return nil, err
	}
	return &Jiter_t{recs: recs, i: len(recs) - 1, rev: true}, nil
}

// Done reports whether the iterator has run off the end.
func (ji *Jiter_t) Done() bool {
	return ji.i < 0 || ji.i >= len(ji.recs)
}

// Type returns the current record's type code.
func (ji *Jiter_t) Type() uint {
	return ji.recs[ji.i].Type
}

// Lsn returns the current record's log sequence number.
func (ji *Jiter_t) Lsn() uint64 {
	return ji.recs[ji.i].Lsn
}

// Rec returns the current record's body.
func (ji *Jiter_t) Rec() []uint8 {
	return ji.recs[ji.i].Body
}

// Next advances in the iterator's direction.
func (ji *Jiter_t) Next() {
	if ji.rev {
		ji.i--
	} else {
		ji.i++
	}
}
