package fs

import "hash/crc32"

// Checksum computes the checksum stored in WRITEB records. Recovery
// compares it against the on-disk block to decide whether an in-place
// user write reached the device before a crash.
func Checksum(b []uint8) uint32 {
	return crc32.ChecksumIEEE(b)
}
