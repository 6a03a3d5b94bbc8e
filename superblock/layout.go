// Package superblock implements the client-side shared-memory region
// spec.md §6 describes as "a named, fixed-size region with offset-based
// layout": a data log clients append write bytes to, a pending
// index-entry ring that accumulates extents until the next fsync, a
// single pending file-attribute slot, and a read-reply region the
// client's local delegator deposits fetched bytes into directly
// (spec.md §4.6). It is realized with golang.org/x/sys/unix's memfd +
// mmap primitives, grounded on the pack's FUSE-adjacent repos that back
// a userspace filesystem with raw OS primitives from the same package.
package superblock

import "encoding/binary"

const (
	magic   uint64 = 0x556e696679435200 // "UnifyCR\0"
	version uint64 = 1

	// extentRecordSize is the fixed on-the-wire size of one pending
	// index entry: fid(8) offset(8) addr(8) len(8) = 32 bytes. Unlike
	// the bbolt-backed distributed index, the shm ring has no room for
	// gob framing, so pending entries use a flat binary layout.
	extentRecordSize = 32

	headerSize    = 16 // magic + version
	countWordSize = 8
)

// Layout describes the byte offsets of every region within one
// superblock, computed from its configured capacities.
type Layout struct {
	DataLogSize   uint64
	IndexCapacity int    // max pending extents before a forced fsync
	ReplyCapacity uint64 // bytes available in the read-reply region

	dataLogCountOff uint64
	dataLogOff      uint64
	indexCountOff   uint64
	indexOff        uint64
	attrValidOff    uint64
	attrOff         uint64
	replyLenOff     uint64
	replyOff        uint64
	totalSize       uint64
}

// attrRecordSize mirrors index.FileAttr's fixed fields: gfid(8)
// filesize(8) laminated(1, padded to 8) mode(4, padded to 8).
const attrRecordSize = 32

// NewLayout computes region offsets for the given capacities. A
// replyCapacity of 0 still reserves the length word, so PutReply always
// fails cleanly with errs.ErrNoMem rather than writing out of bounds;
// callers that never use the reply region (e.g. cross-node fetches, see
// FetchHandler) can pass 0.
func NewLayout(dataLogSize uint64, indexCapacity int, replyCapacity uint64) Layout {
	l := Layout{DataLogSize: dataLogSize, IndexCapacity: indexCapacity, ReplyCapacity: replyCapacity}

	off := uint64(headerSize)
	l.dataLogCountOff = off
	off += countWordSize
	l.dataLogOff = off
	off += dataLogSize

	l.indexCountOff = off
	off += countWordSize
	l.indexOff = off
	off += uint64(indexCapacity) * extentRecordSize

	l.attrValidOff = off
	off += countWordSize
	l.attrOff = off
	off += attrRecordSize

	l.replyLenOff = off
	off += countWordSize
	l.replyOff = off
	off += replyCapacity

	l.totalSize = off
	return l
}

// Size returns the total byte size the backing region must be allocated
// at.
func (l Layout) Size() uint64 { return l.totalSize }

func putU64(b []byte, off uint64, v uint64) { binary.BigEndian.PutUint64(b[off:off+8], v) }
func getU64(b []byte, off uint64) uint64    { return binary.BigEndian.Uint64(b[off : off+8]) }
