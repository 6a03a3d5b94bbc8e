package superblock

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/unifycr/unifycr/index"
)

func newTestSuperblock(t *testing.T, dataLogSize uint64, indexCap int) *Superblock {
	t.Helper()
	layout := NewLayout(dataLogSize, indexCap, 256)
	sb, err := Create("test", layout, filepath.Join(t.TempDir(), "spill.bin"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { sb.Close() })
	return sb
}

func TestAppendAndReadWithinLog(t *testing.T) {
	sb := newTestSuperblock(t, 4096, 16)

	addr, err := sb.AppendData([]byte("hello world"))
	if err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	if addr != 0 {
		t.Fatalf("first append addr = %d, want 0", addr)
	}

	got, err := sb.ReadData(addr, 11)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("ReadData = %q, want %q", got, "hello world")
	}
}

func TestAppendSpillsWhenLogFull(t *testing.T) {
	sb := newTestSuperblock(t, 8, 16)

	mustAppend(t, sb, []byte("12345678")) // fills the log exactly
	addr, err := sb.AppendData([]byte("overflow"))
	if err != nil {
		t.Fatalf("AppendData (spill): %v", err)
	}
	if addr < 8 {
		t.Fatalf("spill address = %d, want >= DataLogSize(8)", addr)
	}

	got, err := sb.ReadData(addr, 8)
	if err != nil {
		t.Fatalf("ReadData (spill): %v", err)
	}
	if !bytes.Equal(got, []byte("overflow")) {
		t.Fatalf("ReadData (spill) = %q, want %q", got, "overflow")
	}
}

func TestPushAndDrainExtents(t *testing.T) {
	sb := newTestSuperblock(t, 4096, 2)

	if err := sb.PushExtent(ExtentRecord{Fid: 1, Offset: 0, Addr: 0, Len: 10}); err != nil {
		t.Fatalf("PushExtent: %v", err)
	}
	if err := sb.PushExtent(ExtentRecord{Fid: 1, Offset: 10, Addr: 10, Len: 5}); err != nil {
		t.Fatalf("PushExtent: %v", err)
	}

	if err := sb.PushExtent(ExtentRecord{Fid: 1, Offset: 15, Addr: 15, Len: 1}); err == nil {
		t.Fatal("PushExtent past IndexCapacity should fail")
	}

	drained := sb.DrainExtents()
	if len(drained) != 2 {
		t.Fatalf("got %d drained extents, want 2", len(drained))
	}

	if more := sb.DrainExtents(); len(more) != 0 {
		t.Fatalf("second drain should be empty, got %+v", more)
	}
}

func TestSetAndReadAttr(t *testing.T) {
	sb := newTestSuperblock(t, 4096, 16)

	if _, ok := sb.Attr(); ok {
		t.Fatal("Attr() should report nothing before SetAttr")
	}

	sb.SetAttr(index.FileAttr{Gfid: 7, FileSize: 1024, Mode: 0644})

	attr, ok := sb.Attr()
	if !ok {
		t.Fatal("Attr() should report the pending update")
	}
	if attr.Gfid != 7 || attr.FileSize != 1024 || attr.Mode != 0644 {
		t.Fatalf("Attr() = %+v, want gfid=7 size=1024 mode=0644", attr)
	}
}

func TestPutAndTakeReply(t *testing.T) {
	sb := newTestSuperblock(t, 4096, 16)

	if err := sb.PutReply([]byte("reply bytes")); err != nil {
		t.Fatalf("PutReply: %v", err)
	}
	got := sb.TakeReply()
	if !bytes.Equal(got, []byte("reply bytes")) {
		t.Fatalf("TakeReply = %q, want %q", got, "reply bytes")
	}

	if more := sb.TakeReply(); len(more) != 0 {
		t.Fatalf("second TakeReply should be empty, got %q", more)
	}
}

func TestPutReplyRejectsOversizedPayload(t *testing.T) {
	layout := NewLayout(4096, 16, 4)
	sb, err := Create("test", layout, filepath.Join(t.TempDir(), "spill.bin"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { sb.Close() })

	if err := sb.PutReply([]byte("too big")); err == nil {
		t.Fatal("PutReply past ReplyCapacity should fail")
	}
}

func mustAppend(t *testing.T, sb *Superblock, data []byte) uint64 {
	t.Helper()
	addr, err := sb.AppendData(data)
	if err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	return addr
}
