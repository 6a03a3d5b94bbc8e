package index

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "shard.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExtentBatchPutAndRangeGet(t *testing.T) {
	s := openTestStore(t)
	x := s.Extents()

	batch := []Extent{
		{Key: ExtentKey{Fid: 1, Offset: 0}, Value: ExtentValue{Addr: 0, Len: 100, Delegator: 2}},
		{Key: ExtentKey{Fid: 1, Offset: 100}, Value: ExtentValue{Addr: 100, Len: 50, Delegator: 3}},
		{Key: ExtentKey{Fid: 2, Offset: 0}, Value: ExtentValue{Addr: 0, Len: 10, Delegator: 1}},
	}
	if err := x.BatchPut(batch); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	got, err := x.RangeGet(1, 0, 149)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d extents, want 2: %+v", len(got), got)
	}
	if got[0].Key.Offset != 0 || got[1].Key.Offset != 100 {
		t.Errorf("unexpected order: %+v", got)
	}

	only2, err := x.RangeGet(2, 0, 9)
	if err != nil {
		t.Fatalf("RangeGet fid=2: %v", err)
	}
	if len(only2) != 1 {
		t.Fatalf("got %d extents for fid=2, want 1", len(only2))
	}
}

func TestExtentRangeGetFindsExtentStartingBeforeRange(t *testing.T) {
	s := openTestStore(t)
	x := s.Extents()

	// Three 64-byte extents at fid=7, offsets 0/64/128, mirroring spec.md
	// §8 scenario 3.
	mustBatchPut(t, x, []Extent{
		{Key: ExtentKey{Fid: 7, Offset: 0}, Value: ExtentValue{Addr: 0, Len: 64}},
		{Key: ExtentKey{Fid: 7, Offset: 64}, Value: ExtentValue{Addr: 64, Len: 64}},
		{Key: ExtentKey{Fid: 7, Offset: 128}, Value: ExtentValue{Addr: 128, Len: 64}},
	})

	// Read (fid=7, off=32, len=128) -> [32, 160). The offset-0 extent
	// starts strictly before 32 but still covers it, so it must be
	// returned even though its key lies below the query's start.
	got, err := x.RangeGet(7, 32, 159)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d extents, want 3 (offsets 0, 64, 128): %+v", len(got), got)
	}
	if got[0].Key.Offset != 0 || got[1].Key.Offset != 64 || got[2].Key.Offset != 128 {
		t.Fatalf("unexpected order: %+v", got)
	}

	// An extent entirely before the window is excluded.
	before, err := x.RangeGet(7, 200, 300)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("got %d extents for a window past all data, want 0: %+v", len(before), before)
	}
}

func TestExtentGetMissing(t *testing.T) {
	s := openTestStore(t)
	x := s.Extents()

	_, found, err := x.Get(ExtentKey{Fid: 99, Offset: 0})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("Get on empty store should not find anything")
	}
}

func TestExtentUnlinkRemovesOnlyThatFid(t *testing.T) {
	s := openTestStore(t)
	x := s.Extents()

	mustBatchPut(t, x, []Extent{
		{Key: ExtentKey{Fid: 1, Offset: 0}, Value: ExtentValue{Len: 10}},
		{Key: ExtentKey{Fid: 2, Offset: 0}, Value: ExtentValue{Len: 10}},
	})

	if err := x.Unlink(1); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	got1, _ := x.RangeGet(1, 0, 100)
	if len(got1) != 0 {
		t.Fatalf("fid=1 should be empty after unlink, got %+v", got1)
	}
	got2, _ := x.RangeGet(2, 0, 100)
	if len(got2) != 1 {
		t.Fatalf("fid=2 should survive unlink of fid=1, got %+v", got2)
	}
}

func TestAttrPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	a := s.Attrs()

	attr := FileAttr{Gfid: 42, FileSize: 1024, Mode: 0644}
	if err := a.Put(attr); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := a.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != attr {
		t.Errorf("Get = %+v, want %+v", got, attr)
	}

	if err := a.Delete(42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Get(42); err == nil {
		t.Fatal("Get after Delete should fail")
	}
}

func mustBatchPut(t *testing.T, x *ExtentIndex, batch []Extent) {
	t.Helper()
	if err := x.BatchPut(batch); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
}
