package file_manager

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"LogKV/err_def"
)

func newTestManager(t *testing.T, dir string, maxFileSize int64) *FileManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fm, err := NewFileManager(dir, maxFileSize, time.Hour, false, logger)
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	return fm
}

func TestAppendAndRead(t *testing.T) {
	fm := newTestManager(t, t.TempDir(), 1<<20)
	defer fm.Close()

	p1, err := fm.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	p2, err := fm.Append([]byte("world!"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if p1.SegmentID != 1 || p1.Offset != 0 || p1.Size != 5 {
		t.Fatalf("unexpected first pointer %+v", p1)
	}
	if p2.SegmentID != 1 || p2.Offset != 5 || p2.Size != 6 {
		t.Fatalf("unexpected second pointer %+v", p2)
	}

	data, err := fm.Read(p2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("world!")) {
		t.Fatalf("got %q", data)
	}
}

func TestRotateOnSize(t *testing.T) {
	fm := newTestManager(t, t.TempDir(), 8)
	defer fm.Close()

	p1, _ := fm.Append([]byte("12345"))
	p2, _ := fm.Append([]byte("67890"))
	if p1.SegmentID == p2.SegmentID {
		t.Fatalf("expected rotation, both in segment %d", p1.SegmentID)
	}
	if seg := fm.Segment(p1.SegmentID); seg == nil || !seg.Sealed.Load() {
		t.Fatalf("old segment should be sealed")
	}

	// 超过上限的记录写入空段
	p3, err := fm.Append(bytes.Repeat([]byte("x"), 32))
	if err != nil {
		t.Fatalf("Append oversized: %v", err)
	}
	if p3.Offset != 0 {
		t.Fatalf("oversized record should start a segment, got offset %d", p3.Offset)
	}

	// 旧指针在轮转后仍然有效
	data, err := fm.Read(p1)
	if err != nil || string(data) != "12345" {
		t.Fatalf("Read old pointer: %q %v", data, err)
	}
}

func TestReopenKeepsSegments(t *testing.T) {
	dir := t.TempDir()
	fm := newTestManager(t, dir, 8)
	p1, _ := fm.Append([]byte("aaaaa"))
	p2, _ := fm.Append([]byte("bbbbb"))
	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fm = newTestManager(t, dir, 8)
	defer fm.Close()

	ids := fm.SegmentIDs()
	if len(ids) != 2 || ids[0] != p1.SegmentID || ids[1] != p2.SegmentID {
		t.Fatalf("unexpected segments %v", ids)
	}
	if fm.ActiveID() != p2.SegmentID {
		t.Fatalf("active should be %d, got %d", p2.SegmentID, fm.ActiveID())
	}
	data, err := fm.Read(p1)
	if err != nil || string(data) != "aaaaa" {
		t.Fatalf("Read after reopen: %q %v", data, err)
	}

	p3, _ := fm.Append([]byte("c"))
	if p3.SegmentID != p2.SegmentID || p3.Offset != 5 {
		t.Fatalf("append after reopen should continue active segment, got %+v", p3)
	}
}

func TestReserveCompaction(t *testing.T) {
	fm := newTestManager(t, t.TempDir(), 1<<20)
	defer fm.Close()

	fm.Append([]byte("old"))
	out, err := fm.ReserveCompaction()
	if err != nil {
		t.Fatalf("ReserveCompaction: %v", err)
	}
	if out.ID != 2 || fm.ActiveID() != 3 {
		t.Fatalf("expected output 2 and active 3, got %d and %d", out.ID, fm.ActiveID())
	}
	if !fm.Segment(1).Sealed.Load() {
		t.Fatalf("segment 1 should be sealed")
	}

	ptr, err := fm.AppendTo(out, []byte("merged"))
	if err != nil {
		t.Fatalf("AppendTo: %v", err)
	}
	if err := fm.SealSegment(out); err != nil {
		t.Fatalf("SealSegment: %v", err)
	}
	if _, err := fm.AppendTo(out, []byte("late")); !errors.Is(err, err_def.ErrSegmentSealed) {
		t.Fatalf("expected ErrSegmentSealed, got %v", err)
	}
	data, _ := fm.Read(ptr)
	if string(data) != "merged" {
		t.Fatalf("got %q", data)
	}
}

func TestRetireWaitsForPins(t *testing.T) {
	dir := t.TempDir()
	fm := newTestManager(t, dir, 1<<20)
	defer fm.Close()

	ptr, _ := fm.Append([]byte("pinned"))
	if _, err := fm.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	guard, err := fm.Pin(ptr.SegmentID)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := fm.Retire(ptr.SegmentID); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	// 改名后旧文件名不再可见，但固定期间仍可读取
	if _, err := os.Stat(SegmentPath(dir, ptr.SegmentID)); !os.IsNotExist(err) {
		t.Fatalf("segment should be renamed, stat err %v", err)
	}
	data, err := fm.Read(ptr)
	if err != nil || string(data) != "pinned" {
		t.Fatalf("Read while pinned: %q %v", data, err)
	}

	guard.Release()
	if _, err := os.Stat(SegmentPath(dir, ptr.SegmentID) + ".del"); !os.IsNotExist(err) {
		t.Fatalf("retired file should be removed after release, stat err %v", err)
	}
	if _, err := fm.Pin(ptr.SegmentID); !errors.Is(err, err_def.ErrSegmentReclaimed) {
		t.Fatalf("expected ErrSegmentReclaimed, got %v", err)
	}
	if fm.ReclaimedSegments() != 1 {
		t.Fatalf("expected 1 reclaimed segment, got %d", fm.ReclaimedSegments())
	}
}

func TestRetireActiveRejected(t *testing.T) {
	fm := newTestManager(t, t.TempDir(), 1<<20)
	defer fm.Close()

	if err := fm.Retire(fm.ActiveID()); err == nil {
		t.Fatalf("retiring the active segment should fail")
	}
}

func TestLeftoverRetiredFilesRemoved(t *testing.T) {
	dir := t.TempDir()
	leftover := SegmentPath(dir, 7) + ".del"
	if err := os.WriteFile(leftover, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	fm := newTestManager(t, dir, 1<<20)
	defer fm.Close()

	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("leftover retired file should be removed")
	}
	if ids := fm.SegmentIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected segments %v", ids)
	}
}

func TestTruncateTail(t *testing.T) {
	dir := t.TempDir()
	fm := newTestManager(t, dir, 1<<20)
	defer fm.Close()

	fm.Append([]byte("keep"))
	fm.Append([]byte("torn"))
	if err := fm.TruncateTail(1, 4); err != nil {
		t.Fatalf("TruncateTail: %v", err)
	}
	stat, err := os.Stat(filepath.Join(dir, "data-000000001.log"))
	if err != nil {
		t.Fatal(err)
	}
	if stat.Size() != 4 || fm.Segment(1).Size() != 4 {
		t.Fatalf("expected size 4, file %d segment %d", stat.Size(), fm.Segment(1).Size())
	}
}

func TestAppendAfterClose(t *testing.T) {
	fm := newTestManager(t, t.TempDir(), 1<<20)
	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := fm.Append([]byte("x")); !errors.Is(err, err_def.ErrDBClosed) {
		t.Fatalf("expected ErrDBClosed, got %v", err)
	}
}

func TestParseSegmentName(t *testing.T) {
	cases := map[string]int{
		"data-000000001.log":     1,
		"data-000000042.log":     42,
		"data-000000001.log.del": 0,
		"engine.json":            0,
		"data-abc.log":           0,
	}
	for name, want := range cases {
		id, ok := ParseSegmentName(name)
		if want == 0 && ok {
			t.Errorf("%s: expected no match, got %d", name, id)
		}
		if want != 0 && (!ok || id != want) {
			t.Errorf("%s: expected %d, got %d (%v)", name, want, id, ok)
		}
	}
}
