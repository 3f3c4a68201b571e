package index

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"LogKV/storage"
)

func ptr(seg int, off int64) storage.Pointer {
	return storage.Pointer{SegmentID: seg, Offset: off, Size: 32}
}

func TestPublishLookupDelete(t *testing.T) {
	idx := NewKeyIndex(4, 16)

	if _, ok := idx.Lookup("a"); ok {
		t.Fatalf("empty index returned a pointer")
	}
	if _, replaced := idx.Publish("a", ptr(1, 0)); replaced {
		t.Fatalf("first publish reported a replacement")
	}
	old, replaced := idx.Publish("a", ptr(1, 32))
	if !replaced || old != ptr(1, 0) {
		t.Fatalf("expected replacement of %v, got %v (%v)", ptr(1, 0), old, replaced)
	}
	got, ok := idx.Lookup("a")
	if !ok || got != ptr(1, 32) {
		t.Fatalf("lookup a: got %v %v", got, ok)
	}

	removed, ok := idx.Delete("a")
	if !ok || removed != ptr(1, 32) {
		t.Fatalf("delete a: got %v %v", removed, ok)
	}
	if _, ok := idx.Lookup("a"); ok {
		t.Fatalf("a still present after delete")
	}
	if _, ok := idx.Delete("a"); ok {
		t.Fatalf("second delete should report absence")
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, len=%d", idx.Len())
	}
}

func TestCompareAndPublish(t *testing.T) {
	idx := NewKeyIndex(2, 16)
	idx.Publish("k", ptr(1, 0))

	if !idx.CompareAndPublish("k", ptr(1, 0), ptr(5, 0)) {
		t.Fatalf("CAS with matching expectation failed")
	}
	if got, _ := idx.Lookup("k"); got != ptr(5, 0) {
		t.Fatalf("expected %v after CAS, got %v", ptr(5, 0), got)
	}

	// 过期的期望值不能覆盖更新的写入
	idx.Publish("k", ptr(6, 0))
	if idx.CompareAndPublish("k", ptr(5, 0), ptr(7, 0)) {
		t.Fatalf("CAS with stale expectation succeeded")
	}
	if got, _ := idx.Lookup("k"); got != ptr(6, 0) {
		t.Fatalf("expected newer write to win, got %v", got)
	}

	idx.Delete("k")
	if idx.CompareAndPublish("k", ptr(6, 0), ptr(7, 0)) {
		t.Fatalf("CAS resurrected a deleted key")
	}
	if _, ok := idx.Lookup("k"); ok {
		t.Fatalf("deleted key reappeared")
	}
}

func TestSnapshot(t *testing.T) {
	idx := NewKeyIndex(8, 16)
	want := map[string]storage.Pointer{}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		want[k] = ptr(i%3, int64(i))
		idx.Publish(k, want[k])
	}

	items := idx.Snapshot()
	if len(items) != len(want) {
		t.Fatalf("snapshot has %d items, want %d", len(items), len(want))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	for _, it := range items {
		if want[it.Key] != it.Ptr {
			t.Fatalf("snapshot %s = %v, want %v", it.Key, it.Ptr, want[it.Key])
		}
	}
}

func TestConcurrentLookupDuringPublish(t *testing.T) {
	idx := NewKeyIndex(4, 16)
	const keys = 64
	for i := 0; i < keys; i++ {
		idx.Publish(fmt.Sprintf("k%d", i), ptr(1, int64(i)))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := 0; i < keys; i++ {
					p, ok := idx.Lookup(fmt.Sprintf("k%d", i))
					if !ok {
						t.Errorf("k%d vanished", i)
						return
					}
					// 指针整值发布：偏移始终与键对应
					if p.Offset != int64(i) {
						t.Errorf("k%d torn pointer %v", i, p)
						return
					}
				}
			}
		}()
	}

	for gen := 2; gen < 200; gen++ {
		for i := 0; i < keys; i++ {
			idx.Publish(fmt.Sprintf("k%d", i), ptr(gen, int64(i)))
		}
	}
	close(stop)
	wg.Wait()
}
