package reclaim

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRetireWithoutPinsFreesImmediately(t *testing.T) {
	var s Slot
	var freed int
	if !s.Retire(func() { freed++ }) {
		t.Fatalf("retire returned false")
	}
	if freed != 1 {
		t.Fatalf("expected free to run once, ran %d times", freed)
	}
	if !s.Freed() {
		t.Fatalf("slot should be freed")
	}
	if s.Pin() {
		t.Fatalf("pin after free must fail")
	}
}

func TestRetireWaitsForLastPin(t *testing.T) {
	var s Slot
	g1, ok := Acquire(&s)
	if !ok {
		t.Fatalf("acquire g1")
	}
	g2, ok := Acquire(&s)
	if !ok {
		t.Fatalf("acquire g2")
	}

	var freed int
	s.Retire(func() { freed++ })
	if freed != 0 {
		t.Fatalf("free ran while pinned")
	}
	if !s.Retired() || s.Freed() {
		t.Fatalf("unexpected state: retired=%v freed=%v", s.Retired(), s.Freed())
	}

	// 退役后仍可固定（读者可能在退役前已经拿到了旧指针）
	g3, ok := Acquire(&s)
	if !ok {
		t.Fatalf("pin after retire but before free should succeed")
	}

	g1.Release()
	g1.Release() // 重复释放无效
	g2.Release()
	if freed != 0 {
		t.Fatalf("free ran with g3 outstanding")
	}
	if got := s.Pins(); got != 1 {
		t.Fatalf("expected 1 pin, got %d", got)
	}

	g3.Release()
	if freed != 1 {
		t.Fatalf("expected free after last release, got %d", freed)
	}
	if _, ok := Acquire(&s); ok {
		t.Fatalf("acquire after free must fail")
	}
}

func TestRetireTwice(t *testing.T) {
	var s Slot
	g, _ := Acquire(&s)
	if !s.Retire(nil) {
		t.Fatalf("first retire should succeed")
	}
	if s.Retire(nil) {
		t.Fatalf("second retire should be rejected")
	}
	g.Release()
	if !s.Freed() {
		t.Fatalf("slot should be freed")
	}
}

func TestConcurrentPinsFreeExactlyOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		var s Slot
		var freed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 200; j++ {
					g, ok := Acquire(&s)
					if !ok {
						return
					}
					if s.Freed() {
						t.Errorf("slot freed while pinned")
					}
					g.Release()
				}
			}()
		}

		close(start)
		s.Retire(func() { freed.Add(1) })
		wg.Wait()

		if got := freed.Load(); got != 1 {
			t.Fatalf("round %d: free ran %d times", round, got)
		}
	}
}
