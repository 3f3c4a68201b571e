// Package reclaim 实现段文件的回收保护
//
// 每个段持有一个 Slot：读者在读取前固定（pin）段，读取后释放。
// 合并完成后段被标记为退役（retire），只有在没有任何读者固定它时，
// 释放回调才会执行（关闭句柄并删除文件）。回调恰好执行一次。
//
// 状态保存在一个原子字上：低位是固定计数，retiredBit 表示已退役，
// freedState 表示已释放的终止状态。整个过程不使用互斥锁。
package reclaim

import "sync/atomic"

const (
	retiredBit = int64(1) << 62
	freedState = int64(-1)
)

// Slot 单个段的回收状态，零值可用
type Slot struct {
	state atomic.Int64
	free  func()
}

// Pin 增加一个读者计数；段已释放时返回 false
func (s *Slot) Pin() bool {
	for {
		cur := s.state.Load()
		if cur == freedState {
			return false
		}
		if s.state.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Unpin 释放一个读者计数，若它是退役段上的最后一个读者则执行释放回调
func (s *Slot) Unpin() {
	if s.state.Add(-1) == retiredBit {
		s.tryFree()
	}
}

// Retire 将段标记为退役。没有读者时立即释放，否则等最后一个读者离开
// 重复退役返回 false
func (s *Slot) Retire(free func()) bool {
	if free == nil {
		free = func() {}
	}
	for {
		cur := s.state.Load()
		if cur == freedState || cur&retiredBit != 0 {
			return false
		}
		// 回调必须在设置退役位之前写入，读者观察到退役位时即可安全读取
		s.free = free
		if s.state.CompareAndSwap(cur, cur|retiredBit) {
			if cur == 0 {
				s.tryFree()
			}
			return true
		}
	}
}

func (s *Slot) tryFree() {
	if s.state.CompareAndSwap(retiredBit, freedState) {
		s.free()
	}
}

// Pins 返回当前固定计数
func (s *Slot) Pins() int64 {
	cur := s.state.Load()
	if cur == freedState {
		return 0
	}
	return cur &^ retiredBit
}

// Retired 段是否已退役（包括已释放）
func (s *Slot) Retired() bool {
	cur := s.state.Load()
	return cur == freedState || cur&retiredBit != 0
}

// Freed 释放回调是否已执行
func (s *Slot) Freed() bool {
	return s.state.Load() == freedState
}

// Guard 是一次固定的句柄，Release 可以安全地多次调用
type Guard struct {
	slot     *Slot
	released atomic.Bool
}

// Acquire 固定 slot 并返回 Guard；段已释放时返回 false
func Acquire(slot *Slot) (*Guard, bool) {
	if !slot.Pin() {
		return nil, false
	}
	return &Guard{slot: slot}, true
}

// Release 释放固定
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if g.released.CompareAndSwap(false, true) {
		g.slot.Unpin()
	}
}
