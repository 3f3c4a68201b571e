package bitcask

import (
	"errors"
	"fmt"
	"time"

	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/codec"
)

// movedRecord 一条被重写到合并输出段的记录
type movedRecord struct {
	key  string
	from storage.Pointer
	to   storage.Pointer
}

// Compact 合并数据文件，回收失效记录占用的空间
// force 为 false 时只有 ShouldCompact 为真才执行；同一时刻只有一个合并在运行
func (db *Bitcask) Compact(force bool) error {
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}
	if !db.mergeRunning.CompareAndSwap(false, true) {
		return err_def.ErrMergeInProgress
	}
	defer db.mergeRunning.Store(false)

	db.mergeMu.Lock()
	defer db.mergeMu.Unlock()
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	if !force && !db.ShouldCompact() {
		return nil
	}
	if !db.reclaimable() {
		return nil
	}
	return db.merge()
}

// reclaimable 没有失效字节且活动段为空时，合并只会复制数据并产生新的空段
func (db *Bitcask) reclaimable() bool {
	for _, info := range db.fm.Segments() {
		if info.Stale > 0 || (!info.Sealed && info.Size > 0) {
			return true
		}
	}
	return false
}

// ShouldCompact 任一封存段或整个存储的失效比例达到阈值时为真
func (db *Bitcask) ShouldCompact() bool {
	ratio := db.MinMergeRatio()

	var total, stale int64
	sealed := 0
	for _, info := range db.fm.Segments() {
		total += info.Size
		stale += info.Stale
		if !info.Sealed {
			continue
		}
		sealed++
		if info.Size > 0 && float64(info.Stale)/float64(info.Size) >= ratio {
			return true
		}
	}
	if sealed == 0 || total == 0 {
		return false
	}
	return float64(stale)/float64(total) >= ratio
}

// merge 执行一次合并
//
//  1. 预留输出段 C（水位线），活动段变为 C+1，C 之下的段全部封存
//  2. 对索引做快照；1 和 2 持有 writeMu，C 之下已追加的记录都已发布
//  3. 把快照中位于 C 之下的记录重写到 C
//  4. fsync 并封存 C
//  5. 逐键 CompareAndPublish；失败说明客户端写入更新，跳过并把副本计为失效
//  6. 按升序退役 C 之下的所有段
func (db *Bitcask) merge() error {
	start := time.Now()

	// Set/Remove 在 writeMu 内追加并发布，持锁预留与快照之后，
	// 新的客户端写入只会落在水位线之上
	db.writeMu.Lock()
	out, err := db.fm.ReserveCompaction()
	if err != nil {
		db.writeMu.Unlock()
		return fmt.Errorf("reserve compaction segment failed: %w", err)
	}
	watermark := out.ID
	items := db.memIndex.Snapshot()
	db.writeMu.Unlock()

	if db.afterSnapshot != nil {
		db.afterSnapshot()
	}

	moved := make([]movedRecord, 0, len(items))
	for _, item := range items {
		if item.Ptr.SegmentID >= watermark {
			continue
		}
		newPtr, err := db.rewrite(out, item)
		if err != nil {
			db.abandon(out)
			return fmt.Errorf("compaction rewrite %q failed: %w", item.Key, err)
		}
		moved = append(moved, movedRecord{key: item.Key, from: item.Ptr, to: newPtr})
	}

	if err := db.fm.SealSegment(out); err != nil {
		db.abandon(out)
		return fmt.Errorf("seal compaction segment failed: %w", err)
	}

	var skipped int64
	for _, m := range moved {
		if db.memIndex.CompareAndPublish(m.key, m.from, m.to) {
			continue
		}
		// 客户端在快照之后写入或删除了该键，以客户端的结果为准
		skipped++
		out.Stale.Add(int64(m.to.Size))
		db.logger.Debug("compaction race skipped", "key", m.key, "segment", watermark)
	}
	db.raceSkips.Add(skipped)

	// 快照之前的写入已发布并参与 CAS，之后的写入都在水位线之上，索引中不再有指向水位线以下的指针
	retired := 0
	for _, info := range db.fm.Segments() {
		if info.ID >= watermark {
			break
		}
		if err := db.fm.Retire(info.ID); err != nil {
			return fmt.Errorf("retire segment %d failed: %w", info.ID, err)
		}
		retired++
	}

	if lc, ok := db.memCache.(interface {
		DeleteFunc(match func(storage.Pointer) bool) int
	}); ok {
		lc.DeleteFunc(func(ptr storage.Pointer) bool { return ptr.SegmentID < watermark })
	}

	db.compactions.Add(1)
	db.logger.Info("compaction finished",
		"output", watermark,
		"moved", len(moved),
		"race_skips", skipped,
		"retired", retired,
		"elapsed", time.Since(start))
	return nil
}

// rewrite 读出一条仍然有效的记录并写入输出段
func (db *Bitcask) rewrite(out *storage.Segment, item storage.IndexItem) (storage.Pointer, error) {
	cmd, err := db.readCommand(item.Key, item.Ptr)
	if err != nil {
		return storage.Pointer{}, err
	}
	data, err := codec.Encode(cmd)
	if err != nil {
		return storage.Pointer{}, err
	}
	return db.fm.AppendTo(out, data)
}

// abandon 放弃一次失败的合并：输出段封存，所有字节计为失效
// 其中的副本在重放时先于之后的客户端写入，不会影响重建结果
func (db *Bitcask) abandon(out *storage.Segment) {
	if err := db.fm.SealSegment(out); err != nil {
		db.logger.Error("seal abandoned compaction segment", "segment", out.ID, "error", err)
		out.Sealed.Store(true)
	}
	out.Stale.Store(out.Size())
}

// StartMerge 按 interval 周期检查并执行合并，重复调用会替换旧的定时器
func (db *Bitcask) StartMerge(interval time.Duration) {
	db.tickerMu.Lock()
	defer db.tickerMu.Unlock()

	db.stopMergeLocked()
	if db.closed.Load() {
		return
	}
	if interval <= 0 {
		interval = db.cfg.MergeInterval
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	db.mergeStop, db.mergeDone = stop, done
	go db.autoMerge(time.NewTicker(interval), stop, done)
}

// StopMerge 停止自动合并，并等待正在进行的检查返回
func (db *Bitcask) StopMerge() {
	db.tickerMu.Lock()
	defer db.tickerMu.Unlock()
	db.stopMergeLocked()
}

func (db *Bitcask) stopMergeLocked() {
	if db.mergeStop == nil {
		return
	}
	close(db.mergeStop)
	<-db.mergeDone
	db.mergeStop, db.mergeDone = nil, nil
}

func (db *Bitcask) autoMerge(ticker *time.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !db.ShouldCompact() {
				continue
			}
			db.logger.Info("start auto merge")
			err := db.Compact(false)
			if err != nil && !errors.Is(err, err_def.ErrMergeInProgress) && !errors.Is(err, err_def.ErrDBClosed) {
				db.logger.Error("auto merge failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}
