// Package file_manager 管理段文件：追加写、按偏移读取、轮转、退役与定期 fsync
package file_manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/reclaim"
)

type writeOp int

const (
	opAppend  writeOp = iota // 追加到活动段
	opRotate                 // 封存活动段并打开新段
	opReserve                // 为合并预留输出段
)

// AsyncWriteReq 发送给写协程的请求
type AsyncWriteReq struct {
	Op       writeOp
	DataByte []byte
	Resp     chan AsyncWriteResp
}

// AsyncWriteResp 写协程的返回
type AsyncWriteResp struct {
	Ptr     storage.Pointer
	Segment *storage.Segment
	Err     error
}

// FileManager 管理多段文件读写、单写协程、定期 fsync
type FileManager struct {
	dir          string
	maxFileSize  int64
	syncInterval time.Duration
	syncWrites   bool
	logger       *slog.Logger

	// 活动段只由写协程追加
	activeFile atomic.Pointer[storage.Segment]
	fileID     atomic.Int64 // 下一个段ID
	fileMu     sync.Mutex   // 轮转、退役以及段表修改的锁

	// 段表，写时复制，读者无锁加载
	segments atomic.Pointer[map[int]*storage.Segment]

	writeChan  chan AsyncWriteReq
	stopChan   chan struct{}
	wg         sync.WaitGroup
	syncTicker *time.Ticker
	closed     atomic.Bool

	reclaimed atomic.Int64 // 已物理删除的段数量
}

// NewFileManager 创建 FileManager 并完成初始化
func NewFileManager(
	dataDir string,
	maxFileSize int64,
	syncInterval time.Duration,
	syncWrites bool,
	logger *slog.Logger,
) (*FileManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if syncInterval <= 0 {
		syncInterval = 5 * time.Second
	}

	fm := &FileManager{
		dir:          dataDir,
		maxFileSize:  maxFileSize,
		syncInterval: syncInterval,
		syncWrites:   syncWrites,
		logger:       logger,
		writeChan:    make(chan AsyncWriteReq, 1024),
		stopChan:     make(chan struct{}),
		syncTicker:   time.NewTicker(syncInterval),
	}
	empty := make(map[int]*storage.Segment)
	fm.segments.Store(&empty)

	if err := fm.initialize(); err != nil {
		fm.syncTicker.Stop()
		fm.closeAll()
		return nil, err
	}

	// 启动写协程
	fm.wg.Add(1)
	go fm.processWrites()

	// 启动定时 fsync 协程
	fm.wg.Add(1)
	go fm.autoSync()

	return fm, nil
}

// SegmentPath 返回段文件的完整路径
func SegmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%09d%s", storage.FilePrefix, id, storage.FileSuffix))
}

// ParseSegmentName 从文件名解析段ID
func ParseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, storage.FilePrefix) || !strings.HasSuffix(name, storage.FileSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, storage.FilePrefix), storage.FileSuffix)
	id, err := strconv.Atoi(digits)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// initialize 打开目录中已有的段，最大编号的段作为活动段；目录为空时创建第一个段
func (fm *FileManager) initialize() error {
	files, err := os.ReadDir(fm.dir)
	if err != nil {
		return fmt.Errorf("%w: read directory: %w", err_def.ErrReadFailed, err)
	}

	var ids []int
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		// 上次运行退役但未来得及删除的段
		if strings.HasSuffix(f.Name(), storage.RetiredSuffix) {
			if err := os.Remove(filepath.Join(fm.dir, f.Name())); err != nil {
				fm.logger.Warn("remove retired segment failed", "file", f.Name(), "error", err)
			}
			continue
		}
		if id, ok := ParseSegmentName(f.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	for i, id := range ids {
		path := SegmentPath(fm.dir, id)
		file, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("%w: open segment %d: %w", err_def.ErrReadFailed, id, err)
		}
		stat, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("%w: stat segment %d: %w", err_def.ErrReadFailed, id, err)
		}
		seg := &storage.Segment{ID: id, Path: path, File: file}
		seg.Offset.Store(stat.Size())
		if i < len(ids)-1 {
			seg.Sealed.Store(true)
		} else {
			fm.activeFile.Store(seg)
		}
		fm.addSegment(seg)
	}

	if len(ids) > 0 {
		fm.fileID.Store(int64(ids[len(ids)-1] + 1))
		return nil
	}

	fm.fileID.Store(1)
	fm.fileMu.Lock()
	defer fm.fileMu.Unlock()
	if _, err := fm.rotateLocked(); err != nil {
		return fmt.Errorf("initial rotate failed: %w", err)
	}
	return nil
}

// addSegment 写时复制地向段表加入一个段，调用方持有 fileMu 或处于初始化阶段
func (fm *FileManager) addSegment(seg *storage.Segment) {
	old := *fm.segments.Load()
	next := make(map[int]*storage.Segment, len(old)+1)
	for id, s := range old {
		next[id] = s
	}
	next[seg.ID] = seg
	fm.segments.Store(&next)
}

func (fm *FileManager) removeSegment(id int) {
	old := *fm.segments.Load()
	next := make(map[int]*storage.Segment, len(old))
	for sid, s := range old {
		if sid != id {
			next[sid] = s
		}
	}
	fm.segments.Store(&next)
}

// Segment 根据ID返回段；已释放或不存在时返回 nil
func (fm *FileManager) Segment(id int) *storage.Segment {
	return (*fm.segments.Load())[id]
}

// GetActiveFile 获取当前活动段
func (fm *FileManager) GetActiveFile() *storage.Segment {
	return fm.activeFile.Load()
}

// ActiveID 当前活动段ID
func (fm *FileManager) ActiveID() int {
	if seg := fm.activeFile.Load(); seg != nil {
		return seg.ID
	}
	return 0
}

// SegmentIDs 按升序返回所有未释放的段ID
func (fm *FileManager) SegmentIDs() []int {
	table := *fm.segments.Load()
	ids := make([]int, 0, len(table))
	for id, seg := range table {
		if !seg.Slot.Retired() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Segments 按升序返回所有未退役段的状态快照
func (fm *FileManager) Segments() []storage.SegmentInfo {
	table := *fm.segments.Load()
	infos := make([]storage.SegmentInfo, 0, len(table))
	for _, seg := range table {
		if seg.Slot.Retired() {
			continue
		}
		infos = append(infos, storage.SegmentInfo{
			ID:     seg.ID,
			Size:   seg.Size(),
			Stale:  seg.Stale.Load(),
			Sealed: seg.Sealed.Load(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// AddStale 累加段中的失效字节数
func (fm *FileManager) AddStale(id int, n int64) {
	if seg := fm.Segment(id); seg != nil {
		seg.Stale.Add(n)
	}
}

// StaleBytes 返回段中的失效字节数
func (fm *FileManager) StaleBytes(id int) int64 {
	if seg := fm.Segment(id); seg != nil {
		return seg.Stale.Load()
	}
	return 0
}

// ReclaimedSegments 返回已物理删除的段数量
func (fm *FileManager) ReclaimedSegments() int64 {
	return fm.reclaimed.Load()
}

// WriteAsync 对外提供的异步写入接口，返回结果的 chan
func (fm *FileManager) WriteAsync(data []byte) <-chan AsyncWriteResp {
	return fm.submit(opAppend, data)
}

func (fm *FileManager) submit(op writeOp, data []byte) <-chan AsyncWriteResp {
	result := make(chan AsyncWriteResp, 1)
	if fm.closed.Load() {
		result <- AsyncWriteResp{Err: err_def.ErrDBClosed}
		close(result)
		return result
	}

	req := AsyncWriteReq{
		Op:       op,
		DataByte: data,
		Resp:     make(chan AsyncWriteResp, 1),
	}

	select {
	case fm.writeChan <- req:
		go func() {
			select {
			case res := <-req.Resp:
				result <- res
			case <-fm.stopChan:
				// 写协程可能已经处理完这个请求
				select {
				case res := <-req.Resp:
					result <- res
				default:
					result <- AsyncWriteResp{Err: err_def.ErrDBClosed}
				}
			}
			close(result)
		}()
	case <-fm.stopChan:
		result <- AsyncWriteResp{Err: err_def.ErrDBClosed}
		close(result)
	}
	return result
}

// Append 追加数据到活动段，返回指向刚写入字节的指针
// 返回前数据已写入操作系统；开启 syncWrites 时已 fsync
func (fm *FileManager) Append(data []byte) (storage.Pointer, error) {
	resp := <-fm.WriteAsync(data)
	return resp.Ptr, resp.Err
}

// Rotate 封存当前活动段并打开下一个段
func (fm *FileManager) Rotate() (*storage.Segment, error) {
	resp := <-fm.submit(opRotate, nil)
	return resp.Segment, resp.Err
}

// ReserveCompaction 封存活动段，创建合并输出段 C 和新的活动段 C+1
// C 中的记录在重放时总是先于之后所有客户端写入
func (fm *FileManager) ReserveCompaction() (*storage.Segment, error) {
	resp := <-fm.submit(opReserve, nil)
	return resp.Segment, resp.Err
}

// processWrites 消费 fm.writeChan，执行实际写入
func (fm *FileManager) processWrites() {
	defer fm.wg.Done()
	for {
		select {
		case req := <-fm.writeChan:
			var resp AsyncWriteResp
			switch req.Op {
			case opAppend:
				resp.Ptr, resp.Err = fm.syncWrite(req.DataByte)
			case opRotate:
				fm.fileMu.Lock()
				resp.Segment, resp.Err = fm.rotateLocked()
				fm.fileMu.Unlock()
			case opReserve:
				resp.Segment, resp.Err = fm.reserveCompaction()
			}
			req.Resp <- resp
			close(req.Resp)
		case <-fm.stopChan:
			return
		}
	}
}

// syncWrite 写协程中真正执行写入的函数
func (fm *FileManager) syncWrite(data []byte) (storage.Pointer, error) {
	current := fm.GetActiveFile()
	if current == nil {
		return storage.Pointer{}, err_def.ErrFileNotFound
	}

	// 剩余空间不够则轮转；空段总是接受写入，避免超大记录无限轮转
	if offset := current.Offset.Load(); offset > 0 && offset+int64(len(data)) > fm.maxFileSize {
		fm.fileMu.Lock()
		seg, err := fm.rotateLocked()
		fm.fileMu.Unlock()
		if err != nil {
			return storage.Pointer{}, err
		}
		current = seg
	}

	writePos := current.Offset.Load()
	if err := fm.writeAt(current, data, writePos); err != nil {
		return storage.Pointer{}, err
	}
	if fm.syncWrites {
		if err := current.File.Sync(); err != nil {
			// 未持久化的记录不能留在日志中，否则重放结果与内存索引不一致
			fm.rollback(current, writePos)
			return storage.Pointer{}, fmt.Errorf("%w: sync segment %d: %w", err_def.ErrWriteFailed, current.ID, err)
		}
	}
	current.Offset.Store(writePos + int64(len(data)))

	return storage.Pointer{
		SegmentID: current.ID,
		Offset:    writePos,
		Size:      uint32(len(data)),
	}, nil
}

// writeAt 在指定位置写入完整数据，失败时回滚半写的字节
func (fm *FileManager) writeAt(seg *storage.Segment, data []byte, pos int64) error {
	n, err := seg.File.WriteAt(data, pos)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		fm.rollback(seg, pos)
		return fmt.Errorf("%w: segment %d at offset %d: %w", err_def.ErrWriteFailed, seg.ID, pos, err)
	}
	return nil
}

func (fm *FileManager) rollback(seg *storage.Segment, pos int64) {
	if err := seg.File.Truncate(pos); err != nil {
		fm.logger.Error("truncate after failed write", "segment", seg.ID, "offset", pos, "error", err)
	}
}

// rotateLocked 封存当前活动段，创建新段并设为活动段，调用方持有 fileMu
func (fm *FileManager) rotateLocked() (*storage.Segment, error) {
	if old := fm.GetActiveFile(); old != nil {
		fm.sealLocked(old)
	}

	seg, err := fm.createSegmentLocked()
	if err != nil {
		return nil, err
	}
	fm.activeFile.Store(seg)
	fm.logger.Debug("segment rotated", "active", seg.ID)
	return seg, nil
}

func (fm *FileManager) sealLocked(seg *storage.Segment) {
	if seg.Sealed.CompareAndSwap(false, true) {
		if err := seg.File.Sync(); err != nil {
			fm.logger.Warn("sync sealed segment failed", "segment", seg.ID, "error", err)
		}
	}
}

func (fm *FileManager) createSegmentLocked() (*storage.Segment, error) {
	id := int(fm.fileID.Load())
	path := SegmentPath(fm.dir, id)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %d: %w", err_def.ErrWriteFailed, id, err)
	}
	fm.fileID.Add(1)

	seg := &storage.Segment{ID: id, Path: path, File: file}
	fm.addSegment(seg)
	return seg, nil
}

func (fm *FileManager) reserveCompaction() (*storage.Segment, error) {
	fm.fileMu.Lock()
	defer fm.fileMu.Unlock()

	if old := fm.GetActiveFile(); old != nil {
		fm.sealLocked(old)
	}
	out, err := fm.createSegmentLocked()
	if err != nil {
		return nil, err
	}
	active, err := fm.createSegmentLocked()
	if err != nil {
		return nil, err
	}
	fm.activeFile.Store(active)
	fm.logger.Debug("compaction segment reserved", "output", out.ID, "active", active.ID)
	return out, nil
}

// AppendTo 向合并输出段追加数据，只能由持有该段的合并流程调用
func (fm *FileManager) AppendTo(seg *storage.Segment, data []byte) (storage.Pointer, error) {
	if fm.closed.Load() {
		return storage.Pointer{}, err_def.ErrDBClosed
	}
	if seg.Sealed.Load() {
		return storage.Pointer{}, fmt.Errorf("%w: segment %d", err_def.ErrSegmentSealed, seg.ID)
	}
	writePos := seg.Offset.Load()
	if err := fm.writeAt(seg, data, writePos); err != nil {
		return storage.Pointer{}, err
	}
	seg.Offset.Store(writePos + int64(len(data)))
	return storage.Pointer{SegmentID: seg.ID, Offset: writePos, Size: uint32(len(data))}, nil
}

// SealSegment fsync 并封存段
func (fm *FileManager) SealSegment(seg *storage.Segment) error {
	if err := seg.File.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment %d: %w", err_def.ErrWriteFailed, seg.ID, err)
	}
	seg.Sealed.Store(true)
	return nil
}

// Read 按指针从对应段的偏移处读出原始字节
// 调用方需要先 Pin 该段，保证读取期间句柄不会被关闭
func (fm *FileManager) Read(ptr storage.Pointer) ([]byte, error) {
	seg := fm.Segment(ptr.SegmentID)
	if seg == nil {
		return nil, fmt.Errorf("%w: segment %d", err_def.ErrFileNotFound, ptr.SegmentID)
	}

	buf := make([]byte, ptr.Size)
	n, err := seg.File.ReadAt(buf, ptr.Offset)
	if err != nil {
		if errors.Is(err, io.EOF) && n < len(buf) {
			return nil, fmt.Errorf("%w: unexpected EOF (segment=%d offset=%d)", err_def.ErrReadFailed, ptr.SegmentID, ptr.Offset)
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", err_def.ErrReadFailed, err)
		}
	}
	return buf, nil
}

// Pin 固定段，返回的 Guard 释放前段文件不会被删除
func (fm *FileManager) Pin(id int) (*reclaim.Guard, error) {
	seg := fm.Segment(id)
	if seg == nil {
		return nil, fmt.Errorf("%w: segment %d", err_def.ErrSegmentReclaimed, id)
	}
	guard, ok := reclaim.Acquire(&seg.Slot)
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", err_def.ErrSegmentReclaimed, id)
	}
	return guard, nil
}

// Retire 将已封存的段标记为退役
// 文件立即改名为 *.del，重启后不会再被重放；句柄关闭与物理删除推迟到最后一个读者释放
func (fm *FileManager) Retire(id int) error {
	fm.fileMu.Lock()
	seg := fm.Segment(id)
	if seg == nil {
		fm.fileMu.Unlock()
		return fmt.Errorf("%w: segment %d", err_def.ErrFileNotFound, id)
	}
	if seg == fm.GetActiveFile() || !seg.Sealed.Load() {
		fm.fileMu.Unlock()
		return fmt.Errorf("cannot retire unsealed segment %d", id)
	}
	if seg.Slot.Retired() {
		fm.fileMu.Unlock()
		return nil
	}

	retiredPath := seg.Path + storage.RetiredSuffix
	if err := os.Rename(seg.Path, retiredPath); err != nil {
		fm.fileMu.Unlock()
		return fmt.Errorf("%w: rename retired segment %d: %w", err_def.ErrWriteFailed, id, err)
	}
	fm.fileMu.Unlock()

	// 释放回调可能立即在当前协程执行，也可能在最后一个读者的 Release 中执行
	seg.Slot.Retire(func() { fm.free(seg, retiredPath) })
	return nil
}

// free 关闭句柄、删除文件并从段表移除
func (fm *FileManager) free(seg *storage.Segment, path string) {
	if err := seg.File.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		fm.logger.Warn("close retired segment failed", "segment", seg.ID, "error", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fm.logger.Warn("remove retired segment failed", "segment", seg.ID, "error", err)
	}

	fm.fileMu.Lock()
	fm.removeSegment(seg.ID)
	fm.fileMu.Unlock()

	fm.reclaimed.Add(1)
	fm.logger.Debug("segment reclaimed", "segment", seg.ID)
}

// TruncateTail 截断段尾部不完整的记录，只在重放阶段使用
func (fm *FileManager) TruncateTail(id int, size int64) error {
	seg := fm.Segment(id)
	if seg == nil {
		return fmt.Errorf("%w: segment %d", err_def.ErrFileNotFound, id)
	}
	if err := seg.File.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate segment %d: %w", err_def.ErrWriteFailed, id, err)
	}
	seg.Offset.Store(size)
	return nil
}

// Sync 将活动段刷盘
func (fm *FileManager) Sync() error {
	fm.fileMu.Lock()
	defer fm.fileMu.Unlock()
	if current := fm.GetActiveFile(); current != nil {
		if err := current.File.Sync(); err != nil {
			return fmt.Errorf("%w: sync segment %d: %w", err_def.ErrWriteFailed, current.ID, err)
		}
	}
	return nil
}

// autoSync 定时对活动段做 fsync
func (fm *FileManager) autoSync() {
	defer fm.wg.Done()
	for {
		select {
		case <-fm.syncTicker.C:
			if err := fm.Sync(); err != nil {
				fm.logger.Warn("periodic sync failed", "error", err)
			}
		case <-fm.stopChan:
			return
		}
	}
}

// Close 关闭 FileManager，等待后台协程退出并关闭所有段文件
func (fm *FileManager) Close() error {
	if !fm.closed.CompareAndSwap(false, true) {
		return nil
	}

	fm.syncTicker.Stop()
	close(fm.stopChan)
	fm.wg.Wait()

	return fm.closeAll()
}

func (fm *FileManager) closeAll() error {
	fm.fileMu.Lock()
	defer fm.fileMu.Unlock()

	var firstErr error
	for _, seg := range *fm.segments.Load() {
		if seg.Slot.Freed() {
			continue
		}
		if !seg.Sealed.Load() {
			if err := seg.File.Sync(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: sync segment %d: %w", err_def.ErrWriteFailed, seg.ID, err)
			}
		}
		if err := seg.File.Close(); err != nil && !errors.Is(err, os.ErrClosed) && firstErr == nil {
			firstErr = fmt.Errorf("close segment %d: %w", seg.ID, err)
		}
	}
	return firstErr
}
