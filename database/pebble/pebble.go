// Package pebble 把 cockroachdb/pebble 适配为 storage.Engine，作为内置引擎之外的可选引擎
package pebble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"

	"LogKV/err_def"
	"LogKV/storage"
)

// Store 基于 pebble 的键值存储
type Store struct {
	db        *pebble.DB
	dir       string
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	writeMu sync.Mutex // Remove 的存在性检查与删除需要和 Set 串行
	closed  atomic.Bool
}

var (
	_ storage.Engine    = (*Store)(nil)
	_ storage.Compactor = (*Store)(nil)
	_ storage.KeyLister = (*Store)(nil)
)

// Open 打开或创建 dir 下的 pebble 数据库
func Open(dir string, syncWrites bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}

	writeOpts := pebble.NoSync
	if syncWrites {
		writeOpts = pebble.Sync
	}
	logger.Info("engine opened", "engine", "pebble", "dir", dir)
	return &Store{db: db, dir: dir, writeOpts: writeOpts, logger: logger}, nil
}

// Set 写入键值对
func (s *Store) Set(key string, value []byte) error {
	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	if len(key) == 0 {
		return err_def.ErrEmptyKey
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Set([]byte(key), value, s.writeOpts); err != nil {
		return fmt.Errorf("%w: %w", err_def.ErrWriteFailed, err)
	}
	return nil
}

// Get 读取键值对
func (s *Store) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, err_def.ErrDBClosed
	}
	if len(key) == 0 {
		return nil, err_def.ErrEmptyKey
	}

	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, err_def.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err_def.ErrReadFailed, err)
	}
	defer closer.Close()

	// val 只在 closer 关闭前有效
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Remove 删除键，不存在时返回 err_def.ErrKeyNotFound
func (s *Store) Remove(key string) error {
	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	if len(key) == 0 {
		return err_def.ErrEmptyKey
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return err_def.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", err_def.ErrReadFailed, err)
	}
	_ = closer.Close()

	if err := s.db.Delete([]byte(key), s.writeOpts); err != nil {
		return fmt.Errorf("%w: %w", err_def.ErrWriteFailed, err)
	}
	return nil
}

// ListKeys 按字典序列出所有键
func (s *Store) ListKeys() ([]string, error) {
	if s.closed.Load() {
		return nil, err_def.ErrDBClosed
	}

	it, err := s.db.NewIter(&pebble.IterOptions{KeyTypes: pebble.IterKeyTypePointsOnly})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err_def.ErrReadFailed, err)
	}
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

// Compact 刷写 memtable 并对全部键范围做手动压缩
func (s *Store) Compact(force bool) error {
	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	if err := s.db.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	start, end, ok, err := s.bounds()
	if err != nil || !ok {
		return err
	}
	if err := s.db.Compact(context.Background(), start, end, true); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	s.logger.Info("compaction finished", "engine", "pebble", "force", force)
	return nil
}

// bounds 返回覆盖所有键的 [start, end) 范围
func (s *Store) bounds() ([]byte, []byte, bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{KeyTypes: pebble.IterKeyTypePointsOnly})
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %w", err_def.ErrReadFailed, err)
	}
	defer it.Close()

	if !it.First() {
		return nil, nil, false, it.Error()
	}
	start := append([]byte(nil), it.Key()...)
	if !it.Last() {
		return nil, nil, false, it.Error()
	}
	end := append(append([]byte(nil), it.Key()...), 0x00)
	return start, end, true, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return err_def.ErrDBClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}
