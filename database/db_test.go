package database

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"LogKV/config"
	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/bitcask"
	"LogKV/storage/file_manager"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBothEngines(t *testing.T) {
	for _, kind := range []string{EngineKVS, EnginePebble} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			eng, err := Open(kind, dir, discardLogger())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := eng.Set("k", []byte("v")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := eng.Get("k")
			if err != nil || string(got) != "v" {
				t.Fatalf("Get: %q %v", got, err)
			}
			if err := eng.Remove("missing"); !errors.Is(err, err_def.ErrKeyNotFound) {
				t.Fatalf("expected ErrKeyNotFound, got %v", err)
			}
			if _, ok := eng.(storage.Compactor); !ok {
				t.Fatalf("%s should support compaction", kind)
			}
			if err := eng.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
				t.Fatalf("engine marker missing: %v", err)
			}

			// 同一引擎重新打开
			eng, err = Open(kind, dir, discardLogger())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			got, err = eng.Get("k")
			if err != nil || string(got) != "v" {
				t.Fatalf("Get after reopen: %q %v", got, err)
			}
			eng.Close()
		})
	}
}

func TestEngineMismatch(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(EngineKVS, dir, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng.Close()

	if _, err := Open(EnginePebble, dir, discardLogger()); !errors.Is(err, err_def.ErrEngineMismatch) {
		t.Fatalf("expected ErrEngineMismatch, got %v", err)
	}
}

func TestEngineDetectedWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(EngineKVS, dir, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng.Set("k", []byte("v"))
	eng.Close()
	if err := os.Remove(filepath.Join(dir, markerFile)); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(EnginePebble, dir, discardLogger()); !errors.Is(err, err_def.ErrEngineMismatch) {
		t.Fatalf("expected ErrEngineMismatch from existing segments, got %v", err)
	}
}

func TestMarkerNotWrittenWhenOpenFails(t *testing.T) {
	dir := t.TempDir()
	db, err := bitcask.Open(storage.WithDataDir(dir), storage.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("bitcask.Open: %v", err)
	}
	db.Set("a", []byte("value-a"))
	db.Set("b", []byte("value-b"))
	db.Close()

	path := file_manager.SegmentPath(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[storage.HeaderSize+1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(EngineKVS, dir, discardLogger()); !errors.Is(err, err_def.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, markerFile)); !os.IsNotExist(err) {
		t.Fatalf("engine marker written for a failed open, stat err %v", err)
	}
}

func TestUnknownEngine(t *testing.T) {
	if _, err := Open("sled", t.TempDir(), discardLogger()); !errors.Is(err, err_def.ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	conf := &config.Config{}
	conf.Base.DataDir = "/data"
	conf.MemIndex.ShardCount = 16
	conf.MemCache.Enable = true
	conf.MemCache.DataStructure = "lru"
	conf.MemCache.Size = 32
	conf.FileManager.MaxSize = 1 << 20
	conf.Engine.SyncWrites = true
	conf.Merge.Auto = true
	conf.Merge.Interval = time.Minute
	conf.Merge.MinRatio = 0.3

	opts := storage.DefaultOptions()
	for _, opt := range OptionsFromConfig(conf) {
		opt(opts)
	}
	if opts.DataDir != "/data" || opts.MemIndexShardCount != 16 || !opts.OpenMemCache || opts.MemCacheSize != 32 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.MaxFileSize != 1<<20 || !opts.SyncWrites || !opts.AutoMerge {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.MergeInterval != time.Minute || opts.MinMergeRatio != 0.3 {
		t.Fatalf("unexpected merge options %+v", opts)
	}
}
