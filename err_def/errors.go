// Package err_def 定义了LogKV系统中使用的所有错误类型
package err_def

import (
	"errors" // 标准错误包
)

// 系统中使用的错误常量定义
var (
	ErrKeyNotFound       = errors.New("key not found")                   // 键不存在错误
	ErrCorruptRecord     = errors.New("corrupt record")                  // 记录损坏
	ErrChecksumMismatch  = errors.New("checksum mismatch")               // 校验和不匹配错误
	ErrDataLengthInvalid = errors.New("invalid data length")             // 数据长度无效错误
	ErrInsufficientData  = errors.New("insufficient data")               // 数据不足错误
	ErrUnknownFlag       = errors.New("unknown record flag")             // 未知的记录标志位
	ErrTruncatedTail     = errors.New("truncated record at segment tail") // 段尾部记录不完整
	ErrDBClosed          = errors.New("database is closed")              // 数据库已关闭错误
	ErrWriteFailed       = errors.New("write failed")                    // 写入失败错误
	ErrReadFailed        = errors.New("read failed")                     // 读取失败错误
	ErrFileNotFound      = errors.New("file not found")                  // 文件未找到错误
	ErrSegmentReclaimed  = errors.New("segment reclaimed")               // 段已被回收
	ErrSegmentSealed     = errors.New("segment sealed")                  // 段已封存，不再接受写入
	ErrNilRecord         = errors.New("nil record")                      // 记录为空错误
	ErrKeyTooLarge       = errors.New("key too large")                   // 键过大错误
	ErrValueTooLarge     = errors.New("value too large")                 // 值过大错误
	ErrEmptyKey          = errors.New("empty key")                       // 空键错误
	ErrMergeInProgress   = errors.New("merge is already running")        // 合并正在进行
	ErrEngineMismatch    = errors.New("data directory belongs to another engine")
	ErrUnknownEngine     = errors.New("unknown engine")
)
