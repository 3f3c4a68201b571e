// Package codec 负责日志记录的编解码
//
// 编码格式（大端序）：
//
//	| Timestamp(8) | Flags(4) | KeyLen(4) | ValueLen(4) | Key | Value | CRC64(8) |
//
// 记录自带长度，段文件可以从偏移 0 开始顺序解码，这是重放重建索引的基础。
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"

	"LogKV/err_def"
	"LogKV/storage"
)

// 记录标志位
const (
	FlagSet    uint32 = 0
	FlagRemove uint32 = 1
)

var crcTable = crc64.MakeTable(crc64.ISO)

// EncodedSize 返回命令编码后的总长度
func EncodedSize(cmd storage.Command) int {
	return storage.HeaderSize + len(cmd.Key) + len(cmd.Value) + storage.ChecksumSize
}

// Encode 将命令编码为二进制格式
func Encode(cmd storage.Command) ([]byte, error) {
	if len(cmd.Key) == 0 {
		return nil, err_def.ErrEmptyKey
	}
	if len(cmd.Key) > storage.MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds maximum %d", err_def.ErrKeyTooLarge, len(cmd.Key), storage.MaxKeySize)
	}
	if len(cmd.Value) > storage.MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds maximum %d", err_def.ErrValueTooLarge, len(cmd.Value), storage.MaxValueSize)
	}

	var flags uint32
	switch cmd.Kind {
	case storage.CmdSet:
		flags = FlagSet
	case storage.CmdRemove:
		if len(cmd.Value) != 0 {
			return nil, fmt.Errorf("%w: remove command carries a value", err_def.ErrDataLengthInvalid)
		}
		flags = FlagRemove
	default:
		return nil, fmt.Errorf("%w: kind %d", err_def.ErrUnknownFlag, cmd.Kind)
	}

	keyLen := len(cmd.Key)
	valueLen := len(cmd.Value)
	dataSize := storage.HeaderSize + keyLen + valueLen
	buf := make([]byte, dataSize+storage.ChecksumSize)

	binary.BigEndian.PutUint64(buf[0:8], uint64(cmd.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], flags)
	binary.BigEndian.PutUint32(buf[12:16], uint32(keyLen))
	binary.BigEndian.PutUint32(buf[16:20], uint32(valueLen))
	copy(buf[storage.HeaderSize:], cmd.Key)
	copy(buf[storage.HeaderSize+keyLen:dataSize], cmd.Value)

	binary.BigEndian.PutUint64(buf[dataSize:], crc64.Checksum(buf[:dataSize], crcTable))
	return buf, nil
}

// Decode 从二进制数据解析命令
// 任何不一致都返回包装了具体原因的 err_def.ErrCorruptRecord
func Decode(data []byte) (storage.Command, error) {
	if len(data) < storage.HeaderSize+storage.ChecksumSize {
		return storage.Command{}, corrupt(fmt.Errorf("%w: got %d bytes, need at least %d",
			err_def.ErrInsufficientData, len(data), storage.HeaderSize+storage.ChecksumSize))
	}

	timestamp := int64(binary.BigEndian.Uint64(data[0:8]))
	flags := binary.BigEndian.Uint32(data[8:12])
	keyLen := binary.BigEndian.Uint32(data[12:16])
	valueLen := binary.BigEndian.Uint32(data[16:20])

	if keyLen > uint32(storage.MaxKeySize) {
		return storage.Command{}, corrupt(err_def.ErrKeyTooLarge)
	}
	if valueLen > uint32(storage.MaxValueSize) {
		return storage.Command{}, corrupt(err_def.ErrValueTooLarge)
	}

	expectedLen := storage.HeaderSize + int(keyLen) + int(valueLen) + storage.ChecksumSize
	if len(data) != expectedLen {
		return storage.Command{}, corrupt(fmt.Errorf("%w: got %d bytes, expected %d",
			err_def.ErrDataLengthInvalid, len(data), expectedLen))
	}

	dataSize := len(data) - storage.ChecksumSize
	stored := binary.BigEndian.Uint64(data[dataSize:])
	calculated := crc64.Checksum(data[:dataSize], crcTable)
	if stored != calculated {
		return storage.Command{}, corrupt(fmt.Errorf("%w: stored=%x, calculated=%x",
			err_def.ErrChecksumMismatch, stored, calculated))
	}

	cmd := storage.Command{Timestamp: timestamp}
	switch flags {
	case FlagSet:
		cmd.Kind = storage.CmdSet
	case FlagRemove:
		if valueLen != 0 {
			return storage.Command{}, corrupt(fmt.Errorf("%w: remove record with value", err_def.ErrDataLengthInvalid))
		}
		cmd.Kind = storage.CmdRemove
	default:
		return storage.Command{}, corrupt(fmt.Errorf("%w: %d", err_def.ErrUnknownFlag, flags))
	}
	if keyLen == 0 {
		return storage.Command{}, corrupt(err_def.ErrEmptyKey)
	}

	keyEnd := storage.HeaderSize + int(keyLen)
	cmd.Key = string(data[storage.HeaderSize:keyEnd])
	if cmd.Kind == storage.CmdSet {
		// 拷贝一份，避免与读缓冲区共享内存
		cmd.Value = make([]byte, valueLen)
		copy(cmd.Value, data[keyEnd:dataSize])
	}
	return cmd, nil
}

func corrupt(cause error) error {
	return fmt.Errorf("%w: %w", err_def.ErrCorruptRecord, cause)
}

// Scan 从偏移 0 开始顺序解码段内的所有记录，对每条记录调用 fn
// 返回有效数据的长度。尾部不完整的记录（崩溃时的半写）返回 err_def.ErrTruncatedTail，
// 此时返回的长度是最后一条完整记录的末尾；完整但损坏的记录返回 err_def.ErrCorruptRecord。
func Scan(r io.ReaderAt, size int64, fn func(offset int64, recordSize uint32, cmd storage.Command) error) (int64, error) {
	var offset int64
	header := make([]byte, storage.HeaderSize)

	for offset < size {
		if size-offset < int64(storage.HeaderSize) {
			return offset, fmt.Errorf("%w: %d header bytes at offset %d", err_def.ErrTruncatedTail, size-offset, offset)
		}
		if _, err := r.ReadAt(header, offset); err != nil {
			return offset, fmt.Errorf("%w: header at offset %d: %w", err_def.ErrReadFailed, offset, err)
		}

		keyLen := int64(binary.BigEndian.Uint32(header[12:16]))
		valueLen := int64(binary.BigEndian.Uint32(header[16:20]))
		if keyLen > int64(storage.MaxKeySize) || valueLen > int64(storage.MaxValueSize) {
			return offset, fmt.Errorf("%w: implausible lengths key=%d value=%d at offset %d",
				err_def.ErrCorruptRecord, keyLen, valueLen, offset)
		}

		recordSize := int64(storage.HeaderSize) + keyLen + valueLen + int64(storage.ChecksumSize)
		if offset+recordSize > size {
			return offset, fmt.Errorf("%w: record of %d bytes at offset %d exceeds segment size %d",
				err_def.ErrTruncatedTail, recordSize, offset, size)
		}

		record := make([]byte, recordSize)
		if _, err := r.ReadAt(record, offset); err != nil && !errors.Is(err, io.EOF) {
			return offset, fmt.Errorf("%w: record at offset %d: %w", err_def.ErrReadFailed, offset, err)
		}

		cmd, err := Decode(record)
		if err != nil {
			return offset, fmt.Errorf("offset %d: %w", offset, err)
		}
		if err := fn(offset, uint32(recordSize), cmd); err != nil {
			return offset, err
		}
		offset += recordSize
	}
	return offset, nil
}
