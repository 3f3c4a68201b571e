package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	STRING  byte = '+' // 简单字符串
	ERROR   byte = '-' // 错误消息
	INTEGER byte = ':' // 整数
	BULK    byte = '$' // 批量字符串
	ARRAY   byte = '*' // 数组
)

// 单个批量字符串的上限，与存储引擎的键值上限一致
const maxBulkSize = 64 << 20

var (
	ErrInvalidRESP = errors.New("invalid RESP")
	CRLF           = []byte{'\r', '\n'}
)

type Command struct {
	Name string
	Args [][]byte
}

// Reply 服务端的一条响应
type Reply struct {
	Type  byte     // STRING/ERROR/INTEGER/BULK/ARRAY
	Str   string   // 简单字符串或错误消息
	Int   int64    // 整数
	Bulk  []byte   // 批量字符串
	Null  bool     // 空批量字符串或空数组
	Array []*Reply // 数组元素
}

// Err 错误响应转换为 error，其他类型返回 nil
func (r *Reply) Err() error {
	if r.Type != ERROR {
		return nil
	}
	return errors.New(r.Str)
}

type Parser struct {
	reader *bufio.Reader
}

type Writer struct {
	writer *bufio.Writer
}

// NewParser 创建一个Parser
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReader(r),
	}
}

// Parse 读取一条请求，请求必须是批量字符串数组
func (p *Parser) Parse() (*Command, error) {
	typ, err := p.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	switch typ {
	case ARRAY:
		return p.parseArray()
	default:
		return nil, ErrInvalidRESP
	}
}

// readLine 读取一行数据，去除CRLF
func (p *Parser) readLine() ([]byte, error) {
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, ErrInvalidRESP
	}

	return line[:len(line)-2], nil
}

// parseInt 将字节数组解析为整数
func parseInt(b []byte) (int, error) {
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidRESP, b)
	}
	return n, nil
}

// readBulk 读取批量字符串内容，长度为 -1 时返回 nil
func (p *Parser) readBulk() ([]byte, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	size, err := parseInt(line)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, nil
	}
	if size > maxBulkSize {
		return nil, fmt.Errorf("%w: bulk length %d too large", ErrInvalidRESP, size)
	}

	// 内容后面紧跟 CRLF
	data := make([]byte, size+2)
	if _, err := io.ReadFull(p.reader, data); err != nil {
		return nil, err
	}
	if data[size] != '\r' || data[size+1] != '\n' {
		return nil, ErrInvalidRESP
	}
	return data[:size], nil
}

// parseArray 解析数组
func (p *Parser) parseArray() (*Command, error) {
	// 读取数组长度
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}

	// 解析数组长度
	count, err := parseInt(line)
	if err != nil {
		return nil, err
	}

	if count <= 0 {
		return nil, ErrInvalidRESP
	}

	// 读取命令和参数
	args := make([][]byte, count)
	for i := 0; i < count; i++ {
		// 读取类型
		typ, err := p.reader.ReadByte()
		if err != nil {
			return nil, err
		}

		if typ != BULK {
			return nil, ErrInvalidRESP
		}

		if args[i], err = p.readBulk(); err != nil {
			return nil, err
		}
	}

	// 构建命令
	cmd := &Command{
		Name: string(args[0]),
		Args: args[1:],
	}

	return cmd, nil
}

// ReadReply 读取一条任意类型的响应，客户端使用
func (p *Parser) ReadReply() (*Reply, error) {
	typ, err := p.reader.ReadByte()
	if err != nil {
		return nil, err
	}

	switch typ {
	case STRING, ERROR:
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		return &Reply{Type: typ, Str: string(line)}, nil
	case INTEGER:
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidRESP, line)
		}
		return &Reply{Type: INTEGER, Int: n}, nil
	case BULK:
		data, err := p.readBulk()
		if err != nil {
			return nil, err
		}
		return &Reply{Type: BULK, Bulk: data, Null: data == nil}, nil
	case ARRAY:
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		count, err := parseInt(line)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return &Reply{Type: ARRAY, Null: true}, nil
		}
		items := make([]*Reply, count)
		for i := range items {
			if items[i], err = p.ReadReply(); err != nil {
				return nil, err
			}
		}
		return &Reply{Type: ARRAY, Array: items}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected type byte %q", ErrInvalidRESP, typ)
	}
}

// NewWriter 创建一个Writer，写入内容在 Flush 之后才发送
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		writer: bufio.NewWriter(w),
	}
}

// Flush 把缓冲的内容写到底层连接
func (w *Writer) Flush() error {
	return w.writer.Flush()
}

func (w *Writer) writeLine(typ byte, s string) error {
	if err := w.writer.WriteByte(typ); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(s); err != nil {
		return err
	}
	_, err := w.writer.Write(CRLF)
	return err
}

// WriteString 写入一个字符串
func (w *Writer) WriteString(s string) error {
	return w.writeLine(STRING, s)
}

// WriteError 写入一个错误
func (w *Writer) WriteError(err error) error {
	return w.writeLine(ERROR, err.Error())
}

// WriteInteger 写入一个整数
func (w *Writer) WriteInteger(n int64) error {
	return w.writeLine(INTEGER, strconv.FormatInt(n, 10))
}

// WriteNull 写入空批量字符串
func (w *Writer) WriteNull() error {
	_, err := w.writer.WriteString("$-1\r\n")
	return err
}

// WriteBulk 写入一个批量字符串，nil 写为空批量字符串
func (w *Writer) WriteBulk(b []byte) error {
	if b == nil {
		return w.WriteNull()
	}

	if err := w.writeLine(BULK, strconv.Itoa(len(b))); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	_, err := w.writer.Write(CRLF)
	return err
}

// WriteArray 写入一堆批量字符串
func (w *Writer) WriteArray(arr [][]byte) error {
	if arr == nil {
		_, err := w.writer.WriteString("*-1\r\n")
		return err
	}

	if err := w.writeLine(ARRAY, strconv.Itoa(len(arr))); err != nil {
		return err
	}
	for _, item := range arr {
		if err := w.WriteBulk(item); err != nil {
			return err
		}
	}
	return nil
}

// WriteCommand 把命令编码为批量字符串数组，客户端使用
func (w *Writer) WriteCommand(args ...[]byte) error {
	if len(args) == 0 {
		return ErrInvalidRESP
	}
	if err := w.WriteArray(args); err != nil {
		return err
	}
	return w.Flush()
}
