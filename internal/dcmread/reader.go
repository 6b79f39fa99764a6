// Package dcmread 把文件解析为 DICOM 记录，并把失败归类为跳过或致命。
package dcmread

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"

	"github.com/xingkaixin/dicom-miner/internal/walk"
)

// ErrNotAContainer 表示文件不是有效的 DICOM 文件。
var ErrNotAContainer = errors.New("not a DICOM file")

// IOError 是读取单个文件时的操作系统错误（权限不足、文件在枚举后消失等），该文件被跳过。
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("读取 %s 失败: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// FatalError 是必须终止整次导出的错误：设备未就绪（ENXIO，常见于可移动介质被拔出）。
type FatalError struct {
	Path string
	Err  error
}

func (e *FatalError) Error() string { return fmt.Sprintf("设备不可用 %s: %v", e.Path, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Outcome 是单个文件的处理结果类别。
type Outcome int

const (
	OK Outcome = iota
	Skip
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Skip:
		return "skip"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Classify 把 Read 返回的错误归类。
func Classify(err error) Outcome {
	if err == nil {
		return OK
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return Fatal
	}
	return Skip
}

// SkipReason 返回跳过原因的简短标识，用于日志与指标。
func SkipReason(err error) string {
	var ioe *IOError
	switch {
	case errors.Is(err, ErrNotAContainer):
		return "not_dicom"
	case errors.As(err, &ioe):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}

// Reader 解析 DICOM 文件。零值可用，默认跳过像素数据。
type Reader struct {
	// WithPixelData 为 true 时读取像素数据（统计插件需要）。
	WithPixelData bool
	Logger        zerolog.Logger
}

// Read 打开并解析 e。失败时返回 ErrNotAContainer、*IOError 或 *FatalError。
func (r *Reader) Read(ctx context.Context, e walk.Entry) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, size, err := e.Open()
	if err != nil {
		return nil, osError(e.Path, err)
	}
	defer rc.Close()

	var opts []dicom.ParseOption
	if !r.WithPixelData {
		opts = append(opts, dicom.SkipPixelData())
	}
	return r.decode(e.Path, rc, size, opts)
}

// DICOM 文件以 128 字节前导区开头，其后是 "DICM"
const (
	preambleLen = 128
	magic       = "DICM"
)

func (r *Reader) decode(path string, rc io.Reader, size int64, opts []dicom.ParseOption) (*Record, error) {
	in := bufio.NewReaderSize(rc, 64*1024)
	head, err := in.Peek(preambleLen + len(magic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, osError(path, err)
	}
	if size < preambleLen+int64(len(magic)) || len(head) < preambleLen+len(magic) || string(head[preambleLen:]) != magic {
		r.Logger.Debug().Str("path", path).Msg("不是 DICOM 文件")
		return nil, fmt.Errorf("%s: %w", path, ErrNotAContainer)
	}

	ds, err := parse(in, size, opts)
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return nil, osError(path, err)
		}
		r.Logger.Debug().Err(err).Str("path", path).Msg("不是 DICOM 文件")
		return nil, fmt.Errorf("%s: %w: %w", path, ErrNotAContainer, err)
	}
	return &Record{ds: ds}, nil
}

// 解析器遇到畸形输入可能 panic，统一视为非 DICOM 文件
func parse(in *bufio.Reader, size int64, opts []dicom.ParseOption) (ds dicom.Dataset, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parser panic: %v", p)
		}
	}()
	return dicom.Parse(in, size, nil, opts...)
}

func osError(path string, err error) error {
	if errors.Is(err, syscall.ENXIO) {
		return &FatalError{Path: path, Err: err}
	}
	return &IOError{Path: path, Err: err}
}
