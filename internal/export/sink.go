package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ErrOutputExists 表示输出文件已存在且未允许覆盖。
var ErrOutputExists = errors.New("输出文件已存在")

// sink 先写入同目录下的临时文件，成功后改名为目标文件；中止时删除临时文件，
// 因此目标位置不会出现写了一半的文件。
type sink struct {
	target    string
	overwrite bool
	f         *os.File
	buf       *bufio.Writer
	enc       io.WriteCloser // 非 UTF-8 输出时的编码层，否则为 nil
	w         io.Writer
	csv       *csv.Writer
}

func openSink(target string, overwrite bool, encName string) (*sink, error) {
	if target == "" {
		return nil, errors.New("未指定输出文件")
	}
	enc, err := lookupEncoding(encName)
	if err != nil {
		return nil, err
	}
	if !overwrite {
		if _, err := os.Stat(target); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, target)
		}
	}
	dir := filepath.Dir(target)
	f, err := os.CreateTemp(dir, ".dicom-miner-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("无法创建输出文件: %w", err)
	}
	s := &sink{target: target, overwrite: overwrite, f: f, buf: bufio.NewWriterSize(f, 64*1024)}
	s.w = s.buf
	if enc != nil {
		// 无法用目标编码表示的字符替换为该编码的替代字符
		s.enc = transform.NewWriter(s.buf, encoding.ReplaceUnsupported(enc.NewEncoder()))
		s.w = s.enc
	}
	s.csv = csv.NewWriter(s.w)
	return s, nil
}

// lookupEncoding 解析 WHATWG 编码名，UTF-8 返回 nil。
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("不支持的输出编码 %q: %w", name, err)
	}
	return enc, nil
}

// header 写出表头。表头标签已把逗号替换为空格，按原样写出，不加引号。
func (s *sink) header(line string) error {
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

func (s *sink) row(fields []string) error {
	return s.csv.Write(fields)
}

func (s *sink) commit() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		s.discard()
		return err
	}
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			s.discard()
			return err
		}
	}
	if err := s.buf.Flush(); err != nil {
		s.discard()
		return err
	}
	if err := s.f.Chmod(0o644); err != nil {
		s.discard()
		return err
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.f.Name())
		return err
	}
	if err := replaceFile(s.f.Name(), s.target, s.overwrite); err != nil {
		os.Remove(s.f.Name())
		return err
	}
	return nil
}

func (s *sink) discard() {
	s.f.Close()
	os.Remove(s.f.Name())
}

// replaceFile 把 tmp 改名为 dst。Windows 上目标存在时 Rename 会失败，需先删除。
func replaceFile(tmp, dst string, overwrite bool) error {
	err := os.Rename(tmp, dst)
	if err == nil || !overwrite {
		return err
	}
	if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
		return err
	}
	return os.Rename(tmp, dst)
}
