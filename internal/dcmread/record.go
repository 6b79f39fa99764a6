package dcmread

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/xingkaixin/dicom-miner/internal/attr"
)

var (
	// ErrNoPixelData 表示记录中没有可用的像素数据（不存在或解析时被跳过）。
	ErrNoPixelData = errors.New("no pixel data")
	// ErrEncapsulated 表示像素数据为压缩封装格式，不做解码。
	ErrEncapsulated = errors.New("encapsulated pixel data not supported")
)

// Record 是一个已解析的 DICOM 数据集。查找缺失的元素不会失败。
type Record struct {
	ds dicom.Dataset
}

// NewRecord 包装已有的数据集。
func NewRecord(ds dicom.Dataset) *Record {
	return &Record{ds: ds}
}

func (r *Record) element(t attr.Tag) (*dicom.Element, bool) {
	if r == nil {
		return nil, false
	}
	e, err := r.ds.FindElementByTag(tag.Tag{Group: t.Group, Element: t.Element})
	if err != nil || e == nil || e.Value == nil {
		return nil, false
	}
	return e, true
}

// Lookup 返回元素值的文本形式。
// 多值以反斜杠连接；二进制值为大写十六进制；序列为条目数；像素数据为空串。
func (r *Record) Lookup(t attr.Tag) (string, bool) {
	e, ok := r.element(t)
	if !ok {
		return "", false
	}
	switch v := e.Value.GetValue().(type) {
	case []string:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = strings.TrimRight(s, " \x00")
		}
		return strings.Join(parts, `\`), true
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`), true
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return strings.Join(parts, `\`), true
	case []byte:
		return strings.ToUpper(hex.EncodeToString(v)), true
	case []*dicom.SequenceItemValue:
		return strconv.Itoa(len(v)), true
	case dicom.PixelDataInfo:
		return "", true
	}
	return e.Value.String(), true
}

// Float 返回元素的第一个数值。十进制字符串（DS/IS）同样解析为数值。
func (r *Record) Float(t attr.Tag) (float64, bool) {
	e, ok := r.element(t)
	if !ok {
		return 0, false
	}
	switch v := e.Value.GetValue().(type) {
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case []int:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []string:
		if len(v) > 0 {
			f, err := strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
			return f, err == nil
		}
	}
	return 0, false
}

// NativePixels 对每个原生（未压缩）像素样本调用 fn，遍历全部帧。
func (r *Record) NativePixels(fn func(sample int)) error {
	e, ok := r.element(attr.Tag{Group: tag.PixelData.Group, Element: tag.PixelData.Element})
	if !ok {
		return ErrNoPixelData
	}
	info, ok := e.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return ErrNoPixelData
	}
	if info.IsEncapsulated {
		return ErrEncapsulated
	}
	n := 0
	for _, fr := range info.Frames {
		if fr.Encapsulated {
			return ErrEncapsulated
		}
		for _, px := range fr.NativeData.Data {
			for _, s := range px {
				fn(s)
				n++
			}
		}
	}
	if n == 0 {
		return ErrNoPixelData
	}
	return nil
}
