// Package row 根据有序的属性规格生成 CSV 的表头与数据行。
package row

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

// Record 是可以按标签取值的已解析记录。缺失的标签返回 false，不会失败。
type Record interface {
	Lookup(t attr.Tag) (string, bool)
}

// Provider 是可插拔的附加列来源（例如像素统计）。
// Values 返回的个数必须与 Headers 相同，内部失败时用占位值代替，不能中断整行。
type Provider interface {
	Headers() []string
	Values(e walk.Entry, rec Record) []string
}

// Extractor 把一个文件转换为一行。
type Extractor struct {
	Specs     []attr.Spec
	Providers []Provider
}

// Header 返回表头各列，规格列在前，插件列在后。
func (x *Extractor) Header() []string {
	out := attr.Headers(x.Specs)
	for _, p := range x.Providers {
		for _, h := range p.Headers() {
			out = append(out, strings.ReplaceAll(h, ",", " "))
		}
	}
	return out
}

// Fields 按规格顺序解析每一列的值。rec 可以为 nil，此时所有 DICOM 字段列为空。
func (x *Extractor) Fields(rec Record, e walk.Entry) []string {
	out := make([]string, 0, len(x.Specs))
	for _, s := range x.Specs {
		out = append(out, value(s, rec, e))
	}
	for _, p := range x.Providers {
		out = append(out, fit(p.Values(e, rec), len(p.Headers()))...)
	}
	return out
}

func value(s attr.Spec, rec Record, e walk.Entry) string {
	switch s := s.(type) {
	case attr.FilesystemAttribute:
		switch s.Kind {
		case attr.Name:
			return e.Name()
		case attr.Path:
			return e.Path
		case attr.SizeMB:
			size, err := e.Size()
			if err != nil {
				return ""
			}
			return FormatMB(size)
		}
	case attr.StructuredField:
		if rec == nil {
			return ""
		}
		v, _ := rec.Lookup(s.Tag)
		return v
	}
	return ""
}

// FormatMB 把字节数转为 MB（10^6 字节），保留三位小数。
func FormatMB(size int64) string {
	return strconv.FormatFloat(float64(size)/1e6, 'f', 3, 64)
}

// fit 把插件返回值补齐或截断到 n 列
func fit(vals []string, n int) []string {
	if len(vals) == n {
		return vals
	}
	out := make([]string, n)
	copy(out, vals)
	return out
}

// Line 把字段编码为一行 CSV（不含换行符）。含逗号、引号或换行的值会被加引号。
func Line(fields []string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields) // 写入内存缓冲不会失败
	w.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}

// HeaderLine 返回表头行：标签中的逗号已替换为空格，不加引号。
func HeaderLine(header []string) string {
	return strings.Join(header, ",")
}

// FormatRow 是单行便捷形式：按 specs 生成一行 CSV 文本。
func FormatRow(rec Record, e walk.Entry, specs []attr.Spec) string {
	x := Extractor{Specs: specs}
	return Line(x.Fields(rec, e))
}
