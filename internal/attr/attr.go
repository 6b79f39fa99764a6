// Package attr 描述一次导出中需要提取的列：DICOM 元素（按标签）或文件系统属性。
package attr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tag 是 DICOM 元素的 (group, element) 标识。
type Tag struct {
	Group   uint16
	Element uint16
}

// String 返回规范形式 (GGGG,EEEE)，十六进制大写。
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Kind 是文件系统属性的种类。
type Kind int

const (
	Name Kind = iota + 1
	Path
	SizeMB
)

// 文件系统属性的标签，模板和表头都使用这些固定文本。
var kindLabels = map[Kind]string{
	Name:   "File Name",
	Path:   "File Path",
	SizeMB: "File Size (MB)",
}

func (k Kind) String() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Spec 是一列的提取规格。实现只有 StructuredField 与 FilesystemAttribute 两种。
type Spec interface {
	// Label 返回用户输入的原始文本（或文件属性的固定标签）。
	Label() string
	isSpec()
}

// StructuredField 指向记录中的一个 DICOM 元素。
type StructuredField struct {
	Tag Tag
	// Text 为解析前的输入，用作表头。为空时使用规范标签文本。
	Text string
}

func (f StructuredField) Label() string {
	if f.Text == "" {
		return f.Tag.String()
	}
	return f.Text
}

func (StructuredField) isSpec() {}

// FilesystemAttribute 从文件路径和 stat 结果计算列值，不依赖解析。
type FilesystemAttribute struct {
	Kind Kind
}

func (a FilesystemAttribute) Label() string { return a.Kind.String() }

func (FilesystemAttribute) isSpec() {}

// UnknownAttributeError 表示输入既不是标签形式，也不在字典或文件属性列表中。
type UnknownAttributeError struct {
	Input string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("%q 不是有效的属性", e.Input)
}

// NameIndex 把可读名称映射到标签。
type NameIndex interface {
	Lookup(name string) (Tag, bool)
}

// 匹配 (XXXX,XXXX)，X 为不区分大小写的十六进制数字
var tagPattern = regexp.MustCompile(`^\(([0-9A-Fa-f]{4}),([0-9A-Fa-f]{4})\)$`)

// ParseTag 解析 (gggg,eeee) 形式的标签，大小写不敏感。
func ParseTag(s string) (Tag, bool) {
	m := tagPattern.FindStringSubmatch(s)
	if m == nil {
		return Tag{}, false
	}
	g, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return Tag{}, false
	}
	e, err := strconv.ParseUint(m[2], 16, 16)
	if err != nil {
		return Tag{}, false
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, true
}

// Resolve 把一条 DICOM 字段输入解析为 StructuredField。
// 标签形式总是接受（未知标签也合法）；否则在 index 中精确查找名称。
func Resolve(input string, index NameIndex) (Spec, error) {
	if input == "" {
		return nil, &UnknownAttributeError{Input: input}
	}
	if t, ok := ParseTag(input); ok {
		return StructuredField{Tag: t, Text: input}, nil
	}
	if index != nil {
		if t, ok := index.Lookup(input); ok {
			return StructuredField{Tag: t, Text: input}, nil
		}
	}
	return nil, &UnknownAttributeError{Input: input}
}

// ResolveFilesystem 按固定标签精确匹配文件系统属性。
func ResolveFilesystem(label string) (Spec, error) {
	for k, l := range kindLabels {
		if l == label {
			return FilesystemAttribute{Kind: k}, nil
		}
	}
	return nil, &UnknownAttributeError{Input: label}
}

// FilesystemLabels 按固定顺序返回所有文件系统属性标签。
func FilesystemLabels() []string {
	return []string{Name.String(), Path.String(), SizeMB.String()}
}

// Header 返回规格的表头文本，内嵌逗号替换为空格以保持表头可解析。
func Header(s Spec) string {
	return strings.ReplaceAll(s.Label(), ",", " ")
}

// Headers 对有序规格列表逐项调用 Header。
func Headers(specs []Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = Header(s)
	}
	return out
}
