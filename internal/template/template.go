// Package template 读写属性模板：可复用的有序属性规格列表。
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/xingkaixin/dicom-miner/internal/attr"
)

// 模板中的键名。
const (
	KeyDICOMTags      = "DICOM_tag"
	KeyFileAttributes = "File_attribute"
	KeyOrder          = "Order"
)

// Format 是模板文件格式。
type Format int

const (
	JSON Format = iota
	TOML
)

// FormatFor 按扩展名选择格式，.toml 为 TOML，其余为 JSON。
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return JSON
}

// Document 是模板文件的结构。Order 记录两类条目的交错顺序；缺省时 DICOM 字段在前。
type Document struct {
	DICOMTags      *[]string `json:"DICOM_tag" toml:"DICOM_tag"`
	FileAttributes *[]string `json:"File_attribute" toml:"File_attribute"`
	Order          []string  `json:"Order,omitempty" toml:"Order,omitempty"`
}

// MissingKeyError 表示模板缺少必需的数组。
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("模板缺少 %q", e.Key)
}

// UnknownValueError 表示模板中有无法识别的条目。
type UnknownValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("模板 %s 中的 %q 无法识别", e.Key, e.Value)
}

func (e *UnknownValueError) Unwrap() error { return e.Err }

// Decode 解析模板内容为有序规格列表。
func Decode(data []byte, format Format, index attr.NameIndex) ([]attr.Spec, error) {
	var doc Document
	var err error
	switch format {
	case TOML:
		err = toml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("无法解析模板: %w", err)
	}
	return doc.Specs(index)
}

// Specs 把文档转换为有序规格列表，任何条目都不会被静默丢弃。
func (d *Document) Specs(index attr.NameIndex) ([]attr.Spec, error) {
	if d.DICOMTags == nil {
		return nil, &MissingKeyError{Key: KeyDICOMTags}
	}
	if d.FileAttributes == nil {
		return nil, &MissingKeyError{Key: KeyFileAttributes}
	}
	tags, files := *d.DICOMTags, *d.FileAttributes

	order := d.Order
	if order == nil {
		for range tags {
			order = append(order, KeyDICOMTags)
		}
		for range files {
			order = append(order, KeyFileAttributes)
		}
	}

	specs := make([]attr.Spec, 0, len(order))
	ti, fi := 0, 0
	for _, k := range order {
		switch k {
		case KeyDICOMTags:
			if ti >= len(tags) {
				return nil, fmt.Errorf("模板 %s 与 %s 条目数不一致", KeyOrder, KeyDICOMTags)
			}
			s, err := attr.Resolve(tags[ti], index)
			if err != nil {
				return nil, &UnknownValueError{Key: KeyDICOMTags, Value: tags[ti], Err: err}
			}
			specs = append(specs, s)
			ti++
		case KeyFileAttributes:
			if fi >= len(files) {
				return nil, fmt.Errorf("模板 %s 与 %s 条目数不一致", KeyOrder, KeyFileAttributes)
			}
			s, err := attr.ResolveFilesystem(files[fi])
			if err != nil {
				return nil, &UnknownValueError{Key: KeyFileAttributes, Value: files[fi], Err: err}
			}
			specs = append(specs, s)
			fi++
		default:
			return nil, &UnknownValueError{Key: KeyOrder, Value: k}
		}
	}
	if ti != len(tags) || fi != len(files) {
		return nil, fmt.Errorf("模板 %s 未覆盖全部条目", KeyOrder)
	}
	return specs, nil
}

// FromSpecs 构造保存用的文档。
func FromSpecs(specs []attr.Spec) Document {
	tags := []string{}
	files := []string{}
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		switch s := s.(type) {
		case attr.StructuredField:
			tags = append(tags, s.Label())
			order = append(order, KeyDICOMTags)
		case attr.FilesystemAttribute:
			files = append(files, s.Label())
			order = append(order, KeyFileAttributes)
		}
	}
	return Document{DICOMTags: &tags, FileAttributes: &files, Order: order}
}

// Encode 把规格列表编码为模板内容。
func Encode(specs []attr.Spec, format Format) ([]byte, error) {
	doc := FromSpecs(specs)
	if format == TOML {
		return toml.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Load 读取模板文件，格式由扩展名决定。
func Load(path string, index attr.NameIndex) ([]attr.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取模板 %s: %w", path, err)
	}
	specs, err := Decode(data, FormatFor(path), index)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// Save 写出模板文件，格式由扩展名决定。
func Save(path string, specs []attr.Spec) error {
	data, err := Encode(specs, FormatFor(path))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
