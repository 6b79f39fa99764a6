// Package dcmtest 为测试生成最小的 DICOM 文件。
package dcmtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ExplicitVRLittleEndian 传输语法 UID
const ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Element 是待写入的一个元素。
type Element struct {
	Tag   tag.Tag
	Value any
}

// Dataset 用文件元信息加上 elems 构造数据集。
func Dataset(t testing.TB, elems ...Element) dicom.Dataset {
	t.Helper()
	all := []Element{
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}},
		{tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6.7"}},
		{tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}},
	}
	all = append(all, elems...)
	ds := dicom.Dataset{}
	for _, e := range all {
		el, err := dicom.NewElement(e.Tag, e.Value)
		if err != nil {
			t.Fatalf("new element %v: %v", e.Tag, err)
		}
		ds.Elements = append(ds.Elements, el)
	}
	return ds
}

// WriteFile 把数据集写到 p，必要时创建父目录。
func WriteFile(t testing.TB, p string, elems ...Element) {
	t.Helper()
	ds := Dataset(t, elems...)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create %s: %v", p, err)
	}
	if err := dicom.Write(f, ds); err != nil {
		f.Close()
		t.Fatalf("write dicom %s: %v", p, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// PatientName 是 (0010,0010) 元素的便捷构造。
func PatientName(name string) Element {
	return Element{Tag: tag.PatientName, Value: []string{name}}
}
