package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/simplifiedchinese"
)

func writeZip(t *testing.T, p string, files map[string]string, order []string) {
	t.Helper()
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := io.WriteString(w, files[name]); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestIsArchive(t *testing.T) {
	for p, want := range map[string]bool{"a.zip": true, "b.RAR": true, "c.iso": true, "d.dcm": false, "zip": false} {
		if got := IsArchive(p); got != want {
			t.Fatalf("IsArchive(%q) = %v", p, got)
		}
	}
}

func TestListZipAndOpen(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "series.zip")
	files := map[string]string{"one.dcm": "first", "sub/": "", "sub/two.dcm": "second"}
	writeZip(t, p, files, []string{"one.dcm", "sub/", "sub/two.dcm"})

	members, err := List(p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expect 2 members, got %d", len(members))
	}
	if members[0].Name != "one.dcm" || members[1].Name != "sub/two.dcm" {
		t.Fatalf("unexpected member names %q %q", members[0].Name, members[1].Name)
	}
	if members[1].Path() != p+"!sub/two.dcm" {
		t.Fatalf("unexpected path %q", members[1].Path())
	}
	if members[1].Size != int64(len("second")) {
		t.Fatalf("unexpected size %d", members[1].Size)
	}
	rc, err := members[1].Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(b) != "second" {
		t.Fatalf("read member: %v %q", err, string(b))
	}
}

func TestListUnsupported(t *testing.T) {
	if _, err := List("x.tar"); err == nil {
		t.Fatal("expect error for unsupported format")
	}
}

func TestDecodeName(t *testing.T) {
	if got := DecodeName("scan/001.dcm"); got != "scan/001.dcm" {
		t.Fatalf("ascii name changed: %q", got)
	}
	if got := DecodeName("患者.dcm"); got != "患者.dcm" {
		t.Fatalf("utf-8 name changed: %q", got)
	}
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("患者.dcm")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := DecodeName(gbk); got != "患者.dcm" {
		t.Fatalf("gbk name not decoded: %q", got)
	}
}
