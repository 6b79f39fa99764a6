package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/dcmread"
	"github.com/xingkaixin/dicom-miner/internal/dcmtest"
	"github.com/xingkaixin/dicom-miner/internal/metrics"
	"github.com/xingkaixin/dicom-miner/internal/progress"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

var patientName = attr.Tag{Group: 0x0010, Element: 0x0010}

func scenario(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dcmtest.WriteFile(t, filepath.Join(root, "a.dcm"), dcmtest.PatientName("Smith"))
	dcmtest.WriteFile(t, filepath.Join(root, "b.dcm"))
	if err := os.WriteFile(filepath.Join(root, "c.txt"), []byte("not dicom"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func scenarioSpecs(t *testing.T) []attr.Spec {
	t.Helper()
	name, err := attr.Resolve("Patient Name", attr.DefaultDictionary())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return []attr.Spec{name, attr.FilesystemAttribute{Kind: attr.Name}}
}

func newEngine(m *metrics.Metrics) *Engine {
	return New(&dcmread.Reader{}, zerolog.Nop(), m)
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func TestExportScenario(t *testing.T) {
	root := scenario(t)
	out := filepath.Join(t.TempDir(), "data.csv")
	m := metrics.New()
	eng := newEngine(m)

	var counts []int
	sum, err := eng.Export(context.Background(), Request{Root: root, Output: out, Specs: scenarioSpecs(t)}, func(n int) {
		counts = append(counts, n)
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := "Patient Name,File Name\nSmith,a.dcm\n,b.dcm\n"
	if got := readFile(t, out); got != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", got, want)
	}
	if sum.Attempted != 3 || sum.Rows != 2 || sum.Skipped["not_dicom"] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(counts) != 3 || counts[2] != 3 {
		t.Fatalf("progress = %v", counts)
	}
	for i := 1; i < len(counts); i++ {
		if counts[i] <= counts[i-1] {
			t.Fatalf("progress not monotonic: %v", counts)
		}
	}
	if eng.State() != Completed {
		t.Fatalf("state = %v", eng.State())
	}
	if sum.RunID == "" {
		t.Fatal("run id missing")
	}
}

func TestExportCountsContainersAndOthers(t *testing.T) {
	root := t.TempDir()
	const k, mOther = 4, 3
	for i := 0; i < k; i++ {
		dcmtest.WriteFile(t, filepath.Join(root, fmt.Sprintf("s%d", i%2), fmt.Sprintf("%d.dcm", i)), dcmtest.PatientName(fmt.Sprintf("P%d", i)))
	}
	for i := 0; i < mOther; i++ {
		if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("junk%d.bin", i)), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(t.TempDir(), "out.csv")
	sum, err := newEngine(nil).Export(context.Background(), Request{
		Root:   root,
		Output: out,
		Specs:  []attr.Spec{attr.StructuredField{Tag: patientName}},
	}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(readFile(t, out), "\n"), "\n")
	if len(lines) != 1+k {
		t.Fatalf("expect %d lines, got %d: %q", 1+k, len(lines), lines)
	}
	if sum.Attempted != k+mOther {
		t.Fatalf("attempted = %d, want %d", sum.Attempted, k+mOther)
	}
}

func TestExportIdempotentAndWorkerOrder(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 30; i++ {
		p := filepath.Join(root, fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%02d.dcm", i))
		if i%5 == 0 {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(p, []byte("junk"), 0o644); err != nil {
				t.Fatal(err)
			}
			continue
		}
		dcmtest.WriteFile(t, p, dcmtest.PatientName(fmt.Sprintf("Patient %d", i)))
	}
	specs := []attr.Spec{
		attr.FilesystemAttribute{Kind: attr.Path},
		attr.StructuredField{Tag: patientName},
		attr.FilesystemAttribute{Kind: attr.SizeMB},
	}
	dir := t.TempDir()
	var outputs []string
	for i, workers := range []int{1, 1, 8} {
		out := filepath.Join(dir, fmt.Sprintf("run%d.csv", i))
		if _, err := newEngine(nil).Export(context.Background(), Request{Root: root, Output: out, Specs: specs, Workers: workers}, nil); err != nil {
			t.Fatalf("export %d: %v", i, err)
		}
		outputs = append(outputs, readFile(t, out))
	}
	if outputs[0] != outputs[1] {
		t.Fatal("two runs over the same tree differ")
	}
	if outputs[0] != outputs[2] {
		t.Fatalf("parallel run changed order:\n%s\n---\n%s", outputs[0], outputs[2])
	}
}

func TestExportRefusesExistingOutput(t *testing.T) {
	root := scenario(t)
	out := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(out, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(nil)
	_, err := eng.Export(context.Background(), Request{Root: root, Output: out, Specs: scenarioSpecs(t)}, nil)
	if !errors.Is(err, ErrOutputExists) {
		t.Fatalf("expect ErrOutputExists, got %v", err)
	}
	if readFile(t, out) != "keep" {
		t.Fatal("existing output was modified")
	}
	if eng.State() != Idle {
		t.Fatalf("rejected request should leave engine idle, got %v", eng.State())
	}
	if _, err := eng.Export(context.Background(), Request{Root: root, Output: out, Specs: scenarioSpecs(t), Overwrite: true}, nil); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !strings.HasPrefix(readFile(t, out), "Patient Name,File Name\n") {
		t.Fatal("output not replaced")
	}
}

func TestExportNoColumns(t *testing.T) {
	_, err := newEngine(nil).Export(context.Background(), Request{Root: t.TempDir(), Output: filepath.Join(t.TempDir(), "x.csv")}, nil)
	if !errors.Is(err, ErrNoColumns) {
		t.Fatalf("expect ErrNoColumns, got %v", err)
	}
}

func TestExportHeaderOnlyWhenNothingParses(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "o.csv")
	specs := []attr.Spec{attr.StructuredField{Tag: patientName, Text: "(0010,0010)"}}
	if _, err := newEngine(nil).Export(context.Background(), Request{Root: root, Output: out, Specs: specs}, nil); err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := readFile(t, out); got != "(0010 0010)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

// fatalReader 在遇到指定文件名时返回设备不可用错误
type fatalReader struct {
	inner dcmread.Reader
	name  string
}

func (r *fatalReader) Read(ctx context.Context, e walk.Entry) (*dcmread.Record, error) {
	if e.Name() == r.name {
		return nil, &dcmread.FatalError{Path: e.Path, Err: syscall.ENXIO}
	}
	return r.inner.Read(ctx, e)
}

func TestExportFatalAbortsAndRemovesOutput(t *testing.T) {
	root := scenario(t)
	outDir := t.TempDir()
	out := filepath.Join(outDir, "data.csv")
	m := metrics.New()
	eng := New(&fatalReader{name: "b.dcm"}, zerolog.Nop(), m)

	run, err := eng.Start(context.Background(), Request{Root: root, Output: out, Specs: scenarioSpecs(t)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var last progress.Event
	for ev := range run.Events() {
		last = ev
	}
	_, err = run.Wait()
	var fe *dcmread.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expect FatalError, got %v", err)
	}
	if last.Kind != progress.Failed || !errors.As(last.Err, &fe) {
		t.Fatalf("expect Failed event, got %+v", last)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output must not exist after abort, stat err = %v", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
	if eng.State() != Aborted {
		t.Fatalf("state = %v", eng.State())
	}
}

// blockingReader 在第一个文件上阻塞，直到测试放行
type blockingReader struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingReader) Read(ctx context.Context, e walk.Entry) (*dcmread.Record, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w", dcmread.ErrNotAContainer)
}

func TestStartRejectsSecondRun(t *testing.T) {
	root := scenario(t)
	br := &blockingReader{started: make(chan struct{}), release: make(chan struct{})}
	eng := New(br, zerolog.Nop(), nil)

	run, err := eng.Start(context.Background(), Request{Root: root, Output: filepath.Join(t.TempDir(), "a.csv"), Specs: scenarioSpecs(t)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-br.started
	if _, err := eng.Start(context.Background(), Request{Root: root, Output: filepath.Join(t.TempDir(), "b.csv"), Specs: scenarioSpecs(t)}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expect ErrAlreadyRunning, got %v", err)
	}
	close(br.release)
	sum, err := run.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sum.Attempted != 3 || sum.Rows != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	// 结束后可以再次导出
	if _, err := eng.Export(context.Background(), Request{Root: root, Output: filepath.Join(t.TempDir(), "c.csv"), Specs: scenarioSpecs(t)}, nil); err != nil {
		t.Fatalf("export after completion: %v", err)
	}
}

func TestStartCancelled(t *testing.T) {
	root := scenario(t)
	br := &blockingReader{started: make(chan struct{}), release: make(chan struct{})}
	eng := New(br, zerolog.Nop(), nil)
	out := filepath.Join(t.TempDir(), "a.csv")

	ctx, cancel := context.WithCancel(context.Background())
	run, err := eng.Start(ctx, Request{Root: root, Output: out, Specs: scenarioSpecs(t), Workers: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-br.started
	cancel()
	if _, err := run.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("cancelled run must not leave output")
	}
	if eng.State() != Aborted {
		t.Fatalf("state = %v", eng.State())
	}
}

func TestExportEncodingGB18030(t *testing.T) {
	root := t.TempDir()
	dcmtest.WriteFile(t, filepath.Join(root, "患者.dcm"))
	out := filepath.Join(t.TempDir(), "gb.csv")
	specs := []attr.Spec{attr.FilesystemAttribute{Kind: attr.Name}}
	if _, err := newEngine(nil).Export(context.Background(), Request{Root: root, Output: out, Specs: specs, Encoding: "gb18030"}, nil); err != nil {
		t.Fatalf("export: %v", err)
	}
	decoded, err := simplifiedchinese.GB18030.NewDecoder().String(readFile(t, out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != "File Name\n患者.dcm\n" {
		t.Fatalf("unexpected content %q", decoded)
	}
	if _, err := newEngine(nil).Export(context.Background(), Request{Root: root, Output: out + "2", Specs: specs, Encoding: "klingon"}, nil); err == nil {
		t.Fatal("expect error for unknown encoding")
	}
}

func TestExportArchiveMembers(t *testing.T) {
	root := scenario(t)
	out := filepath.Join(t.TempDir(), "zip.csv")
	zipDir := t.TempDir()
	dcmtest.WriteFile(t, filepath.Join(zipDir, "inner.dcm"), dcmtest.PatientName("Zed"))
	writeZipFrom(t, filepath.Join(root, "pack.zip"), filepath.Join(zipDir, "inner.dcm"))

	sum, err := newEngine(nil).Export(context.Background(), Request{
		Root:   root,
		Output: out,
		Specs:  scenarioSpecs(t),
		Walk:   walk.Options{Archives: true},
	}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if sum.Attempted != 4 || sum.Rows != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !strings.Contains(readFile(t, out), "Zed,inner.dcm\n") {
		t.Fatalf("archive member row missing:\n%s", readFile(t, out))
	}
}

func writeZipFrom(t *testing.T, zp, src string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(zp)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("series/" + filepath.Base(src))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExportSkipsFilesWithoutMagic(t *testing.T) {
	root := t.TempDir()
	dcmtest.WriteFile(t, filepath.Join(root, "a.dcm"), dcmtest.PatientName("Smith"))
	files := map[string][]byte{
		"notes.txt": []byte(strings.Repeat("note ", 600)),
		"zeros.bin": make([]byte, 4096),
		"img.png":   append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 2048)...),
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(root, name), b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(t.TempDir(), "out.csv")
	sum, err := newEngine(nil).Export(context.Background(), Request{Root: root, Output: out, Specs: scenarioSpecs(t)}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := readFile(t, out); got != "Patient Name,File Name\nSmith,a.dcm\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if sum.Rows != 1 || sum.Skipped["not_dicom"] != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
