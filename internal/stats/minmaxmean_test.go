package stats

import (
	"errors"
	"testing"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

type fakePixels struct {
	samples []int
	floats  map[attr.Tag]float64
	err     error
}

func (f fakePixels) NativePixels(fn func(int)) error {
	if f.err != nil {
		return f.err
	}
	for _, s := range f.samples {
		fn(s)
	}
	return nil
}

func (f fakePixels) Float(t attr.Tag) (float64, bool) {
	v, ok := f.floats[t]
	return v, ok
}

func (f fakePixels) Lookup(attr.Tag) (string, bool) { return "", false }

type plainRecord struct{}

func (plainRecord) Lookup(attr.Tag) (string, bool) { return "", false }

func TestValuesWithoutRescale(t *testing.T) {
	got := MinMaxMean{}.Values(walk.Entry{}, fakePixels{samples: []int{1, 2, 3, 6}})
	want := []string{"6", "1", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values = %v, want %v", got, want)
		}
	}
}

func TestValuesWithRescale(t *testing.T) {
	rec := fakePixels{
		samples: []int{0, 1000, 2000},
		floats:  map[attr.Tag]float64{rescaleSlope: 1, rescaleIntercept: -1024},
	}
	max, min, mean, err := Compute(rec)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if max != 976 || min != -1024 || mean != -24 {
		t.Fatalf("unexpected stats %v %v %v", max, min, mean)
	}
}

func TestValuesPlaceholders(t *testing.T) {
	cases := []any{
		fakePixels{err: errors.New("encapsulated")},
		fakePixels{},
		plainRecord{},
	}
	for i, c := range cases {
		var got []string
		switch rec := c.(type) {
		case fakePixels:
			got = MinMaxMean{}.Values(walk.Entry{}, rec)
		case plainRecord:
			got = MinMaxMean{}.Values(walk.Entry{}, rec)
		}
		if len(got) != 3 || got[0] != Placeholder || got[1] != Placeholder || got[2] != Placeholder {
			t.Fatalf("case %d: expect NaN placeholders, got %v", i, got)
		}
	}
	if got := (MinMaxMean{}).Values(walk.Entry{}, nil); got[0] != Placeholder {
		t.Fatalf("nil record should give placeholders, got %v", got)
	}
	if len(MinMaxMean{}.Headers()) != 3 {
		t.Fatal("expect 3 headers")
	}
}
