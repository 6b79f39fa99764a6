// Package stats 提供基于像素数据的附加列。
package stats

import (
	"errors"
	"math"
	"strconv"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/row"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

// PixelSource 是能够遍历原生像素样本并读取数值元素的记录。
type PixelSource interface {
	NativePixels(fn func(sample int)) error
	Float(t attr.Tag) (float64, bool)
}

var (
	rescaleIntercept = attr.Tag{Group: 0x0028, Element: 0x1052}
	rescaleSlope     = attr.Tag{Group: 0x0028, Element: 0x1053}
)

var errEmpty = errors.New("stats: no pixel samples")

// Placeholder 是无法计算时的列值。
const Placeholder = "NaN"

// MinMaxMean 输出像素最大值、最小值与平均值（已应用 Rescale Slope/Intercept）。
type MinMaxMean struct{}

func (MinMaxMean) Headers() []string {
	return []string{"Max pixel value", "Min pixel value", "Mean pixel value"}
}

// Values 在没有像素数据、像素数据为压缩封装或记录类型不支持时返回 NaN 占位。
func (MinMaxMean) Values(_ walk.Entry, rec row.Record) []string {
	nan := []string{Placeholder, Placeholder, Placeholder}
	src, ok := rec.(PixelSource)
	if !ok || src == nil {
		return nan
	}
	max, min, mean, err := Compute(src)
	if err != nil {
		return nan
	}
	return []string{format(max), format(min), format(mean)}
}

// Compute 计算重新标定后的最大值、最小值和平均值。
func Compute(src PixelSource) (max, min, mean float64, err error) {
	slope, okSlope := src.Float(rescaleSlope)
	intercept, okIntercept := src.Float(rescaleIntercept)
	if !okSlope || !okIntercept {
		slope, intercept = 1, 0
	}

	max, min = math.Inf(-1), math.Inf(1)
	var sum float64
	var n int
	err = src.NativePixels(func(s int) {
		v := float64(s)*slope + intercept
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		sum += v
		n++
	})
	if err != nil {
		return 0, 0, 0, err
	}
	if n == 0 {
		return 0, 0, 0, errEmpty
	}
	return max, min, sum / float64(n), nil
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
