// Package metrics 导出运行期的 Prometheus 指标。
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总导出相关的指标。nil *Metrics 的所有方法都是空操作。
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	FilesAttempted prometheus.Counter
	FilesSkipped   *prometheus.CounterVec
	RowsWritten    prometheus.Counter
	FilesCounted   prometheus.Gauge
}

// New 在独立的 registry 上创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomminer_runs_total",
				Help: "Export runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dicomminer_run_duration_seconds",
				Help:    "Export run duration",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600, 14400},
			},
		),
		FilesAttempted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomminer_files_attempted_total",
				Help: "Files handed to the DICOM reader",
			},
		),
		FilesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomminer_files_skipped_total",
				Help: "Files skipped by reason",
			},
			[]string{"reason"},
		),
		RowsWritten: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomminer_rows_written_total",
				Help: "Data rows written to the output",
			},
		),
		FilesCounted: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dicomminer_files_counted",
				Help: "Files found by the latest counting pass",
			},
		),
	}
}

// Registry 返回底层 registry，便于测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FileAttempted 记录一次文件处理；reason 为空表示成功写出一行。
func (m *Metrics) FileAttempted(skipReason string) {
	if m == nil {
		return
	}
	m.FilesAttempted.Inc()
	if skipReason != "" {
		m.FilesSkipped.WithLabelValues(skipReason).Inc()
		return
	}
	m.RowsWritten.Inc()
}

// RunFinished 记录一次导出的结束状态与耗时。
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Counted 记录计数阶段的最新结果。
func (m *Metrics) Counted(n int) {
	if m == nil {
		return
	}
	m.FilesCounted.Set(float64(n))
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，直到 ctx 结束。
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
