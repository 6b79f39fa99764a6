// Package export 是批量导出引擎：枚举文件、解析 DICOM、按枚举顺序写出 CSV。
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/dcmread"
	"github.com/xingkaixin/dicom-miner/internal/metrics"
	"github.com/xingkaixin/dicom-miner/internal/progress"
	"github.com/xingkaixin/dicom-miner/internal/row"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

// State 是引擎状态。
type State int

const (
	Idle State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

var (
	// ErrAlreadyRunning 表示同一引擎上已有导出在进行。
	ErrAlreadyRunning = errors.New("已有导出正在进行")
	// ErrNoColumns 表示没有任何要输出的列。
	ErrNoColumns = errors.New("没有指定任何属性")
)

// Reader 把一个文件解析为记录。*dcmread.Reader 满足该接口。
type Reader interface {
	Read(ctx context.Context, e walk.Entry) (*dcmread.Record, error)
}

// Request 是一次导出的参数。
type Request struct {
	Root      string
	Output    string
	Specs     []attr.Spec
	Providers []row.Provider
	// Workers 为并行解析的协程数，<=0 时为 1。
	Workers int
	// Overwrite 为 false 时拒绝覆盖已存在的输出文件。
	Overwrite bool
	// Encoding 为输出编码（WHATWG 名称），空或 utf-8 表示 UTF-8。
	Encoding string
	Walk     walk.Options
}

// Summary 是一次导出的统计结果。
type Summary struct {
	RunID     string
	Output    string
	Attempted int
	Rows      int
	Skipped   map[string]int
	Duration  time.Duration
}

// Engine 同一时间只运行一个导出。
type Engine struct {
	reader  Reader
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
}

// New 创建引擎。m 可以为 nil。
func New(reader Reader, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{reader: reader, logger: logger, metrics: m}
}

// State 返回当前状态。
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run 是一次导出的句柄：进度事件与最终结果。
type Run struct {
	ID string

	reporter *progress.Reporter
	done     chan struct{}
	summary  Summary
	err      error
}

// Events 返回进度通道。最后一个事件为 Done 或 Failed，之后通道关闭。
func (r *Run) Events() <-chan progress.Event { return r.reporter.Events() }

// Wait 阻塞直到导出结束。
func (r *Run) Wait() (Summary, error) {
	<-r.done
	return r.summary, r.err
}

// Start 校验请求并在后台开始导出。配置错误（无列、输出已存在、根目录无效）直接返回。
func (e *Engine) Start(ctx context.Context, req Request) (*Run, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	j, err := e.prepare(req)
	if err != nil {
		e.release(Idle)
		return nil, err
	}

	r := &Run{ID: j.id, reporter: progress.NewReporter(64), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.summary, r.err = e.execute(ctx, j, r.reporter.Progress)
		if r.err != nil {
			r.reporter.Fail(r.summary.Attempted, r.err)
			return
		}
		r.reporter.Done(r.summary.Attempted)
	}()
	return r, nil
}

// Export 同步执行一次导出。onProgress 可以为 nil。
func (e *Engine) Export(ctx context.Context, req Request, onProgress func(int)) (Summary, error) {
	if err := e.acquire(); err != nil {
		return Summary{}, err
	}
	j, err := e.prepare(req)
	if err != nil {
		e.release(Idle)
		return Summary{}, err
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}
	return e.execute(ctx, j, onProgress)
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		return ErrAlreadyRunning
	}
	e.state = Running
	return nil
}

func (e *Engine) release(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// job 是已通过校验、输出已打开的一次导出
type job struct {
	id  string
	req Request
	x   *row.Extractor
	out *sink
	log zerolog.Logger
}

func (e *Engine) prepare(req Request) (*job, error) {
	if len(req.Specs) == 0 && len(req.Providers) == 0 {
		return nil, ErrNoColumns
	}
	if req.Workers <= 0 {
		req.Workers = 1
	}
	out, err := openSink(req.Output, req.Overwrite, req.Encoding)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &job{
		id:  id,
		req: req,
		x:   &row.Extractor{Specs: req.Specs, Providers: req.Providers},
		out: out,
		log: e.logger.With().Str("run_id", id).Logger(),
	}, nil
}

func (e *Engine) execute(ctx context.Context, j *job, report func(int)) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: j.id, Output: j.req.Output, Skipped: map[string]int{}}
	j.log.Info().
		Str("root", j.req.Root).
		Str("output", j.req.Output).
		Int("columns", len(j.x.Header())).
		Int("workers", j.req.Workers).
		Msg("开始导出")

	err := j.out.header(row.HeaderLine(j.x.Header()))
	if err == nil {
		err = e.pipeline(ctx, j, &sum, report)
	}
	if err == nil {
		err = j.out.commit()
	} else {
		j.out.discard()
	}
	sum.Duration = time.Since(start)

	if err != nil {
		e.release(Aborted)
		e.metrics.RunFinished("aborted", sum.Duration)
		j.log.Error().Err(err).Int("attempted", sum.Attempted).Msg("导出中止，输出文件未生成")
		return sum, fmt.Errorf("导出中止: %w", err)
	}
	e.release(Completed)
	e.metrics.RunFinished("completed", sum.Duration)
	j.log.Info().
		Int("attempted", sum.Attempted).
		Int("rows", sum.Rows).
		Interface("skipped", sum.Skipped).
		Dur("duration", sum.Duration).
		Msg("导出完成")
	return sum, nil
}
