// Package progress 是导出引擎到观察者的单向通知通道。
// 中间进度可以丢弃，终止事件（Done/Failed）一定送达。
package progress

import "sync"

// Kind 是事件类型。
type Kind int

const (
	Progress Kind = iota
	Done
	Failed
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event 是一条通知。Count 为已尝试处理的文件数；Err 仅在 Failed 时非空。
type Event struct {
	Kind  Kind
	Count int
	Err   error
}

// Terminal 报告事件是否为终止事件。
func (e Event) Terminal() bool { return e.Kind != Progress }

// Reporter 是单生产者的事件发送端。
type Reporter struct {
	ch     chan Event
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// NewReporter 创建可缓存 buffer 条进度的通道，另外为终止事件预留一个位置，
// 因此即使没有人读取，Done/Fail 也不会阻塞。
func NewReporter(buffer int) *Reporter {
	if buffer < 0 {
		buffer = 0
	}
	return &Reporter{ch: make(chan Event, buffer+1)}
}

// Events 返回只读端。终止事件之后通道关闭。
func (r *Reporter) Events() <-chan Event { return r.ch }

// Progress 非阻塞地发送进度；缓冲已满时丢弃本次更新。
func (r *Reporter) Progress(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// 最后一个位置留给终止事件
	if r.closed || len(r.ch) >= cap(r.ch)-1 {
		return
	}
	r.ch <- Event{Kind: Progress, Count: count}
}

// Done 发送完成事件并关闭通道。
func (r *Reporter) Done(count int) {
	r.finish(Event{Kind: Done, Count: count})
}

// Fail 发送失败事件并关闭通道。
func (r *Reporter) Fail(count int, err error) {
	r.finish(Event{Kind: Failed, Count: count, Err: err})
}

// finish 只有第一次调用生效。
func (r *Reporter) finish(ev Event) {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.ch <- ev
		close(r.ch)
	})
}
