package export

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xingkaixin/dicom-miner/internal/dcmread"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

type task struct {
	seq   int
	entry walk.Entry
}

type result struct {
	seq    int
	fields []string // nil 表示文件被跳过
	reason string
}

// pipeline 由一个枚举协程、Workers 个解析协程和一个按序写出的协程组成。
// 行按枚举顺序写出；计数在每个文件（无论成功或跳过）按序处理后加一。
func (e *Engine) pipeline(ctx context.Context, j *job, sum *Summary, report func(int)) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := j.req.Workers

	tasks := make(chan task, workers)
	results := make(chan result, workers)
	// 限制乱序缓冲的大小：写出一个结果后才允许枚举下一个文件
	window := make(chan struct{}, workers*4)

	g.Go(func() error {
		defer close(tasks)
		seq := 0
		for entry, err := range walk.Files(gctx, j.req.Root, j.req.Walk) {
			if err != nil {
				return err
			}
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case tasks <- task{seq: seq, entry: entry}:
			case <-gctx.Done():
				return gctx.Err()
			}
			seq++
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for t := range tasks {
				res, err := e.process(gctx, j, t)
				if err != nil {
					return err
				}
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		pending := make(map[int]result)
		next := 0
		for res := range results {
			pending[res.seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if r.fields != nil {
					if err := j.out.row(r.fields); err != nil {
						return err
					}
					sum.Rows++
				} else {
					sum.Skipped[r.reason]++
				}
				next++
				sum.Attempted = next
				e.metrics.FileAttempted(r.reason)
				report(next)
				<-window
			}
		}
		return nil
	})

	return g.Wait()
}

// process 解析单个文件。只有致命错误和取消会返回 error。
func (e *Engine) process(ctx context.Context, j *job, t task) (result, error) {
	rec, err := e.reader.Read(ctx, t.entry)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result{}, ctxErr
		}
		if dcmread.Classify(err) == dcmread.Fatal {
			return result{}, err
		}
		reason := dcmread.SkipReason(err)
		j.log.Debug().Err(err).Str("path", t.entry.Path).Str("reason", reason).Msg("跳过文件")
		return result{seq: t.seq, reason: reason}, nil
	}
	return result{seq: t.seq, fields: j.x.Fields(rec, t.entry)}, nil
}
