// Package walk 递归枚举目录下的文件，用于计数与导出两个阶段。
package walk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xingkaixin/dicom-miner/internal/archive"
)

// Options 为枚举的可选配置。
type Options struct {
	// Archives 为 true 时把 zip/rar/iso 展开为其中的成员文件。
	Archives bool
	// ExcludeDirNames 跳过这些目录名（基名精确匹配，不区分大小写）。
	ExcludeDirNames []string
	Logger          zerolog.Logger
}

// Entry 是一个待处理的文件。
type Entry struct {
	// Path 为文件路径；压缩包成员为 archive!member。
	Path string
	// Dir 为所在目录；压缩包成员为压缩包路径。
	Dir    string
	member *archive.Member
}

// Name 返回文件基名。
func (e Entry) Name() string {
	if e.member != nil {
		return path.Base(e.member.Name)
	}
	return filepath.Base(e.Path)
}

// InArchive 报告该条目是否为压缩包成员。
func (e Entry) InArchive() bool { return e.member != nil }

// Size 返回文件字节数。
func (e Entry) Size() (int64, error) {
	if e.member != nil {
		return e.member.Size, nil
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open 打开文件内容并返回其大小。
func (e Entry) Open() (io.ReadCloser, int64, error) {
	if e.member != nil {
		rc, err := e.member.Open()
		if err != nil {
			return nil, 0, err
		}
		return rc, e.member.Size, nil
	}
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// FileEntry 为磁盘上的单个文件构造 Entry。
func FileEntry(p string) Entry {
	return Entry{Path: p, Dir: filepath.Dir(p)}
}

var errStop = errors.New("walk: stopped by consumer")

// Files 返回 root 下所有文件的惰性序列。每个目录先产出其中的文件，再按名称顺序进入子目录。
// 无法读取的子目录被跳过；root 本身不可读或 ctx 取消时，序列以一个错误结束。
func Files(ctx context.Context, root string, opts Options) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		err := walkTree(ctx, root, opts, func(dir string, files []fs.DirEntry) error {
			for _, f := range files {
				p := filepath.Join(dir, f.Name())
				if opts.Archives && archive.IsArchive(p) {
					members, err := archive.List(p)
					if err == nil {
						for i := range members {
							e := Entry{Path: members[i].Path(), Dir: p, member: &members[i]}
							if !yield(e, nil) {
								return errStop
							}
						}
						continue
					}
					// 无法展开的压缩包按普通文件处理，后续解析会把它跳过
					opts.Logger.Debug().Err(err).Str("path", p).Msg("无法展开压缩包")
				}
				if !yield(Entry{Path: p, Dir: dir}, nil) {
					return errStop
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(Entry{}, err)
		}
	}
}

// Count 统计 root 下的文件数。每访问完一个目录就调用一次 report，传入当前累计值。
func Count(ctx context.Context, root string, opts Options, report func(int)) (int, error) {
	total := 0
	err := walkTree(ctx, root, opts, func(dir string, files []fs.DirEntry) error {
		for _, f := range files {
			p := filepath.Join(dir, f.Name())
			if opts.Archives && archive.IsArchive(p) {
				if members, err := archive.List(p); err == nil {
					total += len(members)
					continue
				}
			}
			total++
		}
		if report != nil {
			report(total)
		}
		return nil
	})
	return total, err
}

// walkTree 自顶向下遍历目录树，对每个目录调用一次 visit（传入非目录条目）。
func walkTree(ctx context.Context, root string, opts Options, visit func(dir string, files []fs.DirEntry) error) error {
	exclude := make(map[string]struct{}, len(opts.ExcludeDirNames))
	for _, name := range opts.ExcludeDirNames {
		if name != "" {
			exclude[strings.ToLower(name)] = struct{}{}
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "walk", Path: root, Err: errors.New("not a directory")}
	}

	var walk func(dir string, isRoot bool) error
	walk = func(dir string, isRoot bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if isRoot {
				return err
			}
			// 子目录权限不足等错误：静默跳过
			opts.Logger.Debug().Err(err).Str("dir", dir).Msg("跳过无法读取的目录")
			return nil
		}

		var files []fs.DirEntry
		var dirs []string
		for _, e := range entries {
			if e.IsDir() {
				if _, skip := exclude[strings.ToLower(e.Name())]; skip {
					continue
				}
				dirs = append(dirs, filepath.Join(dir, e.Name()))
				continue
			}
			files = append(files, e)
		}
		if err := visit(dir, files); err != nil {
			return err
		}
		for _, d := range dirs {
			if err := walk(d, false); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, true)
}
