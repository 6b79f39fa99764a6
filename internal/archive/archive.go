// Package archive 在不解压到磁盘的情况下列出并读取压缩包（zip/rar/iso）内的文件。
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/nwaples/rardecode"
)

// Separator 连接压缩包路径与成员名，形如 /data/a.zip!dir/b.dcm
const Separator = "!"

// 支持的压缩文件扩展名
var archiveExts = map[string]bool{".zip": true, ".rar": true, ".iso": true}

// IsArchive 按扩展名判断是否为支持的压缩文件
func IsArchive(p string) bool {
	return archiveExts[strings.ToLower(filepath.Ext(p))]
}

// Member 是压缩包中的一个常规文件
type Member struct {
	Archive string
	Name    string
	Size    int64
	open    func() (io.ReadCloser, error)
}

// Path 返回成员的展示路径
func (m Member) Path() string {
	return m.Archive + Separator + m.Name
}

// Open 打开成员内容。每次调用都会重新打开压缩包，调用方负责关闭。
func (m Member) Open() (io.ReadCloser, error) {
	if m.open == nil {
		return nil, errors.New("archive: member has no opener")
	}
	return m.open()
}

// List 列出压缩包中的全部常规文件，顺序与压缩包内记录顺序一致
func List(archivePath string) ([]Member, error) {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		return listZip(archivePath)
	case ".rar":
		return listRar(archivePath)
	case ".iso":
		return listIso(archivePath)
	}
	return nil, fmt.Errorf("不支持的压缩格式: %s", archivePath)
}

// --- zip ---

func listZip(src string) ([]Member, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var members []Member
	for i, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		index := i
		members = append(members, Member{
			Archive: src,
			Name:    DecodeName(f.Name),
			Size:    int64(f.UncompressedSize64),
			open:    func() (io.ReadCloser, error) { return openZipMember(src, index) },
		})
	}
	return members, nil
}

func openZipMember(src string, index int) (io.ReadCloser, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	if index >= len(r.File) {
		r.Close()
		return nil, fmt.Errorf("zip 成员索引越界: %s#%d", src, index)
	}
	rc, err := r.File[index].Open()
	if err != nil {
		r.Close()
		return nil, err
	}
	return &multiCloser{Reader: rc, closers: []io.Closer{rc, r}}, nil
}

// --- rar ---

func listRar(src string) ([]Member, error) {
	r, err := rardecode.OpenReader(src, "")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var members []Member
	for index := 0; ; index++ {
		header, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.IsDir {
			continue
		}
		i := index
		members = append(members, Member{
			Archive: src,
			Name:    DecodeName(header.Name),
			Size:    header.UnPackedSize,
			open:    func() (io.ReadCloser, error) { return openRarMember(src, i) },
		})
	}
	return members, nil
}

// rar 只能顺序读取，需要从头跳到第 index 个条目
func openRarMember(src string, index int) (io.ReadCloser, error) {
	r, err := rardecode.OpenReader(src, "")
	if err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		if _, err := r.Next(); err != nil {
			r.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("rar 成员索引越界: %s#%d", src, index)
			}
			return nil, err
		}
		if i == index {
			return &multiCloser{Reader: r, closers: []io.Closer{r}}, nil
		}
	}
}

// --- iso ---

func listIso(src string) ([]Member, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("无法打开 ISO 镜像: %w", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return nil, fmt.Errorf("无法获取根目录: %w", err)
	}

	var members []Member
	err = walkIso(root, "", func(rawPath string, file *iso9660.File) {
		p := rawPath
		members = append(members, Member{
			Archive: src,
			Name:    DecodeName(p),
			Size:    file.Size(),
			open:    func() (io.ReadCloser, error) { return openIsoMember(src, p) },
		})
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func walkIso(dir *iso9660.File, prefix string, fn func(string, *iso9660.File)) error {
	children, err := dir.GetChildren()
	if err != nil {
		return fmt.Errorf("无法获取子目录: %w", err)
	}
	for _, child := range children {
		childPath := path.Join(prefix, child.Name())
		if child.IsDir() {
			if err := walkIso(child, childPath, fn); err != nil {
				return err
			}
			continue
		}
		fn(childPath, child)
	}
	return nil
}

func openIsoMember(src, memberPath string) (io.ReadCloser, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	img, err := iso9660.OpenImage(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("无法打开 ISO 镜像: %w", err)
	}
	cur, err := img.RootDir()
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, part := range strings.Split(memberPath, "/") {
		children, err := cur.GetChildren()
		if err != nil {
			f.Close()
			return nil, err
		}
		var next *iso9660.File
		for _, c := range children {
			if c.Name() == part {
				next = c
				break
			}
		}
		if next == nil {
			f.Close()
			return nil, fmt.Errorf("ISO 中找不到成员: %s", memberPath)
		}
		cur = next
	}
	return &multiCloser{Reader: cur.Reader(), closers: []io.Closer{f}}, nil
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
