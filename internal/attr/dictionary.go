package attr

import (
	"strings"
	"unicode"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Dictionary 是基于标准 DICOM 数据字典的只读名称索引。
// 既接受字典关键字（PatientName），也接受其分词形式（Patient Name），均为精确匹配。
// 标准描述名中的所有格（Patient's Name）去掉 's 后按分词形式匹配。
type Dictionary struct{}

var defaultDictionary = &Dictionary{}

// DefaultDictionary 返回进程内共享的字典索引。字典表在编译期生成，不可变。
func DefaultDictionary() *Dictionary {
	return defaultDictionary
}

// Lookup 实现 NameIndex。
func (d *Dictionary) Lookup(name string) (Tag, bool) {
	if name == "" {
		return Tag{}, false
	}
	if info, err := tag.FindByName(name); err == nil {
		return Tag{Group: info.Tag.Group, Element: info.Tag.Element}, true
	}
	if !strings.Contains(name, " ") {
		return Tag{}, false
	}
	if strings.Contains(name, "'s") {
		return d.Lookup(strings.ReplaceAll(name, "'s", ""))
	}
	keyword := strings.ReplaceAll(name, " ", "")
	info, err := tag.FindByName(keyword)
	if err != nil {
		return Tag{}, false
	}
	// 分词形式必须与关键字展开后的结果完全一致
	if Humanize(info.Name) != name {
		return Tag{}, false
	}
	return Tag{Group: info.Tag.Group, Element: info.Tag.Element}, true
}

// Name 返回标签在字典中的可读名称；未知标签返回 false。
func (d *Dictionary) Name(t Tag) (string, bool) {
	info, err := tag.Find(tag.Tag{Group: t.Group, Element: t.Element})
	if err != nil || info.Name == "" {
		return "", false
	}
	return Humanize(info.Name), true
}

// Humanize 把字典关键字拆成以空格分隔的单词：
// PatientName -> Patient Name，SOPInstanceUID -> SOP Instance UID。
func Humanize(keyword string) string {
	rs := []rune(keyword)
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
