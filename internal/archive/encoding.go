package archive

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// DecodeName 智能解码压缩包内的文件名
func DecodeName(name string) string {
	// 已经是UTF-8且能正常显示，直接返回
	if utf8.ValidString(name) && !containsGarbled(name) {
		return name
	}

	// 尝试GB18030解码
	if decoded, err := simplifiedchinese.GB18030.NewDecoder().String(name); err == nil && !containsGarbled(decoded) {
		return decoded
	}

	// 如果GB18030失败，尝试GBK
	if decoded, err := simplifiedchinese.GBK.NewDecoder().String(name); err == nil && !containsGarbled(decoded) {
		return decoded
	}

	return name
}

// 常见的 GBK 被误当作 UTF-8 显示时出现的乱码片段
var garbledPatterns = []string{
	"锛�", "鏃�", "骞�", "鏈�", "鐢�", "鍖�", "鍥�",
	"甯�", "鍦�", "鍗�", "闂�",
}

// containsGarbled 检查字符串是否包含明显的乱码字符
func containsGarbled(s string) bool {
	if strings.ContainsRune(s, utf8.RuneError) {
		return true
	}
	for _, pattern := range garbledPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}

	// 较长字符串中汉字占比过高，多半是乱码
	han := 0
	total := 0
	for _, r := range s {
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	return len(s) > 10 && float64(han)/float64(total) > 0.8
}
