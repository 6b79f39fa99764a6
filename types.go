package main

import "github.com/rs/zerolog"

// --- 配置结构 ---
type Config struct {
	// 并行解析的协程数
	Workers int `toml:"Workers"`
	// 默认输出文件
	OutputFile string `toml:"OutputFile"`
	// 默认分析目录
	AnalyseFolder string `toml:"AnalyseFolder"`
	// 默认模板（.json 或 .toml）
	Template string `toml:"Template"`
	// 未指定模板时使用的列
	DICOMTags      []string `toml:"DICOMTags"`
	FileAttributes []string `toml:"FileAttributes"`
	// 展开 zip/rar/iso 中的文件
	Archives bool `toml:"Archives"`
	// 跳过的目录名
	ExcludeDirs []string `toml:"ExcludeDirs"`
	// 追加像素统计列
	Stats bool `toml:"Stats"`
	// 输出编码，如 utf-8、gb18030
	Encoding  string `toml:"Encoding"`
	Overwrite bool   `toml:"Overwrite"`
	LogFile   string `toml:"LogFile"`
	// 非空时在该地址提供 /metrics
	MetricsAddr string `toml:"MetricsAddr"`
}

// --- 全局变量 ---
var (
	// 配置
	config Config
	// 详细日志记录器（写入文件）
	fileLogger = zerolog.Nop()
	// 简单输出记录器（控制台）
	consoleLogger = zerolog.Nop()
)
