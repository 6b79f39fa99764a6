package main

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// --- 日志配置 ---
// setupLogging 初始化文件日志（JSON，带时间戳）与控制台日志（无时间戳）。
// path 为空时不写文件。返回的 closer 需在退出前调用。
// DICOM 解析库通过标准库 log 输出的诊断信息只在 verbose 时写入日志文件，不进入控制台。
func setupLogging(path string, verbose bool, console io.Writer) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	consoleLogger = zerolog.New(zerolog.ConsoleWriter{
		Out:          console,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}).Level(zerolog.InfoLevel)

	log.SetFlags(0)
	log.SetOutput(io.Discard)

	if path == "" {
		fileLogger = zerolog.Nop()
		return io.NopCloser(nil), nil
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	// 详细日志记录器（写入文件）
	fileLogger = zerolog.New(logFile).Level(level).With().Timestamp().Logger()
	fileLogger.Info().Msg("日志系统已初始化。")
	if verbose {
		log.SetOutput(fileLogger.With().Str("source", "dicom").Logger())
	}
	return logFile, nil
}
