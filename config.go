package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFile = "config.toml"

func defaultConfig() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		OutputFile: "dicom_metadata.csv",
		Encoding:   "utf-8",
		LogFile:    "dicom-miner.log",
	}
}

// --- 配置加载 ---
// loadConfig 读取 path 并覆盖默认值。required 为 false 时文件不存在不算错误。
func loadConfig(path string, required bool) (Config, error) {
	cfg := defaultConfig()
	configData, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("无法读取配置文件: %w", err)
	}

	if err := toml.Unmarshal(configData, &cfg); err != nil {
		return cfg, fmt.Errorf("无法解析配置文件: %w", err)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return cfg, nil
}
