// Package config 加载 JIT 配置文件 jit.toml
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 常量定义
const (
	ConfigFileName = "jit.toml" // 配置文件名
)

// Config JIT 配置
type Config struct {
	JIT    JIT    `toml:"jit"`
	Memory Memory `toml:"memory"`
	Log    Log    `toml:"log"`
}

// JIT 编译调度
type JIT struct {
	Enabled          bool `toml:"enabled"`
	Async            bool `toml:"async"`             // 默认以异步模式提交
	Workers          int  `toml:"workers"`           // 编译工作线程数
	QueueSize        int  `toml:"queue_size"`        // 任务队列容量
	HotnessThreshold int  `toml:"hotness_threshold"` // 达到后提交基线编译
}

// Memory 可执行内存
type Memory struct {
	ChunkSize      Size   `toml:"chunk_size"`
	CodeSpaceLimit Size   `toml:"code_space_limit"` // 0 不限
	Fort           bool   `toml:"fort"`
	FortSize       Size   `toml:"fort_size"`
	CodeSign       bool   `toml:"code_sign"`
	AsyncCopy      bool   `toml:"async_copy"` // 在工作线程物化机器码
	DiagnosticsDir string `toml:"diagnostics_dir"`
}

// Log 日志
type Log struct {
	Level        string   `toml:"level"`
	Development  bool     `toml:"development"`
	LockHoldWarn Duration `toml:"lock_hold_warn"` // JIT 锁持有告警阈值
}

// Size 以 "256KiB"、"64MiB" 形式书写的字节数
type Size int64

// UnmarshalText 解析带单位的大小
func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

// MarshalText 输出二进制单位
func (s Size) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(s))), nil
}

// Bytes 字节数
func (s Size) Bytes() int { return int(s) }

// Duration 以 "5ms" 形式书写的时长
type Duration time.Duration

// UnmarshalText 解析时长
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText 输出时长
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 转为 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default 内置默认配置
func Default() *Config {
	return &Config{
		JIT: JIT{
			Enabled:          true,
			Async:            true,
			Workers:          2,
			QueueSize:        64,
			HotnessThreshold: 1000,
		},
		Memory: Memory{
			ChunkSize:      256 * units.KiB,
			CodeSpaceLimit: 64 * units.MiB,
			FortSize:       16 * units.MiB,
			AsyncCopy:      true,
		},
		Log: Log{
			Level:        "info",
			LockHoldWarn: Duration(5 * time.Millisecond),
		},
	}
}

// Load 从文件加载配置，覆盖默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析配置内容，覆盖默认值后校验
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("failed to parse config file: %s", strict.String())
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var err error
	if c.JIT.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("jit.workers must be at least 1, got %d", c.JIT.Workers))
	}
	if c.JIT.QueueSize < 1 {
		err = multierr.Append(err, fmt.Errorf("jit.queue_size must be at least 1, got %d", c.JIT.QueueSize))
	}
	if c.JIT.HotnessThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("jit.hotness_threshold must not be negative"))
	}
	page := os.Getpagesize()
	if c.Memory.ChunkSize <= 0 || int(c.Memory.ChunkSize)%page != 0 {
		err = multierr.Append(err, fmt.Errorf("memory.chunk_size must be a positive multiple of the page size %d, got %d",
			page, c.Memory.ChunkSize))
	}
	if c.Memory.CodeSpaceLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("memory.code_space_limit must not be negative"))
	} else if c.Memory.CodeSpaceLimit > 0 && c.Memory.CodeSpaceLimit < c.Memory.ChunkSize {
		err = multierr.Append(err, fmt.Errorf("memory.code_space_limit %s is smaller than chunk_size %s",
			units.BytesSize(float64(c.Memory.CodeSpaceLimit)), units.BytesSize(float64(c.Memory.ChunkSize))))
	}
	if c.Memory.Fort && c.Memory.FortSize < c.Memory.ChunkSize {
		err = multierr.Append(err, fmt.Errorf("memory.fort_size %s is smaller than chunk_size %s",
			units.BytesSize(float64(c.Memory.FortSize)), units.BytesSize(float64(c.Memory.ChunkSize))))
	}
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if c.Log.LockHoldWarn < 0 {
		err = multierr.Append(err, fmt.Errorf("log.lock_hold_warn must not be negative"))
	}
	return err
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Build 按日志配置构造 zap.Logger
func (l Log) Build(opts ...zap.Option) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(opts...)
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	dir := startPath
	if !info.IsDir() {
		dir = filepath.Dir(startPath)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadOrDefault 向上查找配置文件；找不到时返回默认配置
func LoadOrDefault(startPath string) (*Config, string, error) {
	path := FindConfigFile(startPath)
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}
