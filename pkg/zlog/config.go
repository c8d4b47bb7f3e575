package zlog

import (
	"fmt"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件策略
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空则不落盘
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单文件上限（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件个数
	MaxAgeDay  int    `mapstructure:"max_age"`     // 保留天数
	Compress   bool   `mapstructure:"compress"`    // 是否 gzip 压缩旧文件
}

// Config 日志配置，对应服务配置文件中的 log 段
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

// SetDefaults 在 key 段下写入日志默认值
func SetDefaults(v *viper.Viper, key string) {
	v.SetDefault(key+".service", "unknown")
	v.SetDefault(key+".level", "info")
	v.SetDefault(key+".encoding", "json")
	v.SetDefault(key+".stdout", true)
	v.SetDefault(key+".file.max_size", 100)
	v.SetDefault(key+".file.max_backups", 30)
	v.SetDefault(key+".file.max_age", 7)
	v.SetDefault(key+".enable_metric", true)
}

// FromViper 从已加载的 viper 实例中解析 key 段并校验
func FromViper(v *viper.Viper, key string) (*Config, error) {
	SetDefaults(v, key)

	var cfg Config
	if err := v.UnmarshalKey(key, &cfg); err != nil {
		return nil, fmt.Errorf("解析日志配置失败：%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 严格校验，同时为文件输出补齐缺省值
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("配置错误：service 不能为空")
	}

	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("配置错误：level 只能是 debug/info/warn/error，当前为 %q", c.Level)
	}

	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("配置错误：encoding 只能是 json/console，当前为 %q", c.Encoding)
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 30
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 7
		}
	}
	return nil
}
