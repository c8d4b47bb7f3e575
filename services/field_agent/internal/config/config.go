// Package config field agent 的 viper 配置
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/channel"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

const EnvPrefix = "FIELDSYNC"

type Config struct {
	User struct {
		ID         string        `mapstructure:"id"`
		Name       string        `mapstructure:"name"`
		Role       protocol.Role `mapstructure:"role"`
		ProjectIDs []string      `mapstructure:"project_ids"`
		Token      string        `mapstructure:"token"`
		TokenFile  string        `mapstructure:"token_file"`
	} `mapstructure:"user"`

	Backend struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`

	Channel struct {
		URL          string        `mapstructure:"url"`
		DialTimeout  time.Duration `mapstructure:"dial_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		PingInterval time.Duration `mapstructure:"ping_interval"`
		PongWait     time.Duration `mapstructure:"pong_wait"`
		Reconnect    struct {
			channel.BackoffConfig `mapstructure:",squash"`
			MaxRetries            int `mapstructure:"max_retries"`
		} `mapstructure:"reconnect"`
	} `mapstructure:"channel"`

	Sampler struct {
		Mode         entity.SamplerMode `mapstructure:"mode"`
		Interval     time.Duration      `mapstructure:"interval"`
		Timeout      time.Duration      `mapstructure:"timeout"`
		MaxCachedAge time.Duration      `mapstructure:"max_cached_age"`
		HighAccuracy bool               `mapstructure:"high_accuracy"`
		Source       string             `mapstructure:"source"` // static|gpsd
		GPSDAddr     string             `mapstructure:"gpsd_addr"`
		Static       struct {
			Lat      float64 `mapstructure:"lat"`
			Lng      float64 `mapstructure:"lng"`
			Accuracy float64 `mapstructure:"accuracy"`
		} `mapstructure:"static"`
	} `mapstructure:"sampler"`

	Presence struct {
		StaleAfter    time.Duration `mapstructure:"stale_after"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		Heartbeat     time.Duration `mapstructure:"heartbeat"`
	} `mapstructure:"presence"`

	Prober struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"prober"`

	Sync struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sync"`

	Queue struct {
		Driver string `mapstructure:"driver"` // sqlite|mysql|file
		DSN    string `mapstructure:"dsn"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"queue"`

	HTTP struct {
		LocalAddr string `mapstructure:"local_addr"`
	} `mapstructure:"http"`

	Log zlog.Config `mapstructure:"log"`
}

// SetDefaults 写入所有默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("user.role", string(protocol.RoleLabour))
	v.SetDefault("backend.base_url", "http://127.0.0.1:8080")
	v.SetDefault("backend.timeout", 10*time.Second)

	v.SetDefault("channel.dial_timeout", 10*time.Second)
	v.SetDefault("channel.write_timeout", 10*time.Second)
	v.SetDefault("channel.ping_interval", 30*time.Second)
	v.SetDefault("channel.pong_wait", 60*time.Second)
	v.SetDefault("channel.reconnect.strategy", channel.StrategyFlat)
	v.SetDefault("channel.reconnect.interval", channel.DefaultFlatInterval)
	v.SetDefault("channel.reconnect.base", time.Second)
	v.SetDefault("channel.reconnect.factor", 2.0)
	v.SetDefault("channel.reconnect.max", 60*time.Second)
	v.SetDefault("channel.reconnect.jitter", 0.2)
	v.SetDefault("channel.reconnect.max_retries", 0)

	v.SetDefault("sampler.mode", string(entity.ModeInterval))
	v.SetDefault("sampler.interval", 10*time.Minute)
	v.SetDefault("sampler.timeout", 10*time.Second)
	v.SetDefault("sampler.max_cached_age", 30*time.Second)
	v.SetDefault("sampler.high_accuracy", true)
	v.SetDefault("sampler.source", "static")
	v.SetDefault("sampler.gpsd_addr", "127.0.0.1:2947")

	v.SetDefault("presence.stale_after", 2*time.Minute)
	v.SetDefault("presence.sweep_interval", 30*time.Second)
	v.SetDefault("presence.heartbeat", 60*time.Second)

	v.SetDefault("prober.interval", 15*time.Second)
	v.SetDefault("prober.timeout", 4*time.Second)

	v.SetDefault("sync.interval", 60*time.Second)

	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.path", "data/fieldsync-queue.db")

	v.SetDefault("http.local_addr", "127.0.0.1:8790")

	zlog.SetDefaults(v, "log")
	v.SetDefault("log.service", "field-agent")
}

// New 创建带默认值与环境变量覆盖的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取 .env 与 configs/config.<APP_ENV>.yaml；path 非空时直接读取该文件
func Load(path string) (*Config, *viper.Viper, error) {
	_ = godotenv.Load()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
		os.Setenv("APP_ENV", env)
	}

	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置失败：%w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode 从 viper 解析并校验
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败：%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必填项并推导派生值
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return errors.New("配置错误：user.id 不能为空")
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("配置错误：backend.base_url 无效：%w", err)
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")

	if c.Channel.URL == "" {
		u, _ := url.Parse(c.Backend.BaseURL)
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = strings.TrimRight(u.Path, "/") + protocol.PathChannel
		c.Channel.URL = u.String()
	}
	if _, err := channel.NewBackoff(c.Channel.Reconnect.BackoffConfig); err != nil {
		return fmt.Errorf("配置错误：channel.reconnect：%w", err)
	}
	if c.Channel.Reconnect.MaxRetries < 0 {
		return errors.New("配置错误：channel.reconnect.max_retries 不能为负数")
	}

	switch c.Sampler.Mode {
	case entity.ModeContinuous, entity.ModeInterval:
	default:
		return fmt.Errorf("配置错误：sampler.mode 只能是 continuous/interval，当前为 %q", c.Sampler.Mode)
	}
	switch c.Sampler.Source {
	case "static", "gpsd":
	default:
		return fmt.Errorf("配置错误：sampler.source 只能是 static/gpsd，当前为 %q", c.Sampler.Source)
	}

	switch c.Queue.Driver {
	case "sqlite", "file":
		if c.Queue.Path == "" {
			return fmt.Errorf("配置错误：queue.driver=%s 时 queue.path 不能为空", c.Queue.Driver)
		}
	case "mysql":
		if c.Queue.DSN == "" {
			return errors.New("配置错误：queue.driver=mysql 时 queue.dsn 不能为空")
		}
	default:
		return fmt.Errorf("配置错误：queue.driver 只能是 sqlite/mysql/file，当前为 %q", c.Queue.Driver)
	}

	for name, d := range map[string]time.Duration{
		"sampler.interval":        c.Sampler.Interval,
		"sampler.timeout":         c.Sampler.Timeout,
		"presence.stale_after":    c.Presence.StaleAfter,
		"presence.sweep_interval": c.Presence.SweepInterval,
		"presence.heartbeat":      c.Presence.Heartbeat,
		"prober.interval":         c.Prober.Interval,
		"prober.timeout":          c.Prober.Timeout,
		"sync.interval":           c.Sync.Interval,
		"backend.timeout":         c.Backend.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("配置错误：%s 必须为正数", name)
		}
	}

	if c.Log.Service == "" {
		c.Log.Service = "field-agent"
	}
	return c.Log.Validate()
}
