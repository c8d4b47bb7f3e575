// Package config site hub 的 viper 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EthanQC/fieldsync/pkg/zlog"
)

const EnvPrefix = "FIELDSYNC"

type Config struct {
	Server struct {
		Addr           string        `mapstructure:"addr"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		RateLimitQPS   float64       `mapstructure:"rate_limit_qps"`
		RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	} `mapstructure:"server"`

	JWT struct {
		Secret string        `mapstructure:"secret"`
		Issuer string        `mapstructure:"issuer"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"jwt"`

	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`

	Presence struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"presence"`

	Database struct {
		Driver string `mapstructure:"driver"` // mysql|sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`

	MinIO struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		PublicURL string `mapstructure:"public_url"`
		Region    string `mapstructure:"region"`
		UseSSL    bool   `mapstructure:"use_ssl"`
	} `mapstructure:"minio"`

	SMS struct {
		Region          string   `mapstructure:"region"`
		AccessKeyID     string   `mapstructure:"access_key_id"`
		AccessKeySecret string   `mapstructure:"access_key_secret"`
		SignName        string   `mapstructure:"sign_name"`
		TemplateCode    string   `mapstructure:"template_code"`
		Phones          []string `mapstructure:"phones"`
	} `mapstructure:"sms"`

	Log zlog.Config `mapstructure:"log"`
}

// SetDefaults 写入所有默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit_qps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("jwt.issuer", "fieldsync-hub")
	v.SetDefault("jwt.ttl", 24*time.Hour)

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.db", 0)

	v.SetDefault("presence.ttl", 2*time.Minute)
	v.SetDefault("presence.sweep_interval", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/site-hub.db")

	v.SetDefault("minio.bucket", "field-reports")
	v.SetDefault("minio.region", "us-east-1")

	v.SetDefault("sms.region", "cn-hangzhou")

	zlog.SetDefaults(v, "log")
	v.SetDefault("log.service", "site-hub")
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
func Load(path string) (*Config, error) {
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
			return nil, fmt.Errorf("读取配置失败：%w", err)
		}
	}
	return Decode(v)
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

// ImagesEnabled 是否配置了对象存储
func (c *Config) ImagesEnabled() bool {
	return c.MinIO.Endpoint != ""
}

// SMSEnabled 是否配置了短信告警
func (c *Config) SMSEnabled() bool {
	return c.SMS.AccessKeyID != "" && len(c.SMS.Phones) > 0
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < 16 {
		return errors.New("配置错误：jwt.secret 至少 16 个字符")
	}
	if len(c.Redis.Addrs) == 0 {
		return errors.New("配置错误：redis.addrs 不能为空")
	}

	switch c.Database.Driver {
	case "mysql", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("配置错误：database.driver=%s 时 database.dsn 不能为空", c.Database.Driver)
		}
	default:
		return fmt.Errorf("配置错误：database.driver 只能是 mysql/sqlite，当前为 %q", c.Database.Driver)
	}

	if c.ImagesEnabled() && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "" || c.MinIO.Bucket == "") {
		return errors.New("配置错误：启用 minio 时 access_key/secret_key/bucket 不能为空")
	}
	if c.SMSEnabled() && (c.SMS.SignName == "" || c.SMS.TemplateCode == "") {
		return errors.New("配置错误：启用短信时 sign_name/template_code 不能为空")
	}

	for name, d := range map[string]time.Duration{
		"server.request_timeout":  c.Server.RequestTimeout,
		"jwt.ttl":                 c.JWT.TTL,
		"presence.ttl":            c.Presence.TTL,
		"presence.sweep_interval": c.Presence.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("配置错误：%s 必须为正数", name)
		}
	}
	if c.Presence.SweepInterval > c.Presence.TTL {
		return errors.New("配置错误：presence.sweep_interval 不能大于 presence.ttl")
	}

	if c.Log.Service == "" {
		c.Log.Service = "site-hub"
	}
	return c.Log.Validate()
}
