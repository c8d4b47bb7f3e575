// Package zlog 封装 zap，统一各服务的日志格式、级别热切换与落盘轮转
package zlog

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New 按配置创建 *zap.Logger，不替换全局实例
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLevel(cfg.Level)

	core := zapcore.NewCore(buildEncoder(cfg), buildWriteSyncer(cfg), dynamicLevel)
	if cfg.EnableMetric {
		core = metricsCore{Core: core, service: cfg.Service}
	}

	allOpts := append([]zap.Option{
		zap.AddCaller(),
		zap.Fields(zap.String("service", cfg.Service)),
	}, opts...)

	return zap.New(core, allOpts...), nil
}

// buildEncoder dev/test 环境使用开发者编码配置，其他环境使用生产配置
func buildEncoder(cfg Config) zapcore.Encoder {
	var encCfg zapcore.EncoderConfig
	switch strings.ToLower(os.Getenv("APP_ENV")) {
	case "dev", "test":
		encCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	if strings.ToLower(cfg.Encoding) == "console" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

// buildWriteSyncer 组装所有输出目标：终端 + 轮转文件
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer

	if cfg.Stdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	if p := cfg.File.Path; p != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}

	return zapcore.NewMultiWriteSyncer(syncers...)
}
