package channel

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	StrategyFlat        = "flat"
	StrategyExponential = "exponential"

	DefaultFlatInterval = 3 * time.Second
	// 未设置上限时指数退避的封顶值
	DefaultMaxBackoff = time.Hour
)

// Backoff 第 attempt 次（从 1 开始）重连前的等待时长
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Flat 固定间隔
type Flat struct {
	Interval time.Duration
}

func (f Flat) Delay(int) time.Duration {
	if f.Interval <= 0 {
		return DefaultFlatInterval
	}
	return f.Interval
}

// Exponential 指数退避，Jitter 为上下浮动比例；Max 未设置时以 DefaultMaxBackoff 封顶
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
	rnd    func() float64
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := e.Max
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}
	d := float64(e.Base) * math.Pow(e.Factor, float64(attempt-1))
	if math.IsNaN(d) || d > float64(ceiling) {
		d = float64(ceiling)
	}
	if e.Jitter > 0 {
		r := rand.Float64
		if e.rnd != nil {
			r = e.rnd
		}
		d *= 1 + e.Jitter*(2*r()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Interval time.Duration `mapstructure:"interval"`
	Base     time.Duration `mapstructure:"base"`
	Factor   float64       `mapstructure:"factor"`
	Max      time.Duration `mapstructure:"max"`
	Jitter   float64       `mapstructure:"jitter"`
}

// NewBackoff 按策略名创建退避
func NewBackoff(cfg BackoffConfig) (Backoff, error) {
	switch cfg.Strategy {
	case "", StrategyFlat:
		return Flat{Interval: cfg.Interval}, nil
	case StrategyExponential:
		if cfg.Base <= 0 {
			return nil, fmt.Errorf("exponential backoff base must be positive, got %s", cfg.Base)
		}
		if cfg.Factor < 1 {
			return nil, fmt.Errorf("exponential backoff factor must be >= 1, got %v", cfg.Factor)
		}
		if cfg.Max <= 0 {
			return nil, fmt.Errorf("exponential backoff max must be positive, got %s", cfg.Max)
		}
		if cfg.Jitter < 0 || cfg.Jitter >= 1 {
			return nil, fmt.Errorf("exponential backoff jitter must be in [0,1), got %v", cfg.Jitter)
		}
		return Exponential{Base: cfg.Base, Factor: cfg.Factor, Max: cfg.Max, Jitter: cfg.Jitter}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect strategy %q", cfg.Strategy)
	}
}
