package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合执行引擎运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Router   RouterConfig   `mapstructure:"router"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Quality  QualityConfig  `mapstructure:"quality"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 汇总各市场客户端的连接信息。
type ExchangeConfig struct {
	Upbit  UpbitConfig  `mapstructure:"upbit"`
	Alpaca AlpacaConfig `mapstructure:"alpaca"`
	Kiwoom KiwoomConfig `mapstructure:"kiwoom"`
	Retry  RetryConfig  `mapstructure:"retry"`
}

// UpbitConfig 描述 Upbit 现货接入参数。
type UpbitConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// AlpacaConfig 描述 Alpaca 美股接入参数。
type AlpacaConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
}

// KiwoomConfig 描述 Kiwoom REST 韩股接入参数。
type KiwoomConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	AppKey    string        `mapstructure:"app_key"`
	AppSecret string        `mapstructure:"app_secret"`
	Account   string        `mapstructure:"account"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RetryConfig 统一控制网络调用重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RouterConfig 管理路由与执行参数。
type RouterConfig struct {
	SmallNotionalKRW  float64 `mapstructure:"small_notional_krw"`
	MediumNotionalKRW float64 `mapstructure:"medium_notional_krw"`
	SmallNotionalUSD  float64 `mapstructure:"small_notional_usd"`
	MediumNotionalUSD float64 `mapstructure:"medium_notional_usd"`

	NarrowSpreadBps  float64 `mapstructure:"narrow_spread_bps"`
	WideSpreadBps    float64 `mapstructure:"wide_spread_bps"`
	AssumedSpreadBps float64 `mapstructure:"assumed_spread_bps"`

	TWAPDuration     time.Duration `mapstructure:"twap_duration"`
	VWAPDuration     time.Duration `mapstructure:"vwap_duration"`
	VWAPBuckets      int           `mapstructure:"vwap_buckets"`
	VWAPLookbackDays int           `mapstructure:"vwap_lookback_days"`

	TrackSlippage   bool `mapstructure:"track_slippage"`
	PersistSlippage bool `mapstructure:"persist_slippage"`
	RespectSchedule bool `mapstructure:"respect_schedule"`
}

// CacheConfig 控制注入式 TTL 缓存。
type CacheConfig struct {
	MaxCost int64         `mapstructure:"max_cost"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// QualityConfig 控制执行质量记录的落库与本地回退。
type QualityConfig struct {
	Table    string `mapstructure:"table"`
	LocalDir string `mapstructure:"local_dir"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay < c.Exchange.Retry.MinDelay {
		err = multierr.Append(err, errors.New("exchange.retry 延迟区间不合法"))
	}

	if c.Router.SmallNotionalKRW <= 0 || c.Router.MediumNotionalKRW <= c.Router.SmallNotionalKRW {
		err = multierr.Append(err, errors.New("router KRW 名义金额阈值必须满足 0 < small < medium"))
	}
	if c.Router.SmallNotionalUSD <= 0 || c.Router.MediumNotionalUSD <= c.Router.SmallNotionalUSD {
		err = multierr.Append(err, errors.New("router USD 名义金额阈值必须满足 0 < small < medium"))
	}
	if c.Router.NarrowSpreadBps <= 0 || c.Router.WideSpreadBps <= c.Router.NarrowSpreadBps {
		err = multierr.Append(err, errors.New("router 点差阈值必须满足 0 < narrow < wide"))
	}
	if c.Router.AssumedSpreadBps <= 0 {
		err = multierr.Append(err, errors.New("router.assumed_spread_bps 必须大于0"))
	}
	if c.Router.TWAPDuration <= 0 || c.Router.VWAPDuration <= 0 {
		err = multierr.Append(err, errors.New("router 执行窗口时长必须大于0"))
	}
	if c.Router.VWAPBuckets < 1 || c.Router.VWAPBuckets > 240 {
		err = multierr.Append(err, fmt.Errorf("router.vwap_buckets 必须位于[1,240]，当前为 %d", c.Router.VWAPBuckets))
	}
	if c.Router.VWAPLookbackDays < 1 {
		err = multierr.Append(err, errors.New("router.vwap_lookback_days 必须大于0"))
	}

	if c.Quality.Table == "" {
		err = multierr.Append(err, errors.New("quality.table 不能为空"))
	}
	if c.Quality.LocalDir == "" {
		err = multierr.Append(err, errors.New("quality.local_dir 不能为空"))
	}

	if !c.Database.InMemory && c.Database.Path == "" {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}

	return err
}
