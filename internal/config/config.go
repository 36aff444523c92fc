package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "smartexec"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回仅含默认值的配置，供未提供配置文件的 CLI 路径使用。
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		// 默认值解析失败属于编程错误。
		panic(fmt.Sprintf("config: 默认配置解析失败: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.upbit.api_key", "")
	v.SetDefault("exchange.upbit.api_secret", "")
	v.SetDefault("exchange.alpaca.api_key", "")
	v.SetDefault("exchange.alpaca.api_secret", "")
	v.SetDefault("exchange.alpaca.use_sandbox", true)
	v.SetDefault("exchange.kiwoom.base_url", "")
	v.SetDefault("exchange.kiwoom.app_key", "")
	v.SetDefault("exchange.kiwoom.app_secret", "")
	v.SetDefault("exchange.kiwoom.account", "")
	v.SetDefault("exchange.kiwoom.timeout", "10s")
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("router.small_notional_krw", 1_000_000.0)
	v.SetDefault("router.medium_notional_krw", 5_000_000.0)
	v.SetDefault("router.small_notional_usd", 1_000.0)
	v.SetDefault("router.medium_notional_usd", 5_000.0)
	v.SetDefault("router.narrow_spread_bps", 8.0)
	v.SetDefault("router.wide_spread_bps", 25.0)
	v.SetDefault("router.assumed_spread_bps", 15.0)
	v.SetDefault("router.twap_duration", "30m")
	v.SetDefault("router.vwap_duration", "90m")
	v.SetDefault("router.vwap_buckets", 12)
	v.SetDefault("router.vwap_lookback_days", 5)
	v.SetDefault("router.track_slippage", true)
	v.SetDefault("router.persist_slippage", true)
	v.SetDefault("router.respect_schedule", false)

	v.SetDefault("cache.max_cost", 1_048_576)
	v.SetDefault("cache.ttl", "60s")

	v.SetDefault("quality.table", "execution_quality")
	v.SetDefault("quality.local_dir", "data/execution-quality")

	v.SetDefault("database.path", "data/smart_exec.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
