package profile

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"smart-exec/internal/cache"
	"smart-exec/internal/market"
	"smart-exec/internal/schedule"
)

// smoothWindow 为成交量序列平滑的 SMA 窗口上限。
const smoothWindow = 12

// VolumeSource 提供日内成交量序列。
type VolumeSource interface {
	IntradayVolumes(ctx context.Context, symbol string, mk market.Market, lookbackDays int) ([]float64, error)
}

// Estimator 将历史日内成交量转换为各时间桶的权重分布。
// 任何取数失败都透明退回确定性的 U 型曲线，调用方永远拿到归一化权重。
type Estimator struct {
	source VolumeSource
	cache  *cache.Cache
	logger *zap.Logger
}

// NewEstimator 创建成交量分布估计器。source 可为 nil（仅使用回退曲线）。
func NewEstimator(source VolumeSource, c *cache.Cache, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		source: source,
		cache:  c,
		logger: logger,
	}
}

// Estimate 返回长度为 buckets、总和为 1 的权重分布。
func (e *Estimator) Estimate(ctx context.Context, symbol string, mk market.Market, buckets, lookbackDays int) []float64 {
	if buckets < 1 {
		buckets = 1
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}

	vols := e.fetchVolumes(ctx, symbol, mk, lookbackDays)
	if len(vols) == 0 {
		return schedule.UCurve(buckets)
	}

	smoothed := smooth(vols)
	bucketed := Bucketize(smoothed, buckets)
	return schedule.NormalizeWeights(bucketed, buckets)
}

func (e *Estimator) fetchVolumes(ctx context.Context, symbol string, mk market.Market, lookbackDays int) []float64 {
	if e.source == nil {
		return nil
	}

	key := fmt.Sprintf("volume:%s:%s:%d", mk, symbol, lookbackDays)
	if cached, ok := e.cache.Get(key); ok {
		if vols, ok := cached.([]float64); ok {
			return vols
		}
	}

	raw, err := e.source.IntradayVolumes(ctx, symbol, mk, lookbackDays)
	if err != nil {
		e.logger.Warn("日内成交量获取失败，使用回退曲线",
			zap.String("symbol", symbol),
			zap.String("market", string(mk)),
			zap.Error(err),
		)
		return nil
	}

	vols := make([]float64, 0, len(raw))
	for _, v := range raw {
		if v > 0 {
			vols = append(vols, v)
		}
	}
	if len(vols) == 0 {
		return nil
	}

	e.cache.Set(key, vols)
	return vols
}

// smooth 用 SMA 抑制成交量序列中的孤立尖峰，样本不足时原样返回。
func smooth(vols []float64) []float64 {
	window := smoothWindow
	if len(vols) < window*2 {
		return vols
	}

	sma := talib.Sma(vols, window)
	// 前 window-1 个值尚无完整窗口，跳过以免引入零值。
	return sma[window-1:]
}

// Bucketize 将序列切分为 buckets 个连续分段并对每段求和。
func Bucketize(values []float64, buckets int) []float64 {
	n := len(values)
	if buckets < 1 {
		buckets = 1
	}
	if n == 0 {
		return []float64{}
	}

	out := make([]float64, buckets)
	for i := 0; i < buckets; i++ {
		left := i * n / buckets
		right := (i + 1) * n / buckets
		if right <= left {
			right = left + 1
			if right > n {
				right = n
			}
		}
		sum := 0.0
		for _, v := range values[left:right] {
			sum += v
		}
		out[i] = sum
	}
	return out
}
