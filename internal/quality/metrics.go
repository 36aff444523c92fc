package quality

import (
	"math"

	"smart-exec/internal/market"
)

// Metrics 为一笔成交的滑点度量。adverse 以“越正越吃亏”为准：
// 买入高于预期、卖出低于预期均为正。
type Metrics struct {
	SlippagePct        float64 `json:"slippage_pct"`
	SlippageBps        float64 `json:"slippage_bps"`
	AdverseSlippageBps float64 `json:"adverse_slippage_bps"`
	AbsSlippageBps     float64 `json:"abs_slippage_bps"`
	IsValid            bool    `json:"is_valid"`
}

// ComputeMetrics 由预期价与实际成交价计算滑点。
// 价格不合法时返回全零且 IsValid=false，不报错。
func ComputeMetrics(expectedPrice, actualPrice float64, side market.Side) Metrics {
	if expectedPrice <= 0 || actualPrice <= 0 {
		return Metrics{}
	}

	raw := actualPrice/expectedPrice - 1.0
	slippageBps := raw * 10000.0
	adverseBps := slippageBps
	if side == market.SideSell {
		adverseBps = -slippageBps
	}

	return Metrics{
		SlippagePct:        round6(raw * 100.0),
		SlippageBps:        round6(slippageBps),
		AdverseSlippageBps: round6(adverseBps),
		AbsSlippageBps:     round6(math.Abs(slippageBps)),
		IsValid:            true,
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
