package schedule

import (
	"errors"
	"math"
	"strings"

	"smart-exec/internal/market"
)

const (
	// MaxLegs 为单个计划允许的最大切片数。
	MaxLegs = 240
)

// ErrInvalidQty 表示数量不合法。
var ErrInvalidQty = errors.New("schedule: invalid quantity")

// Order 描述一次待执行的交易意图，每次路由调用单独创建。
type Order struct {
	Symbol    string        `json:"symbol"`
	Side      market.Side   `json:"side"`
	TotalQty  float64       `json:"total_qty"`
	Market    market.Market `json:"market"`
	PriceHint float64       `json:"price_hint,omitempty"`
}

// Normalize 清洗订单字段并推断市场，方向不合法时报错。
func (o Order) Normalize() (Order, error) {
	side, err := market.NormalizeSide(string(o.Side))
	if err != nil {
		return Order{}, err
	}

	out := o
	out.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	out.Side = side
	out.Market = market.Infer(out.Symbol, o.Market)
	if out.TotalQty < 0 {
		out.TotalQty = 0
	}
	// 整数股市场的数量贴齐整数，避免超量成交。
	if market.ShareQuantized(out.Market) {
		out.TotalQty = float64(int(math.Round(out.TotalQty)))
		if out.TotalQty < 0 {
			out.TotalQty = 0
		}
	}
	return out, nil
}

// Leg 为计划中的单个切片。
type Leg struct {
	Index    int     `json:"index"`
	DelaySec int     `json:"delay_sec"`
	Qty      float64 `json:"qty"`
	Weight   float64 `json:"weight,omitempty"`
}

// Schedule 为一次构建完成后不再修改的执行计划。
type Schedule struct {
	Symbol      string        `json:"symbol"`
	Side        market.Side   `json:"side"`
	Market      market.Market `json:"market"`
	DurationSec int           `json:"duration_seconds"`
	TotalQty    float64       `json:"total_qty"`
	Weights     []float64     `json:"weights,omitempty"`
	Legs        []Leg         `json:"legs"`
}

// Empty 返回空计划（零切片），供数量为零时的无操作路径使用。
func Empty(o Order, durationSec int) Schedule {
	return Schedule{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Market:      o.Market,
		DurationSec: durationSec,
		TotalQty:    0,
		Legs:        []Leg{},
	}
}

// SingleLeg 返回立即执行的单切片计划，供 MARKET 路由使用。
func SingleLeg(o Order) Schedule {
	return Schedule{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Market:      o.Market,
		DurationSec: 0,
		TotalQty:    Round8(o.TotalQty),
		Legs: []Leg{
			{Index: 1, DelaySec: 0, Qty: Round8(o.TotalQty)},
		},
	}
}

// Round8 保留 8 位小数，数量与权重统一用该精度序列化。
func Round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// delays 生成 0..durationSec 之间均匀分布的延迟序列，单切片时只有 0。
func delays(legs int, durationSec int) []int {
	out := make([]int, legs)
	if legs <= 1 {
		return out
	}
	step := float64(durationSec) / float64(legs-1)
	for i := range out {
		out[i] = int(math.Round(float64(i) * step))
	}
	return out
}

// clampDuration 保证执行窗口至少一分钟。
func clampDuration(durationSec int) int {
	if durationSec < 60 {
		return 60
	}
	return durationSec
}
