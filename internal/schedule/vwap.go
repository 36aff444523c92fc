package schedule

import (
	"math"
	"sort"
	"time"

	"smart-exec/internal/market"
)

// DefaultBuckets 为 VWAP 计划的默认时间桶数。
const DefaultBuckets = 12

// BuildVWAP 按照成交量权重将订单数量切分到各时间桶。
// profile 为 nil 时由调用方提前通过估计器求得权重；长度不匹配时截断或用
// U 型曲线补齐后重新归一化，绝不返回长度不符的权重。
func BuildVWAP(order Order, duration time.Duration, buckets int, profile []float64) (Schedule, error) {
	o, err := order.Normalize()
	if err != nil {
		return Schedule{}, err
	}

	durationSec := clampDuration(int(duration / time.Second))
	if buckets < 1 {
		buckets = DefaultBuckets
	}
	if buckets > MaxLegs {
		buckets = MaxLegs
	}

	if o.TotalQty <= 0 {
		return Empty(o, durationSec), nil
	}

	weights := NormalizeWeights(profile, buckets)
	weights = alignWeights(weights, buckets)

	if market.ShareQuantized(o.Market) {
		shares := int(o.TotalQty)
		if shares <= 0 {
			return Empty(o, durationSec), nil
		}
		if buckets > shares {
			buckets = shares
			weights = alignWeights(weights[:buckets], buckets)
		}
	}

	delayList := delays(buckets, durationSec)
	out := Schedule{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Market:      o.Market,
		DurationSec: durationSec,
		TotalQty:    Round8(o.TotalQty),
		Weights:     roundWeights(weights),
		Legs:        make([]Leg, 0, buckets),
	}

	if market.ShareQuantized(o.Market) {
		alloc := apportionShares(int(o.TotalQty), weights)
		for i := 0; i < buckets; i++ {
			out.Legs = append(out.Legs, Leg{
				Index:    i + 1,
				DelaySec: delayList[i],
				Qty:      float64(alloc[i]),
				Weight:   Round8(weights[i]),
			})
		}
		return out, nil
	}

	assigned := 0.0
	for i := 0; i < buckets; i++ {
		var qty float64
		if i == buckets-1 {
			qty = math.Max(0, o.TotalQty-assigned)
		} else {
			qty = Round8(o.TotalQty * weights[i])
			assigned += qty
		}
		out.Legs = append(out.Legs, Leg{
			Index:    i + 1,
			DelaySec: delayList[i],
			Qty:      Round8(qty),
			Weight:   Round8(weights[i]),
		})
	}
	return out, nil
}

// apportionShares 按最大余数法分配整数股：先向下取整，再把剩余股数
// 依小数余额从大到小逐一分配，保证总和与股数精确一致。
func apportionShares(totalShares int, weights []float64) []int {
	desired := make([]float64, len(weights))
	alloc := make([]int, len(weights))
	assigned := 0
	for i, w := range weights {
		desired[i] = float64(totalShares) * w
		alloc[i] = int(desired[i])
		assigned += alloc[i]
	}

	remain := totalShares - assigned
	if remain <= 0 {
		return alloc
	}

	order := make([]int, len(alloc))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa := desired[order[a]] - float64(alloc[order[a]])
		fb := desired[order[b]] - float64(alloc[order[b]])
		return fa > fb
	})

	for _, idx := range order[:remain] {
		alloc[idx]++
	}
	return alloc
}

// NormalizeWeights 将权重裁剪为非负并归一化；输入为空或总和非正时
// 退回 fallbackN 长度的 U 型曲线。
func NormalizeWeights(weights []float64, fallbackN int) []float64 {
	if len(weights) == 0 {
		return UCurve(fallbackN)
	}

	cleaned := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		cleaned[i] = w
		total += w
	}
	if total <= 0 {
		return UCurve(fallbackN)
	}
	for i := range cleaned {
		cleaned[i] /= total
	}
	return cleaned
}

// UCurve 生成对称的 U 型权重曲线：两端权重高、中间低，近似开收盘的
// 流动性集中形态。
func UCurve(n int) []float64 {
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return []float64{1.0}
	}

	weights := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		w := 0.85 + 0.55*math.Abs(x-0.5)*2.0
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// alignWeights 将权重长度对齐到 buckets：不足时用 U 型曲线补齐，超出
// 则截断，两种情况都重新归一化。
func alignWeights(weights []float64, buckets int) []float64 {
	if len(weights) == buckets {
		return NormalizeWeights(weights, buckets)
	}
	if len(weights) < buckets {
		pad := UCurve(buckets - len(weights))
		merged := make([]float64, 0, buckets)
		merged = append(merged, weights...)
		merged = append(merged, pad...)
		return NormalizeWeights(merged, buckets)
	}
	return NormalizeWeights(weights[:buckets], buckets)
}

func roundWeights(weights []float64) []float64 {
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = Round8(w)
	}
	return out
}
