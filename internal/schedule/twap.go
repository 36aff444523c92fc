package schedule

import (
	"math"
	"time"

	"smart-exec/internal/market"
)

// BuildTWAP 将订单数量在时间窗口内均匀切分为离散切片。
// 数量为零时返回空计划而非错误，方向不合法时报错。
func BuildTWAP(order Order, duration time.Duration) (Schedule, error) {
	o, err := order.Normalize()
	if err != nil {
		return Schedule{}, err
	}

	durationSec := clampDuration(int(duration / time.Second))
	if o.TotalQty <= 0 {
		return Empty(o, durationSec), nil
	}

	legs := legCount(o.Market, durationSec)
	if market.ShareQuantized(o.Market) {
		shares := int(o.TotalQty)
		if shares <= 0 {
			return Empty(o, durationSec), nil
		}
		// 不拆分单股：切片数不超过股数。
		if legs > shares {
			legs = shares
		}
	}

	delayList := delays(legs, durationSec)
	out := Schedule{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Market:      o.Market,
		DurationSec: durationSec,
		TotalQty:    Round8(o.TotalQty),
		Legs:        make([]Leg, 0, legs),
	}

	if market.ShareQuantized(o.Market) {
		shares := int(o.TotalQty)
		base := shares / legs
		remainder := shares % legs
		for i := 0; i < legs; i++ {
			qty := base
			if i < remainder {
				qty++
			}
			out.Legs = append(out.Legs, Leg{
				Index:    i + 1,
				DelaySec: delayList[i],
				Qty:      float64(qty),
			})
		}
		return out, nil
	}

	base := o.TotalQty / float64(legs)
	assigned := 0.0
	for i := 0; i < legs; i++ {
		var qty float64
		if i == legs-1 {
			// 末切片吸收舍入残差，保证总量精确守恒。
			qty = math.Max(0, o.TotalQty-assigned)
		} else {
			qty = Round8(base)
			assigned += qty
		}
		out.Legs = append(out.Legs, Leg{
			Index:    i + 1,
			DelaySec: delayList[i],
			Qty:      Round8(qty),
		})
	}
	return out, nil
}

// legCount 依据市场目标间隔推导切片数，并向上修正避免低于最小间隔。
func legCount(m market.Market, durationSec int) int {
	target := int(market.TargetInterval(m) / time.Second)
	legs := int(math.Round(float64(durationSec) / float64(target)))
	if legs < 1 {
		legs = 1
	}

	minInterval := int(market.MinInterval(m) / time.Second)
	if legs > 1 {
		rawInterval := float64(durationSec) / float64(legs-1)
		if rawInterval < float64(minInterval) {
			legs = durationSec/minInterval + 1
			if legs < 1 {
				legs = 1
			}
		}
	}

	if legs > MaxLegs {
		legs = MaxLegs
	}
	return legs
}
