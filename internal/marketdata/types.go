package marketdata

import (
	"context"
	"time"

	"smart-exec/internal/market"
)

// SourceFallback 标记因取数失败而使用保守默认值的快照。
const SourceFallback = "fallback"

// PriceSnapshot 为单一符号的参考价快照。
type PriceSnapshot struct {
	Symbol    string        `json:"symbol"`
	Market    market.Market `json:"market"`
	Price     float64       `json:"price"`
	Volume    float64       `json:"volume"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

// BookLevel 表示盘口档位。
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// BookSnapshot 为订单簿快照。
type BookSnapshot struct {
	Symbol    string        `json:"symbol"`
	Market    market.Market `json:"market"`
	Bids      []BookLevel   `json:"bids"`
	Asks      []BookLevel   `json:"asks"`
	Spread    float64       `json:"spread"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

// SpreadBps 基于最优买卖价中点计算点差（基点）。盘口数据不完整时返回 0。
func (b BookSnapshot) SpreadBps() float64 {
	var bid, ask float64
	if len(b.Bids) > 0 {
		bid = b.Bids[0].Price
	}
	if len(b.Asks) > 0 {
		ask = b.Asks[0].Price
	}

	spread := b.Spread
	if spread <= 0 && bid > 0 && ask > 0 {
		spread = ask - bid
	}

	if bid <= 0 || ask <= 0 || spread <= 0 {
		return 0
	}
	mid := (bid + ask) / 2.0
	if mid <= 0 {
		return 0
	}
	return spread / mid * 10000.0
}

// PriceSource 提供参考价快照。
type PriceSource interface {
	Snapshot(ctx context.Context, symbol string, mk market.Market) (PriceSnapshot, error)
}

// OrderBookSource 提供订单簿快照。
type OrderBookSource interface {
	OrderBook(ctx context.Context, symbol string, mk market.Market) (BookSnapshot, error)
}

// VolumeSource 提供日内成交量序列。
type VolumeSource interface {
	IntradayVolumes(ctx context.Context, symbol string, mk market.Market, lookbackDays int) ([]float64, error)
}

// KRQuoter 为韩股行情协作方（Kiwoom REST），可为空。
type KRQuoter interface {
	CurrentPrice(ctx context.Context, code string) (float64, error)
	BestQuote(ctx context.Context, code string) (bid, ask float64, err error)
	IntradayVolumes(ctx context.Context, code string, lookbackDays int) ([]float64, error)
}
