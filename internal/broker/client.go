package broker

import (
	"context"

	"smart-exec/internal/market"
)

// 下单响应的结果标记。NO_CLIENT 与 ERROR 是结果而非异常：
// 执行循环收到后继续处理后续切片。
const (
	ResultOK              = "OK"
	ResultSimulated       = "SIMULATED"
	ResultNoClient        = "NO_CLIENT"
	ResultError           = "ERROR"
	ResultInvalidQty      = "INVALID_QTY"
	ResultInvalidNotional = "INVALID_NOTIONAL"
)

// OrderPayload 为单个切片的下单请求。
type OrderPayload struct {
	Symbol    string        `json:"symbol"`
	Side      market.Side   `json:"side"`
	Market    market.Market `json:"market"`
	Qty       float64       `json:"qty"`
	PriceHint float64       `json:"price_hint,omitempty"`
}

// Response 为下单策略返回的不透明结果。
type Response struct {
	Result    string                 `json:"result"`
	Market    market.Market          `json:"market,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	FilledQty float64                `json:"filled_qty,omitempty"`
	AvgPrice  float64                `json:"avg_price,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Note      string                 `json:"note,omitempty"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
}

// Client 为统一的券商下单能力接口，按市场在构造期选定一个实现。
type Client interface {
	Market() market.Market
	PlaceOrder(ctx context.Context, payload OrderPayload) (Response, error)
}

// PlaceFunc 为调用方自备的下单策略，优先于任何原生客户端。
type PlaceFunc func(ctx context.Context, payload OrderPayload) (Response, error)

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
