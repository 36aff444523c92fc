package broker

import (
	"context"

	"smart-exec/internal/market"
)

// SimulatedClient 为纯模拟下单策略，不触发任何网络调用。
type SimulatedClient struct {
	market market.Market
}

// NewSimulatedClient 构造指定市场的模拟客户端。
func NewSimulatedClient(mk market.Market) *SimulatedClient {
	return &SimulatedClient{market: mk}
}

// Market 返回客户端服务的市场类别。
func (c *SimulatedClient) Market() market.Market {
	return c.market
}

// PlaceOrder 立即返回 SIMULATED 标记，请求数量即视作成交数量。
func (c *SimulatedClient) PlaceOrder(_ context.Context, payload OrderPayload) (Response, error) {
	if payload.Qty <= 0 {
		return Response{Result: ResultInvalidQty, Market: c.market}, nil
	}
	return Response{
		Result:    ResultSimulated,
		Market:    c.market,
		FilledQty: payload.Qty,
	}, nil
}
