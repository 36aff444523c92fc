package broker

import (
	"context"
	"fmt"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"smart-exec/internal/config"
	"smart-exec/internal/market"
	"smart-exec/internal/marketdata"
)

// USEquityClient 通过 ccxt Alpaca 提交美股市价单。
type USEquityClient struct {
	cfg      config.ExchangeConfig
	exchange *ccxt.Alpaca
	logger   *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewUSEquityClient 构造 Alpaca 客户端。
func NewUSEquityClient(cfg config.ExchangeConfig, logger *zap.Logger) *USEquityClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.Alpaca.APIKey != "" {
		userConfig["apiKey"] = cfg.Alpaca.APIKey
	}
	if cfg.Alpaca.APISecret != "" {
		userConfig["secret"] = cfg.Alpaca.APISecret
	}

	exchange := ccxt.NewAlpaca(userConfig)
	if cfg.Alpaca.UseSandbox {
		exchange.SetSandboxMode(true)
	}

	return &USEquityClient{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger,
	}
}

// Market 返回客户端服务的市场类别。
func (c *USEquityClient) Market() market.Market {
	return market.USEquity
}

// PlaceOrder 提交市价单。
func (c *USEquityClient) PlaceOrder(ctx context.Context, payload OrderPayload) (Response, error) {
	if payload.Qty <= 0 {
		return Response{Result: ResultInvalidQty, Market: market.USEquity}, nil
	}

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Response{Result: ResultError, Market: market.USEquity, Error: err.Error()}, nil
	}

	var raw ccxt.Order
	err := marketdata.CallWithRetry(ctx, c.cfg.Retry, c.logger, "alpaca_market_order", func() error {
		order, callErr := c.exchange.CreateMarketOrder(payload.Symbol, string(payload.Side), payload.Qty)
		if callErr != nil {
			return callErr
		}
		raw = order
		return nil
	})
	if err != nil {
		return Response{Result: ResultError, Market: market.USEquity, Error: err.Error()}, nil
	}

	return Response{
		Result:    ResultOK,
		Market:    market.USEquity,
		OrderID:   derefString(raw.Id),
		FilledQty: derefFloat(raw.Filled),
		AvgPrice:  derefFloat(raw.Average),
	}, nil
}

func (c *USEquityClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	if c.marketsLoaded {
		return nil
	}

	err := marketdata.CallWithRetry(ctx, c.cfg.Retry, c.logger, "alpaca_load_markets", func() error {
		_, loadErr := c.exchange.LoadMarkets()
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("broker: 加载 Alpaca 市场元数据失败: %w", err)
	}

	c.marketsLoaded = true
	return nil
}
