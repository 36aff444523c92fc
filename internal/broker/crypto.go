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

// CryptoClient 通过 ccxt Upbit 现货下单。
// Upbit 市价买单以名义金额计价，买入时将数量换算为金额提交。
type CryptoClient struct {
	cfg      config.ExchangeConfig
	exchange *ccxt.Upbit
	prices   marketdata.PriceSource
	logger   *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCryptoClient 构造 Upbit 客户端。prices 用于买入时补全参考价。
func NewCryptoClient(cfg config.ExchangeConfig, prices marketdata.PriceSource, logger *zap.Logger) *CryptoClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.Upbit.APIKey != "" {
		userConfig["apiKey"] = cfg.Upbit.APIKey
	}
	if cfg.Upbit.APISecret != "" {
		userConfig["secret"] = cfg.Upbit.APISecret
	}

	return &CryptoClient{
		cfg:      cfg,
		exchange: ccxt.NewUpbit(userConfig),
		prices:   prices,
		logger:   logger,
	}
}

// Market 返回客户端服务的市场类别。
func (c *CryptoClient) Market() market.Market {
	return market.Crypto
}

// PlaceOrder 提交市价单。数量或名义金额不合法时返回结果标记而非错误。
func (c *CryptoClient) PlaceOrder(ctx context.Context, payload OrderPayload) (Response, error) {
	if payload.Qty <= 0 {
		return Response{Result: ResultInvalidQty, Market: market.Crypto}, nil
	}

	code := market.QuoteSymbol(payload.Symbol, market.Crypto)

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Response{Result: ResultError, Market: market.Crypto, Error: err.Error()}, nil
	}

	var raw ccxt.Order
	var err error
	if payload.Side == market.SideBuy {
		px := payload.PriceHint
		if px <= 0 && c.prices != nil {
			if snap, snapErr := c.prices.Snapshot(ctx, code, market.Crypto); snapErr == nil {
				px = snap.Price
			}
		}
		notional := px * payload.Qty
		if notional <= 0 {
			return Response{Result: ResultInvalidNotional, Market: market.Crypto, Note: code}, nil
		}

		err = marketdata.CallWithRetry(ctx, c.cfg.Retry, c.logger, "upbit_market_buy", func() error {
			order, callErr := c.exchange.CreateMarketOrder(code, "buy", notional,
				ccxt.WithCreateMarketOrderParams(map[string]interface{}{
					"createMarketBuyOrderRequiresPrice": false,
				}),
			)
			if callErr != nil {
				return callErr
			}
			raw = order
			return nil
		})
	} else {
		err = marketdata.CallWithRetry(ctx, c.cfg.Retry, c.logger, "upbit_market_sell", func() error {
			order, callErr := c.exchange.CreateMarketOrder(code, "sell", payload.Qty)
			if callErr != nil {
				return callErr
			}
			raw = order
			return nil
		})
	}
	if err != nil {
		return Response{Result: ResultError, Market: market.Crypto, Error: err.Error()}, nil
	}

	return Response{
		Result:    ResultOK,
		Market:    market.Crypto,
		OrderID:   derefString(raw.Id),
		FilledQty: derefFloat(raw.Filled),
		AvgPrice:  derefFloat(raw.Average),
	}, nil
}

func (c *CryptoClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	if c.marketsLoaded {
		return nil
	}

	err := marketdata.CallWithRetry(ctx, c.cfg.Retry, c.logger, "upbit_load_markets", func() error {
		_, loadErr := c.exchange.LoadMarkets()
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("broker: 加载 Upbit 市场元数据失败: %w", err)
	}

	c.marketsLoaded = true
	return nil
}
