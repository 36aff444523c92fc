package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"smart-exec/internal/cache"
	"smart-exec/internal/config"
	"smart-exec/internal/market"
)

const (
	volumeTimeframe = "5m"
	maxVolumeBars   = 1440
)

// Service 基于 ccxt（Upbit/Alpaca）与可选的 Kiwoom 行情端实现
// PriceSource、OrderBookSource 与 VolumeSource。
// 任何取数失败都降级为保守默认值而非向上抛错。
type Service struct {
	cfg    config.ExchangeConfig
	upbit  *ccxt.Upbit
	alpaca *ccxt.Alpaca
	kr     KRQuoter
	cache  *cache.Cache
	logger *zap.Logger

	marketsMu    sync.Mutex
	upbitLoaded  bool
	alpacaLoaded bool
}

// NewService 创建行情服务。kr 与 cache 均可为 nil。
func NewService(cfg config.ExchangeConfig, kr KRQuoter, c *cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	upbitCfg := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.Upbit.APIKey != "" {
		upbitCfg["apiKey"] = cfg.Upbit.APIKey
	}
	if cfg.Upbit.APISecret != "" {
		upbitCfg["secret"] = cfg.Upbit.APISecret
	}
	upbit := ccxt.NewUpbit(upbitCfg)

	alpacaCfg := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.Alpaca.APIKey != "" {
		alpacaCfg["apiKey"] = cfg.Alpaca.APIKey
	}
	if cfg.Alpaca.APISecret != "" {
		alpacaCfg["secret"] = cfg.Alpaca.APISecret
	}
	alpaca := ccxt.NewAlpaca(alpacaCfg)
	if cfg.Alpaca.UseSandbox {
		alpaca.SetSandboxMode(true)
	}

	return &Service{
		cfg:    cfg,
		upbit:  upbit,
		alpaca: alpaca,
		kr:     kr,
		cache:  c,
		logger: logger,
	}
}

// Snapshot 返回参考价快照。取数失败时返回零价并标记 fallback 来源。
func (s *Service) Snapshot(ctx context.Context, symbol string, mk market.Market) (PriceSnapshot, error) {
	mk = market.Infer(symbol, mk)
	code := market.QuoteSymbol(symbol, mk)

	key := fmt.Sprintf("price:%s:%s", mk, code)
	if cached, ok := s.cache.Get(key); ok {
		if snap, ok := cached.(PriceSnapshot); ok {
			return snap, nil
		}
	}

	snap := PriceSnapshot{
		Symbol:    code,
		Market:    mk,
		Source:    SourceFallback,
		Timestamp: time.Now().UTC(),
	}

	var err error
	switch mk {
	case market.KREquity:
		if s.kr == nil {
			return snap, nil
		}
		var price float64
		err = CallWithRetry(ctx, s.cfg.Retry, s.logger, "kiwoom_price", func() error {
			var callErr error
			price, callErr = s.kr.CurrentPrice(ctx, code)
			return callErr
		})
		if err == nil && price > 0 {
			snap.Price = price
			snap.Source = "kiwoom"
		}
	default:
		var candles []ccxt.OHLCV
		exchangeName := "upbit"
		fetch := s.upbit.FetchOHLCV
		loadMarkets := s.ensureUpbitMarkets
		if mk == market.USEquity {
			exchangeName = "alpaca"
			fetch = s.alpaca.FetchOHLCV
			loadMarkets = s.ensureAlpacaMarkets
		}

		err = CallWithRetry(ctx, s.cfg.Retry, s.logger, exchangeName+"_price", func() error {
			if loadErr := loadMarkets(ctx); loadErr != nil {
				return loadErr
			}
			result, fetchErr := fetch(code,
				ccxt.WithFetchOHLCVTimeframe("1m"),
				ccxt.WithFetchOHLCVLimit(1),
			)
			if fetchErr != nil {
				return fetchErr
			}
			candles = result
			return nil
		})
		if err == nil && len(candles) > 0 {
			last := candles[len(candles)-1]
			snap.Price = last.Close
			snap.Volume = last.Volume
			snap.Source = exchangeName
			snap.Timestamp = time.UnixMilli(last.Timestamp).UTC()
		}
	}

	if err != nil {
		s.logger.Warn("参考价获取失败，返回零价快照",
			zap.String("symbol", code),
			zap.String("market", string(mk)),
			zap.Error(err),
		)
		return snap, nil
	}

	if snap.Price > 0 {
		s.cache.Set(key, snap)
	}
	return snap, nil
}

// OrderBook 返回订单簿快照。美股缺少盘口数据源，韩股行情端未配置或取数
// 失败时，返回携带保守假定点差的 fallback 快照。
func (s *Service) OrderBook(ctx context.Context, symbol string, mk market.Market) (BookSnapshot, error) {
	mk = market.Infer(symbol, mk)
	code := market.QuoteSymbol(symbol, mk)

	switch mk {
	case market.Crypto:
		var raw ccxt.OrderBook
		err := CallWithRetry(ctx, s.cfg.Retry, s.logger, "upbit_order_book", func() error {
			if loadErr := s.ensureUpbitMarkets(ctx); loadErr != nil {
				return loadErr
			}
			book, fetchErr := s.upbit.FetchOrderBook(code, ccxt.WithFetchOrderBookLimit(10))
			if fetchErr != nil {
				return fetchErr
			}
			raw = book
			return nil
		})
		if err != nil {
			s.logger.Warn("订单簿获取失败，使用假定点差",
				zap.String("symbol", code),
				zap.Error(err),
			)
			return fallbackBook(code, mk), nil
		}
		return convertBook(code, mk, raw), nil

	case market.KREquity:
		if s.kr == nil {
			return fallbackBook(code, mk), nil
		}
		var bid, ask float64
		err := CallWithRetry(ctx, s.cfg.Retry, s.logger, "kiwoom_order_book", func() error {
			var callErr error
			bid, ask, callErr = s.kr.BestQuote(ctx, code)
			return callErr
		})
		if err != nil || bid <= 0 || ask <= 0 {
			if err != nil {
				s.logger.Warn("韩股盘口获取失败，使用假定点差",
					zap.String("symbol", code),
					zap.Error(err),
				)
			}
			return fallbackBook(code, mk), nil
		}
		return BookSnapshot{
			Symbol:    code,
			Market:    mk,
			Bids:      []BookLevel{{Price: bid}},
			Asks:      []BookLevel{{Price: ask}},
			Spread:    ask - bid,
			Source:    "kiwoom",
			Timestamp: time.Now().UTC(),
		}, nil

	default:
		// 当前栈没有美股盘口数据源。
		return fallbackBook(code, mk), nil
	}
}

// IntradayVolumes 返回近 lookbackDays 天的 5 分钟成交量序列。
func (s *Service) IntradayVolumes(ctx context.Context, symbol string, mk market.Market, lookbackDays int) ([]float64, error) {
	mk = market.Infer(symbol, mk)
	code := market.QuoteSymbol(symbol, mk)
	if lookbackDays < 1 {
		lookbackDays = 1
	}

	if mk == market.KREquity {
		if s.kr == nil {
			return nil, fmt.Errorf("marketdata: 韩股行情端未配置")
		}
		var vols []float64
		err := CallWithRetry(ctx, s.cfg.Retry, s.logger, "kiwoom_intraday_volume", func() error {
			var callErr error
			vols, callErr = s.kr.IntradayVolumes(ctx, code, lookbackDays)
			return callErr
		})
		return vols, err
	}

	bars := lookbackDays * 24 * 12
	if bars > maxVolumeBars {
		bars = maxVolumeBars
	}

	exchangeName := "upbit"
	fetch := s.upbit.FetchOHLCV
	loadMarkets := s.ensureUpbitMarkets
	if mk == market.USEquity {
		exchangeName = "alpaca"
		fetch = s.alpaca.FetchOHLCV
		loadMarkets = s.ensureAlpacaMarkets
	}

	var candles []ccxt.OHLCV
	err := CallWithRetry(ctx, s.cfg.Retry, s.logger, exchangeName+"_intraday_volume", func() error {
		if loadErr := loadMarkets(ctx); loadErr != nil {
			return loadErr
		}
		result, fetchErr := fetch(code,
			ccxt.WithFetchOHLCVTimeframe(volumeTimeframe),
			ccxt.WithFetchOHLCVLimit(int64(bars)),
		)
		if fetchErr != nil {
			return fetchErr
		}
		candles = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	vols := make([]float64, 0, len(candles))
	for _, c := range candles {
		vols = append(vols, c.Volume)
	}
	return vols, nil
}

func (s *Service) ensureUpbitMarkets(ctx context.Context) error {
	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()
	if s.upbitLoaded {
		return nil
	}
	if _, err := s.upbit.LoadMarkets(); err != nil {
		return err
	}
	s.upbitLoaded = true
	return nil
}

func (s *Service) ensureAlpacaMarkets(ctx context.Context) error {
	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()
	if s.alpacaLoaded {
		return nil
	}
	if _, err := s.alpaca.LoadMarkets(); err != nil {
		return err
	}
	s.alpacaLoaded = true
	return nil
}

func fallbackBook(symbol string, mk market.Market) BookSnapshot {
	return BookSnapshot{
		Symbol:    symbol,
		Market:    mk,
		Bids:      []BookLevel{},
		Asks:      []BookLevel{},
		Source:    SourceFallback,
		Timestamp: time.Now().UTC(),
	}
}

func convertBook(symbol string, mk market.Market, ob ccxt.OrderBook) BookSnapshot {
	bids := make([]BookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, BookLevel{Price: level[0], Qty: level[1]})
	}

	asks := make([]BookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, BookLevel{Price: level[0], Qty: level[1]})
	}

	ts := time.Now().UTC()
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	}

	var spread float64
	if len(bids) > 0 && len(asks) > 0 {
		spread = asks[0].Price - bids[0].Price
	}

	return BookSnapshot{
		Symbol:    symbol,
		Market:    mk,
		Bids:      bids,
		Asks:      asks,
		Spread:    spread,
		Source:    "upbit",
		Timestamp: ts,
	}
}
