package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smart-exec/internal/broker"
	"smart-exec/internal/config"
	"smart-exec/internal/execution"
	"smart-exec/internal/market"
	"smart-exec/internal/marketdata"
	"smart-exec/internal/profile"
	"smart-exec/internal/quality"
	"smart-exec/internal/schedule"
)

// 路由档位，按名义金额与点差升级，只升不降。
const (
	RouteMarket = "MARKET"
	RouteTWAP   = "TWAP"
	RouteVWAP   = "VWAP"
)

// 订单价格类型。点差足够窄时吃单，否则挂单。
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Decision 为一次路由决策的完整快照，可直接序列化输出。
type Decision struct {
	Symbol        string        `json:"symbol"`
	Market        market.Market `json:"market"`
	Side          market.Side   `json:"side"`
	Qty           float64       `json:"qty"`
	Route         string        `json:"route"`
	OrderType     string        `json:"order_type"`
	Price         float64       `json:"price"`
	PriceSource   string        `json:"price_source"`
	Notional      float64       `json:"notional"`
	Currency      string        `json:"currency"`
	SpreadBps     float64       `json:"spread_bps"`
	SpreadAssumed bool          `json:"spread_assumed"`
	Reasons       []string      `json:"reasons"`
	Timestamp     time.Time     `json:"timestamp"`
}

// RouteResult 汇总一次端到端路由执行。
type RouteResult struct {
	Decision  Decision         `json:"decision"`
	Execution execution.Result `json:"execution"`
	Slippage  *quality.Summary `json:"slippage,omitempty"`
}

// Engine 为路由决策引擎：取参考价与盘口，按名义金额分档，
// 按点差升级，再交给执行循环分片下单。
type Engine struct {
	cfg      config.RouterConfig
	prices   marketdata.PriceSource
	books    marketdata.OrderBookSource
	profiles *profile.Estimator
	loop     *execution.Loop
	tracker  *quality.Tracker
	clients  map[market.Market]broker.Client
	logger   *zap.Logger
}

// NewEngine 创建路由引擎。profiles 与 tracker 可为 nil，
// 分别退化为 U 型权重与不记录滑点。
func NewEngine(cfg config.RouterConfig, prices marketdata.PriceSource, books marketdata.OrderBookSource, profiles *profile.Estimator, tracker *quality.Tracker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		prices:   prices,
		books:    books,
		profiles: profiles,
		loop:     execution.NewLoop(logger),
		tracker:  tracker,
		clients:  make(map[market.Market]broker.Client),
		logger:   logger,
	}
}

// SetRespectSchedule 覆盖配置中的节奏开关，供 CLI 参数使用。
func (e *Engine) SetRespectSchedule(v bool) {
	e.cfg.RespectSchedule = v
}

// RegisterClient 按市场注册券商客户端，同市场重复注册以后者为准。
func (e *Engine) RegisterClient(c broker.Client) {
	if c == nil {
		return
	}
	e.clients[c.Market()] = c
}

// Decide 对订单做路由决策，不触发任何下单。
func (e *Engine) Decide(ctx context.Context, order schedule.Order) (Decision, error) {
	normalized, err := order.Normalize()
	if err != nil {
		return Decision{}, err
	}
	if normalized.TotalQty <= 0 {
		return Decision{}, fmt.Errorf("router: %w", schedule.ErrInvalidQty)
	}

	snapshot, book := e.fetchContext(ctx, normalized)

	price := snapshot.Price
	if normalized.PriceHint > 0 {
		price = normalized.PriceHint
		snapshot.Source = "hint"
	}

	decision := Decision{
		Symbol:      normalized.Symbol,
		Market:      normalized.Market,
		Side:        normalized.Side,
		Qty:         normalized.TotalQty,
		Price:       schedule.Round8(price),
		PriceSource: snapshot.Source,
		Currency:    currency(normalized.Market),
		Timestamp:   time.Now().UTC(),
	}

	// 参考价不可得时名义金额按 0 分档，点差逻辑照常生效。
	notional := 0.0
	if price > 0 {
		notional = price * normalized.TotalQty
	} else {
		decision.Reasons = append(decision.Reasons, "no_reference_price")
	}
	decision.Notional = schedule.Round8(notional)

	spreadBps := book.SpreadBps()
	if spreadBps <= 0 {
		spreadBps = e.cfg.AssumedSpreadBps
		decision.SpreadAssumed = true
	}
	decision.SpreadBps = schedule.Round8(spreadBps)

	small, medium := e.thresholds(normalized.Market)
	route := RouteVWAP
	switch {
	case notional <= small:
		route = RouteMarket
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("small_notional <= %.0f", small))
	case notional <= medium:
		route = RouteTWAP
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("medium_notional <= %.0f", medium))
	default:
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("large_notional > %.0f", medium))
	}

	// 点差只会把路由推向更保守的档位。
	if route == RouteMarket && spreadBps >= e.cfg.WideSpreadBps {
		route = RouteTWAP
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("+ wide_spread(%.2fbps >= %.0fbps)", spreadBps, e.cfg.WideSpreadBps))
	}
	if route == RouteTWAP && spreadBps >= e.cfg.WideSpreadBps*1.6 {
		route = RouteVWAP
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("+ very_wide_spread(%.2fbps >= %.0fbps)", spreadBps, e.cfg.WideSpreadBps*1.6))
	}
	decision.Route = route

	if spreadBps <= e.cfg.NarrowSpreadBps {
		decision.OrderType = OrderTypeMarket
	} else {
		decision.OrderType = OrderTypeLimit
	}

	return decision, nil
}

// RouteOrder 决策、分片并执行订单。simulate 为真时不触达真实券商。
func (e *Engine) RouteOrder(ctx context.Context, order schedule.Order, simulate bool) (RouteResult, error) {
	decision, err := e.Decide(ctx, order)
	if err != nil {
		return RouteResult{}, err
	}

	normalized, err := order.Normalize()
	if err != nil {
		return RouteResult{}, err
	}
	normalized.PriceHint = decision.Price

	sched, err := e.buildSchedule(ctx, decision, normalized)
	if err != nil {
		return RouteResult{}, err
	}

	opts := execution.Options{
		Simulate:        simulate,
		RespectSchedule: e.cfg.RespectSchedule,
		PriceHint:       decision.Price,
	}
	if simulate {
		opts.Client = broker.NewSimulatedClient(decision.Market)
	} else {
		opts.Client = e.clients[decision.Market]
	}

	result, execErr := e.loop.Execute(ctx, decision.Route, sched, opts)

	out := RouteResult{Decision: decision, Execution: result}
	if e.cfg.TrackSlippage && e.tracker != nil {
		summary := e.trackFills(ctx, decision, result, simulate)
		out.Slippage = &summary
	}

	if execErr != nil {
		return out, execErr
	}
	return out, nil
}

// buildSchedule 按决策档位构建执行计划。
func (e *Engine) buildSchedule(ctx context.Context, decision Decision, order schedule.Order) (schedule.Schedule, error) {
	switch decision.Route {
	case RouteTWAP:
		return schedule.BuildTWAP(order, e.cfg.TWAPDuration)
	case RouteVWAP:
		var weights []float64
		if e.profiles != nil {
			weights = e.profiles.Estimate(ctx, order.Symbol, order.Market, e.cfg.VWAPBuckets, e.cfg.VWAPLookbackDays)
		}
		return schedule.BuildVWAP(order, e.cfg.VWAPDuration, e.cfg.VWAPBuckets, weights)
	default:
		return schedule.SingleLeg(order), nil
	}
}

// fetchContext 并发拉取参考价与盘口，任一失败都退化为保守默认值。
func (e *Engine) fetchContext(ctx context.Context, order schedule.Order) (marketdata.PriceSnapshot, marketdata.BookSnapshot) {
	snapshot := marketdata.PriceSnapshot{
		Symbol:    order.Symbol,
		Market:    order.Market,
		Source:    marketdata.SourceFallback,
		Timestamp: time.Now().UTC(),
	}
	book := marketdata.BookSnapshot{
		Symbol: order.Symbol,
		Market: order.Market,
		Source: marketdata.SourceFallback,
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.prices != nil {
		g.Go(func() error {
			snap, err := e.prices.Snapshot(gctx, order.Symbol, order.Market)
			if err != nil {
				e.logger.Warn("拉取参考价失败，使用回退快照",
					zap.String("symbol", order.Symbol), zap.Error(err))
				return nil
			}
			snapshot = snap
			return nil
		})
	}
	if e.books != nil {
		g.Go(func() error {
			ob, err := e.books.OrderBook(gctx, order.Symbol, order.Market)
			if err != nil {
				e.logger.Warn("拉取盘口失败，使用假定点差",
					zap.String("symbol", order.Symbol), zap.Error(err))
				return nil
			}
			book = ob
			return nil
		})
	}
	_ = g.Wait()

	return snapshot, book
}

// trackFills 将每个切片的成交记录到质量跟踪器并汇总滑点。
func (e *Engine) trackFills(ctx context.Context, decision Decision, result execution.Result, simulate bool) quality.Summary {
	records := make([]quality.Record, 0, len(result.Fills))
	persist := e.cfg.PersistSlippage && !simulate

	for _, fill := range result.Fills {
		if fill.RequestedQty <= 0 {
			continue
		}
		actual := actualFillPrice(fill.Response, decision.Price)
		record := e.tracker.Track(ctx, quality.FillContext{
			Symbol:        decision.Symbol,
			Side:          decision.Side,
			Market:        decision.Market,
			Qty:           fill.RequestedQty,
			ExpectedPrice: decision.Price,
			ActualPrice:   actual,
			Route:         decision.Route,
			OrderType:     decision.OrderType,
			Timestamp:     fill.Timestamp,
		}, persist)
		records = append(records, record)
	}

	return quality.Summarize(records)
}

// actualFillPrice 从下单响应中提取成交均价，逐层回退到参考价。
func actualFillPrice(resp broker.Response, fallback float64) float64 {
	if resp.AvgPrice > 0 {
		return resp.AvgPrice
	}
	for _, key := range []string{"avg_price", "trade_price", "price"} {
		if v, ok := rawFloat(resp.Raw, key); ok && v > 0 {
			return v
		}
	}
	if trades, ok := resp.Raw["trades"].([]interface{}); ok {
		if p := weightedTradePrice(trades); p > 0 {
			return p
		}
	}
	return fallback
}

// weightedTradePrice 对 trades 数组按数量加权求均价。
func weightedTradePrice(trades []interface{}) float64 {
	totalQty := 0.0
	totalCost := 0.0
	for _, t := range trades {
		m, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		price, okP := rawFloat(m, "price")
		qty, okQ := rawFloat(m, "qty")
		if !okQ {
			qty, okQ = rawFloat(m, "amount")
		}
		if !okP || !okQ || price <= 0 || qty <= 0 {
			continue
		}
		totalQty += qty
		totalCost += price * qty
	}
	if totalQty <= 0 {
		return 0
	}
	return totalCost / totalQty
}

func rawFloat(raw map[string]interface{}, key string) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// thresholds 返回市场对应计价货币的名义金额分档阈值。
func (e *Engine) thresholds(mk market.Market) (small, medium float64) {
	if mk == market.USEquity {
		return e.cfg.SmallNotionalUSD, e.cfg.MediumNotionalUSD
	}
	return e.cfg.SmallNotionalKRW, e.cfg.MediumNotionalKRW
}

func currency(mk market.Market) string {
	if mk == market.USEquity {
		return "USD"
	}
	return "KRW"
}
