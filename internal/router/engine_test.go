package router

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"smart-exec/internal/broker"
	"smart-exec/internal/config"
	"smart-exec/internal/market"
	"smart-exec/internal/marketdata"
	"smart-exec/internal/quality"
	"smart-exec/internal/schedule"
)

type stubPrices struct {
	price float64
	err   error
}

func (s stubPrices) Snapshot(_ context.Context, symbol string, mk market.Market) (marketdata.PriceSnapshot, error) {
	if s.err != nil {
		return marketdata.PriceSnapshot{}, s.err
	}
	return marketdata.PriceSnapshot{
		Symbol: symbol, Market: mk, Price: s.price,
		Source: "stub", Timestamp: time.Now().UTC(),
	}, nil
}

type stubBooks struct {
	bid, ask float64
	err      error
}

func (s stubBooks) OrderBook(_ context.Context, symbol string, mk market.Market) (marketdata.BookSnapshot, error) {
	if s.err != nil {
		return marketdata.BookSnapshot{}, s.err
	}
	return marketdata.BookSnapshot{
		Symbol: symbol, Market: mk,
		Bids:   []marketdata.BookLevel{{Price: s.bid, Qty: 10}},
		Asks:   []marketdata.BookLevel{{Price: s.ask, Qty: 10}},
		Source: "stub",
	}, nil
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		SmallNotionalKRW:  100,
		MediumNotionalKRW: 500,
		SmallNotionalUSD:  100,
		MediumNotionalUSD: 500,
		NarrowSpreadBps:   8,
		WideSpreadBps:     25,
		AssumedSpreadBps:  15,
		TWAPDuration:      30 * time.Minute,
		VWAPDuration:      90 * time.Minute,
		VWAPBuckets:       12,
		VWAPLookbackDays:  5,
		TrackSlippage:     false,
	}
}

// 点差约 4bps 的窄盘口。
func tightBook() stubBooks {
	return stubBooks{bid: 99.98, ask: 100.02}
}

func TestDecide_NotionalTiers(t *testing.T) {
	cases := []struct {
		qty  float64
		want string
	}{
		{0.8, RouteMarket},  // 80 <= 100
		{3.0, RouteTWAP},    // 100 < 300 <= 500
		{10.0, RouteVWAP},   // 1000 > 500
		// 阈值为闭区间上界：恰好等于阈值落在较小档位。
		{1.0, RouteMarket}, // 100 <= 100
		{5.0, RouteTWAP},   // 500 <= 500
	}

	for _, tc := range cases {
		engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, tightBook(), nil, nil, nil)
		order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: tc.qty}
		decision, err := engine.Decide(context.Background(), order)
		if err != nil {
			t.Fatalf("Decide returned error: %v", err)
		}
		if decision.Route != tc.want {
			t.Errorf("qty %f: route = %q, want %q", tc.qty, decision.Route, tc.want)
		}
		if decision.Currency != "KRW" {
			t.Errorf("qty %f: currency = %q, want KRW", tc.qty, decision.Currency)
		}
		if len(decision.Reasons) == 0 {
			t.Errorf("qty %f: expected at least one reason", tc.qty)
		}
	}
}

func TestDecide_SpreadEscalatesRoute(t *testing.T) {
	// 30bps 点差：MARKET 升级为 TWAP。
	wide := stubBooks{bid: 99.85, ask: 100.15}
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, wide, nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 0.8}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Route != RouteTWAP {
		t.Errorf("route = %q, want TWAP after spread escalation", decision.Route)
	}
	if decision.OrderType != OrderTypeLimit {
		t.Errorf("order type = %q, want LIMIT for wide spread", decision.OrderType)
	}

	// 60bps 点差：小单连升两级到 VWAP。
	extreme := stubBooks{bid: 99.70, ask: 100.30}
	engine = NewEngine(testRouterConfig(), stubPrices{price: 100}, extreme, nil, nil, nil)
	decision, err = engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Route != RouteVWAP {
		t.Errorf("route = %q, want VWAP after double escalation", decision.Route)
	}
}

func TestDecide_ReasonStringsAreGreppable(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100},
		stubBooks{bid: 99.70, ask: 100.30}, nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 0.8}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}

	want := []string{"small_notional <= 100", "+ wide_spread(", "+ very_wide_spread("}
	if len(decision.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %d entries", decision.Reasons, len(want))
	}
	for i, prefix := range want {
		if !strings.HasPrefix(decision.Reasons[i], prefix) {
			t.Errorf("reason %d = %q, want prefix %q", i, decision.Reasons[i], prefix)
		}
	}

	engine = NewEngine(testRouterConfig(), stubPrices{err: errors.New("feed down")},
		tightBook(), nil, nil, nil)
	decision, err = engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if len(decision.Reasons) == 0 || decision.Reasons[0] != "no_reference_price" {
		t.Errorf("reasons = %v, want leading no_reference_price", decision.Reasons)
	}
}

func TestDecide_NarrowSpreadUsesMarketOrders(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, tightBook(), nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 3}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.OrderType != OrderTypeMarket {
		t.Errorf("order type = %q, want MARKET for narrow spread", decision.OrderType)
	}
	if decision.SpreadAssumed {
		t.Errorf("spread should come from the book, not assumption")
	}
}

func TestDecide_BookFailureAssumesSpread(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100},
		stubBooks{err: errors.New("book unavailable")}, nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 0.8}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if !decision.SpreadAssumed {
		t.Errorf("expected assumed spread when book fetch fails")
	}
	if diff := math.Abs(decision.SpreadBps - 15); diff > 1e-9 {
		t.Errorf("spread = %f, want assumed 15", decision.SpreadBps)
	}
	// 15bps 高于 8bps 窄点差阈值，切片应当挂单。
	if decision.OrderType != OrderTypeLimit {
		t.Errorf("order type = %q, want LIMIT", decision.OrderType)
	}
}

func TestDecide_PriceUnavailableDegradesToSmallestTier(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{err: errors.New("feed down")},
		stubBooks{err: errors.New("book down")}, nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 100}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Route != RouteMarket {
		t.Errorf("route = %q, want MARKET for zero notional", decision.Route)
	}
	if decision.Price != 0 {
		t.Errorf("price = %f, want 0", decision.Price)
	}
	if decision.PriceSource != marketdata.SourceFallback {
		t.Errorf("price source = %q, want fallback", decision.PriceSource)
	}
	// 假定点差 15bps 高于 8bps 窄阈值，切片仍应挂单。
	if decision.OrderType != OrderTypeLimit {
		t.Errorf("order type = %q, want LIMIT from assumed spread", decision.OrderType)
	}
}

func TestDecide_PriceUnavailableStillAppliesSpreadEscalation(t *testing.T) {
	// 行情失效但盘口可用：30bps 点差仍应把 MARKET 升级为 TWAP。
	wide := stubBooks{bid: 99.85, ask: 100.15}
	engine := NewEngine(testRouterConfig(), stubPrices{err: errors.New("feed down")},
		wide, nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 100}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Route != RouteTWAP {
		t.Errorf("route = %q, want TWAP via wide-spread escalation", decision.Route)
	}
	if decision.OrderType != OrderTypeLimit {
		t.Errorf("order type = %q, want LIMIT for wide spread", decision.OrderType)
	}
	if decision.SpreadAssumed {
		t.Errorf("spread should come from the book")
	}
}

func TestDecide_PriceHintOverridesSnapshot(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, tightBook(), nil, nil, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 1, PriceHint: 600}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Price != 600 {
		t.Errorf("price = %f, want hint 600", decision.Price)
	}
	// 名义金额 600 >= 500，提示价应驱动分档。
	if decision.Route != RouteVWAP {
		t.Errorf("route = %q, want VWAP from hinted notional", decision.Route)
	}
}

func TestDecide_USMarketUsesDollarThresholds(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, tightBook(), nil, nil, nil)
	order := schedule.Order{Symbol: "AAPL", Side: market.SideBuy, TotalQty: 3}

	decision, err := engine.Decide(context.Background(), order)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Market != market.USEquity {
		t.Errorf("market = %q, want us_equity", decision.Market)
	}
	if decision.Currency != "USD" {
		t.Errorf("currency = %q, want USD", decision.Currency)
	}
	if decision.Route != RouteTWAP {
		t.Errorf("route = %q, want TWAP for 300 USD", decision.Route)
	}
}

func TestDecide_InvalidOrder(t *testing.T) {
	engine := NewEngine(testRouterConfig(), stubPrices{price: 100}, tightBook(), nil, nil, nil)

	if _, err := engine.Decide(context.Background(), schedule.Order{Symbol: "KRW-BTC", Side: "hold", TotalQty: 1}); err == nil {
		t.Fatalf("expected error for invalid side")
	}
	if _, err := engine.Decide(context.Background(), schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 0}); !errors.Is(err, schedule.ErrInvalidQty) {
		t.Fatalf("expected ErrInvalidQty, got %v", err)
	}
}

func TestRouteOrder_SimulatedEndToEnd(t *testing.T) {
	cfg := testRouterConfig()
	cfg.TrackSlippage = true

	tracker, err := quality.NewTracker(nil, config.QualityConfig{
		Table:    "execution_quality",
		LocalDir: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("NewTracker returned error: %v", err)
	}

	engine := NewEngine(cfg, stubPrices{price: 100}, tightBook(), nil, tracker, nil)
	order := schedule.Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 3}

	result, err := engine.RouteOrder(context.Background(), order, true)
	if err != nil {
		t.Fatalf("RouteOrder returned error: %v", err)
	}

	if result.Decision.Route != RouteTWAP {
		t.Fatalf("route = %q, want TWAP", result.Decision.Route)
	}
	if result.Execution.FillCount != len(result.Execution.Schedule.Legs) {
		t.Errorf("fill count %d does not cover %d legs",
			result.Execution.FillCount, len(result.Execution.Schedule.Legs))
	}
	for _, fill := range result.Execution.Fills {
		if fill.Response.Result != broker.ResultSimulated {
			t.Errorf("fill %d result = %q, want SIMULATED", fill.Index, fill.Response.Result)
		}
	}
	if diff := math.Abs(result.Execution.RequestedQty - 3.0); diff > 1e-9 {
		t.Errorf("requested qty = %f, want 3.0", result.Execution.RequestedQty)
	}

	if result.Slippage == nil {
		t.Fatalf("expected slippage summary when tracking enabled")
	}
	if result.Slippage.Tracked != result.Execution.FillCount {
		t.Errorf("tracked = %d, want %d", result.Slippage.Tracked, result.Execution.FillCount)
	}
	// 模拟成交回退到参考价，滑点应为零。
	if result.Slippage.AvgAbsSlippageBps != 0 {
		t.Errorf("avg abs slippage = %f, want 0", result.Slippage.AvgAbsSlippageBps)
	}
}

func TestActualFillPrice(t *testing.T) {
	if got := actualFillPrice(broker.Response{AvgPrice: 101}, 100); got != 101 {
		t.Errorf("avg price = %f, want 101", got)
	}
	if got := actualFillPrice(broker.Response{Raw: map[string]interface{}{"trade_price": 102.0}}, 100); got != 102 {
		t.Errorf("raw trade_price = %f, want 102", got)
	}
	trades := []interface{}{
		map[string]interface{}{"price": 100.0, "qty": 1.0},
		map[string]interface{}{"price": 110.0, "qty": 1.0},
	}
	if got := actualFillPrice(broker.Response{Raw: map[string]interface{}{"trades": trades}}, 100); got != 105 {
		t.Errorf("weighted trades = %f, want 105", got)
	}
	if got := actualFillPrice(broker.Response{}, 100); got != 100 {
		t.Errorf("fallback = %f, want reference price 100", got)
	}
}
