package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"smart-exec/internal/broker"
	"smart-exec/internal/market"
	"smart-exec/internal/schedule"
)

type mockBrokerClient struct {
	mk        market.Market
	responses []broker.Response
	errs      []error
	payloads  []broker.OrderPayload
}

func (m *mockBrokerClient) Market() market.Market {
	return m.mk
}

func (m *mockBrokerClient) PlaceOrder(_ context.Context, payload broker.OrderPayload) (broker.Response, error) {
	idx := len(m.payloads)
	m.payloads = append(m.payloads, payload)
	if idx < len(m.errs) && m.errs[idx] != nil {
		return broker.Response{}, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return broker.Response{Result: broker.ResultOK, Market: m.mk, FilledQty: payload.Qty}, nil
}

func makeSchedule(qtys []float64) schedule.Schedule {
	legs := make([]schedule.Leg, len(qtys))
	total := 0.0
	for i, q := range qtys {
		legs[i] = schedule.Leg{Index: i + 1, DelaySec: i * 10, Qty: q}
		total += q
	}
	return schedule.Schedule{
		Symbol:      "KRW-BTC",
		Side:        market.SideBuy,
		Market:      market.Crypto,
		DurationSec: len(qtys) * 10,
		TotalQty:    total,
		Legs:        legs,
	}
}

func TestExecute_SimulatedFills(t *testing.T) {
	loop := NewLoop(nil)
	sched := makeSchedule([]float64{0.5, 0.3, 0.2})

	result, err := loop.Execute(context.Background(), "TWAP", sched, Options{Simulate: true})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if result.FillCount != 3 {
		t.Fatalf("fill count = %d, want 3", result.FillCount)
	}
	if result.RequestedQty != 1.0 {
		t.Errorf("requested qty = %f, want 1.0", result.RequestedQty)
	}
	for i, fill := range result.Fills {
		if fill.Response.Result != broker.ResultSimulated {
			t.Errorf("fill %d result = %q, want SIMULATED", i, fill.Response.Result)
		}
		if fill.Index != i+1 {
			t.Errorf("fill %d index = %d, want %d", i, fill.Index, i+1)
		}
	}
}

func TestExecute_PlaceFuncTakesPrecedenceOverClient(t *testing.T) {
	loop := NewLoop(nil)
	sched := makeSchedule([]float64{1.0})

	client := &mockBrokerClient{mk: market.Crypto}
	placeCalled := 0
	place := func(_ context.Context, payload broker.OrderPayload) (broker.Response, error) {
		placeCalled++
		return broker.Response{Result: broker.ResultOK, FilledQty: payload.Qty}, nil
	}

	result, err := loop.Execute(context.Background(), "MARKET", sched, Options{Place: place, Client: client})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if placeCalled != 1 {
		t.Errorf("place func calls = %d, want 1", placeCalled)
	}
	if len(client.payloads) != 0 {
		t.Errorf("client should not be called when place func is set, got %d calls", len(client.payloads))
	}
	if result.Fills[0].Response.Result != broker.ResultOK {
		t.Errorf("fill result = %q, want OK", result.Fills[0].Response.Result)
	}
}

func TestExecute_LegErrorDoesNotAbortLoop(t *testing.T) {
	loop := NewLoop(nil)
	sched := makeSchedule([]float64{0.4, 0.3, 0.3})

	client := &mockBrokerClient{
		mk:   market.Crypto,
		errs: []error{nil, errors.New("insufficient balance"), nil},
	}

	result, err := loop.Execute(context.Background(), "TWAP", sched, Options{Client: client})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.FillCount != 3 {
		t.Fatalf("fill count = %d, want all 3 legs attempted", result.FillCount)
	}
	if result.Fills[1].Response.Result != broker.ResultError {
		t.Errorf("failed leg result = %q, want ERROR", result.Fills[1].Response.Result)
	}
	if result.Fills[2].Response.Result != broker.ResultOK {
		t.Errorf("leg after failure result = %q, want OK", result.Fills[2].Response.Result)
	}
}

func TestExecute_NoClientMarker(t *testing.T) {
	loop := NewLoop(nil)
	sched := makeSchedule([]float64{1.0})

	result, err := loop.Execute(context.Background(), "MARKET", sched, Options{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Fills[0].Response.Result != broker.ResultNoClient {
		t.Errorf("fill result = %q, want NO_CLIENT", result.Fills[0].Response.Result)
	}
}

func TestExecute_CancellationReturnsPartialResult(t *testing.T) {
	loop := NewLoop(nil)
	sched := makeSchedule([]float64{0.5, 0.3, 0.2})

	ctx, cancel := context.WithCancel(context.Background())
	placed := 0
	place := func(_ context.Context, payload broker.OrderPayload) (broker.Response, error) {
		placed++
		if placed == 2 {
			cancel()
		}
		return broker.Response{Result: broker.ResultOK, FilledQty: payload.Qty}, nil
	}

	result, err := loop.Execute(ctx, "TWAP", sched, Options{Place: place})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.FillCount != 2 {
		t.Errorf("fill count = %d, want 2 completed before cancellation", result.FillCount)
	}
	if result.RequestedQty != 0.8 {
		t.Errorf("requested qty = %f, want 0.8", result.RequestedQty)
	}
}

func TestExecute_RespectScheduleWaitsPerLeg(t *testing.T) {
	loop := NewLoop(nil)

	var waits []time.Duration
	now := time.Unix(1_700_000_000, 0)
	loop.now = func() time.Time { return now }
	loop.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	sched := makeSchedule([]float64{0.5, 0.3, 0.2})
	if _, err := loop.Execute(context.Background(), "TWAP", sched, Options{Simulate: true, RespectSchedule: true}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	want := []time.Duration{10 * time.Second, 10 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("wait count = %d, want %d", len(waits), len(want))
	}
	for i, d := range want {
		if waits[i] != d {
			t.Errorf("wait %d = %v, want %v", i, waits[i], d)
		}
	}
}
