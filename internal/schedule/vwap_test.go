package schedule

import (
	"math"
	"testing"
	"time"

	"smart-exec/internal/market"
)

func TestBuildVWAP_ProfileDrivenQuantities(t *testing.T) {
	order := Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 2.0, Market: market.Crypto}
	profile := []float64{0.1, 0.2, 0.4, 0.2, 0.1}

	sched, err := BuildVWAP(order, 90*time.Minute, 5, profile)
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}
	if len(sched.Legs) != 5 {
		t.Fatalf("expected 5 legs, got %d", len(sched.Legs))
	}

	want := []float64{0.2, 0.4, 0.8, 0.4, 0.2}
	sum := 0.0
	for i, leg := range sched.Legs {
		if diff := math.Abs(leg.Qty - want[i]); diff > 1e-9 {
			t.Errorf("leg %d qty = %f, want %f", leg.Index, leg.Qty, want[i])
		}
		sum += leg.Qty
	}
	if diff := math.Abs(sum - 2.0); diff > 1e-9 {
		t.Errorf("leg quantities sum %f, want exactly 2.0", sum)
	}

	wsum := 0.0
	for _, w := range sched.Weights {
		wsum += w
	}
	if diff := math.Abs(wsum - 1.0); diff > 1e-6 {
		t.Errorf("weights sum %f, want 1.0", wsum)
	}
}

func TestBuildVWAP_LargestRemainderShares(t *testing.T) {
	order := Order{Symbol: "005930", Side: market.SideBuy, TotalQty: 7, Market: market.KREquity}
	profile := []float64{0.5, 0.25, 0.25}

	sched, err := BuildVWAP(order, 90*time.Minute, 3, profile)
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}

	// 最大余数法：[3.5, 1.75, 1.75] -> [3, 2, 2]
	want := []float64{3, 2, 2}
	total := 0
	for i, leg := range sched.Legs {
		if leg.Qty != want[i] {
			t.Errorf("leg %d qty = %f, want %f", leg.Index, leg.Qty, want[i])
		}
		total += int(leg.Qty)
	}
	if total != 7 {
		t.Errorf("total shares = %d, want 7", total)
	}
}

func TestBuildVWAP_BucketsCappedByShares(t *testing.T) {
	order := Order{Symbol: "005930", Side: market.SideBuy, TotalQty: 3, Market: market.KREquity}
	sched, err := BuildVWAP(order, 90*time.Minute, 12, nil)
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}
	if len(sched.Legs) != 3 {
		t.Fatalf("expected 3 legs for 3 shares, got %d", len(sched.Legs))
	}

	total := 0
	for _, leg := range sched.Legs {
		total += int(leg.Qty)
	}
	if total != 3 {
		t.Errorf("total shares = %d, want 3", total)
	}
}

func TestBuildVWAP_NilProfileFallsBackToUCurve(t *testing.T) {
	order := Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 1.0, Market: market.Crypto}
	sched, err := BuildVWAP(order, 90*time.Minute, 12, nil)
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}
	if len(sched.Legs) != 12 {
		t.Fatalf("expected 12 legs, got %d", len(sched.Legs))
	}

	// U 型曲线两端权重高于中间。
	first := sched.Legs[0].Weight
	mid := sched.Legs[6].Weight
	if first <= mid {
		t.Errorf("expected edge weight %f above middle weight %f", first, mid)
	}
}

func TestBuildVWAP_ProfileLengthMismatch(t *testing.T) {
	order := Order{Symbol: "KRW-BTC", Side: market.SideBuy, TotalQty: 1.0, Market: market.Crypto}

	short, err := BuildVWAP(order, 90*time.Minute, 12, []float64{0.5, 0.5})
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}
	if len(short.Legs) != 12 {
		t.Fatalf("short profile: expected 12 legs, got %d", len(short.Legs))
	}

	long := make([]float64, 40)
	for i := range long {
		long[i] = 1
	}
	truncated, err := BuildVWAP(order, 90*time.Minute, 12, long)
	if err != nil {
		t.Fatalf("BuildVWAP returned error: %v", err)
	}
	if len(truncated.Legs) != 12 {
		t.Fatalf("long profile: expected 12 legs, got %d", len(truncated.Legs))
	}

	for name, sched := range map[string]Schedule{"short": short, "long": truncated} {
		sum := 0.0
		for _, w := range sched.Weights {
			sum += w
		}
		if diff := math.Abs(sum - 1.0); diff > 1e-6 {
			t.Errorf("%s profile: weights sum %f, want 1.0", name, sum)
		}
	}
}

func TestUCurve(t *testing.T) {
	weights := UCurve(12)
	if len(weights) != 12 {
		t.Fatalf("expected 12 weights, got %d", len(weights))
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if diff := math.Abs(sum - 1.0); diff > 1e-9 {
		t.Errorf("weights sum %f, want 1.0", sum)
	}

	for i := 0; i < len(weights)/2; i++ {
		j := len(weights) - 1 - i
		if diff := math.Abs(weights[i] - weights[j]); diff > 1e-12 {
			t.Errorf("weights not symmetric: w[%d]=%f w[%d]=%f", i, weights[i], j, weights[j])
		}
	}
	if weights[0] <= weights[5] {
		t.Errorf("expected edge weight %f above middle weight %f", weights[0], weights[5])
	}

	if got := UCurve(1); len(got) != 1 || got[0] != 1.0 {
		t.Errorf("UCurve(1) = %v, want [1.0]", got)
	}
}

func TestNormalizeWeights(t *testing.T) {
	got := NormalizeWeights([]float64{2, 1, 1}, 3)
	want := []float64{0.5, 0.25, 0.25}
	for i := range want {
		if diff := math.Abs(got[i] - want[i]); diff > 1e-12 {
			t.Errorf("weight %d = %f, want %f", i, got[i], want[i])
		}
	}

	// 负值与 NaN 视为零。
	cleaned := NormalizeWeights([]float64{-1, math.NaN(), 1}, 3)
	if cleaned[0] != 0 || cleaned[1] != 0 || cleaned[2] != 1 {
		t.Errorf("cleaned weights = %v, want [0 0 1]", cleaned)
	}

	// 全零退回 U 型曲线。
	fallback := NormalizeWeights([]float64{0, 0}, 4)
	if len(fallback) != 4 {
		t.Errorf("fallback length = %d, want 4", len(fallback))
	}
	if len(NormalizeWeights(nil, 6)) != 6 {
		t.Errorf("nil input should fall back to 6-bucket curve")
	}
}

func TestApportionShares_Exactness(t *testing.T) {
	for _, shares := range []int{1, 7, 100, 999} {
		weights := UCurve(12)
		alloc := apportionShares(shares, weights)
		total := 0
		for _, q := range alloc {
			if q < 0 {
				t.Fatalf("negative allocation %d for %d shares", q, shares)
			}
			total += q
		}
		if total != shares {
			t.Errorf("allocation sums %d, want %d", total, shares)
		}
	}
}
