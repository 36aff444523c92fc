package execution

import (
	"time"

	"smart-exec/internal/broker"
	"smart-exec/internal/schedule"
)

// Fill 记录单个切片的下单结果，Response 为下单策略返回的不透明结果。
type Fill struct {
	Index        int             `json:"index"`
	RequestedQty float64         `json:"requested_qty"`
	Weight       float64         `json:"weight,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Response     broker.Response `json:"response"`
}

// Result 为一次执行循环的汇总。RequestedQty 为各切片请求数量之和，
// 成交确认由券商协作方负责。
type Result struct {
	Route        string            `json:"route"`
	Schedule     schedule.Schedule `json:"schedule"`
	RequestedQty float64           `json:"requested_qty"`
	FillCount    int               `json:"fill_count"`
	Fills        []Fill            `json:"fills"`
}

// Options 控制一次执行循环的行为。
type Options struct {
	// Simulate 为真且未配置任何下单策略时，切片记录 SIMULATED 标记。
	Simulate bool
	// RespectSchedule 为真时按切片延迟节奏下单，否则连续执行。
	RespectSchedule bool
	// Place 为调用方自备的下单策略，优先于 Client。
	Place broker.PlaceFunc
	// Client 为市场原生客户端。
	Client broker.Client
	// PriceHint 为传入各切片的参考价提示。
	PriceHint float64
}
