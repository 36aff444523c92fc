package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/broker"
	"smart-exec/internal/schedule"
)

// Loop 按索引顺序单线程遍历执行计划，逐切片调用下单策略并收集结果。
// 单个切片失败不会中断后续切片；上下文取消在每个切片前检查，
// 已收集的结果随取消错误一并返回。
type Loop struct {
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewLoop 创建执行循环。
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Execute 执行给定计划并返回逐切片结果。
func (l *Loop) Execute(ctx context.Context, route string, sched schedule.Schedule, opts Options) (Result, error) {
	result := Result{
		Route:    route,
		Schedule: sched,
		Fills:    make([]Fill, 0, len(sched.Legs)),
	}

	start := l.now()
	requested := 0.0

	for _, leg := range sched.Legs {
		if err := ctx.Err(); err != nil {
			l.logger.Warn("执行循环被取消，剩余切片跳过",
				zap.String("symbol", sched.Symbol),
				zap.Int("completed", len(result.Fills)),
				zap.Int("total", len(sched.Legs)),
			)
			l.finalize(&result, requested)
			return result, err
		}

		if opts.RespectSchedule {
			elapsed := l.now().Sub(start)
			wait := time.Duration(leg.DelaySec)*time.Second - elapsed
			if wait > 0 {
				if err := l.sleep(ctx, wait); err != nil {
					l.finalize(&result, requested)
					return result, err
				}
			}
		}

		payload := broker.OrderPayload{
			Symbol:    sched.Symbol,
			Side:      sched.Side,
			Market:    sched.Market,
			Qty:       leg.Qty,
			PriceHint: opts.PriceHint,
		}

		response := l.placeLeg(ctx, payload, opts)
		if response.Result == broker.ResultError {
			l.logger.Warn("切片下单失败，继续执行后续切片",
				zap.String("symbol", sched.Symbol),
				zap.Int("index", leg.Index),
				zap.String("error", response.Error),
			)
		}

		requested += leg.Qty
		result.Fills = append(result.Fills, Fill{
			Index:        leg.Index,
			RequestedQty: leg.Qty,
			Weight:       leg.Weight,
			Timestamp:    l.now().UTC(),
			Response:     response,
		})
	}

	l.finalize(&result, requested)
	return result, nil
}

func (l *Loop) placeLeg(ctx context.Context, payload broker.OrderPayload, opts Options) broker.Response {
	if opts.Simulate && opts.Place == nil && opts.Client == nil {
		return broker.Response{
			Result:    broker.ResultSimulated,
			Market:    payload.Market,
			FilledQty: payload.Qty,
		}
	}

	// 调用方自备策略优先于市场原生客户端。
	if opts.Place != nil {
		response, err := opts.Place(ctx, payload)
		if err != nil {
			return broker.Response{Result: broker.ResultError, Market: payload.Market, Error: err.Error()}
		}
		return response
	}

	if opts.Client != nil {
		response, err := opts.Client.PlaceOrder(ctx, payload)
		if err != nil {
			return broker.Response{Result: broker.ResultError, Market: payload.Market, Error: err.Error()}
		}
		return response
	}

	return broker.Response{Result: broker.ResultNoClient, Market: payload.Market}
}

func (l *Loop) finalize(result *Result, requested float64) {
	result.RequestedQty = schedule.Round8(requested)
	result.FillCount = len(result.Fills)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
