package diag

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 指标经由全局 MeterProvider 导出；未安装 Provider 时为 no-op。
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}

var (
	instOnce sync.Once
	opTotal  metric.Int64Counter
	errTotal metric.Int64Counter
	opDurMS  metric.Int64Histogram
)

func instruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter("llmtag")
		opTotal, _ = m.Int64Counter("op_total", metric.WithDescription("stage operations by result"))
		errTotal, _ = m.Int64Counter("error_total", metric.WithDescription("classified errors"))
		opDurMS, _ = m.Int64Histogram("op_duration_ms", metric.WithUnit("ms"))
	})
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	instruments()
	if opTotal == nil {
		return
	}
	opTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("stage", stage),
		attribute.String("result", result),
	))
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	instruments()
	if errTotal == nil {
		return
	}
	errTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("code", code),
	))
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	instruments()
	if opDurMS == nil {
		return
	}
	opDurMS.Record(context.Background(), durMS, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("stage", stage),
	))
}
