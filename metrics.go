// metrics.go: OpenTelemetry instruments for appender activity
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/agilira/mneme"

	metricRecords          = "mneme.records"
	metricBytes            = "mneme.bytes"
	metricRollovers        = "mneme.rollovers"
	metricErrors           = "mneme.errors"
	metricRolloverDuration = "mneme.rollover.duration"
)

var rolloverBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

type metrics struct {
	records   metric.Int64Counter
	bytes     metric.Int64Counter
	rollovers metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram

	base attribute.KeyValue
	opt  metric.MeasurementOption
}

// newMetrics registers the instruments on mp, or on the global provider
// when mp is nil. The global provider is a no-op until an SDK is installed.
func newMetrics(mp metric.MeterProvider, appender string) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{base: attribute.String("appender", appender)}
	m.opt = metric.WithAttributes(m.base)

	var err error
	if m.records, err = meter.Int64Counter(metricRecords,
		metric.WithDescription("Records appended"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter(metricBytes,
		metric.WithDescription("Bytes appended"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.rollovers, err = meter.Int64Counter(metricRollovers,
		metric.WithDescription("Completed rollovers"), metric.WithUnit("{rollover}")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter(metricErrors,
		metric.WithDescription("Reported errors"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram(metricRolloverDuration,
		metric.WithDescription("Time spent inside the rollover critical section"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rolloverBuckets...)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordAppend(n int) {
	ctx := context.Background()
	m.records.Add(ctx, 1, m.opt)
	m.bytes.Add(ctx, int64(n), m.opt)
}

func (m *metrics) recordRollover(reason RolloverReason, elapsed time.Duration) {
	opt := metric.WithAttributes(m.base, attribute.String("reason", string(reason)))
	ctx := context.Background()
	m.rollovers.Add(ctx, 1, opt)
	m.duration.Record(ctx, elapsed.Seconds(), opt)
}

func (m *metrics) recordError(op string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(m.base, attribute.String("op", op)))
}
