// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tempo

import "github.com/luxfi/metric"

type engineMetrics struct {
	stubActive      metric.Gauge
	roundsFinalized metric.Counter
	blocksObserved  metric.Counter
	modelsActivated metric.Counter
}

func newMetrics(registerer metric.Registerer) (*engineMetrics, error) {
	// Check if registerer implements the Metrics interface
	if metricsImpl, ok := registerer.(interface {
		NewGauge(name, help string) metric.Gauge
		NewCounter(name, help string) metric.Counter
	}); ok {
		m := &engineMetrics{
			stubActive: metricsImpl.NewGauge(
				"tempo_stub_active",
				"1 while scoring runs on the stub model, 0 otherwise",
			),
			roundsFinalized: metricsImpl.NewCounter(
				"tempo_rounds_finalized",
				"Number of rounds certified",
			),
			blocksObserved: metricsImpl.NewCounter(
				"tempo_blocks_observed",
				"Number of block timers observed",
			),
			modelsActivated: metricsImpl.NewCounter(
				"tempo_models_activated",
				"Number of scoring model activations applied",
			),
		}
		return m, nil
	}

	// If not available, create noop metrics
	return &engineMetrics{
		stubActive:      metric.NewNoopGauge("tempo_stub_active"),
		roundsFinalized: metric.NewNoopCounter("tempo_rounds_finalized"),
		blocksObserved:  metric.NewNoopCounter("tempo_blocks_observed"),
		modelsActivated: metric.NewNoopCounter("tempo_models_activated"),
	}, nil
}
