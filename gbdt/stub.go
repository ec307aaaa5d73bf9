// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gbdt

const (
	// StubFeatureCount matches the width of the validator feature vector so
	// the stub slots in anywhere a registry model would.
	StubFeatureCount = 5

	// stubScore is the flat score the stub assigns every validator, which
	// degrades selection to uniform weighting.
	stubScore = 1000
)

// StubModel returns the hard-coded fallback model used when no registry model
// is loaded. It is a valid, degraded operating mode intended for test
// environments: a single tree with a single leaf that scores every validator
// identically. Its use is surfaced through the registry status query and the
// stub-active metric rather than treated as an error.
func StubModel() *Model {
	return &Model{
		ID:           "stub",
		Version:      "stub-v1",
		FeatureCount: StubFeatureCount,
		Scale:        1,
		Bias:         0,
		Trees: []Tree{{
			Nodes: []Node{{
				Leaf:  true,
				Value: stubScore,
			}},
		}},
	}
}
