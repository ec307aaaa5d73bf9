// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/gbdt"
	"github.com/luxfi/tempo/telemetry"
)

func nodeID(b byte) ids.NodeID {
	var id ids.NodeID
	id[0] = b
	return id
}

// uniformModel assigns every validator the same score.
func uniformModel(score int64) *gbdt.Model {
	return &gbdt.Model{
		ID:           "flat",
		Version:      "v1",
		FeatureCount: telemetry.NumFeatures,
		Scale:        1,
		Trees: []gbdt.Tree{{
			Nodes: []gbdt.Node{{Leaf: true, Value: score}},
		}},
	}
}

// thresholdModel returns [high] for validators whose stake feature exceeds
// [cut] and [low] otherwise.
func thresholdModel(cut, low, high int64) *gbdt.Model {
	return &gbdt.Model{
		ID:           "threshold",
		Version:      "v1",
		FeatureCount: telemetry.NumFeatures,
		Scale:        1,
		Trees: []gbdt.Tree{{
			Nodes: []gbdt.Node{
				{FeatureIndex: telemetry.FeatureStake, Threshold: cut, Left: 1, Right: 2},
				{Leaf: true, Value: low},
				{Leaf: true, Value: high},
			},
		}},
	}
}

func testValidators(n int) ([]Validator, map[ids.NodeID][]int64) {
	validators := make([]Validator, 0, n)
	features := make(map[ids.NodeID][]int64, n)
	for i := 1; i <= n; i++ {
		id := nodeID(byte(i))
		validators = append(validators, Validator{
			NodeID: id,
			Stake:  uint64(i) * 100,
		})
		features[id] = []int64{0, 0, 0, 0, int64(i) * 100}
	}
	return validators, features
}

func TestSelectDeterministic(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(7)
	model := thresholdModel(0, 0, 10)
	seed := ids.GenerateTestID()

	first, err := Select(5, validators, features, model, seed, 3)
	require.NoError(err)

	for i := 0; i < 10; i++ {
		again, err := Select(5, validators, features, model, seed, 3)
		require.NoError(err)
		require.Equal(first.Proposer, again.Proposer)
		require.Equal(first.Verifiers, again.Verifiers)
	}

	require.Equal(seed, first.Seed)
	require.Len(first.Verifiers, 3)
	require.False(containsNode(first.Verifiers, first.Proposer.NodeID))
}

func TestSelectSeedIndependence(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(7)
	model := thresholdModel(0, 0, 10)
	seed := ids.GenerateTestID()

	// The round number scopes the draw but everything else about the
	// current round is invisible to selection: two calls for the same round
	// with the same prior-round seed must agree even if the caller's other
	// round-local state differs.
	a, err := Select(9, validators, features, model, seed, 3)
	require.NoError(err)
	b, err := Select(9, validators, features, model, seed, 3)
	require.NoError(err)
	require.Equal(a.Proposer, b.Proposer)
	require.Equal(a.Verifiers, b.Verifiers)

	// A different prior-round timer reshuffles selection. Checked across
	// many rounds with fixed seeds so the assertion is deterministic.
	seedA := ids.ID{1}
	seedB := ids.ID{2}
	var different bool
	for round := uint64(0); round < 20; round++ {
		selA, err := Select(round, validators, features, model, seedA, 3)
		require.NoError(err)
		selB, err := Select(round, validators, features, model, seedB, 3)
		require.NoError(err)
		if selA.Proposer != selB.Proposer {
			different = true
		}
	}
	require.True(different)
}

func TestSelectShortfall(t *testing.T) {
	require := require.New(t)

	// 3 eligible validators, 5 shadow verifiers requested: everyone serves,
	// no error, no duplicates.
	validators, features := testValidators(3)
	model := thresholdModel(0, 0, 10)

	vs, err := Select(1, validators, features, model, ids.GenerateTestID(), 5)
	require.NoError(err)
	require.Len(vs.Verifiers, 2)

	seen := map[ids.NodeID]bool{vs.Proposer.NodeID: true}
	for _, v := range vs.Verifiers {
		require.False(seen[v.NodeID])
		seen[v.NodeID] = true
	}
	require.Len(seen, 3)
}

func TestSelectUniformFallback(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(4)
	model := uniformModel(-7) // every score non-positive

	vs, err := Select(2, validators, features, model, ids.GenerateTestID(), 2)
	require.NoError(err)

	// Liveness: a proposer and verifiers are still selected.
	require.NotEqual(ids.EmptyNodeID, vs.Proposer.NodeID)
	require.Len(vs.Verifiers, 2)
	for _, score := range vs.Scores {
		require.Equal(int64(-7), score)
	}
}

func TestSelectZeroWeightExcluded(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(6)
	// Validators with stake <= 300 score 0 and must never be drawn.
	model := thresholdModel(300, 0, 10)

	for trial := 0; trial < 20; trial++ {
		vs, err := Select(uint64(trial), validators, features, model, ids.GenerateTestID(), 2)
		require.NoError(err)
		require.Greater(vs.Proposer.Stake, uint64(300))
		for _, v := range vs.Verifiers {
			require.Greater(v.Stake, uint64(300))
		}
	}
}

func TestSelectInputValidation(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(3)
	model := uniformModel(1)

	_, err := Select(1, nil, features, model, ids.Empty, 2)
	require.ErrorIs(err, errNoValidators)

	_, err = Select(1, validators, features, model, ids.Empty, -1)
	require.ErrorIs(err, errBadShadowCount)

	delete(features, validators[0].NodeID)
	_, err = Select(1, validators, features, model, ids.Empty, 2)
	require.ErrorIs(err, errMissingFeatures)

	_, features = testValidators(3)
	features[validators[0].NodeID] = []int64{1, 2}
	_, err = Select(1, validators, features, model, ids.Empty, 2)
	require.ErrorIs(err, errFeatureLength)
}

func TestVerifierSetHelpers(t *testing.T) {
	require := require.New(t)

	validators, features := testValidators(5)
	model := thresholdModel(0, 0, 10)

	vs, err := Select(3, validators, features, model, ids.GenerateTestID(), 2)
	require.NoError(err)

	members := vs.Members()
	require.Len(members, 3)
	require.Equal(vs.Proposer, members[0])

	for _, member := range members {
		require.True(vs.Contains(member.NodeID))
	}
	require.False(vs.Contains(nodeID(99)))

	total, err := vs.TotalStake()
	require.NoError(err)
	var expected uint64
	for _, member := range members {
		expected += member.Stake
	}
	require.Equal(expected, total)
}

func containsNode(validators []Validator, nodeID ids.NodeID) bool {
	for _, v := range validators {
		if v.NodeID == nodeID {
			return true
		}
	}
	return false
}
