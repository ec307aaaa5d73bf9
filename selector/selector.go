// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package selector picks a round's block proposer and shadow-verifier set.
//
// Selection is a pure function of the candidate set, their scores, and the
// previous round's HashTimer. There is no RNG anywhere: entropy comes from
// hashing the prior round's timer, and candidates are walked in canonical
// NodeID order, so every node draws the same validators.
package selector

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	safemath "github.com/luxfi/math"

	"github.com/luxfi/tempo/gbdt"
)

var (
	errNoValidators    = errors.New("no validators to select from")
	errFeatureLength   = errors.New("feature vector length mismatch")
	errMissingFeatures = errors.New("validator has no feature vector")
	errWeightOverflow  = errors.New("selection weight overflowed")
	errBadShadowCount  = errors.New("shadow verifier count must be non-negative")
)

// Validator is one selection candidate.
type Validator struct {
	NodeID    ids.NodeID
	PublicKey *bls.PublicKey
	Stake     uint64
}

func (v Validator) Compare(other Validator) int {
	return bytes.Compare(v.NodeID[:], other.NodeID[:])
}

// VerifierSet is the immutable outcome of selection for one round: the
// proposer, the ordered shadow verifiers, and the seed that produced them.
// It is the sole authority for which nodes may propose and attest the round.
type VerifierSet struct {
	Round     uint64
	Proposer  Validator
	Verifiers []Validator
	Seed      ids.ID
	Scores    map[ids.NodeID]int64
}

// Members returns the proposer followed by the shadow verifiers. The order is
// canonical: attestation bitsets index into it.
func (vs *VerifierSet) Members() []Validator {
	members := make([]Validator, 0, 1+len(vs.Verifiers))
	members = append(members, vs.Proposer)
	return append(members, vs.Verifiers...)
}

// Contains reports whether [nodeID] is the proposer or a shadow verifier.
func (vs *VerifierSet) Contains(nodeID ids.NodeID) bool {
	if vs.Proposer.NodeID == nodeID {
		return true
	}
	for _, v := range vs.Verifiers {
		if v.NodeID == nodeID {
			return true
		}
	}
	return false
}

// TotalStake sums the stake of every member.
func (vs *VerifierSet) TotalStake() (uint64, error) {
	var (
		total uint64
		err   error
	)
	for _, member := range vs.Members() {
		total, err = safemath.Add(total, member.Stake)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errWeightOverflow, err)
		}
	}
	return total, nil
}

// Select computes scores for [validators] with [model] and draws a proposer
// plus up to [shadowCount] shadow verifiers by deterministic weighted
// sampling without replacement.
//
// [seed] must be the previous round's RoundHashTimer — never the current
// round's, which does not exist at selection time. That ordering prevents a
// proposer from influencing its own selection odds.
//
// A validator with a non-positive score has zero selection weight. If every
// score is non-positive, selection falls back to uniform weighting over all
// validators, keyed by the same entropy, to guarantee liveness. If fewer
// weighted candidates remain than [shadowCount], all of them are included.
func Select(
	round uint64,
	validators []Validator,
	features map[ids.NodeID][]int64,
	model *gbdt.Model,
	seed ids.ID,
	shadowCount int,
) (*VerifierSet, error) {
	if len(validators) == 0 {
		return nil, errNoValidators
	}
	if shadowCount < 0 {
		return nil, fmt.Errorf("%w: %d", errBadShadowCount, shadowCount)
	}

	// Canonical candidate order. Draws walk this order, so it must be
	// identical on every node regardless of how the caller assembled the
	// validator list.
	sorted := make([]Validator, len(validators))
	copy(sorted, validators)
	slices.SortFunc(sorted, Validator.Compare)

	for _, vdr := range sorted {
		vector, ok := features[vdr.NodeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errMissingFeatures, vdr.NodeID)
		}
		if uint32(len(vector)) != model.FeatureCount {
			return nil, fmt.Errorf(
				"%w: %s has %d features, model wants %d",
				errFeatureLength,
				vdr.NodeID,
				len(vector),
				model.FeatureCount,
			)
		}
	}

	scores := scoreAll(sorted, features, model)

	scoreMap := make(map[ids.NodeID]int64, len(sorted))
	for i, vdr := range sorted {
		scoreMap[vdr.NodeID] = scores[i]
	}

	var (
		candidates []Validator
		weights    []uint64
		total      uint64
		err        error
	)
	for i, score := range scores {
		if score <= 0 {
			// Zero selection weight; the validator stays eligible for
			// housekeeping elsewhere but can never be drawn here.
			continue
		}
		candidates = append(candidates, sorted[i])
		weights = append(weights, uint64(score))
		total, err = safemath.Add(total, uint64(score))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errWeightOverflow, err)
		}
	}

	// Non-positive score universe: uniform fallback over every validator,
	// keyed by the same entropy source.
	if total == 0 {
		candidates = sorted
		weights = make([]uint64, len(sorted))
		for i := range weights {
			weights[i] = 1
		}
		total = uint64(len(weights))
	}

	sampler := newSampler(seed, round, candidates, weights, total)

	proposer := sampler.draw()
	verifiers := sampler.drawUpTo(shadowCount)

	return &VerifierSet{
		Round:     round,
		Proposer:  proposer,
		Verifiers: verifiers,
		Seed:      seed,
		Scores:    scoreMap,
	}, nil
}

func scoreAll(
	candidates []Validator,
	features map[ids.NodeID][]int64,
	model *gbdt.Model,
) []int64 {
	// Scoring is pure, so it fans out across goroutines. Results land in an
	// indexed slice, which keeps the output independent of completion order.
	scores := make([]int64, len(candidates))
	var wg sync.WaitGroup
	for i, vdr := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scores[i] = model.Score(features[vdr.NodeID])
		}()
	}
	wg.Wait()
	return scores
}
