// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package selector

import (
	"encoding/binary"

	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/utils/hashing"
)

var selectPrefix = []byte("tempo/select")

// sampler draws candidates without replacement, weighted by score. Each draw
// hashes (prefix || seed || round || counter) and reduces the first 8 bytes
// modulo the remaining total weight; the drawn candidate is the one whose
// cumulative weight range covers that value, walking canonical order.
type sampler struct {
	seed       ids.ID
	round      uint64
	counter    uint64
	candidates []Validator
	weights    []uint64
	total      uint64
}

func newSampler(
	seed ids.ID,
	round uint64,
	candidates []Validator,
	weights []uint64,
	total uint64,
) *sampler {
	return &sampler{
		seed:       seed,
		round:      round,
		candidates: candidates,
		weights:    weights,
		total:      total,
	}
}

func (s *sampler) remaining() int {
	return len(s.candidates)
}

// draw removes and returns one candidate.
//
// Invariant: at least one candidate remains.
func (s *sampler) draw() Validator {
	preimage := make([]byte, 0, len(selectPrefix)+ids.IDLen+16)
	preimage = append(preimage, selectPrefix...)
	preimage = append(preimage, s.seed[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, s.round)
	preimage = binary.BigEndian.AppendUint64(preimage, s.counter)
	s.counter++

	digest := hashing.ComputeHash256Array(preimage)
	target := binary.BigEndian.Uint64(digest[:8]) % s.total

	var cumulative uint64
	idx := len(s.candidates) - 1
	for i, weight := range s.weights {
		cumulative += weight
		if target < cumulative {
			idx = i
			break
		}
	}

	drawn := s.candidates[idx]
	s.total -= s.weights[idx]
	s.candidates = append(s.candidates[:idx], s.candidates[idx+1:]...)
	s.weights = append(s.weights[:idx], s.weights[idx+1:]...)
	return drawn
}

// drawUpTo draws up to [n] candidates. If fewer remain, all remaining
// candidates are returned in canonical order — the shortfall rule, not an
// error.
func (s *sampler) drawUpTo(n int) []Validator {
	if n >= s.remaining() {
		out := s.candidates
		s.candidates = nil
		s.weights = nil
		s.total = 0
		return out
	}
	out := make([]Validator, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.draw())
	}
	return out
}
