// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tempo wires the scoring registry, verifier selector, and finality
// aggregator into a per-round pipeline over a persistent state layer.
package tempo

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/tempo/finality"
	"github.com/luxfi/tempo/hashtimer"
	"github.com/luxfi/tempo/modelregistry"
	"github.com/luxfi/tempo/selector"
	"github.com/luxfi/tempo/state"
	"github.com/luxfi/tempo/telemetry"
)

var (
	errWindowOutsideRound = errors.New("block window not contained in the round window")
	errBlockWindowSpan    = errors.New("block window spans more slots than allowed")
)

// Engine drives one scoring-and-finality pipeline instance. Rounds are
// started explicitly by the round driver; blocks and attestations arrive
// from the network between a round's start and its finalization.
type Engine struct {
	config   Config
	logger   log.Logger
	metrics  *engineMetrics
	registry *modelregistry.Registry
	agg      *finality.Aggregator
	state    *state.State

	mu            sync.Mutex
	verifierSets  map[uint64]*selector.VerifierSet
	finalized     map[uint64]bool
	lastModelHash string
}

func New(
	config Config,
	logger log.Logger,
	registerer metric.Registerer,
	db database.Database,
) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st := state.New(db)
	registry, err := modelregistry.New(logger, config.MinActivationLead, st)
	if err != nil {
		return nil, err
	}
	metrics, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:        config,
		logger:        logger,
		metrics:       metrics,
		registry:      registry,
		agg:           finality.NewAggregator(logger, config.QuorumNum, config.QuorumDen),
		state:         st,
		verifierSets:  make(map[uint64]*selector.VerifierSet),
		finalized:     make(map[uint64]bool),
		lastModelHash: registry.Status(0).ModelHash,
	}
	e.metrics.stubActive.Set(1)
	return e, nil
}

// Registry exposes the model lifecycle operations to the governance surface.
func (e *Engine) Registry() *modelregistry.Registry {
	return e.registry
}

// RoundWindow returns the slot window assigned to [round].
func (e *Engine) RoundWindow(round uint64) hashtimer.Window {
	return hashtimer.Window{
		Start: round * e.config.RoundWindowSlots,
		End:   (round+1)*e.config.RoundWindowSlots - 1,
	}
}

// StartRound applies any model activation due at [round], selects the
// round's verifier set seeded by the previous round's timer, and opens the
// round for block and attestation observations. Idempotent per round.
func (e *Engine) StartRound(
	round uint64,
	validators []selector.Validator,
	features map[ids.NodeID][]int64,
	commitment ids.ID,
) (*selector.VerifierSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vs, ok := e.verifierSets[round]; ok {
		return vs, nil
	}

	if err := e.registry.Advance(round); err != nil {
		return nil, err
	}
	status := e.registry.Status(round)
	if status.UsingStub {
		e.metrics.stubActive.Set(1)
	} else {
		e.metrics.stubActive.Set(0)
	}
	if status.ModelHash != e.lastModelHash {
		e.metrics.modelsActivated.Inc()
		e.lastModelHash = status.ModelHash
	}

	model, _ := e.registry.ActiveModel(round)
	seed := e.seedFor(round)

	vs, err := selector.Select(
		round,
		validators,
		features,
		model,
		seed,
		e.config.ShadowVerifierCount,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting verifiers for round %d: %w", round, err)
	}

	e.agg.StartRound(round, vs, e.RoundWindow(round), commitment)
	e.verifierSets[round] = vs

	e.logger.Info("round started",
		log.Uint64("round", round),
		log.Stringer("proposer", vs.Proposer.NodeID),
		log.Int("verifiers", len(vs.Verifiers)),
		log.Stringer("seed", seed),
		log.String("modelVersion", status.ModelVersion),
	)
	return vs, nil
}

// ObserveBlock derives a block's timer from its transaction timers and
// records it toward the round's RoundHashTimer. The block window must sit
// inside the round window and respect the configured span.
func (e *Engine) ObserveBlock(
	round uint64,
	txTimers []hashtimer.Timer,
	parent ids.ID,
	proposer ids.NodeID,
	window hashtimer.Window,
) (hashtimer.Timer, error) {
	roundWindow := e.RoundWindow(round)
	if window.Start < roundWindow.Start || window.End > roundWindow.End {
		return hashtimer.Timer{}, fmt.Errorf(
			"%w: block [%d, %d], round [%d, %d]",
			errWindowOutsideRound,
			window.Start, window.End,
			roundWindow.Start, roundWindow.End,
		)
	}
	if window.End-window.Start+1 > e.config.BlockWindowSlots {
		return hashtimer.Timer{}, fmt.Errorf(
			"%w: %d slots, max %d",
			errBlockWindowSpan,
			window.End-window.Start+1,
			e.config.BlockWindowSlots,
		)
	}

	blockTimer, err := hashtimer.DeriveBlock(txTimers, parent, proposer, window)
	if err != nil {
		return hashtimer.Timer{}, err
	}
	if err := e.agg.ObserveBlock(round, blockTimer); err != nil {
		return hashtimer.Timer{}, err
	}
	if err := e.state.PutBlockTimer(round, blockTimer); err != nil {
		return hashtimer.Timer{}, err
	}
	e.metrics.blocksObserved.Inc()
	return blockTimer, nil
}

// ObserveAttestation feeds a verifier's attestation to the aggregator.
func (e *Engine) ObserveAttestation(att finality.Attestation) error {
	return e.agg.ObserveAttestation(att)
}

// TryFinalize attempts to certify [round]. On the first success the
// certificate and the round's pending writes are committed atomically.
func (e *Engine) TryFinalize(round uint64) (*finality.RoundCertificate, bool, error) {
	cert, ok := e.agg.TryFinalize(round)
	if !ok {
		return nil, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized[round] {
		return cert, true, nil
	}
	if err := e.state.PutRoundCertificate(cert); err != nil {
		return nil, false, err
	}
	if err := e.state.Commit(); err != nil {
		return nil, false, err
	}
	e.finalized[round] = true
	e.metrics.roundsFinalized.Inc()
	return cert, true, nil
}

// Certificate returns the certificate for [round] from the live aggregator
// or, for evicted rounds, from persistent state.
func (e *Engine) Certificate(round uint64) (*finality.RoundCertificate, bool) {
	if cert, ok := e.agg.Certificate(round); ok {
		return cert, true
	}
	cert, err := e.state.GetRoundCertificate(round)
	if err != nil {
		return nil, false
	}
	return cert, true
}

// VerifierSet returns the set selected for [round], if the round was started.
func (e *Engine) VerifierSet(round uint64) (*selector.VerifierSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vs, ok := e.verifierSets[round]
	return vs, ok
}

// Status reports the scoring state for [round].
func (e *Engine) Status(round uint64) modelregistry.Status {
	return e.registry.Status(round)
}

// AbandonRound drops a pending round's tally and selection. Certified rounds
// are unaffected.
func (e *Engine) AbandonRound(round uint64) {
	e.agg.AbandonRound(round)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finalized[round] {
		delete(e.verifierSets, round)
	}
}

// Shutdown releases the state layer. Pending uncommitted writes are dropped.
func (e *Engine) Shutdown() error {
	e.state.Abort()
	return e.state.Close()
}

// seedFor returns the previous round's certified timer digest, or ids.Empty
// for the genesis round and for rounds whose predecessor never certified.
func (e *Engine) seedFor(round uint64) ids.ID {
	if round == 0 {
		return ids.Empty
	}
	if cert, ok := e.agg.Certificate(round - 1); ok {
		return cert.RoundTimer.Digest
	}
	cert, err := e.state.GetRoundCertificate(round - 1)
	if err != nil {
		return ids.Empty
	}
	return cert.RoundTimer.Digest
}

// BuildFeatures assembles the selector's feature vectors from a telemetry
// feed. Validators absent from the feed fall back to their registered stake
// with zeroed activity features, which the model scores accordingly.
//
// Feature vectors are signed, so stakes above MaxInt64 saturate instead of
// wrapping negative.
func BuildFeatures(
	feed *telemetry.Feed,
	validators []selector.Validator,
	cutoff int64,
) map[ids.NodeID][]int64 {
	features := make(map[ids.NodeID][]int64, len(validators))
	for _, v := range validators {
		stake := int64(math.MaxInt64)
		if v.Stake <= math.MaxInt64 {
			stake = int64(v.Stake)
		}
		features[v.NodeID] = feed.Features(v.NodeID, cutoff, stake)
	}
	return features
}
