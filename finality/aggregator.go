// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package finality aggregates block HashTimers and verifier attestations
// into round certificates.
//
// A round certifies once a stake-weighted quorum of its verifier set attests
// to the RoundHashTimer this node computed from the round's blocks. If
// verifier views diverge, no certificate is issued and the round stays
// pending; escalation to fork choice happens outside this core. Quorum
// waiting has no internal timeout for the same reason.
package finality

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/tempo/hashtimer"
	"github.com/luxfi/tempo/selector"
)

var (
	errRoundNotStarted   = errors.New("round not started")
	errRoundCertified    = errors.New("round already certified")
	errNotVerifier       = errors.New("attestor is not in the verifier set")
	errBadAttestationSig = errors.New("attestation signature invalid")
)

// Aggregator tallies block timers and attestations per round. The tally is
// append-only and guarded by a single mutex; the hash and signature work it
// triggers is pure and lock-free.
type Aggregator struct {
	logger    log.Logger
	quorumNum uint64
	quorumDen uint64

	mu     sync.Mutex
	rounds map[uint64]*roundTally
}

type roundTally struct {
	verifiers  *selector.VerifierSet
	window     hashtimer.Window
	commitment ids.ID

	blockTimers []hashtimer.Timer

	// attestations by node, deduplicated on arrival.
	attestations map[ids.NodeID]Attestation

	certificate *RoundCertificate
}

// NewAggregator returns an aggregator issuing certificates at
// quorumNum/quorumDen of the verifier set's stake.
func NewAggregator(logger log.Logger, quorumNum, quorumDen uint64) *Aggregator {
	return &Aggregator{
		logger:    logger,
		quorumNum: quorumNum,
		quorumDen: quorumDen,
		rounds:    make(map[uint64]*roundTally),
	}
}

// StartRound registers the round's verifier set, window, and validator
// commitment. Observations for unregistered rounds are rejected.
func (a *Aggregator) StartRound(
	round uint64,
	verifiers *selector.VerifierSet,
	window hashtimer.Window,
	commitment ids.ID,
) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.rounds[round]; ok {
		return
	}
	a.rounds[round] = &roundTally{
		verifiers:    verifiers,
		window:       window,
		commitment:   commitment,
		attestations: make(map[ids.NodeID]Attestation),
	}
}

// ObserveBlock records a block's timer as a contribution to the round's
// RoundHashTimer. The timer must fall inside the round's window.
func (a *Aggregator) ObserveBlock(round uint64, blockTimer hashtimer.Timer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tally, ok := a.rounds[round]
	if !ok {
		return fmt.Errorf("%w: %d", errRoundNotStarted, round)
	}
	if tally.certificate != nil {
		return fmt.Errorf("%w: %d", errRoundCertified, round)
	}
	if !tally.window.Contains(blockTimer.Slot) {
		return fmt.Errorf(
			"block timer slot %d not in round window [%d, %d]",
			blockTimer.Slot,
			tally.window.Start,
			tally.window.End,
		)
	}
	tally.blockTimers = append(tally.blockTimers, blockTimer)
	return nil
}

// ObserveAttestation records a verifier's attestation after checking the
// attestor is in the round's verifier set and the signature verifies.
// A node's repeated attestations beyond its first are ignored.
func (a *Aggregator) ObserveAttestation(att Attestation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tally, ok := a.rounds[att.Round]
	if !ok {
		return fmt.Errorf("%w: %d", errRoundNotStarted, att.Round)
	}
	if tally.certificate != nil {
		return fmt.Errorf("%w: %d", errRoundCertified, att.Round)
	}
	if !tally.verifiers.Contains(att.NodeID) {
		return fmt.Errorf("%w: %s", errNotVerifier, att.NodeID)
	}
	if _, ok := tally.attestations[att.NodeID]; ok {
		return nil
	}

	var publicKey *bls.PublicKey
	for _, member := range tally.verifiers.Members() {
		if member.NodeID == att.NodeID {
			publicKey = member.PublicKey
			break
		}
	}
	sig, err := bls.SignatureFromBytes(att.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %w", errBadAttestationSig, err)
	}
	if !bls.Verify(publicKey, sig, AttestationBytes(att.Round, att.Timer)) {
		return fmt.Errorf("%w: %s", errBadAttestationSig, att.NodeID)
	}

	tally.attestations[att.NodeID] = att
	return nil
}

// TryFinalize derives the round's timer from the observed block timers and
// issues a certificate if attestations matching that timer reach quorum.
// It returns (nil, false) while the round is pending — insufficient or
// divergent attestations are a liveness condition, not an error — and the
// issued certificate with true once the round is terminal.
func (a *Aggregator) TryFinalize(round uint64) (*RoundCertificate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tally, ok := a.rounds[round]
	if !ok {
		return nil, false
	}
	if tally.certificate != nil {
		return tally.certificate, true
	}
	if len(tally.blockTimers) == 0 {
		return nil, false
	}

	roundTimer, err := hashtimer.DeriveRound(tally.blockTimers, tally.commitment, tally.window)
	if err != nil {
		a.logger.Error("round timer derivation failed",
			log.Uint64("round", round),
			log.Err(err),
		)
		return nil, false
	}

	totalStake, err := tally.verifiers.TotalStake()
	if err != nil {
		a.logger.Error("verifier stake overflow",
			log.Uint64("round", round),
			log.Err(err),
		)
		return nil, false
	}

	var (
		members       = tally.verifiers.Members()
		signers       = set.NewBits()
		signerWeight  uint64
		matchingSigs  []*bls.Signature
		divergentSeen int
	)
	for i, member := range members {
		att, ok := tally.attestations[member.NodeID]
		if !ok {
			continue
		}
		if att.Timer != roundTimer.Digest {
			divergentSeen++
			continue
		}
		sig, err := bls.SignatureFromBytes(att.Signature[:])
		if err != nil {
			continue
		}
		signers.Add(i)
		signerWeight += member.Stake
		matchingSigs = append(matchingSigs, sig)
	}

	if err := VerifyWeight(signerWeight, totalStake, a.quorumNum, a.quorumDen); err != nil {
		if divergentSeen > 0 {
			a.logger.Warn("verifiers diverge on round timer",
				log.Uint64("round", round),
				log.Int("divergent", divergentSeen),
				log.Stringer("localTimer", roundTimer.Digest),
			)
		}
		return nil, false
	}

	aggSig, err := bls.AggregateSignatures(matchingSigs)
	if err != nil {
		a.logger.Error("attestation aggregation failed",
			log.Uint64("round", round),
			log.Err(err),
		)
		return nil, false
	}

	// Certificates must serialize identically on every node, so the block
	// timers are emitted in digest order rather than local arrival order.
	blockTimers := slices.Clone(tally.blockTimers)
	slices.SortFunc(blockTimers, func(a, b hashtimer.Timer) int {
		return bytes.Compare(a.Digest[:], b.Digest[:])
	})

	cert := &RoundCertificate{
		Round:       round,
		RoundTimer:  roundTimer,
		Signers:     signers.Bytes(),
		BlockTimers: blockTimers,
	}
	copy(cert.Signature[:], bls.SignatureToBytes(aggSig))

	tally.certificate = cert
	a.logger.Info("round certified",
		log.Uint64("round", round),
		log.Stringer("roundTimer", roundTimer.Digest),
		log.Uint64("attestedStake", signerWeight),
		log.Uint64("totalStake", totalStake),
	)
	return cert, true
}

// Certificate returns the round's certificate if one was issued.
func (a *Aggregator) Certificate(round uint64) (*RoundCertificate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tally, ok := a.rounds[round]
	if !ok || tally.certificate == nil {
		return nil, false
	}
	return tally.certificate, true
}

// AbandonRound drops a pending round's tally. Certified rounds are terminal
// and keep their certificate.
func (a *Aggregator) AbandonRound(round uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tally, ok := a.rounds[round]; ok && tally.certificate == nil {
		delete(a.rounds, round)
	}
}
