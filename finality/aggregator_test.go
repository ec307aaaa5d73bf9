// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package finality

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/tempo/hashtimer"
	"github.com/luxfi/tempo/selector"
)

type testVerifier struct {
	validator selector.Validator
	signer    *localsigner.LocalSigner
}

func newTestVerifiers(t *testing.T, n int) []testVerifier {
	t.Helper()

	verifiers := make([]testVerifier, n)
	for i := range verifiers {
		sk, err := localsigner.New()
		require.NoError(t, err)
		verifiers[i] = testVerifier{
			validator: selector.Validator{
				NodeID:    ids.GenerateTestNodeID(),
				PublicKey: sk.PublicKey(),
				Stake:     1,
			},
			signer: sk,
		}
	}
	return verifiers
}

func verifierSet(round uint64, verifiers []testVerifier) *selector.VerifierSet {
	shadows := make([]selector.Validator, 0, len(verifiers)-1)
	for _, v := range verifiers[1:] {
		shadows = append(shadows, v.validator)
	}
	return &selector.VerifierSet{
		Round:     round,
		Proposer:  verifiers[0].validator,
		Verifiers: shadows,
		Seed:      ids.GenerateTestID(),
	}
}

func startedAggregator(
	t *testing.T,
	round uint64,
	verifiers []testVerifier,
	quorumNum uint64,
	quorumDen uint64,
) (*Aggregator, hashtimer.Timer) {
	t.Helper()
	require := require.New(t)

	window := hashtimer.Window{Start: 0, End: 100}
	commitment := ids.GenerateTestID()

	agg := NewAggregator(log.NewNoOpLogger(), quorumNum, quorumDen)
	agg.StartRound(round, verifierSet(round, verifiers), window, commitment)

	blockTimers := []hashtimer.Timer{
		{Digest: ids.GenerateTestID(), Slot: 10},
		{Digest: ids.GenerateTestID(), Slot: 50},
		{Digest: ids.GenerateTestID(), Slot: 90},
	}
	for _, bt := range blockTimers {
		require.NoError(agg.ObserveBlock(round, bt))
	}

	roundTimer, err := hashtimer.DeriveRound(blockTimers, commitment, window)
	require.NoError(err)
	return agg, roundTimer
}

func TestQuorumConvergence(t *testing.T) {
	require := require.New(t)

	// 7 verifiers, 5-of-7 quorum.
	const round = 3
	verifiers := newTestVerifiers(t, 7)
	agg, roundTimer := startedAggregator(t, round, verifiers, 5, 7)

	// 4 attestations: below quorum, no certificate.
	for _, v := range verifiers[:4] {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}
	_, ok := agg.TryFinalize(round)
	require.False(ok)

	// 5th matching attestation: quorum reached, certificate contains the
	// computed round timer.
	att, err := NewAttestation(verifiers[4].signer, verifiers[4].validator.NodeID, round, roundTimer.Digest)
	require.NoError(err)
	require.NoError(agg.ObserveAttestation(att))

	cert, ok := agg.TryFinalize(round)
	require.True(ok)
	require.Equal(roundTimer, cert.RoundTimer)
	require.Equal(uint64(round), cert.Round)
	require.Len(cert.BlockTimers, 3)

	// The certificate verifies as a peer would verify it.
	require.NoError(cert.Verify(verifierSet(round, verifiers), 5, 7))
}

func TestQuorumDivergence(t *testing.T) {
	require := require.New(t)

	// 4 matching + 3 divergent attestations: no certificate.
	const round = 4
	verifiers := newTestVerifiers(t, 7)
	agg, roundTimer := startedAggregator(t, round, verifiers, 5, 7)

	divergent := ids.GenerateTestID()
	for _, v := range verifiers[:4] {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}
	for _, v := range verifiers[4:] {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, divergent)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}

	_, ok := agg.TryFinalize(round)
	require.False(ok)
}

func TestAttestationValidation(t *testing.T) {
	require := require.New(t)

	const round = 5
	verifiers := newTestVerifiers(t, 3)
	agg, roundTimer := startedAggregator(t, round, verifiers, 2, 3)

	// Unknown round.
	att, err := NewAttestation(verifiers[0].signer, verifiers[0].validator.NodeID, 99, roundTimer.Digest)
	require.NoError(err)
	err = agg.ObserveAttestation(att)
	require.ErrorIs(err, errRoundNotStarted)

	// Attestor outside the verifier set.
	outsider, err := localsigner.New()
	require.NoError(err)
	att, err = NewAttestation(outsider, ids.GenerateTestNodeID(), round, roundTimer.Digest)
	require.NoError(err)
	err = agg.ObserveAttestation(att)
	require.ErrorIs(err, errNotVerifier)

	// Signature by the wrong key.
	att, err = NewAttestation(outsider, verifiers[0].validator.NodeID, round, roundTimer.Digest)
	require.NoError(err)
	err = agg.ObserveAttestation(att)
	require.ErrorIs(err, errBadAttestationSig)

	// Valid attestation, duplicated: second arrival is a no-op.
	att, err = NewAttestation(verifiers[0].signer, verifiers[0].validator.NodeID, round, roundTimer.Digest)
	require.NoError(err)
	require.NoError(agg.ObserveAttestation(att))
	require.NoError(agg.ObserveAttestation(att))
}

func TestCertifiedRoundIsTerminal(t *testing.T) {
	require := require.New(t)

	const round = 6
	verifiers := newTestVerifiers(t, 3)
	agg, roundTimer := startedAggregator(t, round, verifiers, 2, 3)

	for _, v := range verifiers {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}

	cert, ok := agg.TryFinalize(round)
	require.True(ok)

	// Further observations are rejected; the certificate is unchanged.
	err := agg.ObserveBlock(round, hashtimer.Timer{Slot: 10})
	require.ErrorIs(err, errRoundCertified)

	att, err := NewAttestation(verifiers[0].signer, verifiers[0].validator.NodeID, round, roundTimer.Digest)
	require.NoError(err)
	err = agg.ObserveAttestation(att)
	require.ErrorIs(err, errRoundCertified)

	again, ok := agg.TryFinalize(round)
	require.True(ok)
	require.Equal(cert, again)

	// Abandon is a no-op on a certified round.
	agg.AbandonRound(round)
	got, ok := agg.Certificate(round)
	require.True(ok)
	require.Equal(cert, got)
}

func TestAbandonPendingRound(t *testing.T) {
	require := require.New(t)

	const round = 7
	verifiers := newTestVerifiers(t, 3)
	agg, _ := startedAggregator(t, round, verifiers, 2, 3)

	agg.AbandonRound(round)
	err := agg.ObserveBlock(round, hashtimer.Timer{Slot: 10})
	require.ErrorIs(err, errRoundNotStarted)
}

func TestCertificateRoundTrip(t *testing.T) {
	require := require.New(t)

	const round = 8
	verifiers := newTestVerifiers(t, 3)
	agg, roundTimer := startedAggregator(t, round, verifiers, 2, 3)

	for _, v := range verifiers {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}
	cert, ok := agg.TryFinalize(round)
	require.True(ok)

	bytes, err := cert.Bytes()
	require.NoError(err)
	parsed, err := ParseRoundCertificate(bytes)
	require.NoError(err)
	require.Equal(cert, parsed)
	require.NoError(parsed.Verify(verifierSet(round, verifiers), 2, 3))
}

func TestCertificateBlockTimerOrderIndependence(t *testing.T) {
	require := require.New(t)

	const round = 10
	verifiers := newTestVerifiers(t, 3)
	window := hashtimer.Window{Start: 0, End: 100}
	commitment := ids.GenerateTestID()

	blockTimers := []hashtimer.Timer{
		{Digest: ids.GenerateTestID(), Slot: 10},
		{Digest: ids.GenerateTestID(), Slot: 50},
		{Digest: ids.GenerateTestID(), Slot: 90},
	}
	reversed := slices.Clone(blockTimers)
	slices.Reverse(reversed)

	certify := func(timers []hashtimer.Timer) []byte {
		agg := NewAggregator(log.NewNoOpLogger(), 2, 3)
		agg.StartRound(round, verifierSet(round, verifiers), window, commitment)
		for _, bt := range timers {
			require.NoError(agg.ObserveBlock(round, bt))
		}

		roundTimer, err := hashtimer.DeriveRound(timers, commitment, window)
		require.NoError(err)
		for _, v := range verifiers {
			att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
			require.NoError(err)
			require.NoError(agg.ObserveAttestation(att))
		}

		cert, ok := agg.TryFinalize(round)
		require.True(ok)
		bytes, err := cert.Bytes()
		require.NoError(err)
		return bytes
	}

	// Two nodes observing the same blocks in different orders must publish
	// byte-identical certificates.
	require.Equal(certify(blockTimers), certify(reversed))
}

func TestCertificateVerifyRejectsTamper(t *testing.T) {
	require := require.New(t)

	const round = 9
	verifiers := newTestVerifiers(t, 3)
	agg, roundTimer := startedAggregator(t, round, verifiers, 2, 3)

	for _, v := range verifiers {
		att, err := NewAttestation(v.signer, v.validator.NodeID, round, roundTimer.Digest)
		require.NoError(err)
		require.NoError(agg.ObserveAttestation(att))
	}
	cert, ok := agg.TryFinalize(round)
	require.True(ok)

	tampered := *cert
	tampered.RoundTimer.Digest = ids.GenerateTestID()
	err := tampered.Verify(verifierSet(round, verifiers), 2, 3)
	require.ErrorIs(err, ErrInvalidSignature)
}
