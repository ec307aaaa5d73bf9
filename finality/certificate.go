// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package finality

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/math/set"

	"github.com/luxfi/tempo/hashtimer"
	"github.com/luxfi/tempo/selector"
)

var (
	ErrInvalidBitSet      = errors.New("signer bitset is invalid")
	ErrUnknownSigner      = errors.New("signer index outside verifier set")
	ErrInsufficientWeight = errors.New("certificate weight is insufficient")
	ErrInvalidSignature   = errors.New("aggregate signature is invalid")
	ErrParseSignature     = errors.New("failed to parse aggregate signature")
)

// RoundCertificate proves a round reached finality: a quorum of the round's
// verifier set attested the same RoundHashTimer. It is terminal — never
// revoked, only superseded by reorganization logic outside this core.
type RoundCertificate struct {
	Round uint64 `serialize:"true" json:"round"`

	// RoundTimer is the certified RoundHashTimer.
	RoundTimer hashtimer.Timer `serialize:"true" json:"roundTimer"`

	// Signers is a big-endian bitset over the verifier set's canonical
	// member order (proposer first, then shadow verifiers).
	Signers []byte `serialize:"true" json:"signers"`

	// Signature is the BLS aggregate of the signers' attestations.
	Signature [bls.SignatureLen]byte `serialize:"true" json:"signature"`

	// BlockTimers are the contributing block timers the round timer was
	// derived from.
	BlockTimers []hashtimer.Timer `serialize:"true" json:"blockTimers"`
}

// Bytes returns the certificate's canonical serialization.
func (c *RoundCertificate) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, c)
}

// ParseRoundCertificate parses a certificate from its canonical bytes.
func ParseRoundCertificate(bytes []byte) (*RoundCertificate, error) {
	cert := &RoundCertificate{}
	if _, err := Codec.Unmarshal(bytes, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// Verify checks that the certificate carries a valid aggregate signature
// from a quorum of [verifiers], weighted by stake. Peers run this on
// published certificates before persisting them.
func (c *RoundCertificate) Verify(
	verifiers *selector.VerifierSet,
	quorumNum uint64,
	quorumDen uint64,
) error {
	signerIndices := set.BitsFromBytes(c.Signers)
	if len(signerIndices.Bytes()) != len(c.Signers) {
		return ErrInvalidBitSet
	}

	members := verifiers.Members()
	if signerIndices.BitLen() > len(members) {
		return fmt.Errorf(
			"%w: bit %d of %d members",
			ErrUnknownSigner,
			signerIndices.BitLen()-1,
			len(members),
		)
	}

	var (
		signerWeight uint64
		signerKeys   []*bls.PublicKey
	)
	for i, member := range members {
		if !signerIndices.Contains(i) {
			continue
		}
		signerWeight += member.Stake
		signerKeys = append(signerKeys, member.PublicKey)
	}

	totalWeight, err := verifiers.TotalStake()
	if err != nil {
		return err
	}
	if err := VerifyWeight(signerWeight, totalWeight, quorumNum, quorumDen); err != nil {
		return err
	}

	aggSig, err := bls.SignatureFromBytes(c.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParseSignature, err)
	}
	aggKey, err := bls.AggregatePublicKeys(signerKeys)
	if err != nil {
		return err
	}
	if !bls.Verify(aggKey, aggSig, AttestationBytes(c.Round, c.RoundTimer.Digest)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWeight errors unless sigWeight/totalWeight >= quorumNum/quorumDen.
// The comparison is done at full precision; the products can exceed uint64.
func VerifyWeight(
	sigWeight uint64,
	totalWeight uint64,
	quorumNum uint64,
	quorumDen uint64,
) error {
	scaledTotalWeight := new(big.Int).SetUint64(totalWeight)
	scaledTotalWeight.Mul(scaledTotalWeight, new(big.Int).SetUint64(quorumNum))
	scaledSigWeight := new(big.Int).SetUint64(sigWeight)
	scaledSigWeight.Mul(scaledSigWeight, new(big.Int).SetUint64(quorumDen))
	if scaledTotalWeight.Cmp(scaledSigWeight) == 1 {
		return fmt.Errorf(
			"%w: %d*%d > %d*%d",
			ErrInsufficientWeight,
			quorumNum,
			totalWeight,
			quorumDen,
			sigWeight,
		)
	}
	return nil
}
