// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tempo

import (
	"errors"
	"fmt"
)

var (
	errZeroQuorumDen       = errors.New("quorum denominator is zero")
	errQuorumTooLow        = errors.New("quorum fraction must exceed one half")
	errQuorumTooHigh       = errors.New("quorum fraction exceeds one")
	errNoShadowVerifiers   = errors.New("shadow verifier count must be positive")
	errZeroRoundWindow     = errors.New("round window must span at least one slot")
	errBlockWindowTooLarge = errors.New("block window exceeds the round window")
	errZeroBlockWindow     = errors.New("block window must span at least one slot")
)

// Config holds the engine's tunable parameters. Every node in a deployment
// must run with identical values or certificates will not cross-verify.
type Config struct {
	// QuorumNum/QuorumDen is the fraction of verifier stake that must attest
	// to a matching RoundHashTimer before a certificate is issued.
	QuorumNum uint64 `json:"quorumNum"`
	QuorumDen uint64 `json:"quorumDen"`

	// ShadowVerifierCount is the number of verifiers drawn per round in
	// addition to the proposer.
	ShadowVerifierCount int `json:"shadowVerifierCount"`

	// MinActivationLead is the minimum number of rounds between scheduling a
	// model and its activation round.
	MinActivationLead uint64 `json:"minActivationLead"`

	// BlockWindowSlots and RoundWindowSlots size the timer windows. A round's
	// window is [round*RoundWindowSlots, (round+1)*RoundWindowSlots - 1].
	BlockWindowSlots uint64 `json:"blockWindowSlots"`
	RoundWindowSlots uint64 `json:"roundWindowSlots"`
}

func DefaultConfig() Config {
	return Config{
		QuorumNum:           2,
		QuorumDen:           3,
		ShadowVerifierCount: 4,
		MinActivationLead:   32,
		BlockWindowSlots:    16,
		RoundWindowSlots:    128,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.QuorumDen == 0:
		return errZeroQuorumDen
	case 2*c.QuorumNum <= c.QuorumDen:
		return fmt.Errorf("%w: %d/%d", errQuorumTooLow, c.QuorumNum, c.QuorumDen)
	case c.QuorumNum > c.QuorumDen:
		return fmt.Errorf("%w: %d/%d", errQuorumTooHigh, c.QuorumNum, c.QuorumDen)
	case c.ShadowVerifierCount <= 0:
		return errNoShadowVerifiers
	case c.RoundWindowSlots == 0:
		return errZeroRoundWindow
	case c.BlockWindowSlots == 0:
		return errZeroBlockWindow
	case c.BlockWindowSlots > c.RoundWindowSlots:
		return fmt.Errorf(
			"%w: block %d, round %d",
			errBlockWindowTooLarge,
			c.BlockWindowSlots,
			c.RoundWindowSlots,
		)
	default:
		return nil
	}
}
