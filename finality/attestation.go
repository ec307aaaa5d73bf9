// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package finality

import (
	"encoding/binary"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

var attestPrefix = []byte("tempo/attest")

// Signer produces BLS signatures over attestation bytes.
// *localsigner.LocalSigner satisfies it.
type Signer interface {
	Sign(msg []byte) (*bls.Signature, error)
	PublicKey() *bls.PublicKey
}

// Attestation is one verifier's statement that it independently computed
// [Timer] as the RoundHashTimer of [Round].
type Attestation struct {
	Round     uint64                 `serialize:"true" json:"round"`
	Timer     ids.ID                 `serialize:"true" json:"timer"`
	NodeID    ids.NodeID             `serialize:"true" json:"nodeID"`
	Signature [bls.SignatureLen]byte `serialize:"true" json:"signature"`
}

// AttestationBytes returns the domain-separated preimage an attestation's
// signature covers.
func AttestationBytes(round uint64, timer ids.ID) []byte {
	preimage := make([]byte, 0, len(attestPrefix)+8+ids.IDLen)
	preimage = append(preimage, attestPrefix...)
	preimage = binary.BigEndian.AppendUint64(preimage, round)
	return append(preimage, timer[:]...)
}

// NewAttestation signs [timer] for [round] on behalf of [nodeID].
func NewAttestation(
	signer Signer,
	nodeID ids.NodeID,
	round uint64,
	timer ids.ID,
) (Attestation, error) {
	sig, err := signer.Sign(AttestationBytes(round, timer))
	if err != nil {
		return Attestation{}, err
	}
	att := Attestation{
		Round:  round,
		Timer:  timer,
		NodeID: nodeID,
	}
	copy(att.Signature[:], bls.SignatureToBytes(sig))
	return att, nil
}
