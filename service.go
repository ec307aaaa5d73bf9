// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tempo

import (
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/modelregistry"
	"github.com/luxfi/tempo/utils/json"
)

// Service is the engine's JSON-RPC surface, served under the "tempo"
// namespace.
type Service struct {
	engine *Engine
}

// NewHTTPHandler returns an HTTP handler exposing the engine's query API.
func NewHTTPHandler(engine *Engine) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json.NewCodec(), "application/json")
	server.RegisterCodec(json.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(&Service{engine: engine}, "tempo"); err != nil {
		return nil, err
	}
	return server, nil
}

type GetScoringStatusArgs struct {
	Round json.Uint64 `json:"round"`
}

// GetScoringStatus reports the scoring state for a round, including whether
// the deterministic stub is in use.
func (s *Service) GetScoringStatus(
	_ *http.Request,
	args *GetScoringStatusArgs,
	reply *modelregistry.Status,
) error {
	*reply = s.engine.Status(uint64(args.Round))
	return nil
}

type GetVerifierSetArgs struct {
	Round json.Uint64 `json:"round"`
}

type GetVerifierSetReply struct {
	Round     json.Uint64  `json:"round"`
	Proposer  ids.NodeID   `json:"proposer"`
	Verifiers []ids.NodeID `json:"verifiers"`
	Seed      ids.ID       `json:"seed"`
}

// GetVerifierSet returns the proposer and shadow verifiers selected for a
// started round.
func (s *Service) GetVerifierSet(
	_ *http.Request,
	args *GetVerifierSetArgs,
	reply *GetVerifierSetReply,
) error {
	vs, ok := s.engine.VerifierSet(uint64(args.Round))
	if !ok {
		return fmt.Errorf("round %d not started", uint64(args.Round))
	}

	reply.Round = args.Round
	reply.Proposer = vs.Proposer.NodeID
	reply.Verifiers = make([]ids.NodeID, len(vs.Verifiers))
	for i, v := range vs.Verifiers {
		reply.Verifiers[i] = v.NodeID
	}
	reply.Seed = vs.Seed
	return nil
}

type GetRoundCertificateArgs struct {
	Round json.Uint64 `json:"round"`
}

type GetRoundCertificateReply struct {
	Round       json.Uint64 `json:"round"`
	RoundTimer  ids.ID      `json:"roundTimer"`
	Slot        json.Uint64 `json:"slot"`
	Signers     string      `json:"signers"`
	Signature   string      `json:"signature"`
	BlockTimers []ids.ID    `json:"blockTimers"`
}

// GetRoundCertificate returns the certificate for a finalized round.
func (s *Service) GetRoundCertificate(
	_ *http.Request,
	args *GetRoundCertificateArgs,
	reply *GetRoundCertificateReply,
) error {
	cert, ok := s.engine.Certificate(uint64(args.Round))
	if !ok {
		return fmt.Errorf("round %d not certified", uint64(args.Round))
	}

	reply.Round = json.Uint64(cert.Round)
	reply.RoundTimer = cert.RoundTimer.Digest
	reply.Slot = json.Uint64(cert.RoundTimer.Slot)
	reply.Signers = fmt.Sprintf("%x", cert.Signers)
	reply.Signature = fmt.Sprintf("%x", cert.Signature[:])
	reply.BlockTimers = make([]ids.ID, len(cert.BlockTimers))
	for i, bt := range cert.BlockTimers {
		reply.BlockTimers[i] = bt.Digest
	}
	return nil
}
