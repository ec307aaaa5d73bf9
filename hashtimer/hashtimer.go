// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hashtimer derives hash-based logical timestamps for transactions,
// blocks, and rounds. Timers replace wall-clock time everywhere ordering
// matters: every node derives the same digest from the same inputs, so
// ordering agreement never depends on clock synchronization.
//
// Derivation is strictly unidirectional. A transaction timer is an input to
// its block's timer, and block timers are inputs to the round timer. Nothing
// at a higher layer ever mutates a lower layer's timer.
package hashtimer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/utils/hashing"
)

var (
	errNoChildTimers    = errors.New("no child timers")
	errTimerOutOfWindow = errors.New("timer outside window")
	errInvalidWindow    = errors.New("window start after end")
)

// Layer domain-separation prefixes. Two layers hashing identical input bytes
// must still produce distinct digests.
var (
	txPrefix    = []byte("tempo/tx")
	blockPrefix = []byte("tempo/block")
	roundPrefix = []byte("tempo/round")
)

// Timer is an immutable hash-derived logical timestamp. The digest orders
// timers; the slot places the timer in a window for containment checks.
type Timer struct {
	Digest ids.ID `serialize:"true" json:"digest"`
	Slot   uint64 `serialize:"true" json:"slot"`
}

func (t Timer) String() string {
	return fmt.Sprintf("%s@%d", t.Digest, t.Slot)
}

// Window is an inclusive range of slots.
type Window struct {
	Start uint64 `serialize:"true" json:"start"`
	End   uint64 `serialize:"true" json:"end"`
}

func (w Window) Valid() bool {
	return w.Start <= w.End
}

func (w Window) Contains(slot uint64) bool {
	return w.Start <= slot && slot <= w.End
}

// DeriveTx derives the timer for a single transaction admitted at [slot].
// Transactions have no child timers, so the digest covers only the
// transaction's own digest and its admission slot.
func DeriveTx(txDigest ids.ID, slot uint64) Timer {
	preimage := make([]byte, 0, len(txPrefix)+ids.IDLen+8)
	preimage = append(preimage, txPrefix...)
	preimage = append(preimage, txDigest[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, slot)
	return Timer{
		Digest: hashing.ComputeHash256Array(preimage),
		Slot:   slot,
	}
}

// DeriveBlock derives a block's timer from the timers of its transactions,
// the previous block's digest, and the proposer's identity. Every contained
// transaction timer must fall inside the block's window.
//
// The resulting timer is pinned to the window's closing slot.
func DeriveBlock(
	txTimers []Timer,
	parent ids.ID,
	proposer ids.NodeID,
	window Window,
) (Timer, error) {
	med, err := checkedMedian(txTimers, window)
	if err != nil {
		return Timer{}, err
	}

	preimage := make([]byte, 0, len(blockPrefix)+2*ids.IDLen+ids.NodeIDLen+16)
	preimage = append(preimage, blockPrefix...)
	preimage = append(preimage, med[:]...)
	preimage = append(preimage, parent[:]...)
	preimage = append(preimage, proposer[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, window.Start)
	preimage = binary.BigEndian.AppendUint64(preimage, window.End)
	return Timer{
		Digest: hashing.ComputeHash256Array(preimage),
		Slot:   window.End,
	}, nil
}

// DeriveRound derives a round's timer from the timers of the round's blocks
// and the round's validator commitment digest. Every contained block timer
// must fall inside the round's window.
func DeriveRound(
	blockTimers []Timer,
	commitment ids.ID,
	window Window,
) (Timer, error) {
	med, err := checkedMedian(blockTimers, window)
	if err != nil {
		return Timer{}, err
	}

	preimage := make([]byte, 0, len(roundPrefix)+2*ids.IDLen+16)
	preimage = append(preimage, roundPrefix...)
	preimage = append(preimage, med[:]...)
	preimage = append(preimage, commitment[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, window.Start)
	preimage = binary.BigEndian.AppendUint64(preimage, window.End)
	return Timer{
		Digest: hashing.ComputeHash256Array(preimage),
		Slot:   window.End,
	}, nil
}

// Verify reports whether [source] hashes to [reference]. It never errors; it
// runs inside hot validation loops and must stay branch-cheap.
func Verify(source []byte, reference ids.ID) bool {
	return hashing.ComputeHash256Array(source) == reference
}

func checkedMedian(timers []Timer, window Window) (ids.ID, error) {
	if !window.Valid() {
		return ids.Empty, fmt.Errorf("%w: [%d, %d]", errInvalidWindow, window.Start, window.End)
	}
	digests := make([]ids.ID, len(timers))
	for i, t := range timers {
		if !window.Contains(t.Slot) {
			return ids.Empty, fmt.Errorf(
				"%w: slot %d not in [%d, %d]",
				errTimerOutOfWindow,
				t.Slot,
				window.Start,
				window.End,
			)
		}
		digests[i] = t.Digest
	}
	return Median(digests)
}
