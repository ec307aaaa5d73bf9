// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry validates validator telemetry feeds and builds the
// feature vectors consumed by the scoring engine.
//
// Feeds arrive from an external collector. Ordering is validated once, at
// load time, with a hard error on violation: accepting a partially ordered
// feed would silently desynchronize feature vectors across nodes.
package telemetry

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

// Feature vector layout. Order is part of the protocol; the scoring model's
// feature indices refer to these positions.
const (
	FeatureUptime = iota
	FeatureLatency
	FeatureVotesCast
	FeatureVotesMissed
	FeatureStake

	NumFeatures = 5
)

var (
	errOutOfOrder   = errors.New("telemetry records out of order")
	errEmptyRecords = errors.New("telemetry feed is empty")
)

// Record is one validator telemetry sample. All fields are signed 64-bit
// integers; nothing downstream ever converts them to floating point.
type Record struct {
	ValidatorID   ids.NodeID `json:"validatorID"`
	Timestamp     int64      `json:"timestamp"`
	UptimeMicros  int64      `json:"uptimeMicros"`
	LatencyMicros int64      `json:"latencyMicros"`
	VotesCast     int64      `json:"votesCast"`
	VotesMissed   int64      `json:"votesMissed"`
	StakeAtomic   int64      `json:"stakeAtomic"`
}

// Feed is a validated telemetry feed.
type Feed struct {
	records map[ids.NodeID][]Record
}

// ParseFeed validates that [records] are sorted strictly ascending by
// (validatorID, timestamp) and indexes them by validator. Any ordering
// violation rejects the entire feed; there is no partial acceptance.
func ParseFeed(records []Record) (*Feed, error) {
	if len(records) == 0 {
		return nil, errEmptyRecords
	}
	for i := 1; i < len(records); i++ {
		prev, cur := &records[i-1], &records[i]
		switch bytes.Compare(prev.ValidatorID[:], cur.ValidatorID[:]) {
		case -1:
			continue
		case 0:
			if prev.Timestamp < cur.Timestamp {
				continue
			}
		}
		return nil, fmt.Errorf(
			"%w: record %d (%s@%d) does not follow record %d (%s@%d)",
			errOutOfOrder,
			i,
			cur.ValidatorID,
			cur.Timestamp,
			i-1,
			prev.ValidatorID,
			prev.Timestamp,
		)
	}

	indexed := make(map[ids.NodeID][]Record)
	for _, record := range records {
		indexed[record.ValidatorID] = append(indexed[record.ValidatorID], record)
	}
	return &Feed{records: indexed}, nil
}

// Features builds a validator's feature vector from the records with
// timestamps at or before [cutoff]. Averages use truncating integer division.
//
// A validator with no usable records gets zeroed counters and
// [fallbackStake], so freshly admitted validators remain scoreable.
func (f *Feed) Features(validatorID ids.NodeID, cutoff int64, fallbackStake int64) []int64 {
	features := make([]int64, NumFeatures)
	features[FeatureStake] = fallbackStake

	var (
		uptimeSum  int64
		latencySum int64
		count      int64
	)
	for _, record := range f.records[validatorID] {
		if record.Timestamp > cutoff {
			break
		}
		uptimeSum += record.UptimeMicros
		latencySum += record.LatencyMicros
		features[FeatureVotesCast] += record.VotesCast
		features[FeatureVotesMissed] += record.VotesMissed
		features[FeatureStake] = record.StakeAtomic
		count++
	}
	if count > 0 {
		features[FeatureUptime] = uptimeSum / count
		features[FeatureLatency] = latencySum / count
	}
	return features
}

// Validators returns the number of validators with at least one record.
func (f *Feed) Validators() int {
	return len(f.records)
}
