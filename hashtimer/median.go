// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtimer

import (
	"bytes"
	"slices"

	"github.com/luxfi/ids"
)

// Median returns the median of [digests] ordered as big-endian unsigned
// integers. With an even count the lower of the two middle values is
// returned, so the result is always a member of the input set and never a
// synthesized value no node independently produced.
func Median(digests []ids.ID) (ids.ID, error) {
	if len(digests) == 0 {
		return ids.Empty, errNoChildTimers
	}

	sorted := slices.Clone(digests)
	slices.SortFunc(sorted, func(a, b ids.ID) int {
		return bytes.Compare(a[:], b[:])
	})
	// (n-1)/2 is the middle for odd n and the lower middle for even n.
	return sorted[(len(sorted)-1)/2], nil
}
