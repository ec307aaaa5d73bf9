// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gbdt

import (
	"math"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/utils/hashing"
)

const CodecVersion = 0

var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()
	if err := Codec.RegisterCodec(CodecVersion, lc); err != nil {
		panic(err)
	}
}

// Bytes returns the model's canonical serialization. The byte layout is fixed
// by the linear codec's field order, so every node serializes an identical
// model to identical bytes.
func (m *Model) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, m)
}

// ContentHash returns the SHA-256 digest of the model's canonical bytes. The
// registry recomputes this hash and checks it against the declared hash
// before the model can ever be queried for a score.
func (m *Model) ContentHash() (ids.ID, error) {
	bytes, err := m.Bytes()
	if err != nil {
		return ids.Empty, err
	}
	return hashing.ComputeHash256Array(bytes), nil
}

// ParseModel parses a model from its canonical bytes. The parsed model is not
// validated; callers must run Validate before scoring with it.
func ParseModel(bytes []byte) (*Model, error) {
	model := &Model{}
	if _, err := Codec.Unmarshal(bytes, model); err != nil {
		return nil, err
	}
	return model, nil
}
