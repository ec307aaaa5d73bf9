// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state persists round certificates, block timers, and the active
// model hash across restarts. Writes accumulate in a versioned layer and are
// committed atomically at round boundaries.
package state

import (
	"math"

	"github.com/luxfi/cache"
	"github.com/luxfi/cache/lru"
	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"

	"github.com/luxfi/tempo/finality"
	"github.com/luxfi/tempo/hashtimer"
)

const (
	CodecVersion = 0

	certificateCacheSize = 256
)

var (
	certificatePrefix = []byte("certificate")
	blockTimerPrefix  = []byte("blocktimer")
	modelPrefix       = []byte("model")

	activeModelKey = []byte("active")

	Codec codec.Manager
)

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()
	if err := Codec.RegisterCodec(CodecVersion, lc); err != nil {
		panic(err)
	}
}

type activeModelRecord struct {
	Hash    ids.ID `serialize:"true"`
	Version string `serialize:"true"`
}

// State is the core's persistence layer.
type State struct {
	baseDB *versiondb.Database

	certificateDB database.Database
	blockTimerDB  database.Database
	modelDB       database.Database

	certificateCache cache.Cacher[uint64, *finality.RoundCertificate]
}

func New(db database.Database) *State {
	baseDB := versiondb.New(db)
	return &State{
		baseDB:        baseDB,
		certificateDB: prefixdb.New(certificatePrefix, baseDB),
		blockTimerDB:  prefixdb.New(blockTimerPrefix, baseDB),
		modelDB:       prefixdb.New(modelPrefix, baseDB),
		certificateCache: lru.NewCache[uint64, *finality.RoundCertificate](
			certificateCacheSize,
		),
	}
}

// PutRoundCertificate stores a round's certificate.
func (s *State) PutRoundCertificate(cert *finality.RoundCertificate) error {
	bytes, err := cert.Bytes()
	if err != nil {
		return err
	}
	if err := s.certificateDB.Put(database.PackUInt64(cert.Round), bytes); err != nil {
		return err
	}
	s.certificateCache.Put(cert.Round, cert)
	return nil
}

// GetRoundCertificate returns the certificate stored for [round], or
// database.ErrNotFound.
func (s *State) GetRoundCertificate(round uint64) (*finality.RoundCertificate, error) {
	if cert, ok := s.certificateCache.Get(round); ok {
		return cert, nil
	}

	bytes, err := s.certificateDB.Get(database.PackUInt64(round))
	if err != nil {
		return nil, err
	}
	cert, err := finality.ParseRoundCertificate(bytes)
	if err != nil {
		return nil, err
	}
	s.certificateCache.Put(round, cert)
	return cert, nil
}

// PutBlockTimer stores a block timer observed for [round].
func (s *State) PutBlockTimer(round uint64, timer hashtimer.Timer) error {
	bytes, err := Codec.Marshal(CodecVersion, &timer)
	if err != nil {
		return err
	}
	key := append(database.PackUInt64(round), timer.Digest[:]...)
	return s.blockTimerDB.Put(key, bytes)
}

// GetBlockTimers returns every block timer stored for [round].
func (s *State) GetBlockTimers(round uint64) ([]hashtimer.Timer, error) {
	iter := s.blockTimerDB.NewIteratorWithPrefix(database.PackUInt64(round))
	defer iter.Release()

	var timers []hashtimer.Timer
	for iter.Next() {
		timer := hashtimer.Timer{}
		if _, err := Codec.Unmarshal(iter.Value(), &timer); err != nil {
			return nil, err
		}
		timers = append(timers, timer)
	}
	return timers, iter.Error()
}

// SetActiveModel records the active model's content hash and version. Called
// by the registry at activation; satisfies modelregistry.ActiveModelStore.
func (s *State) SetActiveModel(hash ids.ID, version string) error {
	bytes, err := Codec.Marshal(CodecVersion, &activeModelRecord{
		Hash:    hash,
		Version: version,
	})
	if err != nil {
		return err
	}
	return s.modelDB.Put(activeModelKey, bytes)
}

// GetActiveModel returns the persisted active model hash and version, or
// database.ErrNotFound if no model was ever activated.
func (s *State) GetActiveModel() (ids.ID, string, error) {
	bytes, err := s.modelDB.Get(activeModelKey)
	if err != nil {
		return ids.Empty, "", err
	}
	record := activeModelRecord{}
	if _, err := Codec.Unmarshal(bytes, &record); err != nil {
		return ids.Empty, "", err
	}
	return record.Hash, record.Version, nil
}

// Commit atomically flushes all pending writes to the underlying database.
func (s *State) Commit() error {
	return s.baseDB.Commit()
}

// Abort discards all pending writes.
func (s *State) Abort() {
	s.baseDB.Abort()
}

// Close releases the versioned layer.
func (s *State) Close() error {
	return s.baseDB.Close()
}
