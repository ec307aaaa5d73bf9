// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package modelregistry tracks scoring models and their activation schedule.
//
// Models arrive from governance after off-core voting concludes. A model is
// only ever superseded, never mutated or deleted: deprecated models stay
// available so historical rounds can be replayed and audited. The active
// model for a round is the one whose activation round is the greatest one at
// or below it; with no scheduled model the deterministic stub is used, and
// that fallback is observable through Status rather than masked.
package modelregistry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/cache"
	"github.com/luxfi/cache/lru"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/tempo/gbdt"
)

const activeLookupCacheSize = 2048

var (
	errHashMismatch      = errors.New("declared content hash does not match recomputed hash")
	errDuplicateModel    = errors.New("model already registered")
	errUnknownModel      = errors.New("unknown model")
	errNotProposed       = errors.New("model is not in the proposed state")
	errNotApproved       = errors.New("model is not in the approved state")
	errActivationTooSoon = errors.New("activation round inside minimum lead time")
	errActivationTaken   = errors.New("activation round already scheduled")
)

// ModelStatus is a model's lifecycle state.
type ModelStatus int

const (
	StatusProposed ModelStatus = iota
	StatusApproved
	StatusActive
	StatusDeprecated
)

func (s ModelStatus) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusApproved:
		return "approved"
	case StatusActive:
		return "active"
	case StatusDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// Status is the externally observable scoring state for a round. It is
// computed from the same lookup the scorer uses, never from a cached copy,
// so it always reflects exactly the model influencing selection.
type Status struct {
	DeterministicScoring bool   `json:"deterministicScoring"`
	UsingStub            bool   `json:"usingStub"`
	ModelHash            string `json:"modelHash"`
	ModelVersion         string `json:"modelVersion"`
}

// ActiveModelStore persists the active model's content hash across restarts.
type ActiveModelStore interface {
	SetActiveModel(hash ids.ID, version string) error
}

type modelKey struct {
	id      string
	version string
}

type entry struct {
	model       *gbdt.Model
	contentHash ids.ID
	status      ModelStatus
}

type scheduleEntry struct {
	round uint64
	key   modelKey
}

// Registry holds the known models and the activation schedule. Writes are
// rare (governance cadence); reads happen every round. A single RWMutex
// keeps the single-writer/many-reader discipline.
type Registry struct {
	logger  log.Logger
	minLead uint64
	store   ActiveModelStore

	mu       sync.RWMutex
	entries  map[modelKey]*entry
	schedule []scheduleEntry // sorted ascending by round
	stub     *gbdt.Model
	stubHash ids.ID

	// lookups holds recently resolved round → schedule position results.
	// Flushed whenever the schedule changes.
	lookups cache.Cacher[uint64, modelKey]
}

// New returns a registry with no scheduled models. [store] may be nil if
// active-hash persistence is handled elsewhere.
func New(logger log.Logger, minLead uint64, store ActiveModelStore) (*Registry, error) {
	stub := gbdt.StubModel()
	stubHash, err := stub.ContentHash()
	if err != nil {
		return nil, err
	}
	return &Registry{
		logger:   logger,
		minLead:  minLead,
		store:    store,
		entries:  make(map[modelKey]*entry),
		stub:     stub,
		stubHash: stubHash,
		lookups:  lru.NewCache[uint64, modelKey](activeLookupCacheSize),
	}, nil
}

// Register admits a governance-delivered model as Proposed. The declared
// content hash is recomputed and checked here, before the model can ever be
// queried for a score; a mismatch is a fatal local fault for this input.
func (r *Registry) Register(model *gbdt.Model, declaredHash ids.ID) error {
	if err := model.Validate(); err != nil {
		return fmt.Errorf("invalid ensemble: %w", err)
	}
	computed, err := model.ContentHash()
	if err != nil {
		return err
	}
	if computed != declaredHash {
		return fmt.Errorf(
			"%w: declared %s, computed %s",
			errHashMismatch,
			declaredHash,
			computed,
		)
	}

	key := modelKey{id: model.ID, version: model.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %s/%s", errDuplicateModel, model.ID, model.Version)
	}
	r.entries[key] = &entry{
		model:       model,
		contentHash: computed,
		status:      StatusProposed,
	}
	r.logger.Info("model registered",
		log.String("modelID", model.ID),
		log.String("version", model.Version),
		log.Stringer("contentHash", computed),
	)
	return nil
}

// Approve moves a Proposed model to Approved.
func (r *Registry) Approve(id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[modelKey{id: id, version: version}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", errUnknownModel, id, version)
	}
	if ent.status != StatusProposed {
		return fmt.Errorf("%w: %s/%s is %s", errNotProposed, id, version, ent.status)
	}
	ent.status = StatusApproved
	return nil
}

// Schedule assigns an Approved model an activation round. The round must be
// strictly beyond the current round plus the configured minimum lead time,
// which forecloses last-moment swaps that could bias an imminent selection.
// Activation rounds are globally unique, so active-model ties are impossible
// by construction.
func (r *Registry) Schedule(id, version string, activationRound, currentRound uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := modelKey{id: id, version: version}
	ent, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", errUnknownModel, id, version)
	}
	if ent.status != StatusApproved {
		return fmt.Errorf("%w: %s/%s is %s", errNotApproved, id, version, ent.status)
	}
	if activationRound <= currentRound+r.minLead {
		return fmt.Errorf(
			"%w: activation %d, current %d, lead %d",
			errActivationTooSoon,
			activationRound,
			currentRound,
			r.minLead,
		)
	}
	for _, se := range r.schedule {
		if se.round == activationRound {
			return fmt.Errorf("%w: %d", errActivationTaken, activationRound)
		}
	}

	r.schedule = append(r.schedule, scheduleEntry{round: activationRound, key: key})
	sort.Slice(r.schedule, func(i, j int) bool {
		return r.schedule[i].round < r.schedule[j].round
	})
	r.lookups.Flush()

	r.logger.Info("model activation scheduled",
		log.String("modelID", id),
		log.String("version", version),
		log.Uint64("activationRound", activationRound),
	)
	return nil
}

// Advance applies any activation due at [round]: the newly active model's
// status flips to Active, the previously active one to Deprecated, and the
// active content hash is persisted. Called once per round boundary by the
// round driver; idempotent.
//
// The content hash is recomputed here and checked against the hash recorded
// at registration. Activation of a model whose bytes drifted since
// registration is refused.
func (r *Registry) Advance(round uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.activePosition(round)
	if !ok {
		return nil
	}
	ent := r.entries[r.schedule[idx].key]
	if ent.status == StatusActive {
		return nil
	}

	computed, err := ent.model.ContentHash()
	if err != nil {
		return err
	}
	if computed != ent.contentHash {
		return fmt.Errorf(
			"%w: %s/%s registered %s, recomputed %s at activation",
			errHashMismatch,
			ent.model.ID,
			ent.model.Version,
			ent.contentHash,
			computed,
		)
	}

	for i := 0; i < idx; i++ {
		if prev := r.entries[r.schedule[i].key]; prev.status == StatusActive {
			prev.status = StatusDeprecated
			r.logger.Info("model deprecated",
				log.String("modelID", r.schedule[i].key.id),
				log.String("version", r.schedule[i].key.version),
			)
		}
	}
	ent.status = StatusActive

	if r.store != nil {
		if err := r.store.SetActiveModel(ent.contentHash, ent.model.Version); err != nil {
			return fmt.Errorf("persisting active model hash: %w", err)
		}
	}
	r.logger.Info("model activated",
		log.String("modelID", ent.model.ID),
		log.String("version", ent.model.Version),
		log.Uint64("round", round),
		log.Stringer("contentHash", ent.contentHash),
	)
	return nil
}

// ActiveModel returns the model active for [round]. The second return is
// false when no scheduled model covers the round and the stub is in use.
func (r *Registry) ActiveModel(round uint64) (*gbdt.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key, ok := r.lookups.Get(round); ok {
		if key == (modelKey{}) {
			return r.stub, false
		}
		return r.entries[key].model, true
	}

	idx, ok := r.activePosition(round)
	if !ok {
		r.lookups.Put(round, modelKey{})
		return r.stub, false
	}
	key := r.schedule[idx].key
	r.lookups.Put(round, key)
	return r.entries[key].model, true
}

// activePosition returns the schedule index of the entry with the greatest
// activation round <= [round].
//
// Assumes at least a read lock is held.
func (r *Registry) activePosition(round uint64) (int, bool) {
	// First schedule entry strictly after round.
	idx := sort.Search(len(r.schedule), func(i int) bool {
		return r.schedule[i].round > round
	})
	if idx == 0 {
		return 0, false
	}
	return idx - 1, true
}

// ModelStatus returns a registered model's lifecycle state.
func (r *Registry) ModelStatus(id, version string) (ModelStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.entries[modelKey{id: id, version: version}]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", errUnknownModel, id, version)
	}
	return ent.status, nil
}

// Status reports the scoring state for [round]. UsingStub is derived from
// the same lookup ActiveModel performs, so it can never go stale relative to
// what the inference engine scores with.
func (r *Registry) Status(round uint64) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.activePosition(round)
	if !ok {
		return Status{
			DeterministicScoring: true,
			UsingStub:            true,
			ModelHash:            hex.EncodeToString(r.stubHash[:]),
			ModelVersion:         r.stub.Version,
		}
	}
	ent := r.entries[r.schedule[idx].key]
	return Status{
		DeterministicScoring: true,
		UsingStub:            false,
		ModelHash:            hex.EncodeToString(ent.contentHash[:]),
		ModelVersion:         ent.model.Version,
	}
}
