// Package kvstore implements the versioned key-value store specified as C1:
// get/bulkInsert/rollback/rollbackVersions/clean over a byte-key->byte-value
// space, with history tracked as an undo log per committed version tag.
// It generalizes the ad-hoc per-chain undo log in internal/chain/reorg.go
// (UndoData, PutUndo/GetUndo, PutReorgCheckpoint/GetReorgCheckpoint) into a
// component-agnostic version chain shared by C2 and C4.
package kvstore

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrUnknownVersion is returned by Rollback when the target version tag is
// not present in the reachable history.
var ErrUnknownVersion = fmt.Errorf("kvstore: unknown rollback version")

const (
	liveKeyPrefix = "kv/live/"
	histKeyPrefix = "kv/hist/"
	lastKey       = "kv/meta/last"
	orderKey      = "kv/meta/order"
)

// priorEntry captures a key's value immediately before a version was
// committed, so Rollback can restore it.
type priorEntry struct {
	Existed bool   `json:"existed"`
	Value   []byte `json:"value,omitempty"`
}

// undoRecord is the serialized form of one committed version's reverse diff.
type undoRecord struct {
	Prior map[string]priorEntry `json:"prior"`
}

// Store is a versioned key->bytes map. Every mutating batch is committed
// under a caller-supplied version tag (typically a block ID or a state
// digest root) and can be undone by Rollback until evicted by Clean.
type Store struct {
	db    storage.DB
	last  types.Hash
	order []types.Hash
}

// Open loads (or initializes) a versioned store over db.
func Open(db storage.DB) (*Store, error) {
	s := &Store{db: db}

	if raw, err := db.Get([]byte(lastKey)); err == nil {
		copy(s.last[:], raw)
	}
	if raw, err := db.Get([]byte(orderKey)); err == nil {
		if err := json.Unmarshal(raw, &s.order); err != nil {
			return nil, fmt.Errorf("kvstore: corrupt version order: %w", err)
		}
	}
	return s, nil
}

func liveKey(key []byte) []byte {
	return append([]byte(liveKeyPrefix), key...)
}

func histKey(v types.Hash) []byte {
	return append([]byte(histKeyPrefix), v[:]...)
}

// Get retrieves the current value for key.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(liveKey(key))
}

// Has reports whether key currently has a value.
func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(liveKey(key))
}

// ForEach iterates over all live keys with the given (unprefixed) prefix,
// handing the callback each key with both the internal live-key wrapper and
// the given prefix stripped.
func (s *Store) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	full := liveKey(prefix)
	return s.db.ForEach(full, func(key, value []byte) error {
		return fn(key[len(full):], value)
	})
}

// LastVersionID returns the most recently committed version tag.
func (s *Store) LastVersionID() types.Hash {
	return s.last
}

// RollbackVersions returns the version tags currently reachable via
// Rollback, oldest first.
func (s *Store) RollbackVersions() []types.Hash {
	out := make([]types.Hash, len(s.order))
	copy(out, s.order)
	return out
}

// BulkInsert commits kvs and removes toRemove atomically from the caller's
// point of view, recording the reverse diff under versionTag. After a
// successful call, LastVersionID() == versionTag and versionTag is
// reachable from RollbackVersions() until evicted by Clean.
func (s *Store) BulkInsert(versionTag types.Hash, kvs map[string][]byte, toRemove [][]byte) error {
	rec := undoRecord{Prior: make(map[string]priorEntry, len(kvs)+len(toRemove))}

	capture := func(key string) error {
		if _, ok := rec.Prior[key]; ok {
			return nil
		}
		prev, err := s.db.Get(liveKey([]byte(key)))
		if err != nil {
			rec.Prior[key] = priorEntry{Existed: false}
			return nil
		}
		v := make([]byte, len(prev))
		copy(v, prev)
		rec.Prior[key] = priorEntry{Existed: true, Value: v}
		return nil
	}

	for k := range kvs {
		if err := capture(k); err != nil {
			return err
		}
	}
	for _, k := range toRemove {
		if err := capture(string(k)); err != nil {
			return err
		}
	}

	for k, v := range kvs {
		if err := s.db.Put(liveKey([]byte(k)), v); err != nil {
			return fmt.Errorf("kvstore: put %q: %w", k, err)
		}
	}
	for _, k := range toRemove {
		if err := s.db.Delete(liveKey(k)); err != nil {
			return fmt.Errorf("kvstore: delete %q: %w", k, err)
		}
	}

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kvstore: marshal undo record: %w", err)
	}
	if err := s.db.Put(histKey(versionTag), recBytes); err != nil {
		return fmt.Errorf("kvstore: persist undo record: %w", err)
	}

	s.order = append(s.order, versionTag)
	if err := s.persistMeta(versionTag); err != nil {
		return err
	}
	s.last = versionTag
	return nil
}

func (s *Store) persistMeta(last types.Hash) error {
	orderBytes, err := json.Marshal(s.order)
	if err != nil {
		return fmt.Errorf("kvstore: marshal version order: %w", err)
	}
	if err := s.db.Put([]byte(orderKey), orderBytes); err != nil {
		return fmt.Errorf("kvstore: persist version order: %w", err)
	}
	if err := s.db.Put([]byte(lastKey), last[:]); err != nil {
		return fmt.Errorf("kvstore: persist last version: %w", err)
	}
	return nil
}

// Rollback restores the store to versionTag by undoing every version
// committed after it, most-recent first. versionTag must still be present
// in RollbackVersions(); otherwise ErrUnknownVersion is returned and the
// store is left untouched.
func (s *Store) Rollback(versionTag types.Hash) error {
	idx := -1
	for i, v := range s.order {
		if v == versionTag {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownVersion, versionTag)
	}

	for i := len(s.order) - 1; i > idx; i-- {
		v := s.order[i]
		raw, err := s.db.Get(histKey(v))
		if err != nil {
			return fmt.Errorf("kvstore: missing undo record for %s: %w", v, err)
		}
		var rec undoRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("kvstore: corrupt undo record for %s: %w", v, err)
		}
		for k, prior := range rec.Prior {
			if prior.Existed {
				if err := s.db.Put(liveKey([]byte(k)), prior.Value); err != nil {
					return fmt.Errorf("kvstore: restore %q: %w", k, err)
				}
			} else {
				if err := s.db.Delete(liveKey([]byte(k))); err != nil {
					return fmt.Errorf("kvstore: delete %q during rollback: %w", k, err)
				}
			}
		}
		if err := s.db.Delete(histKey(v)); err != nil {
			return fmt.Errorf("kvstore: evict undo record %s: %w", v, err)
		}
	}

	s.order = s.order[:idx+1]
	if err := s.persistMeta(versionTag); err != nil {
		return err
	}
	s.last = versionTag
	return nil
}

// Clean evicts history beyond the most recent keepVersions versions. Evicted
// versions are no longer reachable via Rollback.
func (s *Store) Clean(keepVersions int) error {
	if keepVersions < 0 || len(s.order) <= keepVersions {
		return nil
	}
	drop := len(s.order) - keepVersions
	for i := 0; i < drop; i++ {
		if err := s.db.Delete(histKey(s.order[i])); err != nil {
			return fmt.Errorf("kvstore: evict version %s: %w", s.order[i], err)
		}
	}
	s.order = s.order[drop:]
	return s.persistMeta(s.last)
}
