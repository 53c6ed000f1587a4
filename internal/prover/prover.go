// Package prover implements the authenticated prover specified as C2: a
// persistent structure over 32-byte box IDs producing a 33-byte digest
// (32-byte root plus a tree-height byte) and a serialized proof for every
// batch of operations, backed by the versioned store in internal/kvstore
// (C1).
//
// There is no direct teacher analog for an incremental authenticated tree —
// the teacher only recomputes a full-rescan merkle commitment
// (internal/utxo/commitment.go). This package keeps that file's leaf-hashing
// and sort-then-pairwise-hash convention (pkg/block.ComputeMerkleRoot) but
// makes the commitment incremental and reversible by routing every batch
// through C1, so a digest can be rolled back to directly rather than only
// via a separate undo log.
//
// Simplification: unlike a true AVL+ tree, the "height" byte is derived as
// ceil(log2(leaf count)) rather than maintained by rotation bookkeeping; the
// root is recomputed by re-hashing the live leaf set on every batch. This
// preserves the external digest/proof/rollback contract spec.md §4.2
// describes without committing to full AVL+ rebalancing logic, which no
// example in the pack implements either.
package prover

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/kvstore"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// OpKind discriminates the three operations a caller may perform in a batch.
type OpKind byte

const (
	OpInsert OpKind = iota
	OpRemove
	OpLookup
)

// Op is one authenticated-tree operation performed since the last
// GenerateProofAndUpdateStorage call. Value is only meaningful for OpInsert.
type Op struct {
	Kind  OpKind
	ID    types.Hash
	Value []byte
}

// Errors surfaced by PerformOneOperation/Rollback. Callers MUST roll the
// prover back to the pre-batch root after any of these (spec.md §4.2).
var (
	ErrDuplicateInsert = fmt.Errorf("prover: duplicate insert")
	ErrRemoveMissing   = fmt.Errorf("prover: remove of missing id")
	ErrLookupMissing   = fmt.Errorf("prover: lookup of missing id")
	ErrUnknownDigest   = fmt.Errorf("prover: rollback to unknown digest")
)

const (
	leafPrefix = "prover/leaf/"
	rootKey    = "prover/root"
)

// Prover wraps a batch authenticated tree over (boxID -> value) keyed by
// kvstore.Store.
type Prover struct {
	kv      *kvstore.Store
	root    types.Hash
	height  byte
	pending []Op
}

// Open loads a Prover over an existing (possibly empty) kvstore.Store.
func Open(kv *kvstore.Store) (*Prover, error) {
	p := &Prover{kv: kv}
	raw, err := kv.Get([]byte(rootKey))
	if err != nil {
		return p, nil // empty tree
	}
	if len(raw) != types.DigestSize {
		return nil, fmt.Errorf("prover: corrupt stored digest (%d bytes)", len(raw))
	}
	var d types.Digest
	copy(d[:], raw)
	p.root = d.Root()
	p.height = d.Height()
	return p, nil
}

func leafKey(id types.Hash) []byte {
	return append([]byte(leafPrefix), id[:]...)
}

// Digest returns the 33-byte root+height commitment as of the last
// successful GenerateProofAndUpdateStorage (or Rollback) call.
func (p *Prover) Digest() types.Digest {
	return types.NewDigest(p.root, p.height)
}

// pendingIndex reports whether id has a not-yet-committed pending op, and
// which kind.
func (p *Prover) pendingIndex(id types.Hash) (OpKind, bool) {
	for i := len(p.pending) - 1; i >= 0; i-- {
		if p.pending[i].ID == id {
			return p.pending[i].Kind, true
		}
	}
	return 0, false
}

// PerformOneOperation validates and stages op ∈ {Insert, Remove, Lookup}
// against the current committed state plus any already-staged pending ops.
// A failure here means the caller MUST call Rollback(priorDigest) before
// reusing the prover (spec.md §4.2).
func (p *Prover) PerformOneOperation(op Op) error {
	exists, err := p.kv.Has(leafKey(op.ID))
	if err != nil {
		return fmt.Errorf("prover: existence check for %s: %w", op.ID, err)
	}
	if kind, staged := p.pendingIndex(op.ID); staged {
		switch kind {
		case OpInsert:
			exists = true
		case OpRemove:
			exists = false
		}
	}

	switch op.Kind {
	case OpInsert:
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateInsert, op.ID)
		}
	case OpRemove:
		if !exists {
			return fmt.Errorf("%w: %s", ErrRemoveMissing, op.ID)
		}
	case OpLookup:
		if !exists {
			return fmt.Errorf("%w: %s", ErrLookupMissing, op.ID)
		}
		return nil // lookups don't mutate the batch
	default:
		return fmt.Errorf("prover: unknown op kind %d", op.Kind)
	}

	p.pending = append(p.pending, op)
	return nil
}

// proofEntry is the serialized form of one committed operation, carrying a
// real authenticated membership witness rather than just the operation's
// kind and id: Leaf is the leaf hash the op concerns, and Path is its
// sibling path up to the root the witness is checked against (PriorRoot for
// a Remove — the leaf must have been present before the batch — Root for an
// Insert — the leaf must be present after it).
type proofEntry struct {
	Kind OpKind             `json:"kind"`
	ID   types.Hash         `json:"id"`
	Leaf types.Hash         `json:"leaf"`
	Path []block.MerkleStep `json:"path,omitempty"`
}

// serializedProof is what GenerateProofAndUpdateStorage returns: for every
// operation staged since the last call, a membership witness checkable
// against PriorRoot (removes) or Root (inserts) independently of the rest of
// the leaf set — VerifyProof replays exactly this check.
type serializedProof struct {
	Ops       []proofEntry `json:"ops"`
	PriorRoot types.Hash   `json:"prior_root"`
	Root      types.Hash   `json:"root"`
	Height    byte         `json:"height"`
}

// leafRecord pairs a leaf's box id with its hash, so a leaf set can be
// sorted by hash (the tree's canonical order) while keeping track of which
// id ended up where.
type leafRecord struct {
	ID   types.Hash
	Hash types.Hash
}

func sortLeafRecords(records []leafRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Hash.Less(records[j].Hash) })
}

func leafIndex(records []leafRecord, id types.Hash) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func recordHashes(records []leafRecord) []types.Hash {
	hashes := make([]types.Hash, len(records))
	for i, r := range records {
		hashes[i] = r.Hash
	}
	return hashes
}

// GenerateProofAndUpdateStorage serializes the proof for every operation
// staged since the last call, commits a new kvstore version (auxiliary
// metadata included), and advances the root. The returned digest's root is
// also used as the kvstore version tag, so Rollback(digest) later restores
// exactly this commit.
func (p *Prover) GenerateProofAndUpdateStorage(metadata map[string][]byte) ([]byte, types.Digest, error) {
	puts := make(map[string][]byte, len(p.pending))
	var removes [][]byte

	for _, op := range p.pending {
		switch op.Kind {
		case OpInsert:
			puts[string(leafKey(op.ID))] = op.Value
		case OpRemove:
			removes = append(removes, leafKey(op.ID))
		}
	}

	oldRecords, err := p.scanLeaves()
	if err != nil {
		return nil, types.Digest{}, err
	}
	sortLeafRecords(oldRecords)
	priorRoot := p.root

	removeSet := make(map[string]bool, len(removes))
	for _, r := range removes {
		removeSet[string(r)] = true
	}

	newRecords := make([]leafRecord, 0, len(oldRecords)+len(puts))
	for _, r := range oldRecords {
		key := leafKey(r.ID)
		if removeSet[string(key)] {
			continue
		}
		if _, overwritten := puts[string(key)]; overwritten {
			continue
		}
		newRecords = append(newRecords, r)
	}
	for k, v := range puts {
		id := []byte(k)[len(leafPrefix):]
		var rid types.Hash
		copy(rid[:], id)
		newRecords = append(newRecords, leafRecord{ID: rid, Hash: leafHash(id, v)})
	}
	sortLeafRecords(newRecords)

	newHashes := recordHashes(newRecords)
	oldHashes := recordHashes(oldRecords)
	root := block.ComputeMerkleRoot(newHashes)
	height := treeHeight(len(newHashes))
	digest := types.NewDigest(root, height)

	proof := serializedProof{
		Ops:       make([]proofEntry, 0, len(p.pending)),
		PriorRoot: priorRoot,
		Root:      root,
		Height:    height,
	}

	for _, op := range p.pending {
		switch op.Kind {
		case OpInsert:
			idx := leafIndex(newRecords, op.ID)
			if idx < 0 {
				return nil, types.Digest{}, fmt.Errorf("prover: inserted id %s missing from new leaf set", op.ID)
			}
			_, path := block.ComputeMerkleProof(newHashes, idx)
			proof.Ops = append(proof.Ops, proofEntry{Kind: op.Kind, ID: op.ID, Leaf: newRecords[idx].Hash, Path: path})
		case OpRemove:
			idx := leafIndex(oldRecords, op.ID)
			if idx < 0 {
				return nil, types.Digest{}, fmt.Errorf("prover: removed id %s missing from prior leaf set", op.ID)
			}
			_, path := block.ComputeMerkleProof(oldHashes, idx)
			proof.Ops = append(proof.Ops, proofEntry{Kind: op.Kind, ID: op.ID, Leaf: oldRecords[idx].Hash, Path: path})
		}
	}

	proofBytes, err := json.Marshal(proof)
	if err != nil {
		return nil, types.Digest{}, fmt.Errorf("prover: marshal proof: %w", err)
	}

	allPuts := make(map[string][]byte, len(puts)+len(metadata)+1)
	for k, v := range puts {
		allPuts[k] = v
	}
	for k, v := range metadata {
		allPuts[k] = v
	}
	allPuts[rootKey] = digest[:]

	if err := p.kv.BulkInsert(root, allPuts, removes); err != nil {
		return nil, types.Digest{}, fmt.Errorf("prover: commit batch: %w", err)
	}

	p.root, p.height = root, height
	p.pending = nil
	return proofBytes, digest, nil
}

// scanLeaves reads every committed leaf (id, hash) pair from storage,
// unsorted.
func (p *Prover) scanLeaves() ([]leafRecord, error) {
	var records []leafRecord
	err := p.kv.ForEach([]byte(leafPrefix), func(key, value []byte) error {
		var id types.Hash
		copy(id[:], key)
		records = append(records, leafRecord{ID: id, Hash: leafHash(key, value)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prover: scan leaves: %w", err)
	}
	return records, nil
}

// VerifyProof checks a proof produced by GenerateProofAndUpdateStorage
// independently of any storage: every Insert's leaf authenticates against
// root, and every Remove's leaf authenticates against priorRoot. A caller
// who only holds the pair of digests (before and after a batch) can use
// this to confirm the batch's claimed membership changes actually happened,
// without trusting the prover's in-memory state.
func VerifyProof(proofBytes []byte, priorRoot, root types.Hash) error {
	var proof serializedProof
	if err := json.Unmarshal(proofBytes, &proof); err != nil {
		return fmt.Errorf("prover: unmarshal proof: %w", err)
	}
	if proof.PriorRoot != priorRoot {
		return fmt.Errorf("prover: proof prior root %s != expected %s", proof.PriorRoot, priorRoot)
	}
	if proof.Root != root {
		return fmt.Errorf("prover: proof root %s != expected %s", proof.Root, root)
	}
	for _, op := range proof.Ops {
		switch op.Kind {
		case OpInsert:
			if !block.VerifyMerkleProof(op.Leaf, op.Path, root) {
				return fmt.Errorf("prover: insert witness for %s does not authenticate to root %s", op.ID, root)
			}
		case OpRemove:
			if !block.VerifyMerkleProof(op.Leaf, op.Path, priorRoot) {
				return fmt.Errorf("prover: remove witness for %s does not authenticate to prior root %s", op.ID, priorRoot)
			}
		default:
			return fmt.Errorf("prover: proof contains unknown op kind %d for %s", op.Kind, op.ID)
		}
	}
	return nil
}

func leafHash(id, value []byte) types.Hash {
	buf := make([]byte, 0, len(id)+len(value))
	buf = append(buf, id...)
	buf = append(buf, value...)
	return crypto.Hash(buf)
}

// treeHeight reports ceil(log2(n)), with height 0 for an empty or
// single-leaf tree.
func treeHeight(n int) byte {
	h := 0
	for (1 << uint(h)) < n {
		h++
	}
	return byte(h)
}

// Rollback restores the prover (and its backing kvstore) to a previously
// committed digest's root.
func (p *Prover) Rollback(digest types.Digest) error {
	if err := p.kv.Rollback(digest.Root()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownDigest, digest, err)
	}
	raw, err := p.kv.Get([]byte(rootKey))
	if err != nil {
		p.root, p.height = types.Hash{}, 0
	} else {
		var d types.Digest
		copy(d[:], raw)
		p.root, p.height = d.Root(), d.Height()
	}
	p.pending = nil
	return nil
}

// UnauthenticatedLookup returns the raw value stored under id without a
// proof, for callers (C3's validate) that already trust the backing store.
func (p *Prover) UnauthenticatedLookup(id types.Hash) ([]byte, error) {
	return p.kv.Get(leafKey(id))
}
