package utxo

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/kvstore"
	"github.com/Klingon-tech/klingnet-chain/internal/prover"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// AuthenticatedState is the authenticated UTXO state specified as C3: it
// applies a block's transactions to the authenticated prover (C2) as an
// ordered sequence of box inserts/removes, producing a state root and a
// serialized membership proof, and supports rollback to any digest the
// prover has committed.
//
// A box's identity here is hash(outpoint); its leaf value is the UTXO's
// hashUTXO encoding (see commitment.go), so AuthenticatedState's digest
// commits to the same fields Store-wide Commitment() hashes (outpoint, value,
// script); a UTXO's height, coinbase flag, token data and lock height are not
// part of the leaf. This is the incremental replacement for Commitment().
type AuthenticatedState struct {
	prover *prover.Prover
}

// OpenAuthenticatedState opens the authenticated state backed by db.
func OpenAuthenticatedState(kv *kvstore.Store) (*AuthenticatedState, error) {
	p, err := prover.Open(kv)
	if err != nil {
		return nil, fmt.Errorf("open prover: %w", err)
	}
	return &AuthenticatedState{prover: p}, nil
}

// Digest returns the current 33-byte state root.
func (a *AuthenticatedState) Digest() types.Digest {
	return a.prover.Digest()
}

// ApplyUndo mirrors the UTXO deltas already computed by the legacy
// apply/revert path (internal/chain's UndoData) into the authenticated
// prover: spent outpoints are removed, created outpoints are inserted.
// metadata is committed alongside the batch (spec.md §4.3: blockId ->
// stateRoot, hash(stateRoot) -> blockId, best version/height keys).
func (a *AuthenticatedState) ApplyUndo(spent []UTXO, created []*UTXO, metadata map[string][]byte) ([]byte, types.Digest, error) {
	for i := range spent {
		id := leafID(spent[i].Outpoint)
		if err := a.prover.PerformOneOperation(prover.Op{Kind: prover.OpRemove, ID: id}); err != nil {
			return nil, types.Digest{}, fmt.Errorf("remove box %s: %w", spent[i].Outpoint, err)
		}
	}
	for _, u := range created {
		id := leafID(u.Outpoint)
		if err := a.prover.PerformOneOperation(prover.Op{Kind: prover.OpInsert, ID: id, Value: hashUTXO(u).Bytes()}); err != nil {
			return nil, types.Digest{}, fmt.Errorf("insert box %s: %w", u.Outpoint, err)
		}
	}
	return a.prover.GenerateProofAndUpdateStorage(metadata)
}

// RollbackTo restores the prover to a previously committed digest.
func (a *AuthenticatedState) RollbackTo(digest types.Digest) error {
	return a.prover.Rollback(digest)
}

// ProofsForBlock speculatively applies blk's already-known UTXO deltas
// (spent/created, as computed by the caller) and returns the resulting
// proof and digest without committing — used by the miner (C6) to preview
// the state root a candidate block would produce.
func (a *AuthenticatedState) ProofsForBlock(spent []UTXO, created []*UTXO) ([]byte, types.Digest, error) {
	before := a.prover.Digest()
	proof, digest, err := a.ApplyUndo(spent, created, nil)
	if err != nil {
		a.prover.Rollback(before)
		return nil, types.Digest{}, err
	}
	if err := a.prover.Rollback(before); err != nil {
		return nil, types.Digest{}, fmt.Errorf("restore pre-speculation root: %w", err)
	}
	return proof, digest, nil
}

// SpeculateBlock previews the state root blk would produce without
// committing: it extracts blk's spent/created boxes the same way
// ApplyBlockDeltas does, then calls ProofsForBlock. Used by the miner (C6)
// to set a mined candidate's header.StateRoot before sealing, and by C3's
// proofsForTransactions-style preview callers.
func SpeculateBlock(a *AuthenticatedState, store Set, blk *block.Block) ([]byte, types.Digest, error) {
	var spent []UTXO
	var created []*UTXO

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := store.Get(in.PrevOut)
			if err != nil {
				return nil, types.Digest{}, fmt.Errorf("get utxo %s: %w", in.PrevOut, err)
			}
			spent = append(spent, *u)
		}

		for i, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			created = append(created, &UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Token:    out.Token,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			})
		}
	}

	return a.ProofsForBlock(spent, created)
}

// GenesisDigest computes the authenticated digest genesis's coinbase outputs
// would produce, independent of any node's persisted store: a fresh
// in-memory prover over an empty tree, with every created box inserted.
// Every node building the same genesis configuration derives the same
// digest, so it can be embedded in the genesis header deterministically.
func GenesisDigest(created []*UTXO) (types.Digest, error) {
	kv, err := kvstore.Open(storage.NewMemory())
	if err != nil {
		return types.Digest{}, fmt.Errorf("open ephemeral genesis store: %w", err)
	}
	a, err := OpenAuthenticatedState(kv)
	if err != nil {
		return types.Digest{}, fmt.Errorf("open ephemeral genesis state: %w", err)
	}
	_, digest, err := a.ApplyUndo(nil, created, nil)
	if err != nil {
		return types.Digest{}, fmt.Errorf("apply genesis boxes: %w", err)
	}
	return digest, nil
}

// leafID derives a box's authenticated-tree identifier from its outpoint.
func leafID(op types.Outpoint) types.Hash {
	buf := make([]byte, 0, types.HashSize+4)
	buf = append(buf, op.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, op.Index)
	return crypto.Hash(buf)
}

// ApplyBlockDeltas recomputes a block's spent/created outpoints the same
// way internal/chain.applyBlockWithUndo does, then applies them
// authenticatedly. This keeps the authenticated path exercised from a
// *block.Block directly, for callers (miner candidate preview, tests) that
// don't already have UndoData at hand.
func ApplyBlockDeltas(a *AuthenticatedState, store Set, blk *block.Block, metadata map[string][]byte) ([]byte, types.Digest, error) {
	var spent []UTXO
	var created []*UTXO

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := store.Get(in.PrevOut)
			if err != nil {
				return nil, types.Digest{}, fmt.Errorf("get utxo %s: %w", in.PrevOut, err)
			}
			spent = append(spent, *u)
		}

		for i, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			created = append(created, &UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Token:    out.Token,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			})
		}
	}

	return a.ApplyUndo(spent, created, metadata)
}
