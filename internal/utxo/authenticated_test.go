package utxo

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/kvstore"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func coinbaseBlock(height uint64, addr byte, value uint64) *block.Block {
	transaction := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:  value,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: append([]byte{addr}, make([]byte, 19)...)},
		}},
	}
	header := &block.Header{Version: 1, Height: height, Timestamp: 1000 + height}
	return block.NewBlock(header, []*tx.Transaction{transaction})
}

func newAuthState(t *testing.T) *AuthenticatedState {
	t.Helper()
	kv, err := kvstore.Open(storage.NewMemory())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	a, err := OpenAuthenticatedState(kv)
	if err != nil {
		t.Fatalf("OpenAuthenticatedState: %v", err)
	}
	return a
}

func TestApplyBlockDeltas_InsertsCoinbaseOutput(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	a := newAuthState(t)

	blk := coinbaseBlock(1, 0x01, 5000)
	before := a.Digest()

	if _, digest, err := ApplyBlockDeltas(a, store, blk, nil); err != nil {
		t.Fatalf("ApplyBlockDeltas: %v", err)
	} else if digest == before {
		t.Error("digest should change after a block with a new output")
	}
}

func TestApplyBlockDeltas_SpendThenInsertChangesRootCorrectly(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	a := newAuthState(t)

	blk1 := coinbaseBlock(1, 0x01, 5000)
	if _, _, err := ApplyBlockDeltas(a, store, blk1, nil); err != nil {
		t.Fatalf("apply block 1: %v", err)
	}
	// Mirror the coinbase output into the flat store so block 2 can spend it.
	coinbaseHash := blk1.Transactions[0].Hash()
	if err := store.Put(&UTXO{
		Outpoint: types.Outpoint{TxID: coinbaseHash, Index: 0},
		Value:    5000,
		Script:   blk1.Transactions[0].Outputs[0].Script,
		Height:   1,
		Coinbase: true,
	}); err != nil {
		t.Fatalf("seed flat store: %v", err)
	}

	spendTx := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{TxID: coinbaseHash, Index: 0}}},
		Outputs: []tx.Output{{Value: 5000, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}}},
	}
	blk2 := block.NewBlock(&block.Header{Version: 1, Height: 2, Timestamp: 2000}, []*tx.Transaction{spendTx})

	digestBeforeSpend := a.Digest()
	if _, digestAfterSpend, err := ApplyBlockDeltas(a, store, blk2, nil); err != nil {
		t.Fatalf("apply block 2: %v", err)
	} else if digestAfterSpend == digestBeforeSpend {
		t.Error("digest should change after spending a box and creating a new one")
	}
}

func TestAuthenticatedState_RollbackToRestoresDigest(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	a := newAuthState(t)

	genesisDigest := a.Digest()

	blk := coinbaseBlock(1, 0x01, 1000)
	if _, _, err := ApplyBlockDeltas(a, store, blk, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Digest() == genesisDigest {
		t.Fatal("digest should have advanced after applying a block")
	}

	if err := a.RollbackTo(genesisDigest); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if a.Digest() != genesisDigest {
		t.Errorf("digest after rollback = %s, want %s", a.Digest(), genesisDigest)
	}
}

func TestAuthenticatedState_ProofsForBlockDoesNotMutateDigest(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	a := newAuthState(t)

	before := a.Digest()
	blk := coinbaseBlock(1, 0x01, 1000)

	var spent []UTXO
	var created []*UTXO
	for i, out := range blk.Transactions[0].Outputs {
		created = append(created, &UTXO{
			Outpoint: types.Outpoint{TxID: blk.Transactions[0].Hash(), Index: uint32(i)},
			Value:    out.Value,
			Script:   out.Script,
			Height:   blk.Header.Height,
			Coinbase: true,
		})
	}

	if _, digest, err := a.ProofsForBlock(spent, created); err != nil {
		t.Fatalf("ProofsForBlock: %v", err)
	} else if digest == before {
		t.Error("previewed digest should differ from the pre-speculation digest")
	}

	if a.Digest() != before {
		t.Error("ProofsForBlock must not mutate the committed digest")
	}
}
