// Package box defines the UTXO box types applied by the authenticated state (C3).
package box

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TypeID discriminates box variants.
type TypeID byte

const (
	TypeAsset    TypeID = 0x01 // value-carrying box locked to an address proposition
	TypeOpen     TypeID = 0x02 // value-carrying box spendable by anyone presenting any proof
	TypeCoinbase TypeID = 0x03 // miner-reward box, locked like TypeAsset, maturity-gated by C3's caller
)

// String returns a human-readable name for the box type.
func (t TypeID) String() string {
	switch t {
	case TypeAsset:
		return "AssetBox"
	case TypeOpen:
		return "OpenBox"
	case TypeCoinbase:
		return "CoinbaseBox"
	default:
		return "Unknown"
	}
}

// Box is an immutable UTXO. Its identity is its ID; Nonce only disambiguates
// otherwise-identical boxes created within the same transaction (spec.md §3).
type Box struct {
	ID          types.Hash `json:"id"`
	TypeID      TypeID     `json:"type_id"`
	Proposition types.Hash `json:"proposition"` // pubkey-hash style address, 32-byte padded
	Nonce       uint64     `json:"nonce"`
	Amount      uint64     `json:"amount"`
}

// boxJSON mirrors Box but renders TypeID numerically for clarity in status dumps.
type boxJSON struct {
	ID          string `json:"id"`
	TypeID      byte   `json:"type_id"`
	Proposition string `json:"proposition"`
	Nonce       uint64 `json:"nonce"`
	Amount      uint64 `json:"amount"`
}

// MarshalJSON renders hex-encoded identifiers.
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal(boxJSON{
		ID:          hex.EncodeToString(b.ID[:]),
		TypeID:      byte(b.TypeID),
		Proposition: hex.EncodeToString(b.Proposition[:]),
		Nonce:       b.Nonce,
		Amount:      b.Amount,
	})
}

// Bytes returns the canonical serialization used both for hashing the box ID
// and for storing the raw value behind C2's `unauthenticatedLookup`.
// Format: type(1) | proposition(32) | nonce(8) | amount(8)
func (b *Box) Bytes() []byte {
	buf := make([]byte, 0, 49)
	buf = append(buf, byte(b.TypeID))
	buf = append(buf, b.Proposition[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, b.Amount)
	return buf
}

// ComputeID derives the box's 32-byte identifier from the box contents plus
// the originating transaction hash and output index, so that two boxes with
// identical propositions/amounts created in different transactions (or at
// different output indices) never collide.
func ComputeID(txHash types.Hash, outputIndex uint32, typeID TypeID, proposition types.Hash, nonce, amount uint64) types.Hash {
	buf := make([]byte, 0, 32+4+1+32+8+8)
	buf = append(buf, txHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, outputIndex)
	buf = append(buf, byte(typeID))
	buf = append(buf, proposition[:]...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	return crypto.Hash(buf)
}

// Deserialize decodes raw box bytes (as returned by C2's unauthenticatedLookup)
// back into a Box, given the ID it was stored under. This is the concrete
// implementation satisfying the consumed `StateModifierDeserializer` interface
// (spec.md §6).
func Deserialize(id types.Hash, raw []byte) (*Box, error) {
	if len(raw) != 49 {
		return nil, fmt.Errorf("box %s: malformed value (%d bytes, want 49)", id, len(raw))
	}
	b := &Box{ID: id, TypeID: TypeID(raw[0])}
	copy(b.Proposition[:], raw[1:33])
	b.Nonce = binary.BigEndian.Uint64(raw[33:41])
	b.Amount = binary.BigEndian.Uint64(raw[41:49])
	switch b.TypeID {
	case TypeAsset, TypeOpen, TypeCoinbase:
	default:
		return nil, fmt.Errorf("box %s: unrecognised type id 0x%02x: %w", id, raw[0], ErrUnknownType)
	}
	return b, nil
}

// ErrUnknownType is returned by Deserialize for an unrecognised type byte.
var ErrUnknownType = fmt.Errorf("unknown box type")

// UnlockTry attempts to satisfy this box's locking proposition given a proof
// and the spending transaction's signing hash. TypeOpen boxes unlock
// unconditionally; TypeAsset/TypeCoinbase require a signature verifying
// against a public key whose address equals Proposition.
func (b *Box) UnlockTry(proof []byte, txSignHash []byte) bool {
	switch b.TypeID {
	case TypeOpen:
		return true
	case TypeAsset, TypeCoinbase:
		if len(proof) < 33 {
			return false
		}
		pubKey := proof[:33]
		sig := proof[33:]
		addr := crypto.AddressFromPubKey(pubKey)
		var prop types.Hash
		copy(prop[:types.AddressSize], addr[:])
		if prop != b.Proposition {
			return false
		}
		return crypto.VerifySignature(txSignHash, sig, pubKey)
	default:
		return false
	}
}
