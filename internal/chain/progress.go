package chain

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// ModifierKind identifies what a ProgressInfo fetch request names: a header,
// a full block payload, or an AD proof bundle.
type ModifierKind int

const (
	ModifierHeader ModifierKind = iota
	ModifierPayload
	ModifierADProofs
)

func (k ModifierKind) String() string {
	switch k {
	case ModifierHeader:
		return "header"
	case ModifierPayload:
		return "payload"
	case ModifierADProofs:
		return "ad-proofs"
	default:
		return "unknown"
	}
}

// ModifierRequest names one thing the node should fetch next, per a
// ProgressInfo's fetch list.
type ModifierRequest struct {
	Kind ModifierKind
	ID   types.Hash
}

// ProgressInfo is C4's per-ingestion verdict: what (if anything) to roll
// back, what to replay on top of the rollback, whether the tip changed, and
// what to fetch next. Every call to ProcessBlock or Reorg that returns a nil
// error returns one; calls that fail return a nil ProgressInfo.
type ProgressInfo struct {
	// RollbackTo is the block ID state was reverted to, or the zero hash if
	// no rollback happened (the fast path: the block simply extended the
	// existing tip, or was rejected/stored-but-inactive).
	RollbackTo types.Hash

	// ApplyBlocks lists, in ascending height order, the IDs of blocks
	// applied after RollbackTo. On the fast path this is exactly the
	// ingested block; on a reorg it is the whole replayed branch; empty if
	// nothing was applied (fork stored but not adopted).
	ApplyBlocks []types.Hash

	// NewBestHeader is the tip block ID after this call, or the zero hash if
	// the tip did not change.
	NewBestHeader types.Hash

	// ToFetch lists modifiers the node should request next as a result of
	// this ingestion.
	ToFetch []ModifierRequest
}

// HasRollback reports whether this ProgressInfo represents a reorg.
func (p *ProgressInfo) HasRollback() bool {
	return p != nil && !p.RollbackTo.IsZero()
}

// HasNewBest reports whether the chain tip changed as a result of this call.
func (p *ProgressInfo) HasNewBest() bool {
	return p != nil && !p.NewBestHeader.IsZero()
}
