package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// OpKind is the closed set of operation kinds carried in a commit.
type OpKind string

const (
	KindDeploy     OpKind = "deploy"
	KindAddLiq     OpKind = "add_liq"
	KindRemoveLiq  OpKind = "remove_liq"
	KindSwap       OpKind = "swap"
	KindSend       OpKind = "send"
	KindSendLp     OpKind = "send_lp"
	KindStake      OpKind = "stake"
	KindUnstake    OpKind = "unstake"
	KindStakeClaim OpKind = "stake_claim"
	KindFee        OpKind = "fee"
)

// ValidKind reports whether k is a known operation kind.
func ValidKind(k OpKind) bool {
	switch k {
	case KindDeploy, KindAddLiq, KindRemoveLiq, KindSwap, KindSend,
		KindSendLp, KindStake, KindUnstake, KindStakeClaim, KindFee:
		return true
	}
	return false
}

// ExactSide selects which leg of a swap is fixed.
type ExactSide string

const (
	ExactIn  ExactSide = "in"
	ExactOut ExactSide = "out"
)

// InternalOperation is a normalized, signed user intent with resolved
// raw integer amounts. All amounts are decimal strings in the smallest
// unit of their tick.
type InternalOperation struct {
	ID      string `json:"id,omitempty"`
	Kind    OpKind `json:"func"`
	Address string `json:"address"`

	// Pool operations.
	Pair    string    `json:"pair,omitempty"`
	Amount0 string    `json:"amt0,omitempty"`
	Amount1 string    `json:"amt1,omitempty"`
	Lp      string    `json:"lp,omitempty"`
	TickIn  string    `json:"tick_in,omitempty"`
	TickOut string    `json:"tick_out,omitempty"`
	Exact   ExactSide `json:"exact,omitempty"`

	// Slippage bounds for swaps: minimum out for exact-in, maximum in
	// for exact-out. Empty string disables the bound.
	AmountLimit string `json:"amt_limit,omitempty"`

	// Transfer and fee operations.
	Tick   string `json:"tick,omitempty"`
	Amount string `json:"amt,omitempty"`
	To     string `json:"to,omitempty"`

	Timestamp int64    `json:"ts"`
	Prevs     []string `json:"prevs,omitempty"`
	Signature string   `json:"sig,omitempty"`
}

// ComputeID derives the content hash identifying this operation. The
// signature is part of the content: two identically-shaped intents
// signed separately are distinct operations.
func (op *InternalOperation) ComputeID() (string, error) {
	clone := *op
	clone.ID = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SignedPayload is the canonical message the user signs: the operation
// content without id and signature.
func (op *InternalOperation) SignedPayload() (string, error) {
	clone := *op
	clone.ID = ""
	clone.Signature = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(raw), nil
}

// TouchedAddresses lists every address whose balances the operation may
// mutate, including synthetic pool addresses.
func (op *InternalOperation) TouchedAddresses() []string {
	addrs := []string{op.Address}
	if op.To != "" {
		addrs = append(addrs, op.To)
	}
	if op.Pair != "" {
		if pair, err := ParsePairKey(op.Pair); err == nil {
			addrs = append(addrs, pair.PoolAddress())
		}
	}
	return addrs
}

// TouchedTicks lists every tick the operation may mutate, including the
// pair's LP tick.
func (op *InternalOperation) TouchedTicks() []string {
	var ticks []string
	if op.Tick != "" {
		ticks = append(ticks, op.Tick)
	}
	if op.TickIn != "" {
		ticks = append(ticks, op.TickIn)
	}
	if op.TickOut != "" {
		ticks = append(ticks, op.TickOut)
	}
	if op.Pair != "" {
		if pair, err := ParsePairKey(op.Pair); err == nil {
			ticks = append(ticks, pair.Tick0, pair.Tick1, pair.LpTick())
		}
	}
	return ticks
}

// DepositEvent is a confirmed on-chain transfer into the module,
// reported by the indexer. Amount is a raw smallest-unit string.
type DepositEvent struct {
	InscriptionID string `json:"inscription_id"`
	Address       string `json:"address"`
	Tick          string `json:"tick"`
	Amount        string `json:"amount"`
	Height        uint64 `json:"height"`
}
