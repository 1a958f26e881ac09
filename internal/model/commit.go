package model

import (
	"strconv"
	"time"
)

// ProtocolTag identifies the inscription protocol envelope.
const ProtocolTag = "brc20-swap"

// CommitOp is the inscription payload of one commit: an ordered batch
// of operations chained to the previous commit by parent.
type CommitOp struct {
	P           string              `json:"p"`
	Op          string              `json:"op"`
	Module      string              `json:"module"`
	Parent      string              `json:"parent"`
	GasPrice    string              `json:"gas_price"`
	SwapFeeRate string              `json:"swap_fee_rate,omitempty"`
	Data        []InternalOperation `json:"data"`
}

// BalanceUpdate is one address/tick balance after an operation applied,
// reported for downstream notification and indexer verification.
type BalanceUpdate struct {
	Address string     `json:"address"`
	Tick    string     `json:"tick"`
	Class   AssetClass `json:"class"`
	Balance string     `json:"balance"`
}

// PoolUpdate is a pool's reserves and LP supply after an operation.
type PoolUpdate struct {
	Pair     string `json:"pair"`
	Reserve0 string `json:"reserve0"`
	Reserve1 string `json:"reserve1"`
	LpSupply string `json:"lp_supply"`
}

// OperationResult pairs an operation id with the balances it changed.
type OperationResult struct {
	OpID  string          `json:"op_id"`
	Users []BalanceUpdate `json:"users,omitempty"`
	Pools []PoolUpdate    `json:"pools,omitempty"`
}

// Commit is the persisted commit record. While InscriptionID is empty
// the commit is open and Data may grow; once set it is immutable.
// Invariant: len(Op.Data) == len(Results) at every observation point.
type Commit struct {
	Op            CommitOp          `json:"op"`
	Results       []OperationResult `json:"result"`
	FeeRate       float64           `json:"feeRate"`
	SatsPrice     string            `json:"satsPrice"`
	InscriptionID string            `json:"inscriptionId,omitempty"`
	TxID          string            `json:"txid,omitempty"`
	Height        uint64            `json:"height,omitempty"`

	// FirstOpAt is when the first operation entered the batch; drives
	// time-based sealing. Not part of the inscription payload.
	FirstOpAt time.Time `json:"-"`
}

// NewCommit starts an open commit chained to parent. GasPrice doubles
// as the record's numeric FeeRate.
func NewCommit(module, parent, gasPrice, swapFeeRate string) *Commit {
	feeRate, _ := strconv.ParseFloat(gasPrice, 64)
	return &Commit{
		FeeRate: feeRate,
		Op: CommitOp{
			P:           ProtocolTag,
			Op:          "commit",
			Module:      module,
			Parent:      parent,
			GasPrice:    gasPrice,
			SwapFeeRate: swapFeeRate,
			Data:        []InternalOperation{},
		},
		Results: []OperationResult{},
	}
}

// Published reports whether the commit has been anchored on chain.
func (c *Commit) Published() bool { return c.InscriptionID != "" }

// Append adds an operation and its result to the open commit.
func (c *Commit) Append(op InternalOperation, res OperationResult) {
	if len(c.Op.Data) == 0 {
		c.FirstOpAt = time.Now()
	}
	c.Op.Data = append(c.Op.Data, op)
	c.Results = append(c.Results, res)
}
