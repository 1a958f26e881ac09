package space

import (
	"encoding/json"
	"fmt"
	"sort"

	"swapSequencer/internal/model"
)

type snapshotBalance struct {
	Class   model.AssetClass `json:"class"`
	Tick    string           `json:"tick"`
	Address string           `json:"address"`
	Balance string           `json:"balance"`
}

type snapshotWire struct {
	Cursor       uint64            `json:"cursor"`
	LastCommitID string            `json:"last_commit_id,omitempty"`
	Pairs        []string          `json:"pairs,omitempty"`
	Supplies     map[string]string `json:"supplies,omitempty"`
	Balances     []snapshotBalance `json:"balances,omitempty"`
}

// MarshalJSON encodes the snapshot so a later process can rebuild the
// confirmed ledger without replaying history. Balances are emitted in
// a stable order.
func (sn *Snapshot) MarshalJSON() ([]byte, error) {
	s := sn.space
	wire := snapshotWire{
		Cursor:       s.cursor,
		LastCommitID: s.lastCommitID,
		Supplies:     make(map[string]string, len(s.supplies)),
	}
	for key := range s.pairs {
		wire.Pairs = append(wire.Pairs, key)
	}
	sort.Strings(wire.Pairs)
	for tick, supply := range s.supplies {
		wire.Supplies[tick] = supply.String()
	}
	for key, b := range s.balances {
		if b.Sign() == 0 {
			continue
		}
		wire.Balances = append(wire.Balances, snapshotBalance{
			Class:   key.class,
			Tick:    key.tick,
			Address: key.address,
			Balance: b.String(),
		})
	}
	sort.Slice(wire.Balances, func(i, j int) bool {
		a, b := wire.Balances[i], wire.Balances[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.Tick != b.Tick {
			return a.Tick < b.Tick
		}
		return a.Address < b.Address
	})
	return json.Marshal(wire)
}

// UnmarshalJSON rebuilds the snapshot from its persisted form.
func (sn *Snapshot) UnmarshalJSON(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s := New()
	s.cursor = wire.Cursor
	s.lastCommitID = wire.LastCommitID
	for _, key := range wire.Pairs {
		pair, err := model.ParsePairKey(key)
		if err != nil {
			return fmt.Errorf("snapshot pair %q: %w", key, err)
		}
		if err := s.RegisterPair(pair); err != nil {
			return fmt.Errorf("snapshot pair %q: %w", key, err)
		}
	}
	for tick, raw := range wire.Supplies {
		supply, err := model.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("snapshot supply %q: %w", tick, err)
		}
		s.supplies[tick] = supply
	}
	for _, b := range wire.Balances {
		amount, err := model.ParseAmount(b.Balance)
		if err != nil {
			return fmt.Errorf("snapshot balance %s/%s: %w", b.Tick, b.Address, err)
		}
		s.balances[balanceKey{b.Class, b.Tick, b.Address}] = amount
	}
	sn.space = s
	return nil
}
