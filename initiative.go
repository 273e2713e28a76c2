package main

import (
	"fmt"
	"slices"
)

// TokenInitiative is one entry in a zone's turn order. A token may appear
// more than once.
type TokenInitiative struct {
	TokenID string  `json:"tokenId"`
	Holding bool    `json:"holding"`
	State   *string `json:"state,omitempty"`
}

type InitiativeList struct {
	ZoneID           string            `json:"zoneId"`
	Tokens           []TokenInitiative `json:"tokens"`
	Current          int               `json:"current"`
	Round            int               `json:"round"`
	HideNPC          bool              `json:"hideNpc,omitempty"`
	OwnerPermissions bool              `json:"ownerPermissions,omitempty"`
}

// IndexOf returns every position holding tokenID.
func (l *InitiativeList) IndexOf(tokenID string) []int {
	var idx []int
	for i, ti := range l.Tokens {
		if ti.TokenID == tokenID {
			idx = append(idx, i)
		}
	}
	return idx
}

// update applies ti at index. When the entry at index belongs to another
// token the list has shifted since the sender saw it, so the entry is looked
// up by token id; the update is refused unless the token occurs exactly once.
func (l *InitiativeList) update(index int, ti TokenInitiative) error {
	if index < 0 || index >= len(l.Tokens) || l.Tokens[index].TokenID != ti.TokenID {
		idx := l.IndexOf(ti.TokenID)
		if len(idx) != 1 {
			return fmt.Errorf("%w: token %s at index %d (found %d entries)",
				ErrStaleInitiative, ti.TokenID, index, len(idx))
		}
		index = idx[0]
	}
	l.Tokens[index].Holding = ti.Holding
	l.Tokens[index].State = ti.State
	return nil
}

// retain drops entries whose token is rejected by keep and keeps Current
// pointing at the same entry when possible.
func (l *InitiativeList) retain(keep func(tokenID string) bool) {
	out := l.Tokens[:0]
	current := l.Current
	for i, ti := range l.Tokens {
		if keep(ti.TokenID) {
			out = append(out, ti)
			continue
		}
		if i < l.Current {
			current--
		}
	}
	l.Tokens = out
	switch {
	case len(out) == 0 || l.Current < 0:
		l.Current = -1
	case current >= len(out):
		l.Current = len(out) - 1
	case current < 0:
		l.Current = 0
	default:
		l.Current = current
	}
}

func (l *InitiativeList) clone() *InitiativeList {
	cp := *l
	cp.Tokens = slices.Clone(l.Tokens)
	for i := range cp.Tokens {
		if s := cp.Tokens[i].State; s != nil {
			v := *s
			cp.Tokens[i].State = &v
		}
	}
	return &cp
}
