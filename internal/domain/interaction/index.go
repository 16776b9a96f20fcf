package interaction

import (
	"context"
	"errors"
	"sync"
)

// ErrRuleExists is returned when a rule already exists for a pair
var ErrRuleExists = errors.New("interaction rule already exists for these compositions")

// RuleIndex is an in-memory RuleStore holding at most one rule per
// canonical pair, like the interaction_rules table
type RuleIndex struct {
	mu    sync.RWMutex
	rules map[Pair]Rule
}

// NewRuleIndex creates an index holding rules
func NewRuleIndex(rules ...Rule) (*RuleIndex, error) {
	idx := &RuleIndex{rules: make(map[Pair]Rule)}
	for _, r := range rules {
		if err := idx.Add(r); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Add canonicalises and stores a rule. A second rule for the same pair, in
// either order, is rejected with ErrRuleExists.
func (i *RuleIndex) Add(r Rule) error {
	canon, err := r.Canonical()
	if err != nil {
		return err
	}
	p, _ := canon.Pair()

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.rules[p]; ok {
		return ErrRuleExists
	}
	i.rules[p] = canon
	return nil
}

// Len returns the number of stored rules
func (i *RuleIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.rules)
}

// LookupInteractions checks every unordered pair drawn from ids
func (i *RuleIndex) LookupInteractions(ctx context.Context, ids []CompositionID) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var out []Rule
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids); b++ {
			p, err := NewPair(ids[a], ids[b])
			if err != nil {
				continue
			}
			if r, ok := i.rules[p]; ok {
				out = append(out, r)
			}
		}
	}
	return out, nil
}
