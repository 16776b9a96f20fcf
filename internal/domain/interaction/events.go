package interaction

import "time"

// RuleChangeAction names what happened to the rule set
type RuleChangeAction string

const (
	RuleCreated  RuleChangeAction = "created"
	RulesCleared RuleChangeAction = "cleared"
	RulesBulk    RuleChangeAction = "bulk_import"
)

// RuleChange is published whenever the rule set changes so cached lookups
// can be invalidated
type RuleChange struct {
	Action       RuleChangeAction `json:"action"`
	CompositionA CompositionID    `json:"compA,omitempty"`
	CompositionB CompositionID    `json:"compB,omitempty"`
	Count        int              `json:"count,omitempty"`
	ChangedAt    time.Time        `json:"changedAt"`
}
