package interaction

import (
	"fmt"
	"strings"
	"time"
)

// GateState is the override gate's current state
type GateState string

// Gate states. Submitted and abandoned are terminal.
const (
	GateClean                GateState = "clean"
	GateBlocked              GateState = "blocked"
	GatePendingJustification GateState = "pending_justification"
	GateOverridden           GateState = "overridden"
	GateSubmitted            GateState = "submitted"
	GateAbandoned            GateState = "abandoned"
)

// Terminal reports whether no further transitions are possible
func (s GateState) Terminal() bool {
	return s == GateSubmitted || s == GateAbandoned
}

// OverrideRecord is the clinician's justification for submitting despite
// blocking interactions
type OverrideRecord struct {
	Reason     string    `json:"reason"`
	AcceptedAt time.Time `json:"acceptedAt"`
	Warnings   []Warning `json:"warnings"`
}

// Gate is the override state machine for one warning set. It is not safe
// for concurrent use; owners serialise access.
type Gate struct {
	policy   Policy
	state    GateState
	blocking []Warning
	reason   string
	now      func() time.Time
}

// NewGate derives the initial state from ws: Clean when nothing blocks,
// Blocked otherwise.
func NewGate(policy Policy, ws []Warning) *Gate {
	g := &Gate{policy: policy, now: time.Now}
	g.Reevaluate(ws)
	return g
}

// State returns the current state
func (g *Gate) State() GateState { return g.state }

// Blocking returns the warnings requiring an override
func (g *Gate) Blocking() []Warning { return g.blocking }

// Reason returns the accepted justification, if any
func (g *Gate) Reason() string { return g.reason }

// Reevaluate re-derives the state from a new warning set, discarding any
// prior justification. Terminal states are left untouched.
func (g *Gate) Reevaluate(ws []Warning) {
	if g.state.Terminal() {
		return
	}
	g.reason = ""
	g.blocking = g.policy.Blocking(ws)
	if len(g.blocking) == 0 {
		g.state = GateClean
	} else {
		g.state = GateBlocked
	}
}

// RequestOverride opens the justification step: Blocked -> PendingJustification.
// Calling it while already pending is a no-op.
func (g *Gate) RequestOverride() (GateState, error) {
	switch g.state {
	case GateBlocked:
		g.state = GatePendingJustification
	case GatePendingJustification:
	default:
		return g.state, fmt.Errorf("%w: request override from %s", ErrInvalidTransition, g.state)
	}
	return g.state, nil
}

// Justify accepts a non-blank reason: PendingJustification -> Overridden.
func (g *Gate) Justify(reason string) error {
	if g.state != GatePendingJustification {
		return fmt.Errorf("%w: justify from %s", ErrInvalidTransition, g.state)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrEmptyOverrideReason
	}
	g.reason = reason
	g.state = GateOverridden
	return nil
}

// Cancel closes the justification step: PendingJustification -> Blocked.
func (g *Gate) Cancel() error {
	if g.state != GatePendingJustification {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, g.state)
	}
	g.state = GateBlocked
	return nil
}

// CanSubmit reports whether the gate currently permits submission
func (g *Gate) CanSubmit() bool {
	return g.state == GateClean || g.state == GateOverridden
}

// Authorize validates a submission attempt. A non-blank reason supplied while
// Blocked or PendingJustification is applied as the justification first; a
// blank one is rejected with SubmissionBlocked or EmptyOverrideReason. The
// returned record is nil when no override was needed.
func (g *Gate) Authorize(reason string) (*OverrideRecord, error) {
	hasReason := strings.TrimSpace(reason) != ""

	switch g.state {
	case GateClean:
		return nil, nil
	case GateOverridden:
	case GateBlocked:
		if !hasReason {
			return nil, ErrSubmissionBlocked
		}
		g.state = GatePendingJustification
		if err := g.Justify(reason); err != nil {
			return nil, err
		}
	case GatePendingJustification:
		if !hasReason {
			return nil, ErrEmptyOverrideReason
		}
		if err := g.Justify(reason); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, g.state)
	}

	return &OverrideRecord{
		Reason:     g.reason,
		AcceptedAt: g.now().UTC(),
		Warnings:   g.blocking,
	}, nil
}

// MarkSubmitted moves the gate to the terminal submitted state
func (g *Gate) MarkSubmitted() error {
	if !g.CanSubmit() {
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, g.state)
	}
	g.state = GateSubmitted
	return nil
}

// Abandon moves the gate to the terminal abandoned state
func (g *Gate) Abandon() {
	if g.state != GateSubmitted {
		g.state = GateAbandoned
	}
}
