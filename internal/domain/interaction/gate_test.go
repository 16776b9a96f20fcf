package interaction

import (
	"errors"
	"testing"
)

func warning(sev Severity) Warning {
	return Warning{
		CompositionA: Composition{ID: "x"},
		CompositionB: Composition{ID: "y"},
		Severity:     sev,
	}
}

func TestGateStateTerminal(t *testing.T) {
	terminal := map[GateState]bool{
		GateClean:                false,
		GateBlocked:              false,
		GatePendingJustification: false,
		GateOverridden:           false,
		GateSubmitted:            true,
		GateAbandoned:            true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestGateInitialState(t *testing.T) {
	if s := NewGate(DefaultPolicy(), []Warning{warning(SeverityMajor)}).State(); s != GateClean {
		t.Errorf("major only: expected clean, got %s", s)
	}
	if s := NewGate(DefaultPolicy(), []Warning{warning(SeverityContraindicated)}).State(); s != GateBlocked {
		t.Errorf("contraindicated: expected blocked, got %s", s)
	}

	strict := Policy{BlockingSeverity: SeverityMajor}
	if s := NewGate(strict, []Warning{warning(SeverityMajor)}).State(); s != GateBlocked {
		t.Errorf("major threshold: expected blocked, got %s", s)
	}
}

func TestGateOverrideFlow(t *testing.T) {
	g := NewGate(DefaultPolicy(), []Warning{warning(SeverityContraindicated)})

	if g.CanSubmit() {
		t.Fatal("blocked gate must not allow submission")
	}
	if err := g.Justify("because"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("justify from blocked: expected ErrInvalidTransition, got %v", err)
	}

	if s, err := g.RequestOverride(); err != nil || s != GatePendingJustification {
		t.Fatalf("request override: %s %v", s, err)
	}
	if err := g.Justify("   "); !errors.Is(err, ErrEmptyOverrideReason) {
		t.Errorf("blank reason: expected ErrEmptyOverrideReason, got %v", err)
	}
	if err := g.Cancel(); err != nil || g.State() != GateBlocked {
		t.Fatalf("cancel: %s %v", g.State(), err)
	}

	g.RequestOverride()
	if err := g.Justify("  clinically necessary, monitored  "); err != nil {
		t.Fatalf("justify: %v", err)
	}
	if g.State() != GateOverridden || !g.CanSubmit() {
		t.Fatalf("expected overridden, got %s", g.State())
	}
	if g.Reason() != "clinically necessary, monitored" {
		t.Errorf("reason not trimmed: %q", g.Reason())
	}

	rec, err := g.Authorize("")
	if err != nil || rec == nil || rec.Reason != "clinically necessary, monitored" {
		t.Fatalf("authorize: %+v %v", rec, err)
	}
	if err := g.MarkSubmitted(); err != nil || g.State() != GateSubmitted {
		t.Fatalf("mark submitted: %s %v", g.State(), err)
	}
}

func TestGateReevaluateDiscardsOverride(t *testing.T) {
	ws := []Warning{warning(SeverityContraindicated)}
	g := NewGate(DefaultPolicy(), ws)
	g.RequestOverride()
	g.Justify("accepted risk")

	g.Reevaluate(ws)
	if g.State() != GateBlocked || g.Reason() != "" {
		t.Fatalf("override must not survive re-evaluation: %s %q", g.State(), g.Reason())
	}

	g.Reevaluate(nil)
	if g.State() != GateClean {
		t.Errorf("expected clean with no warnings, got %s", g.State())
	}
}

func TestGateAuthorize(t *testing.T) {
	blocked := []Warning{warning(SeverityContraindicated)}

	tests := []struct {
		name    string
		prepare func(g *Gate)
		ws      []Warning
		reason  string
		wantErr error
		wantRec bool
	}{
		{"clean", func(*Gate) {}, nil, "", nil, false},
		{"blocked without reason", func(*Gate) {}, blocked, "", ErrSubmissionBlocked, false},
		{"blocked with reason", func(*Gate) {}, blocked, "monitored", nil, true},
		{"pending without reason", func(g *Gate) { g.RequestOverride() }, blocked, " ", ErrEmptyOverrideReason, false},
		{"pending with reason", func(g *Gate) { g.RequestOverride() }, blocked, "monitored", nil, true},
		{"abandoned", func(g *Gate) { g.Abandon() }, nil, "", ErrInvalidTransition, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(DefaultPolicy(), tt.ws)
			tt.prepare(g)
			rec, err := g.Authorize(tt.reason)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (rec != nil) != tt.wantRec {
				t.Errorf("record presence: expected %v, got %+v", tt.wantRec, rec)
			}
		})
	}
}

func TestValidationErrorIsByCode(t *testing.T) {
	err := &ValidationError{Code: CodeSubmissionBlocked, Message: "custom text"}
	if !errors.Is(err, ErrSubmissionBlocked) {
		t.Error("validation errors with the same code must match")
	}
	if errors.Is(err, ErrNoMedications) {
		t.Error("different codes must not match")
	}
}
