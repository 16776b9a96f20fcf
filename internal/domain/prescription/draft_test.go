package prescription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

func item(id string, comps ...string) Item {
	m := interaction.Medication{ID: interaction.MedicationID(id), BrandName: "Brand-" + id}
	for _, c := range comps {
		m.Compositions = append(m.Compositions, interaction.Composition{ID: interaction.CompositionID(c), Name: c})
	}
	return Item{Medication: m, Dosage: "1 tab", Frequency: "BD"}
}

type countingStore struct {
	mu    sync.Mutex
	inner interaction.RuleStore
	calls int
	err   error
}

func (s *countingStore) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.LookupInteractions(ctx, ids)
}

func (s *countingStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type recordingSubmitter struct {
	mu          sync.Mutex
	submissions []*Submission
	err         error
}

func (r *recordingSubmitter) Submit(ctx context.Context, s *Submission) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.submissions = append(r.submissions, s)
	return &Prescription{ID: "rx-1", Items: s.Items, Warnings: s.Warnings, Override: s.Override}, nil
}

func newTestDraft(t *testing.T, sev interaction.Severity, cfg DraftConfig) (*Draft, *countingStore, *recordingSubmitter) {
	t.Helper()
	idx, err := interaction.NewRuleIndex(interaction.Rule{
		CompositionA: interaction.Composition{ID: "X"},
		CompositionB: interaction.Composition{ID: "Y"},
		Severity:     sev,
		Description:  "X and Y interact",
	})
	if err != nil {
		t.Fatalf("rule index: %v", err)
	}
	store := &countingStore{inner: idx}
	sub := &recordingSubmitter{}
	d := NewDraft("doc-1", "pat-1", interaction.NewChecker(store, nil), sub, cfg, nil)
	return d, store, sub
}

func settle(t *testing.T, d *Draft) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("check did not settle: %v", err)
	}
}

func TestDraftSingleMedicationSkipsLookup(t *testing.T) {
	d, store, _ := newTestDraft(t, interaction.SeverityMajor, DefaultDraftConfig())

	d.SetMedications([]Item{item("a", "X")})
	settle(t, d)

	v := d.Warnings()
	if store.calls != 0 {
		t.Errorf("expected no rule-store call, got %d", store.calls)
	}
	if !v.Groups.Empty() || v.Outcome != interaction.OutcomeSkipped {
		t.Errorf("expected empty skipped result, got %+v", v)
	}
	if v.Gate != interaction.GateClean {
		t.Errorf("expected clean gate, got %s", v.Gate)
	}
}

func TestDraftOverrideDiscardedOnChange(t *testing.T) {
	d, _, sub := newTestDraft(t, interaction.SeverityContraindicated, DefaultDraftConfig())

	d.SetMedications([]Item{item("a", "X"), item("b", "Y")})
	settle(t, d)
	if d.GateState() != interaction.GateBlocked || d.CanSubmit("") {
		t.Fatalf("expected blocked, got %s", d.GateState())
	}

	if _, err := d.RequestOverride(); err != nil {
		t.Fatalf("request override: %v", err)
	}
	if err := d.JustifyOverride("clinically necessary, monitored"); err != nil {
		t.Fatalf("justify: %v", err)
	}
	if !d.CanSubmit("") {
		t.Fatal("overridden draft must be submittable")
	}

	d.SetMedications([]Item{item("a", "X"), item("b", "Y"), item("c", "X")})
	if d.CanSubmit("") {
		t.Error("override must not carry over a list change")
	}
	settle(t, d)
	if d.GateState() != interaction.GateBlocked || d.CanSubmit("") {
		t.Fatalf("expected blocked after change, got %s", d.GateState())
	}

	if _, err := d.Submit(context.Background(), ""); !errors.Is(err, interaction.ErrSubmissionBlocked) {
		t.Fatalf("expected ErrSubmissionBlocked, got %v", err)
	}
	if len(sub.submissions) != 0 {
		t.Fatal("validation failures must not reach the submitter")
	}

	p, err := d.Submit(context.Background(), "re-justified")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.Override == nil || p.Override.Reason != "re-justified" {
		t.Errorf("override not recorded: %+v", p.Override)
	}
	if d.GateState() != interaction.GateSubmitted {
		t.Errorf("expected submitted, got %s", d.GateState())
	}
	if _, err := d.SetMedications(nil); !errors.Is(err, ErrDraftClosed) {
		t.Errorf("expected ErrDraftClosed, got %v", err)
	}
}

func TestDraftCheckFailureKeepsLastKnownGood(t *testing.T) {
	d, store, _ := newTestDraft(t, interaction.SeverityMajor, DefaultDraftConfig())

	d.SetMedications([]Item{item("a", "X"), item("b", "Y")})
	settle(t, d)
	if got := len(d.Warnings().Groups.Major); got != 1 {
		t.Fatalf("expected one major warning, got %d", got)
	}

	store.setErr(context.DeadlineExceeded)
	d.SetMedications([]Item{item("a", "X"), item("b", "Y"), item("c", "Z")})
	settle(t, d)

	v := d.Warnings()
	if d.IsLoading() || v.Loading {
		t.Error("failed check must not stay loading")
	}
	if !v.Unverified || !v.Stale {
		t.Errorf("expected unverified stale view, got %+v", v)
	}
	if len(v.Groups.Major) != 1 {
		t.Errorf("last known-good warnings must be kept, got %+v", v.Groups)
	}
	if d.CanSubmit("") || d.CanSubmit("any reason") {
		t.Error("failed check must block submission")
	}
	if _, err := d.Submit(context.Background(), ""); !errors.Is(err, interaction.ErrCheckUnverified) {
		t.Errorf("expected ErrCheckUnverified, got %v", err)
	}
	if err := d.AcknowledgeUnverified("lab offline"); !errors.Is(err, ErrUnverifiedNotAllowed) {
		t.Errorf("default policy must refuse acknowledgement, got %v", err)
	}

	store.setErr(nil)
	d.Recheck()
	settle(t, d)
	if v := d.Warnings(); v.Unverified || v.Stale || !d.CanSubmit("") {
		t.Errorf("successful recheck must clear failure: %+v", v)
	}
}

func TestDraftAcknowledgeUnverified(t *testing.T) {
	cfg := DefaultDraftConfig()
	cfg.Policy.AllowUnverifiedSubmit = true
	d, store, sub := newTestDraft(t, interaction.SeverityMajor, cfg)

	store.setErr(errors.New("connection reset"))
	d.SetMedications([]Item{item("a", "X"), item("b", "Y")})
	settle(t, d)

	if err := d.AcknowledgeUnverified("  "); !errors.Is(err, interaction.ErrEmptyOverrideReason) {
		t.Fatalf("expected ErrEmptyOverrideReason, got %v", err)
	}
	if err := d.AcknowledgeUnverified("pharmacist consulted by phone"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := d.Submit(context.Background(), ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sub.submissions) != 1 || sub.submissions[0].Unverified == nil {
		t.Fatalf("acknowledgement must be submitted: %+v", sub.submissions)
	}
}

func TestDraftNoMedications(t *testing.T) {
	d, _, _ := newTestDraft(t, interaction.SeverityMajor, DefaultDraftConfig())
	if _, err := d.Submit(context.Background(), ""); !errors.Is(err, interaction.ErrNoMedications) {
		t.Fatalf("expected ErrNoMedications, got %v", err)
	}
}

func TestDraftIdempotentRecheck(t *testing.T) {
	d, _, _ := newTestDraft(t, interaction.SeverityMajor, DefaultDraftConfig())
	meds := []Item{item("a", "X"), item("b", "Y")}

	d.SetMedications(meds)
	settle(t, d)
	first := d.Warnings().Groups

	d.SetMedications(meds)
	settle(t, d)
	second := d.Warnings().Groups

	if first.Count() != second.Count() || first.Major[0].Pair() != second.Major[0].Pair() {
		t.Errorf("same list must yield same warnings: %+v vs %+v", first, second)
	}
}

// gatedChecker releases each check only when told to, ignoring cancellation
// to model a slow response arriving after it was superseded.
type gatedChecker struct {
	mu      sync.Mutex
	release map[int]chan struct{}
	started chan int
}

func (g *gatedChecker) Check(ctx context.Context, meds []interaction.Medication) (*interaction.Report, error) {
	n := len(meds)
	g.mu.Lock()
	ch := g.release[n]
	g.mu.Unlock()
	g.started <- n
	<-ch

	var ws []interaction.Warning
	if n >= 2 {
		ws = []interaction.Warning{{
			CompositionA: interaction.Composition{ID: "X"},
			CompositionB: interaction.Composition{ID: "Y"},
			Severity:     interaction.SeverityContraindicated,
		}}
	}
	return &interaction.Report{
		Outcome:  interaction.OutcomeChecked,
		Warnings: ws,
		Groups:   interaction.GroupBySeverity(ws),
	}, nil
}

func TestDraftLastIssuedCheckWins(t *testing.T) {
	g := &gatedChecker{
		release: map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})},
		started: make(chan int, 2),
	}
	d := NewDraft("doc", "pat", g, &recordingSubmitter{}, DefaultDraftConfig(), nil)

	d.SetMedications([]Item{item("a", "X")})
	<-g.started
	seq, _ := d.SetMedications([]Item{item("a", "X"), item("b", "Y")})
	<-g.started

	close(g.release[2])
	settle(t, d)
	close(g.release[1])

	// give the superseded check time to attempt its write
	time.Sleep(50 * time.Millisecond)

	v := d.Warnings()
	if v.Seq != seq || v.Stale {
		t.Fatalf("expected result of check %d, got %+v", seq, v)
	}
	if len(v.Groups.Contraindicated) != 1 || v.Gate != interaction.GateBlocked {
		t.Fatalf("superseded check overwrote the warnings: %+v", v)
	}
}

func TestDraftAbandonCancelsCheck(t *testing.T) {
	g := &gatedChecker{
		release: map[int]chan struct{}{2: make(chan struct{})},
		started: make(chan int, 1),
	}
	d := NewDraft("doc", "pat", g, &recordingSubmitter{}, DefaultDraftConfig(), nil)

	d.SetMedications([]Item{item("a", "X"), item("b", "Y")})
	<-g.started
	d.Abandon()

	if d.IsLoading() || !d.Closed() {
		t.Fatal("abandoned draft must be idle and closed")
	}
	close(g.release[2])
	if d.GateState() != interaction.GateAbandoned {
		t.Errorf("expected abandoned, got %s", d.GateState())
	}
}
