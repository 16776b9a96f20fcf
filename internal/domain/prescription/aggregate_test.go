package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

func submission(prescriptionID string, override *interaction.OverrideRecord) *Submission {
	return &Submission{
		DraftID:        "draft-1",
		PrescriptionID: prescriptionID,
		DoctorID:       "doc-1",
		PatientID:      "pat-1",
		Items:          []Item{item("a", "X"), item("b", "Y")},
		Warnings: []interaction.Warning{{
			CompositionA: interaction.Composition{ID: "X"},
			CompositionB: interaction.Composition{ID: "Y"},
			Severity:     interaction.SeverityContraindicated,
		}},
		Override: override,
	}
}

func TestAggregateSubmitWithOverride(t *testing.T) {
	agg := NewAggregate("rx-1")
	override := &interaction.OverrideRecord{Reason: "monitored", AcceptedAt: time.Now().UTC()}

	if err := agg.Submit(submission("", override)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(agg.Changes()) != 2 {
		t.Fatalf("expected submitted and override events, got %d", len(agg.Changes()))
	}
	if agg.Changes()[1].EventType != EventInteractionOverrideRecorded || !agg.Changes()[1].EventType.Audited() {
		t.Errorf("unexpected second event %s", agg.Changes()[1].EventType)
	}

	snap := agg.Snapshot()
	if snap.Status != StatusSubmitted || snap.Override == nil || snap.Override.Reason != "monitored" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if err := agg.Submit(submission("", nil)); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestAggregateRejectsInvalidSubmission(t *testing.T) {
	agg := NewAggregate("rx-1")

	empty := submission("", nil)
	empty.Items = nil
	if err := agg.Submit(empty); !errors.Is(err, interaction.ErrNoMedications) {
		t.Errorf("expected ErrNoMedications, got %v", err)
	}

	blank := submission("", &interaction.OverrideRecord{Reason: " "})
	if err := agg.Submit(blank); !errors.Is(err, interaction.ErrEmptyOverrideReason) {
		t.Errorf("expected ErrEmptyOverrideReason, got %v", err)
	}
}

func TestServiceAmendReplaysFromStore(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	p, err := svc.Submit(ctx, submission("", &interaction.OverrideRecord{Reason: "monitored"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	amend := submission(p.ID, nil)
	amend.Items = amend.Items[:1]
	amend.Warnings = nil
	amended, err := svc.Submit(ctx, amend)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Status != StatusAmended || amended.Amendments != 1 || len(amended.Items) != 1 {
		t.Errorf("unexpected amended state: %+v", amended)
	}
	if amended.Override != nil {
		t.Error("an amendment without override must clear the previous one")
	}

	loaded, err := svc.Load(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 3 || loaded.DoctorID != "doc-1" {
		t.Errorf("replayed state mismatch: %+v", loaded)
	}

	events, _ := svc.History(ctx, p.ID)
	want := []EventType{EventPrescriptionSubmitted, EventInteractionOverrideRecorded, EventPrescriptionAmended}
	for i, e := range events {
		if e.EventType != want[i] || e.Version != i+1 {
			t.Errorf("event %d: got %s v%d", i, e.EventType, e.Version)
		}
	}

	if _, err := svc.Cancel(ctx, p.ID, "duplicate"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDetectsConcurrentWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	agg := NewAggregate("rx-1")
	agg.Submit(submission("", nil))
	if err := store.Save(ctx, agg); err != nil {
		t.Fatalf("save: %v", err)
	}

	first, _ := store.Load(ctx, "rx-1")
	second, _ := store.Load(ctx, "rx-1")
	first.Cancel("a")
	second.Cancel("b")

	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save(ctx, second); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestDraftsOpenAndSweep(t *testing.T) {
	idx, _ := interaction.NewRuleIndex()
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	p, err := svc.Submit(ctx, submission("", &interaction.OverrideRecord{Reason: "monitored"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drafts := NewDrafts(interaction.NewChecker(idx, nil), svc, svc, DefaultDraftConfig(), nil)
	d, err := drafts.Open(ctx, p.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.PrescriptionID() != p.ID || len(d.Items()) != 2 {
		t.Fatalf("draft not seeded from prescription: %+v", d.View())
	}
	settle(t, d)

	got, err := drafts.Get(d.ID())
	if err != nil || got != d {
		t.Fatalf("get: %v", err)
	}

	drafts.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := drafts.Sweep(30 * time.Minute); n != 1 {
		t.Errorf("expected one swept draft, got %d", n)
	}
	if _, err := drafts.Get(d.ID()); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected ErrDraftNotFound, got %v", err)
	}
	if !d.Closed() {
		t.Error("swept draft must be abandoned")
	}
}

type gatedSubmitter struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubmitter) Submit(ctx context.Context, s *Submission) (*Prescription, error) {
	close(g.entered)
	<-g.release
	return &Prescription{ID: "rx-gated", Status: StatusSubmitted, Items: s.Items}, nil
}

func TestDraftsSweepDoesNotBlockRegistry(t *testing.T) {
	idx, _ := interaction.NewRuleIndex()
	sub := &gatedSubmitter{entered: make(chan struct{}), release: make(chan struct{})}
	drafts := NewDrafts(interaction.NewChecker(idx, nil), sub, nil, DefaultDraftConfig(), nil)

	busy, err := drafts.Create("doc-1", "pat-1", []Item{item("a", "X")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	settle(t, busy)
	other, err := drafts.Create("doc-2", "pat-2", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := busy.Submit(context.Background(), "")
		submitted <- err
	}()
	<-sub.entered

	swept := make(chan int, 1)
	go func() { swept <- drafts.Sweep(time.Hour) }()

	got := make(chan error, 1)
	go func() {
		_, err := drafts.Get(other.ID())
		if err == nil {
			_, err = drafts.Create("doc-3", "pat-3", nil)
		}
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("registry call: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked while a draft was submitting")
	}

	close(sub.release)
	if err := <-submitted; err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case n := <-swept:
		if n != 1 {
			t.Errorf("swept %d drafts, want the submitted one", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not finish")
	}
	if _, err := drafts.Get(other.ID()); err != nil {
		t.Errorf("active draft swept: %v", err)
	}
}

func TestServiceCancelOnce(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	p, err := svc.Submit(ctx, submission("", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, p.ID, "duplicate order")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if _, err := svc.Cancel(ctx, p.ID, "again"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestServiceAmendAfterCancel(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	p, err := svc.Submit(ctx, submission("", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Cancel(ctx, p.ID, "duplicate order"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Submit(ctx, submission(p.ID, nil)); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
}

func TestMemoryStoreEventsByTypeNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := svc.Submit(ctx, submission("", &interaction.OverrideRecord{Reason: "monitored"}))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, p.ID)
		time.Sleep(2 * time.Millisecond)
	}

	events, err := store.GetEventsByType(ctx, EventInteractionOverrideRecorded, 2)
	if err != nil {
		t.Fatalf("GetEventsByType: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].AggregateID != ids[2] || events[1].AggregateID != ids[1] {
		t.Errorf("order = %s,%s want %s,%s", events[0].AggregateID, events[1].AggregateID, ids[2], ids[1])
	}
}
