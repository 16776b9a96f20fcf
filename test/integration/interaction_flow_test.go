// Package integration drives the interaction API end to end over HTTP with
// in-memory stores.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocura360/rxguard/internal/api/handlers"
	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/pkg/idempotency"
)

// scriptedStore wraps a RuleIndex with controllable latency
type scriptedStore struct {
	index *interaction.RuleIndex
	calls atomic.Int32
	stall atomic.Bool

	mu   sync.Mutex
	hold chan struct{}
}

// holdNext makes the next lookup block until the returned func is called.
// The held lookup ignores cancellation, like a slow network round trip.
func (s *scriptedStore) holdNext() func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	return func() { close(ch) }
}

func (s *scriptedStore) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	s.calls.Add(1)

	s.mu.Lock()
	hold := s.hold
	s.hold = nil
	s.mu.Unlock()
	if hold != nil {
		<-hold
		return s.index.LookupInteractions(context.Background(), ids)
	}

	if s.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.index.LookupInteractions(ctx, ids)
}

type catalog struct {
	meds map[interaction.MedicationID]interaction.Medication
}

func (c *catalog) GetMedications(ctx context.Context, ids []interaction.MedicationID) ([]interaction.Medication, error) {
	out := make([]interaction.Medication, 0, len(ids))
	for _, id := range ids {
		m, ok := c.meds[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", postgres.ErrMedicationNotFound, id)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *catalog) GetCompositions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Composition, error) {
	var out []interaction.Composition
	for _, id := range ids {
		found := false
		for _, m := range c.meds {
			for _, comp := range m.Compositions {
				if comp.ID == id && !found {
					out = append(out, comp)
					found = true
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", postgres.ErrCompositionNotFound, id)
		}
	}
	return out, nil
}

func comp(id string) interaction.Composition {
	return interaction.Composition{ID: interaction.CompositionID(id), Name: id}
}

func newCatalog() *catalog {
	meds := []interaction.Medication{
		{ID: "coumadin", BrandName: "Coumadin", Compositions: []interaction.Composition{comp("warfarin")}},
		{ID: "warfex", BrandName: "Warfex", Compositions: []interaction.Composition{comp("warfarin")}},
		{ID: "ecosprin", BrandName: "Ecosprin", Compositions: []interaction.Composition{comp("aspirin")}},
		{ID: "crocin", BrandName: "Crocin", Compositions: []interaction.Composition{comp("paracetamol")}},
		{ID: "brufen", BrandName: "Brufen", Compositions: []interaction.Composition{comp("ibuprofen")}},
		{ID: "zestril", BrandName: "Zestril", Compositions: []interaction.Composition{comp("lisinopril")}},
	}
	c := &catalog{meds: make(map[interaction.MedicationID]interaction.Medication)}
	for _, m := range meds {
		c.meds[m.ID] = m
	}
	return c
}

type harness struct {
	*httptest.Server
	store *scriptedStore
}

func newHarness(t *testing.T, checkTimeout time.Duration) *harness {
	t.Helper()

	index, err := interaction.NewRuleIndex(
		interaction.Rule{
			CompositionA: comp("warfarin"),
			CompositionB: comp("aspirin"),
			Severity:     interaction.SeverityContraindicated,
			Description:  "Additive bleeding risk",
		},
		interaction.Rule{
			CompositionA: comp("ibuprofen"),
			CompositionB: comp("lisinopril"),
			Severity:     interaction.SeverityMajor,
			Description:  "Reduced antihypertensive effect and renal risk",
		},
	)
	if err != nil {
		t.Fatalf("NewRuleIndex() error = %v", err)
	}
	store := &scriptedStore{index: index}
	cat := newCatalog()

	checker := interaction.NewChecker(store, nil)
	events := prescription.NewMemoryStore()
	svc := prescription.NewService(events, nil)
	draftCfg := prescription.DefaultDraftConfig()
	draftCfg.CheckTimeout = checkTimeout
	drafts := prescription.NewDrafts(checker, svc, svc, draftCfg, nil)
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)

	srv := httptest.NewServer(handlers.NewRouter(handlers.RouterConfig{
		Check:         handlers.NewCheckHandler(checker, cat, draftCfg.Policy, nil),
		Drafts:        handlers.NewDraftHandler(drafts, cat, inbox, nil),
		Prescriptions: handlers.NewPrescriptionHandler(svc, drafts, nil),
		Admin:         handlers.NewAdminHandler(nil, events, nil),
	}))
	t.Cleanup(srv.Close)
	return &harness{Server: srv, store: store}
}

func (h *harness) call(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func items(ids ...string) []handlers.ItemRequest {
	out := make([]handlers.ItemRequest, len(ids))
	for i, id := range ids {
		out[i] = handlers.ItemRequest{MedicationID: interaction.MedicationID(id), Dosage: "1 tab"}
	}
	return out
}

func (h *harness) createDraft(t *testing.T, wait bool, meds ...string) prescription.DraftView {
	t.Helper()
	path := "/api/v1/drafts"
	if wait {
		path += "?wait=true"
	}
	var view prescription.DraftView
	status := h.call(t, http.MethodPost, path, handlers.CreateDraftRequest{
		DoctorID:  "doc-1",
		PatientID: "pat-1",
		Items:     items(meds...),
	}, &view)
	if status != http.StatusCreated {
		t.Fatalf("create draft status = %d", status)
	}
	return view
}

func (h *harness) setMedications(t *testing.T, id string, wait bool, meds ...string) prescription.DraftView {
	t.Helper()
	path := "/api/v1/drafts/" + id + "/medications"
	if wait {
		path += "?wait=true"
	}
	var view prescription.DraftView
	if status := h.call(t, http.MethodPut, path, handlers.SetMedicationsRequest{Items: items(meds...)}, &view); status != http.StatusOK {
		t.Fatalf("set medications status = %d", status)
	}
	return view
}

func (h *harness) getDraft(t *testing.T, id string) prescription.DraftView {
	t.Helper()
	var view prescription.DraftView
	if status := h.call(t, http.MethodGet, "/api/v1/drafts/"+id+"?wait=true", nil, &view); status != http.StatusOK {
		t.Fatalf("get draft status = %d", status)
	}
	return view
}

func (h *harness) gate(t *testing.T, id, action string, body interface{}) (interaction.GateState, int) {
	t.Helper()
	var resp handlers.GateResponse
	status := h.call(t, http.MethodPost, "/api/v1/drafts/"+id+"/"+action, body, &resp)
	return resp.GateState, status
}

type groupCounts struct{ contraindicated, major, moderate, minor int }

func counts(v prescription.DraftView) groupCounts {
	g := v.Interactions.Groups
	return groupCounts{len(g.Contraindicated), len(g.Major), len(g.Moderate), len(g.Minor)}
}

func TestSingleCompositionSkipsLookup(t *testing.T) {
	h := newHarness(t, time.Second)

	view := h.createDraft(t, true, "coumadin")

	if n := h.store.calls.Load(); n != 0 {
		t.Errorf("rule store calls = %d, want 0", n)
	}
	if got := counts(view); got != (groupCounts{}) {
		t.Errorf("groups = %+v, want all empty", got)
	}
	if view.Interactions.Outcome != interaction.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", view.Interactions.Outcome)
	}
	if view.Interactions.Gate != interaction.GateClean {
		t.Errorf("gate = %q, want clean", view.Interactions.Gate)
	}
	if !view.CanSubmit {
		t.Error("single medication draft should be submittable")
	}
}

func TestMajorInteractionDoesNotBlock(t *testing.T) {
	h := newHarness(t, time.Second)

	view := h.createDraft(t, true, "brufen", "zestril")

	if got := counts(view); got != (groupCounts{major: 1}) {
		t.Errorf("groups = %+v, want one major", got)
	}
	if view.Interactions.Gate != interaction.GateClean {
		t.Errorf("gate = %q, want clean", view.Interactions.Gate)
	}
	if !view.CanSubmit {
		t.Error("major interaction should not block submission")
	}

	var p prescription.Prescription
	if status := h.call(t, http.MethodPost, "/api/v1/drafts/"+view.ID+"/submit", nil, &p); status != http.StatusCreated {
		t.Fatalf("submit status = %d", status)
	}
	if p.ID == "" || len(p.Items) != 2 {
		t.Errorf("prescription = %+v", p)
	}
}

func TestContraindicatedRequiresJustifiedOverride(t *testing.T) {
	h := newHarness(t, time.Second)

	view := h.createDraft(t, true, "coumadin", "ecosprin")
	if got := counts(view); got.contraindicated != 1 {
		t.Fatalf("contraindicated = %d, want 1", got.contraindicated)
	}
	if view.Interactions.Gate != interaction.GateBlocked || view.CanSubmit {
		t.Fatalf("gate = %q canSubmit = %v, want blocked and false", view.Interactions.Gate, view.CanSubmit)
	}

	var rejected handlers.ErrorResponse
	if status := h.call(t, http.MethodPost, "/api/v1/drafts/"+view.ID+"/submit", handlers.SubmitRequest{}, &rejected); status != http.StatusConflict {
		t.Errorf("blocked submit status = %d, want 409", status)
	}
	if rejected.Code != string(interaction.CodeSubmissionBlocked) {
		t.Errorf("code = %q", rejected.Code)
	}

	if state, status := h.gate(t, view.ID, "override", nil); status != http.StatusOK || state != interaction.GatePendingJustification {
		t.Fatalf("override = %q (%d), want pending_justification", state, status)
	}
	if _, status := h.gate(t, view.ID, "override/justify", handlers.ReasonRequest{Reason: "   "}); status != http.StatusUnprocessableEntity {
		t.Errorf("blank justification status = %d, want 422", status)
	}
	state, status := h.gate(t, view.ID, "override/justify", handlers.ReasonRequest{Reason: "clinically necessary, monitored"})
	if status != http.StatusOK || state != interaction.GateOverridden {
		t.Fatalf("justify = %q (%d), want overridden", state, status)
	}
	if !h.getDraft(t, view.ID).CanSubmit {
		t.Fatal("overridden draft should be submittable")
	}

	var p prescription.Prescription
	if status := h.call(t, http.MethodPost, "/api/v1/drafts/"+view.ID+"/submit", handlers.SubmitRequest{}, &p); status != http.StatusCreated {
		t.Fatalf("submit status = %d", status)
	}

	var overrides handlers.OverridesResponse
	if status := h.call(t, http.MethodGet, "/api/v1/admin/overrides", nil, &overrides); status != http.StatusOK {
		t.Fatalf("overrides status = %d", status)
	}
	if overrides.Count != 1 || overrides.Overrides[0].AggregateID != p.ID {
		t.Errorf("overrides = %+v, want one for %s", overrides, p.ID)
	}
}

func TestListChangeDiscardsOverride(t *testing.T) {
	h := newHarness(t, time.Second)

	view := h.createDraft(t, true, "coumadin", "ecosprin")
	h.gate(t, view.ID, "override", nil)
	if state, _ := h.gate(t, view.ID, "override/justify", handlers.ReasonRequest{Reason: "clinically necessary, monitored"}); state != interaction.GateOverridden {
		t.Fatalf("gate = %q, want overridden", state)
	}

	view = h.setMedications(t, view.ID, true, "coumadin", "ecosprin", "warfex")

	if view.Interactions.Gate != interaction.GateBlocked {
		t.Errorf("gate = %q, want blocked after list change", view.Interactions.Gate)
	}
	if view.CanSubmit {
		t.Error("canSubmit should be false until re-justified")
	}
	if got := counts(view); got.contraindicated != 1 {
		t.Errorf("contraindicated = %d, want 1 (no new compositions)", got.contraindicated)
	}
}

func TestLookupTimeoutKeepsLastKnownGood(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)

	view := h.createDraft(t, true, "brufen", "zestril")
	if got := counts(view); got.major != 1 {
		t.Fatalf("major = %d, want 1", got.major)
	}

	h.store.stall.Store(true)
	var rechecked prescription.DraftView
	if status := h.call(t, http.MethodPost, "/api/v1/drafts/"+view.ID+"/recheck?wait=true", nil, &rechecked); status != http.StatusOK {
		t.Fatalf("recheck status = %d", status)
	}

	iv := rechecked.Interactions
	if iv.Loading {
		t.Error("loading should be false after the lookup failed")
	}
	if iv.CheckError != interaction.ErrInteractionCheckFailed.Error() || !iv.Unverified {
		t.Errorf("checkError = %q unverified = %v", iv.CheckError, iv.Unverified)
	}
	if !iv.Stale {
		t.Error("warnings should be marked stale")
	}
	if got := counts(rechecked); got.major != 1 {
		t.Errorf("major = %d, want last known-good 1", got.major)
	}
	if rechecked.CanSubmit {
		t.Error("canSubmit should be false after a failed check")
	}

	var rejected handlers.ErrorResponse
	if status := h.call(t, http.MethodPost, "/api/v1/drafts/"+view.ID+"/submit", nil, &rejected); status != http.StatusServiceUnavailable {
		t.Errorf("submit status = %d, want 503", status)
	}
	if rejected.Code != string(interaction.CodeCheckFailed) {
		t.Errorf("code = %q", rejected.Code)
	}
}

func TestLatestIssuedCheckWins(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	release := h.store.holdNext()
	first := h.createDraft(t, false, "coumadin", "crocin")
	if !first.Interactions.Loading {
		t.Fatal("first check should still be loading")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.store.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first lookup never reached the rule store")
		}
		time.Sleep(time.Millisecond)
	}

	second := h.setMedications(t, first.ID, true, "coumadin", "ecosprin")
	if got := counts(second); got.contraindicated != 1 {
		t.Fatalf("contraindicated = %d, want 1", got.contraindicated)
	}

	release()
	// let the superseded lookup finish and be discarded
	time.Sleep(50 * time.Millisecond)

	final := h.getDraft(t, first.ID)
	if final.Interactions.Seq != 2 || final.Interactions.Stale {
		t.Errorf("seq = %d stale = %v, want 2 and fresh", final.Interactions.Seq, final.Interactions.Stale)
	}
	if got := counts(final); got.contraindicated != 1 {
		t.Errorf("contraindicated = %d, superseded result was applied", got.contraindicated)
	}
	if final.Interactions.Gate != interaction.GateBlocked {
		t.Errorf("gate = %q, want blocked", final.Interactions.Gate)
	}
}

func TestCheckEndpointsAgreeWithDrafts(t *testing.T) {
	h := newHarness(t, time.Second)

	var byMed handlers.CheckResponse
	if status := h.call(t, http.MethodPost, "/api/v1/medications/check-ddi",
		handlers.CheckMedicationsRequest{MedicationIDs: []interaction.MedicationID{"coumadin", "warfex", "ecosprin"}}, &byMed); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(byMed.Groups.Contraindicated) != 1 || !byMed.RequiresOverride {
		t.Errorf("check = %+v", byMed)
	}

	var byComp handlers.CheckResponse
	if status := h.call(t, http.MethodPost, "/api/v1/compositions/check-ddi",
		handlers.CheckCompositionsRequest{CompositionIDs: []interaction.CompositionID{"ibuprofen", "lisinopril"}}, &byComp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(byComp.Groups.Major) != 1 || byComp.RequiresOverride {
		t.Errorf("check = %+v", byComp)
	}
}
