package triage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"newspipe/internal/config"
	"newspipe/internal/gemini"
	"newspipe/internal/state"
	"newspipe/internal/store"
)

type fakeClassifier struct {
	verdicts map[string]*gemini.TriageVerdict // keyed "title/topic"
	err      error
	calls    int
}

func (f *fakeClassifier) Triage(_ context.Context, title, _, topic string) (*gemini.TriageVerdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.verdicts[title+"/"+topic]; ok {
		return v, nil
	}
	return &gemini.TriageVerdict{IsMatch: false, Confidence: 0.1, Topic: topic}, nil
}

func (f *fakeClassifier) ModelVersion() string { return "fake-triage-001" }

func testGate(t *testing.T, classifier Classifier) (*Gate, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewGate(classifier, st, state.NewMachine(st)), st
}

func seedItem(t *testing.T, st *store.Store, id, title string) store.Item {
	t.Helper()
	it := store.Item{
		ID:            id,
		URL:           "https://publisher.dk/" + id,
		NormalizedURL: "https://publisher.dk/" + id,
		Title:         title,
		Source:        "dr",
		DiscoveredAt:  time.Now().UTC(),
		Stage:         state.StageDiscovered,
	}
	if _, err := st.InsertItem(context.Background(), it); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	return it
}

func ratesTopic(threshold float64) config.Topic {
	return config.Topic{Name: "rates", TriageThreshold: threshold}
}

func TestEvaluateThreshold(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{verdicts: map[string]*gemini.TriageVerdict{
		"kept/rates":     {IsMatch: true, Confidence: 0.82, Reason: "rate coverage", Topic: "rates"},
		"filtered/rates": {IsMatch: true, Confidence: 0.65, Reason: "tangential", Topic: "rates"},
	}}
	gate, st := testGate(t, classifier)

	kept := seedItem(t, st, "k", "kept")
	filtered := seedItem(t, st, "f", "filtered")
	topics := []config.Topic{ratesTopic(0.70)}

	matched, err := gate.Evaluate(ctx, kept, topics)
	if err != nil {
		t.Fatalf("evaluate kept: %v", err)
	}
	if !matched {
		t.Error("confidence 0.82 against threshold 0.70 not kept")
	}

	matched, err = gate.Evaluate(ctx, filtered, topics)
	if err != nil {
		t.Fatalf("evaluate filtered: %v", err)
	}
	if matched {
		t.Error("confidence 0.65 against threshold 0.70 kept")
	}

	keptItem, _ := st.GetItem(ctx, "k")
	if keptItem.Stage != state.StageMatched {
		t.Errorf("kept item stage = %s", keptItem.Stage)
	}
	filteredItem, _ := st.GetItem(ctx, "f")
	if filteredItem.Stage != state.StageFilteredOut {
		t.Errorf("filtered item stage = %s", filteredItem.Stage)
	}
}

func TestReEvaluateIsCounterNeutral(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{verdicts: map[string]*gemini.TriageVerdict{
		"kept/rates": {IsMatch: true, Confidence: 0.82, Reason: "rate coverage", Topic: "rates"},
	}}
	gate, st := testGate(t, classifier)
	item := seedItem(t, st, "k", "kept")
	topics := []config.Topic{ratesTopic(0.70)}

	if _, err := gate.Evaluate(ctx, item, topics); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	callsAfterFirst := classifier.calls
	first, err := st.GetTriageResult(ctx, "k", "rates")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}

	matched, err := gate.Evaluate(ctx, item, topics)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if !matched {
		t.Error("re-evaluate changed the decision")
	}
	if classifier.calls != callsAfterFirst {
		t.Errorf("re-evaluate called the classifier %d more times", classifier.calls-callsAfterFirst)
	}

	second, _ := st.GetTriageResult(ctx, "k", "rates")
	if second.Confidence != first.Confidence || !second.TriagedAt.Equal(first.TriagedAt) {
		t.Error("re-evaluate rewrote the committed verdict")
	}
}

func TestKeptDecisionCommittedPerTopic(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{verdicts: map[string]*gemini.TriageVerdict{
		"story/rates":  {IsMatch: true, Confidence: 0.65, Reason: "tangential", Topic: "rates"},
		"story/energy": {IsMatch: true, Confidence: 0.90, Reason: "on point", Topic: "energy"},
	}}
	gate, st := testGate(t, classifier)
	item := seedItem(t, st, "i", "story")
	topics := []config.Topic{
		{Name: "rates", TriageThreshold: 0.70},
		{Name: "energy", TriageThreshold: 0.70},
	}

	matched, err := gate.Evaluate(ctx, item, topics)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Fatal("item keeping one topic reported unmatched")
	}

	// The below-threshold match on rates must not put the item into the
	// rates digest group.
	kept, err := st.KeptTopics(ctx, "i")
	if err != nil {
		t.Fatalf("kept topics: %v", err)
	}
	if len(kept) != 1 || kept[0] != "energy" {
		t.Errorf("kept topics = %v, want [energy]", kept)
	}

	rates, err := st.GetTriageResult(ctx, "i", "rates")
	if err != nil {
		t.Fatalf("get rates verdict: %v", err)
	}
	if !rates.IsMatch || rates.Kept {
		t.Errorf("rates verdict = match %v kept %v, want matched but not kept",
			rates.IsMatch, rates.Kept)
	}
}

func TestFailedItemRetriedToMatched(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{err: fmt.Errorf("%w: not json", gemini.ErrSchemaViolation)}
	gate, st := testGate(t, classifier)
	item := seedItem(t, st, "r", "retry me")
	topics := []config.Topic{ratesTopic(0.70)}

	if _, err := gate.Evaluate(ctx, item, topics); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	got, _ := st.GetItem(ctx, "r")
	if got.Stage != state.StageTriageFailed {
		t.Fatalf("stage = %s, want triage_failed", got.Stage)
	}

	// Classifier recovers on the next run's pass over triage_failed items.
	classifier.err = nil
	classifier.verdicts = map[string]*gemini.TriageVerdict{
		"retry me/rates": {IsMatch: true, Confidence: 0.85, Reason: "clear", Topic: "rates"},
	}
	matched, err := gate.Evaluate(ctx, got, topics)
	if err != nil {
		t.Fatalf("retry evaluate: %v", err)
	}
	if !matched {
		t.Error("recovered verdict not kept")
	}
	got, _ = st.GetItem(ctx, "r")
	if got.Stage != state.StageMatched {
		t.Errorf("stage = %s after retry, want matched", got.Stage)
	}
}

func TestSchemaViolationsMarkTriageFailed(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{err: fmt.Errorf("%w: not json", gemini.ErrSchemaViolation)}
	gate, st := testGate(t, classifier)
	item := seedItem(t, st, "bad", "malformed")

	matched, err := gate.Evaluate(ctx, item, []config.Topic{ratesTopic(0.70)})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if matched {
		t.Error("failed triage reported as match")
	}
	if classifier.calls != schemaRetries {
		t.Errorf("classifier called %d times, want %d", classifier.calls, schemaRetries)
	}

	got, _ := st.GetItem(ctx, "bad")
	if got.Stage != state.StageTriageFailed {
		t.Errorf("stage = %s, want triage_failed", got.Stage)
	}
	if got.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestBudgetExhaustionAborts(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{err: gemini.ErrBudgetExhausted}
	gate, st := testGate(t, classifier)
	item := seedItem(t, st, "i", "anything")

	_, err := gate.Evaluate(ctx, item, []config.Topic{ratesTopic(0.70)})
	if !errors.Is(err, gemini.ErrBudgetExhausted) {
		t.Fatalf("want ErrBudgetExhausted, got %v", err)
	}

	// The item must stay at its committed stage for the recovery sweep.
	got, _ := st.GetItem(ctx, "i")
	if got.Stage != state.StageDiscovered {
		t.Errorf("stage moved to %s on budget exhaustion", got.Stage)
	}
}
