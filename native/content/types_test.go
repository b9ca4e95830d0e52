package content

import "testing"

func TestAssetAddSubRoundTrip(t *testing.T) {
	a := Asset{Amount: 100, Symbol: SymbolSTEEM}
	b := Asset{Amount: 40, Symbol: SymbolSTEEM}
	if sum := a.Add(b); sum.Amount != 140 {
		t.Fatalf("expected 140, got %d", sum.Amount)
	}
	if diff := a.Sub(b); diff.Amount != 60 {
		t.Fatalf("expected 60, got %d", diff.Amount)
	}
	var zero Asset
	if !zero.IsZero() {
		t.Fatalf("zero-value asset should report IsZero")
	}
}

func TestAssetAddPanicsOnSymbolMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on mismatched symbols")
		}
	}()
	Asset{Amount: 1, Symbol: SymbolSTEEM}.Add(Asset{Amount: 1, Symbol: SymbolSBD})
}

func TestHardforkScheduleActive(t *testing.T) {
	var empty HardforkSchedule
	if empty.Active("worker_proposals") {
		t.Fatalf("expected nil-featureset schedule to report every feature inactive")
	}
	schedule := HardforkSchedule{Features: map[string]bool{"worker_proposals": true}}
	if !schedule.Active("worker_proposals") {
		t.Fatalf("expected worker_proposals active")
	}
	if schedule.Active("something_else") {
		t.Fatalf("expected unknown feature to report inactive")
	}
}

func TestProposalStateString(t *testing.T) {
	cases := map[ProposalState]string{
		ProposalCreated:         "created",
		ProposalTechspec:        "techspec",
		ProposalWork:            "work",
		ProposalWitnessesReview: "witnesses_review",
		ProposalPayment:         "payment",
		ProposalClosed:          "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
}
