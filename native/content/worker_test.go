package content

import (
	"errors"
	"testing"
	"time"

	"golosd/crypto"
)

type mockLedger struct {
	credited map[string]map[Symbol]int64
	balances map[string]int64
}

func newMockLedger() *mockLedger {
	return &mockLedger{credited: map[string]map[Symbol]int64{}, balances: map[string]int64{}}
}

func (m *mockLedger) Debit(account crypto.Address, amount Asset) error {
	if m.balances[account.String()] < amount.Amount {
		return errors.New("insufficient balance")
	}
	m.balances[account.String()] -= amount.Amount
	return nil
}

func (m *mockLedger) Credit(account crypto.Address, amount Asset) error {
	m.balances[account.String()] += amount.Amount
	bySymbol, ok := m.credited[account.String()]
	if !ok {
		bySymbol = map[Symbol]int64{}
		m.credited[account.String()] = bySymbol
	}
	bySymbol[amount.Symbol] += amount.Amount
	return nil
}

type fixedWitnesses struct{ addrs []crypto.Address }

func (f fixedWitnesses) TopWitnesses(n int) []crypto.Address {
	if n >= len(f.addrs) {
		return f.addrs
	}
	return f.addrs[:n]
}

func witnessSet(names ...string) fixedWitnesses {
	addrs := make([]crypto.Address, 0, len(names))
	for _, n := range names {
		addrs = append(addrs, testAddr(n))
	}
	return fixedWitnesses{addrs: addrs}
}

func newTestEngine(t *testing.T, store *Store, witnesses fixedWitnesses, ledger *mockLedger) *Engine {
	t.Helper()
	e := NewEngine(store)
	props := DefaultChainProperties()
	props.MajorityWitnessCount = 2
	props.SuperMajorityWitnessCount = 3
	props.TopWitnessCount = len(witnesses.addrs)
	e.SetChainProperties(props)
	e.SetWitnessSchedule(witnesses)
	e.SetLedger(ledger)
	return e
}

func TestWorkerProposalLifecycleHappyPath(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{TotalWorkerFund: Asset{Amount: 1_000_000, Symbol: SymbolSTEEM}})
	alice := testAddr("alice")
	if _, err := store.CreateComment(CommentInit{Author: alice, AuthorName: "alice", Permlink: "proposal-post", ParentPermlink: "proposals"}); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	if _, err := store.CreateComment(CommentInit{Author: alice, AuthorName: "alice", Permlink: "techspec-post", ParentPermlink: "proposals"}); err != nil {
		t.Fatalf("seed techspec post: %v", err)
	}
	if _, err := store.CreateComment(CommentInit{Author: alice, AuthorName: "alice", Permlink: "result-post", ParentPermlink: "proposals"}); err != nil {
		t.Fatalf("seed result post: %v", err)
	}

	witnesses := witnessSet("w1", "w2", "w3", "w4")
	ledger := newMockLedger()
	e := newTestEngine(t, store, witnesses, ledger)

	proposal, err := e.SubmitProposal(alice, "proposal-post", "devel", "")
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	if proposal.State != ProposalCreated {
		t.Fatalf("expected created state, got %s", proposal.State)
	}

	ledger.balances[alice.String()] = 10_000

	if err := e.FundProposal(alice, "alice", "proposal-post", Asset{Amount: 500, Symbol: SymbolSTEEM}); err != nil {
		t.Fatalf("fund proposal: %v", err)
	}
	if err := e.FundProposal(alice, "alice", "proposal-post", Asset{Amount: 500, Symbol: SymbolSTEEM}); err == nil {
		t.Fatalf("expected second funding attempt to be rejected")
	}

	if _, err := e.SubmitTechspec(alice, "techspec-post", "alice", "proposal-post", Asset{Amount: 2000, Symbol: SymbolSTEEM}, Asset{Amount: 0, Symbol: SymbolSTEEM}, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("submit techspec: %v", err)
	}

	for _, w := range []string{"w1", "w2"} {
		if err := e.ApproveTechspec(testAddr(w), "alice", "techspec-post", Approve); err != nil {
			t.Fatalf("approve techspec by %s: %v", w, err)
		}
	}

	proposal, err = store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalTechspec {
		t.Fatalf("expected techspec state after majority approval, got %s", proposal.State)
	}
	if proposal.Deposit.Amount != 2000 {
		t.Fatalf("expected deposit topped up to 2000, got %d", proposal.Deposit.Amount)
	}

	if err := store.ModifyProposal("alice", "proposal-post", func(p *WorkerProposal) { p.State = ProposalWork }); err != nil {
		t.Fatalf("force work state: %v", err)
	}

	if err := e.FillResult(alice, "result-post", "alice", "proposal-post", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("fill result: %v", err)
	}

	for _, w := range []string{"w1", "w2", "w3"} {
		if err := e.ApproveResult(testAddr(w), "alice", "proposal-post", Approve); err != nil {
			t.Fatalf("approve result by %s: %v", w, err)
		}
	}

	proposal, err = store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalPayment {
		t.Fatalf("expected payment state after super-majority approval, got %s", proposal.State)
	}
	if got := ledger.credited[alice.String()][SymbolSTEEM]; got != 2000 {
		t.Fatalf("expected author credited 2000 STEEM, got %d", got)
	}
}

func TestApproveResultSuperMajorityDisapproveCloses(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")
	if _, err := store.CreateProposal(WorkerProposal{Author: alice, Permlink: "p", State: ProposalWitnessesReview}); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	if _, err := store.CreateTechspec(WorkerTechspec{Author: alice, Permlink: "t", WorkerProposalAuthor: "alice", WorkerProposalPermlink: "p"}); err != nil {
		t.Fatalf("seed techspec: %v", err)
	}
	if err := store.ModifyProposal("alice", "p", func(p *WorkerProposal) {
		p.ApprovedTechspecAuthor, p.ApprovedTechspecPermlink = "alice", "t"
	}); err != nil {
		t.Fatalf("link approved techspec: %v", err)
	}

	witnesses := witnessSet("w1", "w2", "w3", "w4")
	e := newTestEngine(t, store, witnesses, newMockLedger())

	for _, w := range []string{"w1", "w2", "w3"} {
		if err := e.ApproveResult(testAddr(w), "alice", "p", Disapprove); err != nil {
			t.Fatalf("disapprove by %s: %v", w, err)
		}
	}

	p, err := store.GetProposal("alice", "p")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if p.State != ProposalClosed {
		t.Fatalf("expected closed state after super-majority disapprove, got %s", p.State)
	}
}

func TestApproveTechspecRejectsNonTopWitness(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")
	if _, err := store.CreateProposal(WorkerProposal{Author: alice, Permlink: "p"}); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	if _, err := store.CreateTechspec(WorkerTechspec{Author: alice, Permlink: "t", WorkerProposalAuthor: "alice", WorkerProposalPermlink: "p"}); err != nil {
		t.Fatalf("seed techspec: %v", err)
	}

	witnesses := witnessSet("w1", "w2")
	e := newTestEngine(t, store, witnesses, newMockLedger())

	outsider := testAddr("outsider")
	err := e.ApproveTechspec(outsider, "alice", "t", Approve)
	var logicErr *LogicError
	if !errors.As(err, &logicErr) || logicErr.Tag != TagApproverNotInTopWitnesses {
		t.Fatalf("expected %s, got %v", TagApproverNotInTopWitnesses, err)
	}
}

func TestModifyTechspecCostRejectsSymbolChange(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")
	if _, err := store.CreateTechspec(WorkerTechspec{
		Author:            alice,
		Permlink:          "t",
		SpecificationCost: Asset{Amount: 100, Symbol: SymbolSTEEM},
		DevelopmentCost:   Asset{Amount: 50, Symbol: SymbolSTEEM},
	}); err != nil {
		t.Fatalf("seed techspec: %v", err)
	}

	e := NewEngine(store)
	err := e.ModifyTechspecCost("alice", "t", Asset{Amount: 200, Symbol: SymbolSBD}, Asset{Amount: 50, Symbol: SymbolSTEEM})
	var logicErr *LogicError
	if !errors.As(err, &logicErr) || logicErr.Tag != TagCannotChangeCostSymbol {
		t.Fatalf("expected %s, got %v", TagCannotChangeCostSymbol, err)
	}

	if err := e.ModifyTechspecCost("alice", "t", Asset{Amount: 150, Symbol: SymbolSTEEM}, Asset{Amount: 75, Symbol: SymbolSTEEM}); err != nil {
		t.Fatalf("expected same-symbol update to succeed: %v", err)
	}
	updated, err := store.GetTechspec("alice", "t")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SpecificationCost.Amount != 150 || updated.DevelopmentCost.Amount != 75 {
		t.Fatalf("expected costs updated, got %+v", updated)
	}
}

// TestWorkerProposalWitnessCountGoldenScenario reproduces the spec's own §8
// worker-proposal scenarios against the full 19-witness default chain
// properties: 11-of-19 approves the techspec (plain majority), 15-of-19
// approves the result (super-majority) and pays the author.
func TestWorkerProposalWitnessCountGoldenScenario(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{TotalWorkerFund: Asset{Amount: 1_000_000, Symbol: SymbolSTEEM}})
	alice := testAddr("alice")
	if _, err := store.CreateComment(CommentInit{Author: alice, AuthorName: "alice", Permlink: "proposal-post", ParentPermlink: "proposals"}); err != nil {
		t.Fatalf("seed proposal post: %v", err)
	}
	if _, err := store.CreateComment(CommentInit{Author: alice, AuthorName: "alice", Permlink: "result-post", ParentPermlink: "proposals"}); err != nil {
		t.Fatalf("seed result post: %v", err)
	}

	names := make([]string, 19)
	for i := range names {
		names[i] = "w" + string(rune('a'+i))
	}
	witnesses := witnessSet(names...)
	ledger := newMockLedger()
	e := NewEngine(store)
	e.SetChainProperties(DefaultChainProperties())
	e.SetWitnessSchedule(witnesses)
	e.SetLedger(ledger)

	if _, err := e.SubmitProposal(alice, "proposal-post", "devel", ""); err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	if _, err := e.SubmitTechspec(alice, "proposal-post", "alice", "proposal-post", Asset{Amount: 2000, Symbol: SymbolSTEEM}, Asset{Amount: 0, Symbol: SymbolSTEEM}, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("submit techspec: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := e.ApproveTechspec(testAddr(names[i]), "alice", "proposal-post", Approve); err != nil {
			t.Fatalf("approve techspec by %s: %v", names[i], err)
		}
	}
	proposal, err := store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalCreated {
		t.Fatalf("expected 10-of-19 to fall short of majority 11, got state %s", proposal.State)
	}

	if err := e.ApproveTechspec(testAddr(names[10]), "alice", "proposal-post", Approve); err != nil {
		t.Fatalf("approve techspec by %s: %v", names[10], err)
	}
	proposal, err = store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalTechspec {
		t.Fatalf("expected 11-of-19 majority to advance proposal to techspec, got %s", proposal.State)
	}

	if err := store.ModifyProposal("alice", "proposal-post", func(p *WorkerProposal) { p.State = ProposalWork }); err != nil {
		t.Fatalf("force work state: %v", err)
	}
	if err := e.FillResult(alice, "result-post", "alice", "proposal-post", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("fill result: %v", err)
	}

	for i := 0; i < 14; i++ {
		if err := e.ApproveResult(testAddr(names[i]), "alice", "proposal-post", Approve); err != nil {
			t.Fatalf("approve result by %s: %v", names[i], err)
		}
	}
	proposal, err = store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalWitnessesReview {
		t.Fatalf("expected 14-of-19 to fall short of super-majority 15, got state %s", proposal.State)
	}

	if err := e.ApproveResult(testAddr(names[14]), "alice", "proposal-post", Approve); err != nil {
		t.Fatalf("approve result by %s: %v", names[14], err)
	}
	proposal, err = store.GetProposal("alice", "proposal-post")
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if proposal.State != ProposalPayment {
		t.Fatalf("expected 15-of-19 super-majority to advance proposal to payment, got %s", proposal.State)
	}
	if got := ledger.credited[alice.String()][SymbolSTEEM]; got != 2000 {
		t.Fatalf("expected author credited specification_cost 2000, got %d", got)
	}
}

// TestWorkerProposalResultDisapprovalGoldenScenario reproduces the spec's
// "Worker proposal rejection" §8 scenario: 15-of-19 witnesses disapprove the
// posted result, closing the proposal without any payment.
func TestWorkerProposalResultDisapprovalGoldenScenario(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")
	if _, err := store.CreateProposal(WorkerProposal{Author: alice, Permlink: "p", State: ProposalWitnessesReview}); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	if _, err := store.CreateTechspec(WorkerTechspec{Author: alice, Permlink: "t", WorkerProposalAuthor: "alice", WorkerProposalPermlink: "p"}); err != nil {
		t.Fatalf("seed techspec: %v", err)
	}
	if err := store.ModifyProposal("alice", "p", func(p *WorkerProposal) {
		p.ApprovedTechspecAuthor, p.ApprovedTechspecPermlink = "alice", "t"
	}); err != nil {
		t.Fatalf("link approved techspec: %v", err)
	}

	names := make([]string, 19)
	for i := range names {
		names[i] = "w" + string(rune('a'+i))
	}
	witnesses := witnessSet(names...)
	ledger := newMockLedger()
	e := NewEngine(store)
	e.SetChainProperties(DefaultChainProperties())
	e.SetWitnessSchedule(witnesses)
	e.SetLedger(ledger)

	for i := 0; i < 15; i++ {
		if err := e.ApproveResult(testAddr(names[i]), "alice", "p", Disapprove); err != nil {
			t.Fatalf("disapprove by %s: %v", names[i], err)
		}
	}

	p, err := store.GetProposal("alice", "p")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if p.State != ProposalClosed {
		t.Fatalf("expected closed state after 15-of-19 super-majority disapprove, got %s", p.State)
	}
	if got := ledger.credited[alice.String()][SymbolSTEEM]; got != 0 {
		t.Fatalf("expected no payment on rejection, got %d credited", got)
	}
}

func TestDeleteProposalRejectsWhenTechspecsExist(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")
	if _, err := store.CreateProposal(WorkerProposal{Author: alice, Permlink: "p"}); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	if _, err := store.CreateTechspec(WorkerTechspec{Author: alice, Permlink: "t", WorkerProposalAuthor: "alice", WorkerProposalPermlink: "p"}); err != nil {
		t.Fatalf("seed techspec: %v", err)
	}
	e := NewEngine(store)
	err := e.DeleteProposal("alice", "p")
	var logicErr *LogicError
	if !errors.As(err, &logicErr) || logicErr.Tag != TagCannotDeleteProposalWithTechspecs {
		t.Fatalf("expected %s, got %v", TagCannotDeleteProposalWithTechspecs, err)
	}
}
