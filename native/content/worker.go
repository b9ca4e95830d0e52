package content

import (
	"log/slog"
	"time"

	"golosd/core/events"
	"golosd/core/types"
	"golosd/crypto"
	"golosd/integrations/webhooks"
	"golosd/observability"
)

// AccountLedger is the narrow capability the worker-proposal engine depends on
// for moving funds into and out of user balances. Concrete implementations
// live in the account/staking module; the engine has no direct dependency on
// it, mirroring the callback-injection pattern used for reputation and
// promoted-value lookups in the discussion projection (§9).
type AccountLedger interface {
	Debit(account crypto.Address, amount Asset) error
	Credit(account crypto.Address, amount Asset) error
}

// WitnessSchedule reports the currently active top-N witness set the engine
// consults when tallying approvals (§4.2).
type WitnessSchedule interface {
	TopWitnesses(n int) []crypto.Address
}

// Engine drives the worker-proposal approval state machine. It follows the
// same configuration-by-setter shape as the other native engines in this
// module (see native/governance.Engine): construct with NewEngine, wire
// collaborators with the SetX methods, then call the lifecycle methods.
type Engine struct {
	store     *Store
	props     ChainProperties
	hardforks HardforkSchedule
	ledger    AccountLedger
	witnesses WitnessSchedule
	emitter   events.Emitter
	nowFunc   func() time.Time
	log       *slog.Logger
	hooks     *webhooks.Dispatcher
}

// NewEngine constructs a worker-proposal engine bound to store. Chain
// properties default to DefaultChainProperties until overridden.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store, props: DefaultChainProperties(), log: slog.Default()}
}

// SetChainProperties overrides the witness-governed median values consulted
// for majority/super-majority thresholds and worker-fund percentages.
func (e *Engine) SetChainProperties(props ChainProperties) { e.props = props }

// SetHardforkSchedule wires the explicit, non-singleton hardfork state (§9).
func (e *Engine) SetHardforkSchedule(schedule HardforkSchedule) { e.hardforks = schedule }

// SetLedger wires the account balance capability.
func (e *Engine) SetLedger(ledger AccountLedger) { e.ledger = ledger }

// SetWitnessSchedule wires the top-N witness lookup.
func (e *Engine) SetWitnessSchedule(schedule WitnessSchedule) { e.witnesses = schedule }

// SetEmitter configures the virtual-operation event sink. Passing nil
// silently drops events.
func (e *Engine) SetEmitter(emitter events.Emitter) { e.emitter = emitter }

// SetWebhookDispatcher wires an outbound notification sink for
// proposal state transitions. Passing nil silently drops notifications.
func (e *Engine) SetWebhookDispatcher(d *webhooks.Dispatcher) { e.hooks = d }

func (e *Engine) notifyTransition(author crypto.Address, permlink string, state ProposalState) {
	if e.hooks == nil {
		return
	}
	if err := e.hooks.EnqueueProposalTransition(webhooks.ProposalTransitionPayload{
		Author:   author.String(),
		Permlink: permlink,
		State:    state.String(),
	}); err != nil {
		e.log.Warn("worker proposal webhook enqueue failed", "author", author.String(), "permlink", permlink, "error", err)
	}
}

// SetNowFunc overrides the time source; nil restores time.Now.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFunc = now }

// SetLogger overrides the structured logger used for rejection/transition
// diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.log = logger
}

func (e *Engine) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now().UTC()
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(virtualOpEvent{evt: evt})
}

func (e *Engine) requireFeature(feature string) error {
	if feature == "" {
		return nil
	}
	if !e.hardforks.Active(feature) {
		return &HardforkRequired{Feature: feature}
	}
	return nil
}

func requireRootPost(c *Comment, tag string) error {
	if !c.IsRoot() {
		observability.Content().RecordRejection(tag, "not_root_post")
		return &LogicError{Tag: tag}
	}
	return nil
}

// SubmitProposal creates a worker proposal anchored on a root post
// (proposal_create, §4.2). typ is an opaque caller-defined category string.
func (e *Engine) SubmitProposal(author crypto.Address, permlink, typ string, hardforkFeature string) (*WorkerProposal, error) {
	if err := e.requireFeature(hardforkFeature); err != nil {
		return nil, err
	}
	post, err := e.store.GetCommentByKey(author.String(), permlink)
	if err != nil {
		return nil, err
	}
	if err := requireRootPost(post, TagProposalOnlyOnPost); err != nil {
		return nil, err
	}
	now := e.now()
	p, err := e.store.CreateProposal(WorkerProposal{
		Author:   author,
		Permlink: permlink,
		Type:     typ,
		State:    ProposalCreated,
		Created:  now,
		Modified: now,
	})
	if err != nil {
		return nil, err
	}
	observability.Content().RecordProposalTransition(p.State.String())
	e.notifyTransition(author, permlink, p.State)
	e.log.Info("worker proposal created", "author", author.String(), "permlink", permlink)
	return p, nil
}

// FundProposal applies the one-shot funding restriction (§9 Open Questions):
// a second proposal_fund is rejected with proposal_is_already_funded.
func (e *Engine) FundProposal(funder crypto.Address, author, permlink string, amount Asset) error {
	p, err := e.store.GetProposal(author, permlink)
	if err != nil {
		return err
	}
	if p.ApprovedTechspecPermlink != "" {
		return &LogicError{Tag: TagCannotFundApprovedProposal}
	}
	if p.Funded {
		return &LogicError{Tag: TagProposalAlreadyFunded}
	}
	if e.ledger != nil {
		if err := e.ledger.Debit(funder, amount); err != nil {
			return err
		}
	}
	return e.store.ModifyProposal(author, permlink, func(p *WorkerProposal) {
		p.Deposit = p.Deposit.Add(amount)
		p.Funded = true
		p.Modified = e.now()
	})
}

// DeleteProposal removes a proposal so long as it has no techspecs attached
// (§4.2 row: proposal_delete).
func (e *Engine) DeleteProposal(author, permlink string) error {
	p, err := e.store.GetProposal(author, permlink)
	if err != nil {
		return err
	}
	if p.ApprovedTechspecPermlink != "" {
		return &LogicError{Tag: TagCannotDeleteProposalWithApproved}
	}
	if len(e.store.TechspecsByProposal(author, permlink)) > 0 {
		return &LogicError{Tag: TagCannotDeleteProposalWithTechspecs}
	}
	return e.store.RemoveProposal(author, permlink)
}

// SubmitTechspec creates a techspec proposal against an existing worker
// proposal, anchored on its own root post.
func (e *Engine) SubmitTechspec(author crypto.Address, permlink string, proposalAuthor, proposalPermlink string, specCost, devCost Asset, specETA, devETA time.Time) (*WorkerTechspec, error) {
	post, err := e.store.GetCommentByKey(author.String(), permlink)
	if err != nil {
		return nil, err
	}
	if err := requireRootPost(post, TagTechspecOnlyOnPost); err != nil {
		return nil, err
	}
	if _, err := e.store.GetProposal(proposalAuthor, proposalPermlink); err != nil {
		return nil, &LogicError{Tag: TagTechspecOnlyForExistingProposal}
	}
	return e.store.CreateTechspec(WorkerTechspec{
		Author:                 author,
		Permlink:               permlink,
		WorkerProposalAuthor:   proposalAuthor,
		WorkerProposalPermlink: proposalPermlink,
		SpecificationCost:      specCost,
		SpecificationETA:       specETA,
		DevelopmentCost:        devCost,
		DevelopmentETA:         devETA,
	})
}

// ModifyTechspecCost updates a techspec's costs, rejecting any attempt to
// change the asset symbol mid-flight (§4.2 common preconditions).
func (e *Engine) ModifyTechspecCost(author, permlink string, specCost, devCost Asset) error {
	existing, err := e.store.GetTechspec(author, permlink)
	if err != nil {
		return err
	}
	if err := validateCostSymbol(existing.SpecificationCost, specCost); err != nil {
		return err
	}
	if err := validateCostSymbol(existing.DevelopmentCost, devCost); err != nil {
		return err
	}
	return e.store.ModifyTechspec(author, permlink, func(t *WorkerTechspec) {
		t.SpecificationCost = specCost
		t.DevelopmentCost = devCost
	})
}

func validateCostSymbol(existing, updated Asset) error {
	if existing.Symbol != updated.Symbol {
		return &LogicError{Tag: TagCannotChangeCostSymbol}
	}
	return nil
}

// DeleteTechspec removes a techspec, resetting the proposal to created if it
// was the approved one. Rejected once the proposal has reached payment.
func (e *Engine) DeleteTechspec(author, permlink string) error {
	t, err := e.store.GetTechspec(author, permlink)
	if err != nil {
		return err
	}
	p, err := e.store.GetProposal(t.WorkerProposalAuthor, t.WorkerProposalPermlink)
	if err != nil {
		return err
	}
	if p.State == ProposalPayment {
		return &LogicError{Tag: TagCannotDeleteTechspecForPaying}
	}
	wasApproved := p.ApprovedTechspecAuthor == author && p.ApprovedTechspecPermlink == permlink
	if err := e.store.RemoveTechspec(author, permlink); err != nil {
		return err
	}
	if wasApproved {
		if err := e.store.ModifyProposal(p.Author.String(), p.Permlink, func(p *WorkerProposal) {
			p.State = ProposalCreated
			p.ApprovedTechspecAuthor = ""
			p.ApprovedTechspecPermlink = ""
			p.Modified = e.now()
		}); err != nil {
			return err
		}
		observability.Content().RecordProposalTransition(ProposalCreated.String())
		e.notifyTransition(p.Author, p.Permlink, ProposalCreated)
	}
	return nil
}

func (e *Engine) witnessWeight(approvals []*Approval, top []crypto.Address, state ApprovalState) int {
	topSet := make(map[string]bool, len(top))
	for _, w := range top {
		topSet[w.String()] = true
	}
	count := 0
	for _, a := range approvals {
		if !topSet[a.Approver.String()] {
			continue
		}
		if a.State == state {
			count++
		}
	}
	return count
}

func (e *Engine) topWitnesses() []crypto.Address {
	if e.witnesses == nil {
		return nil
	}
	n := e.props.TopWitnessCount
	if n <= 0 {
		n = 19
	}
	return e.witnesses.TopWitnesses(n)
}

// ApproveTechspec records a witness's techspec ballot and recounts the tally
// against the live top-N witness set (§4.2: "recounted on every approval
// event, not cached"). Crossing plain majority promotes the proposal to
// techspec state and tops up its deposit from the worker fund.
func (e *Engine) ApproveTechspec(approver crypto.Address, author, permlink string, state ApprovalState) error {
	t, err := e.store.GetTechspec(author, permlink)
	if err != nil {
		return err
	}
	top := e.topWitnesses()
	isTop := false
	for _, w := range top {
		if w.String() == approver.String() {
			isTop = true
			break
		}
	}
	if len(top) > 0 && !isTop {
		return &LogicError{Tag: TagApproverNotInTopWitnesses}
	}
	p, err := e.store.GetProposal(t.WorkerProposalAuthor, t.WorkerProposalPermlink)
	if err != nil {
		return err
	}
	if p.ApprovedTechspecAuthor == author && p.ApprovedTechspecPermlink == permlink {
		return &LogicError{Tag: TagTechspecAlreadyApproved}
	}

	e.store.PutApproval(Approval{Kind: TechspecApproval, Author: author, Permlink: permlink, Approver: approver, State: state})

	approvals := e.store.ApprovalsFor(TechspecApproval, author, permlink)
	approveCount := e.witnessWeight(approvals, top, Approve)
	majority := e.props.MajorityWitnessCount
	if majority <= 0 {
		majority = len(top)/2 + 1
	}
	if approveCount < majority {
		return nil
	}

	globalProps := e.store.Global()
	need := t.SpecificationCost.Add(t.DevelopmentCost)
	var topUp Asset
	if p.Deposit.Amount < need.Amount {
		topUp = Asset{Amount: need.Amount - p.Deposit.Amount, Symbol: need.Symbol}
		if globalProps.TotalWorkerFund.Amount < topUp.Amount {
			return &LogicError{Tag: TagInsufficientWorkerFund}
		}
	}
	e.store.ModifyGlobal(func(g *DynamicGlobalProperties) {
		if !topUp.IsZero() {
			g.TotalWorkerFund = g.TotalWorkerFund.Sub(topUp)
		}
	})
	if err := e.store.ModifyProposal(p.Author.String(), p.Permlink, func(p *WorkerProposal) {
		if !topUp.IsZero() {
			p.Deposit = p.Deposit.Add(topUp)
		}
		p.State = ProposalTechspec
		p.ApprovedTechspecAuthor = author
		p.ApprovedTechspecPermlink = permlink
		p.Modified = e.now()
	}); err != nil {
		return err
	}
	observability.Content().RecordProposalTransition(ProposalTechspec.String())
	e.notifyTransition(p.Author, p.Permlink, ProposalTechspec)
	return nil
}

// FillResult records the worker result post against the approved techspec,
// advancing the proposal to witnesses_review (result_fill, §4.2). The
// proposal must be in work or witnesses_review already (re-submission of a
// result is allowed while under review).
func (e *Engine) FillResult(author crypto.Address, permlink string, proposalAuthor, proposalPermlink string, completion time.Time) error {
	post, err := e.store.GetCommentByKey(author.String(), permlink)
	if err != nil {
		return err
	}
	if err := requireRootPost(post, TagResultOnlyOnPost); err != nil {
		return err
	}
	if completion.After(e.now()) {
		return &LogicError{Tag: TagCompletionDateInFuture}
	}
	p, err := e.store.GetProposal(proposalAuthor, proposalPermlink)
	if err != nil {
		return err
	}
	if p.State != ProposalWork && p.State != ProposalWitnessesReview {
		return &LogicError{Tag: TagResultOnlyForTechspecInWork}
	}
	t, err := e.store.GetTechspec(p.ApprovedTechspecAuthor, p.ApprovedTechspecPermlink)
	if err != nil {
		return err
	}
	if t.WorkerResultPermlink != "" && t.WorkerResultPermlink != permlink {
		return &LogicError{Tag: TagPostAlreadyUsedAsResult}
	}
	if err := e.store.ModifyTechspec(t.Author.String(), t.Permlink, func(t *WorkerTechspec) {
		t.WorkerResultPermlink = permlink
		t.CompletionDate = completion
	}); err != nil {
		return err
	}
	if err := e.store.ModifyProposal(proposalAuthor, proposalPermlink, func(p *WorkerProposal) {
		p.State = ProposalWitnessesReview
		p.Modified = e.now()
	}); err != nil {
		return err
	}
	observability.Content().RecordProposalTransition(ProposalWitnessesReview.String())
	e.notifyTransition(p.Author, p.Permlink, ProposalWitnessesReview)
	return nil
}

// ClearResult clears a filled result, reverting the proposal to work
// (result_clear, §4.2). Rejected once payment has been made.
func (e *Engine) ClearResult(proposalAuthor, proposalPermlink string) error {
	p, err := e.store.GetProposal(proposalAuthor, proposalPermlink)
	if err != nil {
		return err
	}
	if p.State == ProposalPayment {
		return &LogicError{Tag: TagCannotDeleteResultForPaying}
	}
	t, err := e.store.GetTechspec(p.ApprovedTechspecAuthor, p.ApprovedTechspecPermlink)
	if err != nil {
		return err
	}
	if err := e.store.ModifyTechspec(t.Author.String(), t.Permlink, func(t *WorkerTechspec) {
		t.WorkerResultPermlink = ""
	}); err != nil {
		return err
	}
	if err := e.store.ModifyProposal(proposalAuthor, proposalPermlink, func(p *WorkerProposal) {
		p.State = ProposalWork
		p.Modified = e.now()
	}); err != nil {
		return err
	}
	observability.Content().RecordProposalTransition(ProposalWork.String())
	e.notifyTransition(p.Author, p.Permlink, ProposalWork)
	return nil
}

// ApproveResult records a witness's approve/disapprove ballot on the posted
// result. Both outcomes use the super-majority threshold (§4.2, confirmed
// against worker_evaluators.cpp). Crossing super-majority approve pays the
// author and moves the proposal to payment; crossing super-majority
// disapprove closes it.
func (e *Engine) ApproveResult(approver crypto.Address, proposalAuthor, proposalPermlink string, state ApprovalState) error {
	p, err := e.store.GetProposal(proposalAuthor, proposalPermlink)
	if err != nil {
		return err
	}
	if p.State != ProposalWork && p.State != ProposalWitnessesReview {
		return &LogicError{Tag: TagProposalMustBeWorkOrReviewToDisapprove}
	}
	if state == Approve && p.State != ProposalWitnessesReview {
		return &LogicError{Tag: TagProposalMustBeReviewToApprove}
	}
	top := e.topWitnesses()
	isTop := false
	for _, w := range top {
		if w.String() == approver.String() {
			isTop = true
			break
		}
	}
	if len(top) > 0 && !isTop {
		return &LogicError{Tag: TagResultApproverNotInTopWitnesses}
	}

	e.store.PutApproval(Approval{Kind: ResultApproval, Author: proposalAuthor, Permlink: proposalPermlink, Approver: approver, State: state})
	approvals := e.store.ApprovalsFor(ResultApproval, proposalAuthor, proposalPermlink)
	superMajority := e.props.SuperMajorityWitnessCount
	if superMajority <= 0 {
		superMajority = (3*len(top) + 3) / 4
	}

	approveCount := e.witnessWeight(approvals, top, Approve)
	disapproveCount := e.witnessWeight(approvals, top, Disapprove)

	switch {
	case approveCount >= superMajority:
		return e.payResult(p)
	case disapproveCount >= superMajority:
		if err := e.store.ModifyProposal(proposalAuthor, proposalPermlink, func(p *WorkerProposal) {
			p.State = ProposalClosed
			p.Modified = e.now()
		}); err != nil {
			return err
		}
		observability.Content().RecordProposalTransition(ProposalClosed.String())
		e.notifyTransition(p.Author, p.Permlink, ProposalClosed)
		return nil
	default:
		return nil
	}
}

func (e *Engine) payResult(p *WorkerProposal) error {
	t, err := e.store.GetTechspec(p.ApprovedTechspecAuthor, p.ApprovedTechspecPermlink)
	if err != nil {
		return err
	}
	cost := t.SpecificationCost
	now := e.now()
	if err := e.store.ModifyProposal(p.Author.String(), p.Permlink, func(p *WorkerProposal) {
		p.Deposit = p.Deposit.Sub(cost)
		p.State = ProposalPayment
		p.NextCashoutTime = now.Add(time.Duration(t.PaymentsInterval) * time.Second)
		p.PaymentBeginningTime = now
		p.Modified = now
	}); err != nil {
		return err
	}
	if e.ledger != nil {
		if err := e.ledger.Credit(t.Author, cost); err != nil {
			return err
		}
	}
	observability.Content().RecordProposalTransition(ProposalPayment.String())
	e.notifyTransition(p.Author, p.Permlink, ProposalPayment)
	e.emit(newTechspecRewardEvent(t.Author.String(), t.Permlink, cost))
	return nil
}

// virtualOpEvent adapts a *types.Event to the events.Event interface, the
// same wrapper shape native/governance uses for its own emitted events.
type virtualOpEvent struct{ evt *types.Event }

func (v virtualOpEvent) EventType() string {
	if v.evt == nil {
		return ""
	}
	return v.evt.Type
}

// Event exposes the underlying structured event for emitters that inspect it
// directly (mirrors governanceEvent in native/governance).
func (v virtualOpEvent) Event() *types.Event { return v.evt }

const (
	EventTypeTechspecReward = "content.techspec_reward"
	EventTypeAuthorReward   = "content.author_reward"
	EventTypeCurationReward = "content.curation_reward"
	EventTypeBenefactorReward = "content.benefactor_reward"
)

func newTechspecRewardEvent(author, permlink string, amount Asset) *types.Event {
	return &types.Event{
		Type: EventTypeTechspecReward,
		Attributes: map[string]string{
			"author":   author,
			"permlink": permlink,
			"amount":   formatAsset(amount),
		},
	}
}
