package content

import "fmt"

// HardforkRequired is returned when an operation references behaviour gated
// behind a feature not yet active in the caller's HardforkSchedule (§7).
type HardforkRequired struct {
	Feature string
}

func (e *HardforkRequired) Error() string {
	return fmt.Sprintf("content: hardfork required for feature %q", e.Feature)
}

// MissingObject is returned when an evaluator or projection call resolves a
// reference to an entity that does not exist in the store (§7).
type MissingObject struct {
	Kind string
	Key  string
}

func (e *MissingObject) Error() string {
	return fmt.Sprintf("content: missing %s %q", e.Kind, e.Key)
}

// LogicError is returned when a semantic precondition is violated. Tag is a
// stable, wire-visible string; the full taxonomy used by worker-proposal
// evaluators is enumerated below (§4.6, grounded on worker_evaluators.cpp).
type LogicError struct {
	Tag     string
	Message string
}

func (e *LogicError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("content: %s", e.Tag)
	}
	return fmt.Sprintf("content: %s: %s", e.Tag, e.Message)
}

func newLogicError(tag, format string, args ...interface{}) *LogicError {
	return &LogicError{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// ConsensusMismatch signals state divergence between pre- and post-apply
// hashes. It is fatal and is never returned by an evaluator; only the block
// applier (outside this package's scope, §1) constructs one.
type ConsensusMismatch struct {
	Detail string
}

func (e *ConsensusMismatch) Error() string {
	return fmt.Sprintf("content: consensus mismatch: %s", e.Detail)
}

// Worker-proposal and techspec error tags, reproduced verbatim from the golos
// worker_evaluators.cpp reference so RPC clients keep the same stable tags
// (§4.6).
const (
	TagProposalOnlyOnPost               = "worker_proposal_can_be_created_only_on_post"
	TagCannotDeleteProposalWithApproved = "cannot_delete_worker_proposal_with_approved_techspec"
	TagCannotDeleteProposalWithTechspecs = "cannot_delete_worker_proposal_with_techspecs"
	TagCannotFundApprovedProposal       = "cannot_fund_worker_proposal_with_approved_techspec"
	TagProposalAlreadyFunded            = "proposal_is_already_funded"
	TagTechspecOnlyOnPost               = "worker_techspec_can_be_created_only_on_post"
	TagTechspecOnlyForExistingProposal  = "worker_techspec_can_be_created_only_for_existing_proposal"
	TagProposalAlreadyHasApproved       = "this_worker_proposal_already_has_approved_techspec"
	TagCannotChangeCostSymbol           = "cannot_change_cost_symbol"
	TagCannotDeleteTechspecForPaying    = "cannot_delete_worker_techspec_for_paying_proposal"
	TagApproverNotInTopWitnesses        = "approver_of_techspec_should_be_in_top19_of_witnesses"
	TagTechspecAlreadyApproved          = "techspec_is_already_approved"
	TagInsufficientWorkerFund           = "insufficient_funds_in_worker_fund"
	TagCompletionDateInFuture           = "work_completion_date_cannot_be_in_future"
	TagResultOnlyOnPost                 = "worker_result_can_be_created_only_on_post"
	TagPostAlreadyUsedAsResult          = "this_post_already_used_as_worker_result"
	TagResultOnlyForTechspecInWork      = "worker_result_can_be_created_only_for_techspec_in_work"
	TagCannotDeleteResultForPaying      = "cannot_delete_worker_result_for_paying_proposal"
	TagResultApproverNotInTopWitnesses  = "approver_of_result_should_be_in_top19_of_witnesses"
	TagProposalMustBeWorkOrReviewToDisapprove = "worker_proposal_should_be_in_work_or_review_state_to_disapprove"
	TagProposalMustBeReviewToApprove    = "worker_proposal_should_be_in_review_state_to_approve"
)
