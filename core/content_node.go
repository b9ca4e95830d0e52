package core

import (
	"fmt"

	nhbstate "golosd/core/state"
	"golosd/crypto"
	"golosd/native/content"
)

// contentComponentsLocked returns the node's long-lived worker-proposal
// store and engines, constructing and hydrating them on first use. Callers
// must hold stateMu (the same lock every other native-module accessor in
// this file takes before touching n.state).
//
// The in-memory Store (comments, votes, proposals, techspecs) is not
// persisted in full; only the worker-proposal family is, via
// content.PersistWorkerState (see native/content/persistence.go). A restart
// therefore starts with an empty proposal/techspec/approval set, recovering
// only the global fund counters from state. Full rehydration would require
// an enumerable key index the current StateStore surface doesn't expose;
// that is a documented limitation, not a silent gap.
func (n *Node) contentComponentsLocked() (*content.Store, *content.Engine, *content.RewardEngine, error) {
	if n.contentStore != nil {
		return n.contentStore, n.contentEngine, n.contentRewards, nil
	}
	if n.state == nil {
		return nil, nil, nil, fmt.Errorf("content: state unavailable")
	}
	manager := nhbstate.NewManager(n.state.Trie)
	global, _, err := content.LoadWorkerGlobal(manager)
	if err != nil {
		return nil, nil, nil, err
	}
	store := content.NewStore(global)
	engine := content.NewEngine(store)
	engine.SetNowFunc(n.currentTime)
	rewards := content.NewRewardEngine(store)
	rewards.SetNowFunc(n.currentTime)

	n.contentStore = store
	n.contentEngine = engine
	n.contentRewards = rewards
	return store, engine, rewards, nil
}

func (n *Node) persistContentLocked(store *content.Store) error {
	manager := nhbstate.NewManager(n.state.Trie)
	return content.PersistWorkerState(manager, store)
}

// ContentSubmitProposal creates a worker proposal anchored on a root post
// (worker_proposal_create) and persists the worker-proposal ledger.
func (n *Node) ContentSubmitProposal(author crypto.Address, permlink, proposalType, hardforkFeature string) (*content.WorkerProposal, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	store, engine, _, err := n.contentComponentsLocked()
	if err != nil {
		return nil, err
	}
	proposal, err := engine.SubmitProposal(author, permlink, proposalType, hardforkFeature)
	if err != nil {
		return nil, err
	}
	if err := n.persistContentLocked(store); err != nil {
		return nil, err
	}
	return proposal, nil
}

// ContentApproveTechspec records a witness's ballot on a proposal's
// techspec, advancing the proposal to work once majority is reached.
func (n *Node) ContentApproveTechspec(approver crypto.Address, author, permlink string, approve bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	store, engine, _, err := n.contentComponentsLocked()
	if err != nil {
		return err
	}
	state := content.Disapprove
	if approve {
		state = content.Approve
	}
	if err := engine.ApproveTechspec(approver, author, permlink, state); err != nil {
		return err
	}
	return n.persistContentLocked(store)
}

// ContentApproveResult records a witness's ballot on a posted result,
// paying the techspec author and closing the proposal once a super-majority
// is reached either way.
func (n *Node) ContentApproveResult(approver crypto.Address, proposalAuthor, proposalPermlink string, approve bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	store, engine, _, err := n.contentComponentsLocked()
	if err != nil {
		return err
	}
	state := content.Disapprove
	if approve {
		state = content.Approve
	}
	if err := engine.ApproveResult(approver, proposalAuthor, proposalPermlink, state); err != nil {
		return err
	}
	return n.persistContentLocked(store)
}

// ContentCashout runs the comment cashout algorithm for commentID and
// persists the resulting global fund counters.
func (n *Node) ContentCashout(commentID content.CommentID) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	store, _, rewards, err := n.contentComponentsLocked()
	if err != nil {
		return err
	}
	if err := rewards.Cashout(commentID); err != nil {
		return err
	}
	return n.persistContentLocked(store)
}

// ContentEpoch reports the store's current read-snapshot token, for
// RPC-layer long-poll subscribers to compare across calls.
func (n *Node) ContentEpoch() (content.SnapshotEpoch, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	store, _, _, err := n.contentComponentsLocked()
	if err != nil {
		return content.SnapshotEpoch{}, err
	}
	return store.Epoch(), nil
}

// ContentProposal loads a worker proposal's persisted, durable state
// directly from the state trie, independent of the in-memory Store's
// current contents.
func (n *Node) ContentProposal(author, permlink string) (*content.WorkerProposal, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.state == nil {
		return nil, false, fmt.Errorf("content: state unavailable")
	}
	manager := nhbstate.NewManager(n.state.Trie)
	return content.LoadProposal(manager, author, permlink)
}

// ContentTechspec loads a worker techspec's persisted, durable state
// directly from the state trie.
func (n *Node) ContentTechspec(author, permlink string) (*content.WorkerTechspec, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.state == nil {
		return nil, false, fmt.Errorf("content: state unavailable")
	}
	manager := nhbstate.NewManager(n.state.Trie)
	return content.LoadTechspec(manager, author, permlink)
}
