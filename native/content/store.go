package content

import (
	"fmt"
	"sort"
	"time"
)

// Store is the in-memory, multi-index object store for comments, votes, and
// the worker-proposal entity family (§4.1). Range iteration is the only query
// primitive offered on secondary attributes; callers needing a specific order
// call one of the By* accessors, which always return results in the index's
// declared total order.
//
// Store is not safe for concurrent writers; the single-writer/multiple-reader
// model (§5) is enforced by callers serialising block application.
type Store struct {
	comments        map[CommentID]*Comment
	commentByAuthor map[string]CommentID // "author/permlink" -> id
	nextCommentID   CommentID

	votes            map[CommentVoteID]*CommentVote
	voteByCommentKey map[string]CommentVoteID // "comment/voter" -> id
	nextVoteID       CommentVoteID

	proposals  map[string]*WorkerProposal // "author/permlink"
	techspecs  map[string]*WorkerTechspec // "author/permlink"
	approvals  map[string]*Approval       // "kind/author/permlink/approver"

	global DynamicGlobalProperties

	sessions []*undoLog
	epoch    *SnapshotReader
}

// NewStore constructs an empty object store seeded with the supplied global
// properties.
func NewStore(global DynamicGlobalProperties) *Store {
	return &Store{
		comments:         make(map[CommentID]*Comment),
		commentByAuthor:  make(map[string]CommentID),
		votes:            make(map[CommentVoteID]*CommentVote),
		voteByCommentKey: make(map[string]CommentVoteID),
		proposals:        make(map[string]*WorkerProposal),
		techspecs:        make(map[string]*WorkerTechspec),
		approvals:        make(map[string]*Approval),
		global:           global,
		epoch:            NewSnapshotReader(),
	}
}

// Epoch returns the read-snapshot token currently in effect. RPC-layer
// long-poll subscribers hold onto the token between calls and compare it
// against a fresh call to tell an unchanged store apart from one that has
// committed new mutations since.
func (s *Store) Epoch() SnapshotEpoch { return s.epoch.Current() }

func commentKey(author, permlink string) string { return author + "/" + permlink }
func voteKey(comment CommentID, voter string) string { return fmt.Sprintf("%d/%s", comment, voter) }
func proposalKey(author, permlink string) string { return author + "/" + permlink }
func approvalKey(kind ApprovalKind, author, permlink, approver string) string {
	return fmt.Sprintf("%d/%s/%s/%s", kind, author, permlink, approver)
}

// --- write-sessions (§4.1, §5) ---

// undoLog records the pre-images mutate operations register so an abort can
// restore them in reverse order. Sessions nest: Begin pushes a new log onto
// the stack; Commit folds the top log into its parent (or discards it at the
// outermost level); Abort replays the top log in reverse and discards it.
type undoLog struct {
	undo []func()
}

// Begin starts a new nested write-session.
func (s *Store) Begin() {
	s.sessions = append(s.sessions, &undoLog{})
}

// Commit closes the innermost write-session, keeping its mutations. If a
// parent session exists its pre-images absorb the child's so an abort further
// up the stack still unwinds everything.
func (s *Store) Commit() {
	n := len(s.sessions)
	if n == 0 {
		return
	}
	top := s.sessions[n-1]
	s.sessions = s.sessions[:n-1]
	if len(s.sessions) > 0 {
		parent := s.sessions[len(s.sessions)-1]
		parent.undo = append(parent.undo, top.undo...)
		return
	}
	if len(top.undo) > 0 {
		s.epoch.Advance()
	}
}

// Abort closes the innermost write-session, replaying its recorded pre-images
// in reverse so the store returns to its state at the matching Begin.
func (s *Store) Abort() {
	n := len(s.sessions)
	if n == 0 {
		return
	}
	top := s.sessions[n-1]
	s.sessions = s.sessions[:n-1]
	for i := len(top.undo) - 1; i >= 0; i-- {
		top.undo[i]()
	}
}

func (s *Store) record(undo func()) {
	if n := len(s.sessions); n > 0 {
		s.sessions[n-1].undo = append(s.sessions[n-1].undo, undo)
	}
}

// --- comments ---

// CommentInit is supplied to CreateComment; ID, RootComment, Created and
// LastUpdate are assigned by the store and need not be set by the caller.
type CommentInit = Comment

// GetComment returns the comment with the given id, failing with
// MissingObject if absent.
func (s *Store) GetComment(id CommentID) (*Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return nil, &MissingObject{Kind: "comment", Key: fmt.Sprintf("%d", id)}
	}
	return c, nil
}

// FindComment looks up a comment by its natural key, returning ok=false when
// absent rather than an error.
func (s *Store) FindComment(author, permlink string) (*Comment, bool) {
	id, ok := s.commentByAuthor[commentKey(author, permlink)]
	if !ok {
		return nil, false
	}
	return s.comments[id], true
}

// GetCommentByKey is the MissingObject-raising counterpart of FindComment.
func (s *Store) GetCommentByKey(author, permlink string) (*Comment, error) {
	c, ok := s.FindComment(author, permlink)
	if !ok {
		return nil, &MissingObject{Kind: "comment", Key: commentKey(author, permlink)}
	}
	return c, nil
}

// CreateComment allocates a new comment id and inserts the record, failing if
// (author, permlink) already exists.
func (s *Store) CreateComment(init CommentInit) (*Comment, error) {
	key := commentKey(init.AuthorName, init.Permlink)
	if _, exists := s.commentByAuthor[key]; exists {
		return nil, newLogicError("duplicate_comment", "comment %s already exists", key)
	}
	s.nextCommentID++
	id := s.nextCommentID
	c := init
	c.ID = id
	if c.IsRoot() {
		c.RootComment = id
	}
	s.comments[id] = &c
	s.commentByAuthor[key] = id

	s.record(func() {
		delete(s.comments, id)
		delete(s.commentByAuthor, key)
		s.nextCommentID--
	})
	return &c, nil
}

// ModifyComment applies mutator to the comment in place, recording its
// pre-image for rollback.
func (s *Store) ModifyComment(id CommentID, mutator func(*Comment)) error {
	c, err := s.GetComment(id)
	if err != nil {
		return err
	}
	before := *c
	mutator(c)
	s.record(func() { *c = before })
	return nil
}

// RemoveComment deletes the comment and unlinks it from all indices.
func (s *Store) RemoveComment(id CommentID) error {
	c, err := s.GetComment(id)
	if err != nil {
		return err
	}
	key := commentKey(c.AuthorName, c.Permlink)
	delete(s.comments, id)
	delete(s.commentByAuthor, key)
	s.record(func() {
		s.comments[id] = c
		s.commentByAuthor[key] = id
	})
	return nil
}

// DueComments returns every non-archived comment with CashoutTime <= until,
// ordered (cashout_time ASC, id ASC) per §5's ordering guarantee.
func (s *Store) DueComments(until time.Time) []*Comment {
	var out []*Comment
	for _, c := range s.comments {
		if c.Mode == ModeArchived {
			continue
		}
		if c.CashoutTime.After(until) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CashoutTime.Equal(out[j].CashoutTime) {
			return out[i].CashoutTime.Before(out[j].CashoutTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- comment votes ---

// GetVote returns the vote with the given id.
func (s *Store) GetVote(id CommentVoteID) (*CommentVote, error) {
	v, ok := s.votes[id]
	if !ok {
		return nil, &MissingObject{Kind: "comment_vote", Key: fmt.Sprintf("%d", id)}
	}
	return v, nil
}

// FindVote looks up a vote by its unique (comment, voter) key.
func (s *Store) FindVote(comment CommentID, voter string) (*CommentVote, bool) {
	id, ok := s.voteByCommentKey[voteKey(comment, voter)]
	if !ok {
		return nil, false
	}
	return s.votes[id], true
}

// CreateVote inserts a new vote, failing if (comment, voter) already voted.
func (s *Store) CreateVote(init CommentVote) (*CommentVote, error) {
	key := voteKey(init.Comment, init.VoterName)
	if _, exists := s.voteByCommentKey[key]; exists {
		return nil, newLogicError("duplicate_vote", "voter %s already voted on comment %d", init.VoterName, init.Comment)
	}
	s.nextVoteID++
	id := s.nextVoteID
	v := init
	v.ID = id
	s.votes[id] = &v
	s.voteByCommentKey[key] = id
	s.record(func() {
		delete(s.votes, id)
		delete(s.voteByCommentKey, key)
		s.nextVoteID--
	})
	return &v, nil
}

// ModifyVote applies mutator in place, recording the pre-image for rollback.
func (s *Store) ModifyVote(id CommentVoteID, mutator func(*CommentVote)) error {
	v, err := s.GetVote(id)
	if err != nil {
		return err
	}
	before := *v
	mutator(v)
	s.record(func() { *v = before })
	return nil
}

// VotesByComment returns every vote cast on a comment, in (comment, id) order
// — i.e. the order the votes were originally cast (§4.3 step 3 requires this
// exact iteration order).
func (s *Store) VotesByComment(comment CommentID) []*CommentVote {
	var out []*CommentVote
	for _, v := range s.votes {
		if v.Comment == comment {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- worker proposals ---

// GetProposal resolves a worker proposal by natural key.
func (s *Store) GetProposal(author, permlink string) (*WorkerProposal, error) {
	p, ok := s.proposals[proposalKey(author, permlink)]
	if !ok {
		return nil, &MissingObject{Kind: "worker_proposal", Key: proposalKey(author, permlink)}
	}
	return p, nil
}

// CreateProposal inserts a new worker proposal.
func (s *Store) CreateProposal(p WorkerProposal) (*WorkerProposal, error) {
	key := proposalKey(p.Author.String(), p.Permlink)
	if _, exists := s.proposals[key]; exists {
		return nil, newLogicError("duplicate_worker_proposal", "proposal %s already exists", key)
	}
	stored := p
	s.proposals[key] = &stored
	s.record(func() { delete(s.proposals, key) })
	return &stored, nil
}

// ModifyProposal applies mutator in place, recording the pre-image.
func (s *Store) ModifyProposal(author, permlink string, mutator func(*WorkerProposal)) error {
	p, err := s.GetProposal(author, permlink)
	if err != nil {
		return err
	}
	before := *p
	mutator(p)
	s.record(func() { *p = before })
	return nil
}

// RemoveProposal deletes a worker proposal.
func (s *Store) RemoveProposal(author, permlink string) error {
	key := proposalKey(author, permlink)
	p, ok := s.proposals[key]
	if !ok {
		return &MissingObject{Kind: "worker_proposal", Key: key}
	}
	delete(s.proposals, key)
	s.record(func() { s.proposals[key] = p })
	return nil
}

// --- worker techspecs ---

// GetTechspec resolves a worker techspec by natural key.
func (s *Store) GetTechspec(author, permlink string) (*WorkerTechspec, error) {
	t, ok := s.techspecs[proposalKey(author, permlink)]
	if !ok {
		return nil, &MissingObject{Kind: "worker_techspec", Key: proposalKey(author, permlink)}
	}
	return t, nil
}

// CreateTechspec inserts a new worker techspec.
func (s *Store) CreateTechspec(t WorkerTechspec) (*WorkerTechspec, error) {
	key := proposalKey(t.Author.String(), t.Permlink)
	if _, exists := s.techspecs[key]; exists {
		return nil, newLogicError("duplicate_worker_techspec", "techspec %s already exists", key)
	}
	stored := t
	s.techspecs[key] = &stored
	s.record(func() { delete(s.techspecs, key) })
	return &stored, nil
}

// ModifyTechspec applies mutator in place, recording the pre-image.
func (s *Store) ModifyTechspec(author, permlink string, mutator func(*WorkerTechspec)) error {
	t, err := s.GetTechspec(author, permlink)
	if err != nil {
		return err
	}
	before := *t
	mutator(t)
	s.record(func() { *t = before })
	return nil
}

// RemoveTechspec deletes a worker techspec.
func (s *Store) RemoveTechspec(author, permlink string) error {
	key := proposalKey(author, permlink)
	t, ok := s.techspecs[key]
	if !ok {
		return &MissingObject{Kind: "worker_techspec", Key: key}
	}
	delete(s.techspecs, key)
	s.record(func() { s.techspecs[key] = t })
	return nil
}

// TechspecsByProposal returns every techspec submitted against a proposal, in
// (author, permlink, id)-equivalent order; since techspecs are keyed by their
// own (author, permlink) we order by those fields for determinism.
func (s *Store) TechspecsByProposal(proposalAuthor, proposalPermlink string) []*WorkerTechspec {
	var out []*WorkerTechspec
	for _, t := range s.techspecs {
		if t.WorkerProposalAuthor == proposalAuthor && t.WorkerProposalPermlink == proposalPermlink {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Author.String() != out[j].Author.String() {
			return out[i].Author.String() < out[j].Author.String()
		}
		return out[i].Permlink < out[j].Permlink
	})
	return out
}

// --- approvals ---

// PutApproval upserts a witness's approval ballot, recording the pre-image
// (or its absence) for rollback.
func (s *Store) PutApproval(a Approval) {
	key := approvalKey(a.Kind, a.Author, a.Permlink, a.Approver.String())
	prev, existed := s.approvals[key]
	stored := a
	s.approvals[key] = &stored
	if existed {
		prevCopy := *prev
		s.record(func() { s.approvals[key] = &prevCopy })
	} else {
		s.record(func() { delete(s.approvals, key) })
	}
}

// ApprovalsFor scans the (kind, author, permlink, *) range — a live recount,
// never cached, per §4.2's witness-schedule-churn requirement.
func (s *Store) ApprovalsFor(kind ApprovalKind, author, permlink string) []*Approval {
	var out []*Approval
	for _, a := range s.approvals {
		if a.Kind == kind && a.Author == author && a.Permlink == permlink {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Approver.String() < out[j].Approver.String() })
	return out
}

// --- global properties ---

// Global returns a copy of the current dynamic global properties.
func (s *Store) Global() DynamicGlobalProperties { return s.global }

// ModifyGlobal applies mutator to the global properties in place, recording
// the pre-image. Mutation here is restricted to block-close code paths by
// convention (§3 Lifecycle); the store does not itself enforce the caller's
// identity.
func (s *Store) ModifyGlobal(mutator func(*DynamicGlobalProperties)) {
	before := s.global
	mutator(&s.global)
	s.record(func() { s.global = before })
}

