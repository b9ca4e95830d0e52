package content

import "time"

const (
	bodyPruneBytes    = 1024 * 128
	replyPruneBytes   = 1024 * 16
	prunedBodyNotice  = "body pruned due to size"
	prunedReplyNotice = "comment pruned due to size"
)

// ReputationLookup is the capability callback injected at construction time
// so the projection layer never depends directly on the social-graph
// module (§4.4 item 6, §9).
type ReputationLookup interface {
	ReputationOf(accountName string) (int64, bool)
}

// PromotedValueLookup is the capability callback for the market module's
// promoted-post pricing (§9).
type PromotedValueLookup interface {
	PromotedValueFor(author, permlink string) Asset
}

// VoteState is a single entry in a discussion's active-votes list (§4.4 item
// 7).
type VoteState struct {
	Voter      string
	Weight     uint64
	Rshares    int64
	Percent    int16
	Time       time.Time
	Reputation int64
}

// Discussion is the API-facing projection of a stored Comment (§4.4).
type Discussion struct {
	ID             CommentID
	Author         string
	AuthorReputation int64
	Permlink       string
	ParentAuthor   string
	ParentPermlink string
	Category       string
	RootTitle      string
	URL            string

	Created    time.Time
	LastUpdate time.Time
	LastPayout time.Time

	Depth    uint16
	Children uint32

	NetRshares  int64
	AbsRshares  int64
	VoteRshares int64

	Title        string
	Body         string
	JSONMetadata string

	PendingPayoutValue      Asset
	TotalPendingPayoutValue Asset
	PromotedValue           Asset

	ActiveVotes      []VoteState
	ActiveVotesCount uint32
}

// ContentLookup injects the title/body/json_metadata blob for a comment; the
// projection layer stores only scalar accounting fields itself and defers
// the (potentially large) content payload to a plug-in, matching
// get_comment_content in discussion_helper.cpp.
type ContentLookup interface {
	GetCommentContent(author, permlink string) (title, body, jsonMetadata string, err error)
}

// Projection is the read-only discussion-assembly service (§4.4). It never
// mutates the store.
type Projection struct {
	store      *Store
	rewards    *RewardEngine
	reputation ReputationLookup
	promoted   PromotedValueLookup
	content    ContentLookup
	voteLimit  int
}

// NewProjection constructs a projection layer bound to store and rewards.
func NewProjection(store *Store, rewards *RewardEngine) *Projection {
	return &Projection{store: store, rewards: rewards}
}

// SetReputationLookup wires the reputation capability.
func (p *Projection) SetReputationLookup(lookup ReputationLookup) { p.reputation = lookup }

// SetPromotedValueLookup wires the promoted-value capability.
func (p *Projection) SetPromotedValueLookup(lookup PromotedValueLookup) { p.promoted = lookup }

// SetContentLookup wires the title/body/json_metadata capability.
func (p *Projection) SetContentLookup(lookup ContentLookup) { p.content = lookup }

func (p *Projection) reputationOf(account string) int64 {
	if p.reputation == nil {
		return 0
	}
	rep, ok := p.reputation.ReputationOf(account)
	if !ok {
		return 0
	}
	return rep
}

// category derives a comment's category per §4.4 item 2.
func (p *Projection) category(c *Comment) string {
	if c.IsRoot() {
		return c.ParentPermlink
	}
	root, err := p.store.GetComment(c.RootComment)
	if err != nil {
		return ""
	}
	return root.ParentPermlink
}

// url constructs the discussion URL per §4.4 item 4.
func (p *Projection) url(c *Comment) string {
	root, err := p.store.GetComment(c.RootComment)
	if err != nil {
		root = c
	}
	url := "/" + p.category(c) + "/@" + root.AuthorName + "/" + root.Permlink
	if root.ID != c.ID {
		url += "#@" + c.AuthorName + "/" + c.Permlink
	}
	return url
}

func pruneBody(body string, isReply bool) string {
	if len(body) > bodyPruneBytes {
		return prunedBodyNotice
	}
	if isReply && len(body) > replyPruneBytes {
		return prunedReplyNotice
	}
	return body
}

// GetDiscussion assembles a Discussion record for the given (author,
// permlink), following the exact call order discussion_helper.cpp uses:
// create -> set_url -> set_pending_payout -> select_active_votes (§4.6).
func (p *Projection) GetDiscussion(author, permlink string, voteLimit int) (*Discussion, error) {
	c, err := p.store.GetCommentByKey(author, permlink)
	if err != nil {
		return nil, err
	}

	d := &Discussion{
		ID:               c.ID,
		Author:           c.AuthorName,
		Permlink:         c.Permlink,
		ParentAuthor:     c.ParentAuthor,
		ParentPermlink:   c.ParentPermlink,
		Created:          c.Created,
		LastUpdate:       c.LastUpdate,
		LastPayout:       c.LastPayout,
		Depth:            c.Depth,
		Children:         c.Children,
		NetRshares:       c.NetRshares,
		AbsRshares:       c.AbsRshares,
		VoteRshares:      c.VoteRshares,
		AuthorReputation: p.reputationOf(c.AuthorName),
	}

	if p.content != nil {
		title, body, meta, err := p.content.GetCommentContent(author, permlink)
		if err == nil {
			d.Title = title
			d.Body = pruneBody(body, !c.IsRoot())
			d.JSONMetadata = meta
		}
	}

	d.Category = p.category(c)
	d.URL = p.url(c)
	if root, err := p.store.GetComment(c.RootComment); err == nil {
		d.RootTitle = root.Title
	}

	if p.promoted != nil {
		d.PromotedValue = p.promoted.PromotedValueFor(author, permlink)
	}

	own, subtree := p.rewards.EstimatePendingPayout(c)
	d.PendingPayoutValue = own
	d.TotalPendingPayoutValue = subtree

	votes, total := p.GetActiveVotes(author, permlink, voteLimit)
	d.ActiveVotes = votes
	d.ActiveVotesCount = total

	return d, nil
}

// GetActiveVotes reads the (comment, voter) range for this comment (§4.4
// item 7). Every vote is counted into the returned total regardless of
// limit; only the first `limit` are materialised into records.
func (p *Projection) GetActiveVotes(author, permlink string, limit int) ([]VoteState, uint32) {
	c, ok := p.store.FindComment(author, permlink)
	if !ok {
		return nil, 0
	}
	votes := p.store.VotesByComment(c.ID)
	var total uint32
	var out []VoteState
	for _, v := range votes {
		total++
		if limit >= 0 && len(out) >= limit {
			continue
		}
		out = append(out, VoteState{
			Voter:      v.VoterName,
			Weight:     v.Weight,
			Rshares:    v.Rshares,
			Percent:    v.VotePercent,
			Time:       v.LastUpdate,
			Reputation: p.reputationOf(v.VoterName),
		})
	}
	return out, total
}

// GetCommentContent exposes the injected title/body/json_metadata lookup
// directly, for callers that want the raw (unpruned) content without a full
// Discussion assembly (§6).
func (p *Projection) GetCommentContent(author, permlink string) (title, body, jsonMetadata string, err error) {
	if p.content == nil {
		return "", "", "", &MissingObject{Kind: "content_lookup", Key: author + "/" + permlink}
	}
	return p.content.GetCommentContent(author, permlink)
}
