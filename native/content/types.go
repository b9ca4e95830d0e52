// Package content implements the comment-and-vote object store, the worker
// proposal approval state machine, the reward distribution engine, and the
// read-only discussion projection layer for the social feed built on top of
// golosd.
package content

import (
	"time"

	"github.com/holiman/uint256"

	"golosd/crypto"
)

// Symbol identifies one of the three monetary units the reward engine and
// worker-proposal treasury operate on.
type Symbol uint8

const (
	// SymbolSTEEM is the chain's liquid core coin.
	SymbolSTEEM Symbol = iota
	// SymbolSBD is the stable-value token paid out as half of author rewards.
	SymbolSBD
	// SymbolVESTS is the non-transferable vested-shares unit backing voting power.
	SymbolVESTS
)

// String renders the symbol the way it appears in virtual operations and logs.
func (s Symbol) String() string {
	switch s {
	case SymbolSTEEM:
		return "STEEM"
	case SymbolSBD:
		return "SBD"
	case SymbolVESTS:
		return "VESTS"
	default:
		return "UNKNOWN"
	}
}

// Asset is an exact, integer-denominated monetary amount. Amounts are always
// non-negative in stored state; evaluators reject operations that would drive
// a balance negative rather than representing a negative asset.
type Asset struct {
	Amount int64
	Symbol Symbol
}

// Add returns a+b. Both operands must share a symbol.
func (a Asset) Add(b Asset) Asset {
	if a.Symbol != b.Symbol {
		panic("content: asset symbol mismatch in Add")
	}
	return Asset{Amount: a.Amount + b.Amount, Symbol: a.Symbol}
}

// Sub returns a-b. Both operands must share a symbol.
func (a Asset) Sub(b Asset) Asset {
	if a.Symbol != b.Symbol {
		panic("content: asset symbol mismatch in Sub")
	}
	return Asset{Amount: a.Amount - b.Amount, Symbol: a.Symbol}
}

// IsZero reports whether the asset carries no value.
func (a Asset) IsZero() bool { return a.Amount == 0 }

// CurationCurve selects the vshares transform applied to a comment's
// net_rshares at cashout.
type CurationCurve uint8

const (
	CurveDetect CurationCurve = iota
	CurveLinear
	CurveSquareRoot
	CurveBounded
)

// AuctionWindowDestination selects where unclaimed curator rounding residue
// and the auction-window bonus ultimately land.
type AuctionWindowDestination uint8

const (
	ToAuthor AuctionWindowDestination = iota
	ToCurators
	ToRewardFund
)

// CommentMode tracks a comment's position in the (at most two) payout passes.
type CommentMode uint8

const (
	ModeNotSet CommentMode = iota
	ModeFirstPayout
	ModeSecondPayout
	ModeArchived
)

// PayoutStrategy selects how a delegator's curation interest is realised.
type PayoutStrategy uint8

const (
	ToDelegator PayoutStrategy = iota
	ToDelegatedVesting
)

// ApprovalState is the ballot a witness casts on a techspec or a result.
type ApprovalState uint8

const (
	Abstain ApprovalState = iota
	Approve
	Disapprove
)

// ProposalState enumerates the worker-proposal lifecycle stages (§4.2).
type ProposalState uint8

const (
	ProposalCreated ProposalState = iota
	ProposalTechspec
	ProposalWork
	ProposalWitnessesReview
	ProposalPayment
	ProposalClosed
)

func (s ProposalState) String() string {
	switch s {
	case ProposalCreated:
		return "created"
	case ProposalTechspec:
		return "techspec"
	case ProposalWork:
		return "work"
	case ProposalWitnessesReview:
		return "witnesses_review"
	case ProposalPayment:
		return "payment"
	case ProposalClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BeneficiaryRoute earmarks a share of a comment's author_fund for an account
// other than the author.
type BeneficiaryRoute struct {
	Account crypto.Address
	Weight  uint16 // basis points out of 10000
}

// DelegatorVoteInterestRate records a delegator's negotiated cut of a single
// vote's curator reward.
type DelegatorVoteInterestRate struct {
	Delegator       crypto.Address
	InterestRateBps uint16
	BadInterestBps  uint16
	Strategy        PayoutStrategy
}

// CommentID is the opaque, monotonically increasing primary key minted by the
// store on comment creation.
type CommentID uint64

// Comment is the root entity for posts and replies (§3).
type Comment struct {
	ID     CommentID
	Author crypto.Address
	// AuthorName is the plain account name; permlinks and urls are built from
	// names rather than addresses so they remain human readable.
	AuthorName     string
	Permlink       string
	ParentAuthor   string
	ParentPermlink string
	RootComment    CommentID

	Created        time.Time
	LastUpdate     time.Time
	LastPayout     time.Time
	CashoutTime    time.Time
	MaxCashoutTime time.Time

	Depth    uint16
	Children uint32

	// ChildrenRshares2 is the 128-bit-range sum of squared vshares across the
	// comment's entire reply subtree; widened into a uint256 so the pending
	// payout estimator (§4.4 item 5) can multiply it by the reward pot
	// without overflow before dividing.
	ChildrenRshares2 uint256.Int
	NetRshares       int64
	AbsRshares       int64
	VoteRshares      int64

	Mode CommentMode

	MaxAcceptedPayout     Asset
	PercentSteemDollars   uint16
	AllowReplies          bool
	AllowVotes            bool
	AllowCurationRewards  bool
	CurationRewardsPct    uint16
	AuctionWindowSize     uint16
	AuctionWindowDest     AuctionWindowDestination
	CurationRewardCurve   CurationCurve
	Beneficiaries         []BeneficiaryRoute

	JSONMetadata string
	Title        string
	Body         string
}

// IsRoot reports whether the comment is itself a root post.
func (c *Comment) IsRoot() bool { return c.ParentAuthor == "" }

// CommentVoteID is the opaque primary key for a cast vote.
type CommentVoteID uint64

// CommentVote records a single voter's current weight on a comment (§3).
type CommentVote struct {
	ID         CommentVoteID
	Comment    CommentID
	Voter      crypto.Address
	VoterName  string
	OrigRshares int64
	Rshares     int64
	VotePercent int16
	Weight      uint64
	AuctionTime uint16
	LastUpdate  time.Time
	NumChanges  int8 // -1 sentinel: comment archived

	DelegatorInterestRates []DelegatorVoteInterestRate
}

// Archived reports whether this vote's comment has already been cashed out.
func (v *CommentVote) Archived() bool { return v.NumChanges == -1 }

// WorkerProposal is the root entity of the worker-funding workflow (§3, §4.2).
type WorkerProposal struct {
	Author   crypto.Address
	Permlink string

	Type  string
	State ProposalState

	Deposit Asset

	ApprovedTechspecAuthor   string
	ApprovedTechspecPermlink string

	Created  time.Time
	Modified time.Time

	NextCashoutTime     time.Time
	PaymentBeginningTime time.Time

	Funded bool // one-shot funding guard; see §9 Open Questions.
}

// WorkerTechspec details the cost and schedule proposed for a worker proposal.
type WorkerTechspec struct {
	Author   crypto.Address
	Permlink string

	WorkerProposalAuthor   string
	WorkerProposalPermlink string

	SpecificationCost Asset
	SpecificationETA  time.Time
	DevelopmentCost   Asset
	DevelopmentETA    time.Time

	PaymentsCount    uint16
	PaymentsInterval uint32 // seconds

	WorkerResultPermlink string
	CompletionDate       time.Time
}

// ApprovalKind distinguishes the two approval tables that share a shape.
type ApprovalKind uint8

const (
	TechspecApproval ApprovalKind = iota
	ResultApproval
)

// Approval is a single witness's ballot on a techspec or a posted result.
type Approval struct {
	Kind     ApprovalKind
	Author   string
	Permlink string
	Approver crypto.Address
	State    ApprovalState
}

// ChainProperties holds the witness-governable median values the evaluators
// and reward engine consult (§2A, §4.6). Values are loaded from TOML
// configuration the same way golosd/config.Config loads node configuration,
// with defaults applied before decode so a partial file still yields a valid,
// internally consistent set of properties.
type ChainProperties struct {
	AuctionWindowSizeSeconds       uint16        `toml:"auction_window_size_seconds"`
	CurationRewardCurve            CurationCurve `toml:"-"`
	CurationRewardCurveName         string        `toml:"curation_reward_curve"`
	CashoutWindowSeconds            uint32        `toml:"cashout_window_seconds"`
	MaxCashoutWindowSeconds         uint32        `toml:"max_cashout_window_seconds"`
	MajorityWitnessCount            int           `toml:"majority_witness_count"`
	SuperMajorityWitnessCount       int           `toml:"super_majority_witness_count"`
	TopWitnessCount                 int           `toml:"top_witness_count"`
	WorkerRewardPercent              uint16        `toml:"worker_reward_percent"`
	WorkerEmergencyFundPercent       uint16        `toml:"worker_emergency_fund_percent"`
	AllowDistributeAuctionReward     bool          `toml:"allow_distribute_auction_reward"`
	AllowReturnAuctionRewardToFund   bool          `toml:"allow_return_auction_reward_to_fund"`
}

// WitnessNormalize is the magic constant the golos reference scales witness
// worker-fund rewards by; reproduced verbatim per §9 Open Questions.
const WitnessNormalize = 25

// DefaultChainProperties returns the median property set used when genesis
// configuration omits an override, mirroring steem/golos mainnet defaults.
func DefaultChainProperties() ChainProperties {
	return ChainProperties{
		AuctionWindowSizeSeconds:     300,
		CurationRewardCurve:          CurveLinear,
		CurationRewardCurveName:      "linear",
		CashoutWindowSeconds:         60 * 60 * 24 * 7,
		MaxCashoutWindowSeconds:      60 * 60 * 24 * 7,
		MajorityWitnessCount:         11,
		SuperMajorityWitnessCount:    15,
		TopWitnessCount:              19,
		WorkerRewardPercent:          1000,
		WorkerEmergencyFundPercent:   500,
		AllowDistributeAuctionReward: true,
		AllowReturnAuctionRewardToFund: true,
	}
}

// DynamicGlobalProperties is the consensus-maintained global accumulator the
// reward engine reads and mutates on every cashout (§3).
type DynamicGlobalProperties struct {
	TotalRewardFund    Asset
	TotalRewardShares2 uint256.Int
	TotalVestingShares Asset
	TotalVestingFund   Asset
	VirtualSupply      Asset
	TotalWorkerFund    Asset
	MedianFeedPriceNum int64 // price = Num/Den, STEEM->SBD
	MedianFeedPriceDen int64
}

// Metadata is the parsed, normalised form of a comment's json_metadata field
// (§4.4 item 8).
type Metadata struct {
	Tags     []string
	Language string
}

// HardforkSchedule replaces the source's singleton version state (§9): a
// value, not a global, naming which features are active at a given block.
type HardforkSchedule struct {
	Features map[string]bool
}

// Active reports whether the named feature is live under this schedule.
func (h HardforkSchedule) Active(feature string) bool {
	if h.Features == nil {
		return false
	}
	return h.Features[feature]
}
