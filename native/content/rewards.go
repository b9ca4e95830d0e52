package content

import (
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"golosd/core/events"
	"golosd/crypto"
	"golosd/integrations/webhooks"
	"golosd/observability"
)

// boundedCurveLimit caps the bounded-linear curation curve's output. The
// golos source derives this bound from a running median of recent posts'
// rshares; that adaptive computation is out of this subsystem's scope (§1
// Out of scope: nothing in the distilled spec names the exact bounding
// formula), so a fixed bound is used instead and documented here rather than
// silently approximated.
const boundedCurveLimit = 2_000_000_000_000

// neverCashout is the sentinel "never" cashout_time (§4.3 step 7): far enough
// in the future that no due-comment scan will ever re-select it, matching
// the source's use of a maximum representable timestamp.
var neverCashout = time.Unix(1<<62, 0).UTC()

// VestingConverter performs the create_vesting conversion described in §4.3:
// given a STEEM-denominated amount, mint the equivalent VESTS at the current
// vesting price and credit the destination account.
type VestingConverter interface {
	CreateVesting(account crypto.Address, amount Asset) (Asset, error)
}

// RewardEngine implements the cashout algorithm (§4.3). It is invoked once
// per due comment from the block-close scan (Store.DueComments) and never
// mutates more than one comment's worth of state per call, so callers
// control batching and error handling across a block.
type RewardEngine struct {
	store   *Store
	ledger  AccountLedger
	vesting VestingConverter
	emitter events.Emitter
	nowFunc func() time.Time
	log     *slog.Logger
	hooks   *webhooks.Dispatcher
}

// NewRewardEngine constructs a reward engine bound to store. A default
// vesting converter backed by the store's own global properties is
// installed; override with SetVestingConverter for a caller-supplied
// implementation.
func NewRewardEngine(store *Store) *RewardEngine {
	re := &RewardEngine{store: store, log: slog.Default()}
	re.vesting = storeVestingConverter{store: store}
	return re
}

// SetLedger wires the account balance capability used to credit authors,
// curators, delegators, and beneficiaries.
func (re *RewardEngine) SetLedger(ledger AccountLedger) { re.ledger = ledger }

// SetVestingConverter overrides the create_vesting implementation.
func (re *RewardEngine) SetVestingConverter(v VestingConverter) { re.vesting = v }

// SetEmitter configures the virtual-operation sink.
func (re *RewardEngine) SetEmitter(emitter events.Emitter) { re.emitter = emitter }

// SetWebhookDispatcher wires an outbound notification sink for settled
// cashouts. Passing nil silently drops notifications.
func (re *RewardEngine) SetWebhookDispatcher(d *webhooks.Dispatcher) { re.hooks = d }

func (re *RewardEngine) notifyCashout(c *Comment, outcome string, claimAmount int64) {
	if re.hooks == nil {
		return
	}
	if err := re.hooks.EnqueueCashout(webhooks.CashoutPayload{
		Author:      c.AuthorName,
		Permlink:    c.Permlink,
		Outcome:     outcome,
		ClaimAmount: formatAsset(Asset{Amount: claimAmount, Symbol: SymbolSTEEM}),
	}); err != nil {
		re.log.Warn("cashout webhook enqueue failed", "author", c.AuthorName, "permlink", c.Permlink, "error", err)
	}
}

// SetNowFunc overrides the time source; nil restores time.Now.
func (re *RewardEngine) SetNowFunc(now func() time.Time) { re.nowFunc = now }

// SetLogger overrides the structured logger.
func (re *RewardEngine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	re.log = logger
}

func (re *RewardEngine) now() time.Time {
	if re.nowFunc != nil {
		return re.nowFunc()
	}
	return time.Now().UTC()
}

func (re *RewardEngine) credit(account crypto.Address, amount Asset) error {
	if amount.IsZero() || re.ledger == nil {
		return nil
	}
	return re.ledger.Credit(account, amount)
}

func (re *RewardEngine) emit(evt events.Event) {
	if re.emitter == nil {
		return
	}
	re.emitter.Emit(evt)
}

// curve transforms net_rshares into vshares per the comment's selected
// curation curve (§4.3 step 1).
func curve(kind CurationCurve, netRshares int64) *uint256.Int {
	if netRshares <= 0 {
		return uint256.NewInt(0)
	}
	rshares := uint256.NewInt(uint64(netRshares))
	switch kind {
	case CurveSquareRoot:
		return new(uint256.Int).Sqrt(rshares)
	case CurveBounded:
		limit := uint256.NewInt(boundedCurveLimit)
		if rshares.Cmp(limit) > 0 {
			return limit
		}
		return rshares
	default: // CurveLinear, CurveDetect
		return rshares
	}
}

// claimShare computes step 1's claim in 256-bit-widened arithmetic, without
// mutating global state. Used by both Cashout and the pending-payout
// estimator (§4.4 item 5).
func claimShare(vshares *uint256.Int, global DynamicGlobalProperties) int64 {
	if global.TotalRewardShares2.IsZero() || vshares.IsZero() {
		return 0
	}
	num := global.MedianFeedPriceNum
	den := global.MedianFeedPriceDen
	if den == 0 {
		den = 1
	}
	pot := new(uint256.Int).SetUint64(uint64(global.TotalRewardFund.Amount))
	pot.Mul(pot, uint256.NewInt(uint64(num)))
	pot.Div(pot, uint256.NewInt(uint64(den)))

	claim := new(uint256.Int).Mul(vshares, pot)
	claim.Div(claim, &global.TotalRewardShares2)
	return int64(claim.Uint64())
}

// EstimatePendingPayout runs step 1's math without mutating the store, for
// use by the discussion projection layer (§4.4 item 5). own is the comment's
// own estimated claim; subtree is the children_rshares2-based estimate for
// the whole discussion.
func (re *RewardEngine) EstimatePendingPayout(c *Comment) (own Asset, subtree Asset) {
	global := re.store.Global()
	vshares := curve(c.CurationRewardCurve, c.NetRshares)
	own = Asset{Amount: claimShare(vshares, global), Symbol: SymbolSTEEM}
	subtree = Asset{Amount: claimShare(&c.ChildrenRshares2, global), Symbol: SymbolSTEEM}
	return own, subtree
}

// Cashout executes the full seven-step distribution for a single due
// comment (§4.3). Callers select due comments via Store.DueComments, which
// already orders them (cashout_time ASC, id ASC) per §5.
func (re *RewardEngine) Cashout(commentID CommentID) error {
	c, err := re.store.GetComment(commentID)
	if err != nil {
		observability.Content().RecordCashout("error")
		return err
	}

	// Step 1 — claim.
	vshares := curve(c.CurationRewardCurve, c.NetRshares)
	global := re.store.Global()
	claimAmount := claimShare(vshares, global)
	claim := Asset{Amount: claimAmount, Symbol: SymbolSTEEM}
	re.store.ModifyGlobal(func(g *DynamicGlobalProperties) {
		g.TotalRewardShares2.Sub(&g.TotalRewardShares2, vshares)
		g.TotalRewardFund = g.TotalRewardFund.Sub(claim)
	})

	// Step 2 — split curator/author fund.
	curatorFund := claimAmount * int64(c.CurationRewardsPct) / 10000
	authorFund := claimAmount - curatorFund

	votes := re.store.VotesByComment(commentID)

	// Step 3 — distribute curator fund by weight, including the auction
	// window bonus and sentinel bookkeeping.
	residual, err := re.distributeCuratorFund(c, votes, curatorFund)
	if err != nil {
		observability.Content().RecordCashout("error")
		return err
	}

	// Step 4 — beneficiary payouts.
	authorFund, err = re.payBeneficiaries(c, authorFund)
	if err != nil {
		observability.Content().RecordCashout("error")
		return err
	}

	// Step 5 — residual handling.
	switch c.AuctionWindowDest {
	case ToRewardFund:
		re.store.ModifyGlobal(func(g *DynamicGlobalProperties) {
			g.TotalRewardFund = g.TotalRewardFund.Add(Asset{Amount: residual, Symbol: SymbolSTEEM})
		})
	default: // ToAuthor, and ToCurators when no sentinel existed
		authorFund += residual
	}

	// Step 6 — author payout, split SBD/VESTS per percent_steem_dollars.
	if err := re.payAuthor(c, authorFund); err != nil {
		observability.Content().RecordCashout("error")
		return err
	}

	// Step 7 — post-cashout bookkeeping.
	now := re.now()
	if err := re.store.ModifyComment(commentID, func(c *Comment) {
		if c.Mode == ModeFirstPayout || c.Mode == ModeNotSet {
			c.Mode = ModeArchived
		}
		c.LastPayout = now
		c.CashoutTime = neverCashout
	}); err != nil {
		observability.Content().RecordCashout("error")
		return err
	}
	for _, v := range votes {
		if err := re.store.ModifyVote(v.ID, func(v *CommentVote) { v.NumChanges = -1 }); err != nil {
			observability.Content().RecordCashout("error")
			return err
		}
	}
	outcome := "paid"
	if claimAmount == 0 {
		outcome = "zero_claim"
	}
	observability.Content().RecordCashout(outcome)
	re.notifyCashout(c, outcome, claimAmount)
	re.log.Info("comment cashed out", "author", c.AuthorName, "permlink", c.Permlink, "claim", claimAmount)
	return nil
}

// distributeCuratorFund implements §4.3 step 3. It returns the unclaimed
// remainder (rounding slack, plus — when no vote was ever eligible as
// sentinel — the auction-window bonus pool) for step 5 to reclaim.
//
// total_weight is inflated by auction_window_weight whenever the comment
// routes the auction-window bonus to curators: that phantom weight is the
// combined weight of every vote cast *inside* the window (and therefore
// ineligible for the bonus), so those votes' nominal share of curatorFund is
// diluted by exactly half of what funds auction_window_reward, the pool paid
// out — on top of the plain per-weight share — to every eligible vote after
// the first (the sentinel, which instead receives the entire unclaimed
// remainder at step 5; see comment_reward.hpp's auction_window_reward /
// heaviest_vote_after_auw_weight bookkeeping).
func (re *RewardEngine) distributeCuratorFund(c *Comment, votes []*CommentVote, curatorFund int64) (int64, error) {
	if curatorFund == 0 || len(votes) == 0 {
		return curatorFund, nil
	}

	auctionEligible := c.AuctionWindowDest == ToCurators
	windowEnd := c.Created.Add(time.Duration(c.AuctionWindowSize) * time.Second)
	eligible := func(v *CommentVote) bool {
		return auctionEligible && (!v.LastUpdate.Before(windowEnd) || v.VoterName == c.AuthorName)
	}

	var voteWeight, auctionWindowWeight uint64
	var sentinel *CommentVote
	for _, v := range votes {
		if v.Weight == 0 {
			continue
		}
		voteWeight += v.Weight
		switch {
		case eligible(v):
			if sentinel == nil {
				sentinel = v
			}
		case auctionEligible:
			auctionWindowWeight += v.Weight
		}
	}
	totalWeight := voteWeight + auctionWindowWeight
	if totalWeight == 0 {
		return curatorFund, nil
	}

	fund := uint256.NewInt(uint64(curatorFund))
	var auctionWindowReward int64
	if auctionWindowWeight > 0 {
		aw := new(uint256.Int).Mul(fund, uint256.NewInt(auctionWindowWeight))
		aw.Div(aw, uint256.NewInt(totalWeight))
		auctionWindowReward = int64(aw.Uint64())
	}

	var votesAfterAuctionWindowWeight uint64
	if sentinel != nil {
		for _, v := range votes {
			if v.Weight == 0 || v == sentinel {
				continue
			}
			if eligible(v) {
				votesAfterAuctionWindowWeight += v.Weight
			}
		}
	}

	var distributed int64
	for _, v := range votes {
		if v.Weight == 0 || v == sentinel {
			continue
		}
		claim := new(uint256.Int).Mul(uint256.NewInt(v.Weight), fund)
		claim.Div(claim, uint256.NewInt(totalWeight))
		raw := int64(claim.Uint64())
		if eligible(v) && votesAfterAuctionWindowWeight > 0 {
			bonus := new(uint256.Int).Mul(uint256.NewInt(uint64(auctionWindowReward)), uint256.NewInt(v.Weight))
			bonus.Div(bonus, uint256.NewInt(votesAfterAuctionWindowWeight))
			raw += int64(bonus.Uint64())
		}
		distributed += raw
		if err := re.payVote(c, v, raw); err != nil {
			return 0, err
		}
	}
	remainder := curatorFund - distributed
	if sentinel != nil {
		if err := re.payVote(c, sentinel, remainder); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return remainder, nil
}

func (re *RewardEngine) payVote(c *Comment, v *CommentVote, raw int64) error {
	remaining := raw
	for _, dvir := range v.DelegatorInterestRates {
		delegatorAmount := remaining * int64(dvir.InterestRateBps) / 10000
		remaining -= delegatorAmount
		if delegatorAmount <= 0 {
			continue
		}
		vested, err := re.vesting.CreateVesting(dvir.Delegator, Asset{Amount: delegatorAmount, Symbol: SymbolSTEEM})
		if err != nil {
			return err
		}
		if err := re.credit(dvir.Delegator, vested); err != nil {
			return err
		}
	}
	if remaining > 0 {
		vested, err := re.vesting.CreateVesting(v.Voter, Asset{Amount: remaining, Symbol: SymbolSTEEM})
		if err != nil {
			return err
		}
		if err := re.credit(v.Voter, vested); err != nil {
			return err
		}
	}
	if raw > 0 {
		re.emit(virtualOpEvent{evt: newCurationRewardEvent(v.VoterName, Asset{Amount: raw, Symbol: SymbolSTEEM}, c.AuthorName, c.Permlink)})
	}
	return nil
}

// payBeneficiaries implements §4.3 step 4.
func (re *RewardEngine) payBeneficiaries(c *Comment, authorFund int64) (int64, error) {
	if authorFund == 0 || len(c.Beneficiaries) == 0 {
		return authorFund, nil
	}
	remaining := authorFund
	for _, b := range c.Beneficiaries {
		reward := authorFund * int64(b.Weight) / 10000
		remaining -= reward
		if reward <= 0 {
			continue
		}
		vested, err := re.vesting.CreateVesting(b.Account, Asset{Amount: reward, Symbol: SymbolSTEEM})
		if err != nil {
			return 0, err
		}
		if err := re.credit(b.Account, vested); err != nil {
			return 0, err
		}
		re.emit(virtualOpEvent{evt: newBenefactorRewardEvent(b.Account.String(), Asset{Amount: reward, Symbol: SymbolSTEEM}, c.AuthorName, c.Permlink)})
	}
	return remaining, nil
}

// payAuthor implements §4.3 step 6: integer-truncating 50/50 split (or the
// ratio named by percent_steem_dollars) between SBD and VESTS.
func (re *RewardEngine) payAuthor(c *Comment, authorFund int64) error {
	if authorFund <= 0 {
		return nil
	}
	sbdShare := authorFund * int64(c.PercentSteemDollars) / 20000
	vestingShare := authorFund - sbdShare

	sbd := Asset{Amount: sbdShare, Symbol: SymbolSBD}
	if err := re.credit(c.Author, sbd); err != nil {
		return err
	}
	vested, err := re.vesting.CreateVesting(c.Author, Asset{Amount: vestingShare, Symbol: SymbolSTEEM})
	if err != nil {
		return err
	}
	if err := re.credit(c.Author, vested); err != nil {
		return err
	}
	re.emit(virtualOpEvent{evt: newAuthorRewardEvent(c.AuthorName, c.Permlink, sbd, vested)})
	return nil
}

// storeVestingConverter is the default VestingConverter, backed directly by
// the store's own global vesting fund/shares pair.
type storeVestingConverter struct {
	store *Store
}

func (v storeVestingConverter) CreateVesting(account crypto.Address, amount Asset) (Asset, error) {
	if amount.Amount <= 0 {
		return Asset{Symbol: SymbolVESTS}, nil
	}
	global := v.store.Global()
	var shares int64
	if global.TotalVestingFund.Amount == 0 {
		shares = amount.Amount
	} else {
		num := new(uint256.Int).SetUint64(uint64(amount.Amount))
		num.Mul(num, uint256.NewInt(uint64(global.TotalVestingShares.Amount)))
		num.Div(num, uint256.NewInt(uint64(global.TotalVestingFund.Amount)))
		shares = int64(num.Uint64())
	}
	v.store.ModifyGlobal(func(g *DynamicGlobalProperties) {
		g.TotalVestingFund = g.TotalVestingFund.Add(amount)
		g.TotalVestingShares = g.TotalVestingShares.Add(Asset{Amount: shares, Symbol: SymbolVESTS})
	})
	return Asset{Amount: shares, Symbol: SymbolVESTS}, nil
}
