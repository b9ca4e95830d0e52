package content

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golosd/crypto"
)

func newTestRewardEngine(t *testing.T, store *Store, ledger *mockLedger) *RewardEngine {
	t.Helper()
	re := NewRewardEngine(store)
	re.SetLedger(ledger)
	return re
}

func seedCashoutComment(t *testing.T, store *Store, author crypto.Address, authorName string, netRshares int64) *Comment {
	t.Helper()
	c, err := store.CreateComment(CommentInit{
		Author:              author,
		AuthorName:          authorName,
		Permlink:            "p",
		ParentPermlink:      "cat",
		Created:             time.Unix(1_700_000_000, 0).UTC(),
		NetRshares:          netRshares,
		AbsRshares:          netRshares,
		CurationRewardsPct:  2500,
		PercentSteemDollars: 10000,
		CurationRewardCurve: CurveLinear,
		AuctionWindowSize:   300,
		AuctionWindowDest:   ToAuthor,
	})
	if err != nil {
		t.Fatalf("seed comment: %v", err)
	}
	return c
}

func TestCashoutLinearCurveSplitsAuthorAndCurator(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: 1_000_000, Symbol: SymbolSTEEM},
		TotalRewardShares2: *uint256.NewInt(1_000_000),
		MedianFeedPriceNum: 1,
		MedianFeedPriceDen: 1,
		TotalVestingFund:   Asset{Amount: 1_000_000, Symbol: SymbolSTEEM},
		TotalVestingShares: Asset{Amount: 1_000_000, Symbol: SymbolVESTS},
	})
	alice := testAddr("alice")
	c := seedCashoutComment(t, store, alice, "alice", 1_000_000)

	bob := testAddr("bob")
	if _, err := store.CreateVote(CommentVote{Comment: c.ID, Voter: bob, VoterName: "bob", Weight: 100, LastUpdate: c.Created}); err != nil {
		t.Fatalf("cast vote: %v", err)
	}

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)

	if err := re.Cashout(c.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}

	updated, err := store.GetComment(c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Mode != ModeArchived {
		t.Fatalf("expected comment archived after cashout, got %v", updated.Mode)
	}
	if !updated.CashoutTime.Equal(neverCashout) {
		t.Fatalf("expected cashout_time reset to the never sentinel")
	}

	if got := ledger.credited[bob.String()][SymbolVESTS]; got == 0 {
		t.Fatalf("expected curator bob to receive a nonzero vesting payout")
	}
	if got := ledger.credited[alice.String()][SymbolSBD]; got == 0 {
		t.Fatalf("expected author alice to receive a nonzero SBD payout")
	}
	if got := ledger.credited[alice.String()][SymbolVESTS]; got == 0 {
		t.Fatalf("expected author alice to receive a nonzero vesting payout")
	}

	votes := store.VotesByComment(c.ID)
	if len(votes) != 1 || votes[0].NumChanges != -1 {
		t.Fatalf("expected vote marked archived (NumChanges=-1) after cashout, got %+v", votes[0])
	}
}

func TestCashoutWithNoVotesPaysAuthorOnly(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: 1_000_000, Symbol: SymbolSTEEM},
		TotalRewardShares2: *uint256.NewInt(1_000_000),
		MedianFeedPriceNum:  1,
		MedianFeedPriceDen:  1,
	})
	alice := testAddr("alice")
	c := seedCashoutComment(t, store, alice, "alice", 1_000_000)

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)
	if err := re.Cashout(c.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}

	if got := ledger.credited[alice.String()][SymbolSBD]; got == 0 {
		t.Fatalf("expected author to receive SBD payout with curator fund rolled back in via residual")
	}
}

func TestEstimatePendingPayoutDoesNotMutateStore(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: 1_000_000, Symbol: SymbolSTEEM},
		TotalRewardShares2: *uint256.NewInt(1_000_000),
		MedianFeedPriceNum: 1,
		MedianFeedPriceDen: 1,
	})
	alice := testAddr("alice")
	c := seedCashoutComment(t, store, alice, "alice", 500_000)

	re := NewRewardEngine(store)
	own, _ := re.EstimatePendingPayout(c)
	if own.Amount == 0 {
		t.Fatalf("expected nonzero own pending payout estimate")
	}

	before := store.Global()
	_, _ = re.EstimatePendingPayout(c)
	after := store.Global()
	if before.TotalRewardFund.Amount != after.TotalRewardFund.Amount {
		t.Fatalf("EstimatePendingPayout must not mutate global reward fund")
	}
}

func TestPayBeneficiariesSplitsBeforeAuthor(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: 1_000_000, Symbol: SymbolSTEEM},
		TotalRewardShares2: *uint256.NewInt(1_000_000),
		MedianFeedPriceNum: 1,
		MedianFeedPriceDen: 1,
	})
	alice := testAddr("alice")
	dave := testAddr("dave")
	c, err := store.CreateComment(CommentInit{
		Author:              alice,
		AuthorName:          "alice",
		Permlink:            "p",
		ParentPermlink:      "cat",
		Created:             time.Unix(1_700_000_000, 0).UTC(),
		NetRshares:          1_000_000,
		AbsRshares:          1_000_000,
		CurationRewardsPct:  0,
		PercentSteemDollars: 10000,
		CurationRewardCurve: CurveLinear,
		AuctionWindowDest:   ToAuthor,
		Beneficiaries:       []BeneficiaryRoute{{Account: dave, Weight: 1000}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)
	if err := re.Cashout(c.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}

	daveVested := ledger.credited[dave.String()][SymbolVESTS]
	aliceVested := ledger.credited[alice.String()][SymbolVESTS]
	if daveVested == 0 {
		t.Fatalf("expected beneficiary dave to receive a vesting payout")
	}
	if aliceVested == 0 {
		t.Fatalf("expected author alice to still receive a vesting payout after beneficiary split")
	}
}

// TestCashoutLinearCurationWorkedExample reproduces the spec's own §8
// end-to-end scenario verbatim: claim 1000, curator_fund 250, author_fund
// 750; V1(weight100)<-62, V2(weight200)<-125, V3(weight100)<-62, residual 1
// falls through to_author giving author_fund 751, split 375 SBD / 376 VESTS.
func TestCashoutLinearCurationWorkedExample(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: 1000, Symbol: SymbolSTEEM},
		TotalRewardShares2: *uint256.NewInt(1_000_000),
		MedianFeedPriceNum: 1,
		MedianFeedPriceDen: 1,
	})
	alice := testAddr("alice")
	c, err := store.CreateComment(CommentInit{
		Author:              alice,
		AuthorName:          "alice",
		Permlink:            "p",
		ParentPermlink:      "cat",
		Created:             time.Unix(1_700_000_000, 0).UTC(),
		NetRshares:          1_000_000,
		AbsRshares:          1_000_000,
		CurationRewardsPct:  2500,
		PercentSteemDollars: 10000,
		CurationRewardCurve: CurveLinear,
		AuctionWindowDest:   ToAuthor,
	})
	require.NoError(t, err)

	v1, v2, v3 := testAddr("v1"), testAddr("v2"), testAddr("v3")
	for _, seed := range []struct {
		addr   crypto.Address
		name   string
		weight uint64
	}{
		{v1, "v1", 100},
		{v2, "v2", 200},
		{v3, "v3", 100},
	} {
		_, err := store.CreateVote(CommentVote{Comment: c.ID, Voter: seed.addr, VoterName: seed.name, Weight: seed.weight, LastUpdate: c.Created})
		require.NoError(t, err)
	}

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)
	require.NoError(t, re.Cashout(c.ID))

	assert.EqualValues(t, 62, ledger.credited[v1.String()][SymbolVESTS])
	assert.EqualValues(t, 125, ledger.credited[v2.String()][SymbolVESTS])
	assert.EqualValues(t, 62, ledger.credited[v3.String()][SymbolVESTS])
	assert.EqualValues(t, 375, ledger.credited[alice.String()][SymbolSBD])
	assert.EqualValues(t, 376, ledger.credited[alice.String()][SymbolVESTS])
}

// TestDistributeCuratorFundAuctionWindowToCurators reproduces the spec's
// "Auction window to_curators" scenario: V1 votes after the window (first
// eligible -> sentinel, skipped and paid the full remainder at step 5), V2
// votes during the window (ineligible, dilutes total_weight via
// auction_window_weight), V3 votes after the window (eligible, collects the
// auction_window_reward bonus on top of its plain share).
func TestDistributeCuratorFundAuctionWindowToCurators(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	created := time.Unix(1_700_000_000, 0).UTC()
	alice := testAddr("alice")
	c, err := store.CreateComment(CommentInit{
		Author:             alice,
		AuthorName:         "alice",
		Permlink:           "p",
		ParentPermlink:     "cat",
		Created:            created,
		AuctionWindowSize:  300,
		AuctionWindowDest:  ToCurators,
	})
	require.NoError(t, err)

	windowEnd := created.Add(300 * time.Second)
	v1, v2, v3 := testAddr("v1"), testAddr("v2"), testAddr("v3")
	votes := []*CommentVote{
		{Weight: 100, VoterName: "v1", Voter: v1, LastUpdate: windowEnd.Add(time.Second)},
		{Weight: 200, VoterName: "v2", Voter: v2, LastUpdate: created.Add(time.Second)},
		{Weight: 100, VoterName: "v3", Voter: v3, LastUpdate: windowEnd.Add(2 * time.Second)},
	}

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)
	residual, err := re.distributeCuratorFund(c, votes, 250)
	require.NoError(t, err)

	assert.EqualValues(t, 0, residual, "sentinel absorbs rounding slack, nothing left for step 5")
	assert.EqualValues(t, 43, ledger.credited[v1.String()][SymbolVESTS], "sentinel paid the unclaimed remainder")
	assert.EqualValues(t, 83, ledger.credited[v2.String()][SymbolVESTS], "in-window vote gets only its plain diluted share")
	assert.EqualValues(t, 124, ledger.credited[v3.String()][SymbolVESTS], "post-window vote gets plain share plus auction bonus")
}

// TestPayVoteSplitsDelegatorShare reproduces the spec's "Delegator split"
// scenario: V1's raw curator amount of 100, with a delegator D1 at
// interest_rate=3000 (30%), pays D1 30 and V1 70.
func TestPayVoteSplitsDelegatorShare(t *testing.T) {
	store := NewStore(DynamicGlobalProperties{})
	created := time.Unix(1_700_000_000, 0).UTC()
	alice := testAddr("alice")
	c, err := store.CreateComment(CommentInit{
		Author: alice, AuthorName: "alice", Permlink: "p", ParentPermlink: "cat",
		Created: created, AuctionWindowDest: ToAuthor,
	})
	require.NoError(t, err)

	v1, d1 := testAddr("v1"), testAddr("d1")
	votes := []*CommentVote{
		{
			Weight: 100, VoterName: "v1", Voter: v1, LastUpdate: created,
			DelegatorInterestRates: []DelegatorVoteInterestRate{{Delegator: d1, InterestRateBps: 3000}},
		},
	}

	ledger := newMockLedger()
	re := newTestRewardEngine(t, store, ledger)
	residual, err := re.distributeCuratorFund(c, votes, 100)
	require.NoError(t, err)

	assert.EqualValues(t, 0, residual)
	assert.EqualValues(t, 30, ledger.credited[d1.String()][SymbolVESTS])
	assert.EqualValues(t, 70, ledger.credited[v1.String()][SymbolVESTS])
}
