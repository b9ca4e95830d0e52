package content

import (
	"testing"
	"time"
)

func TestStoreCreateCommentAssignsRootAndID(t *testing.T) {
	s := NewStore(DynamicGlobalProperties{})
	alice := testAddr("alice")

	root, err := s.CreateComment(CommentInit{
		Author:         alice,
		AuthorName:     "alice",
		Permlink:       "hello-world",
		ParentPermlink: "golos",
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if root.ID != 1 {
		t.Fatalf("expected first comment to get id 1, got %d", root.ID)
	}
	if root.RootComment != root.ID {
		t.Fatalf("expected root comment to self-reference, got %d", root.RootComment)
	}

	reply, err := s.CreateComment(CommentInit{
		Author:         testAddr("bob"),
		AuthorName:     "bob",
		Permlink:       "re-hello-world",
		ParentAuthor:   "alice",
		ParentPermlink: "hello-world",
		RootComment:    root.ID,
		Depth:          1,
	})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if reply.IsRoot() {
		t.Fatalf("reply should not report IsRoot")
	}
	if reply.RootComment != root.ID {
		t.Fatalf("expected reply to keep caller-supplied root, got %d", reply.RootComment)
	}

	if _, err := s.CreateComment(CommentInit{AuthorName: "alice", Permlink: "hello-world"}); err == nil {
		t.Fatalf("expected duplicate comment to be rejected")
	}
}

func TestStoreDueCommentsOrdering(t *testing.T) {
	s := NewStore(DynamicGlobalProperties{})
	base := time.Unix(1_700_000_000, 0).UTC()

	mk := func(name string, cashout time.Time) {
		if _, err := s.CreateComment(CommentInit{
			AuthorName:  name,
			Permlink:    "p",
			CashoutTime: cashout,
		}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	mk("carol", base.Add(2*time.Second))
	mk("alice", base)
	mk("bob", base)

	due := s.DueComments(base.Add(time.Second))
	if len(due) != 2 {
		t.Fatalf("expected 2 due comments, got %d", len(due))
	}
	if due[0].AuthorName != "alice" || due[1].AuthorName != "bob" {
		t.Fatalf("expected (cashout_time, id) order alice,bob; got %s,%s", due[0].AuthorName, due[1].AuthorName)
	}
}

func TestStoreWriteSessionAbortUndoesMutations(t *testing.T) {
	s := NewStore(DynamicGlobalProperties{TotalRewardFund: Asset{Amount: 100, Symbol: SymbolSTEEM}})

	s.Begin()
	if _, err := s.CreateComment(CommentInit{AuthorName: "alice", Permlink: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.ModifyGlobal(func(g *DynamicGlobalProperties) {
		g.TotalRewardFund = g.TotalRewardFund.Sub(Asset{Amount: 10, Symbol: SymbolSTEEM})
	})
	s.Abort()

	if _, ok := s.FindComment("alice", "p"); ok {
		t.Fatalf("expected aborted comment creation to be undone")
	}
	if g := s.Global(); g.TotalRewardFund.Amount != 100 {
		t.Fatalf("expected global fund restored to 100, got %d", g.TotalRewardFund.Amount)
	}
}

func TestStoreNestedWriteSessionCommitFoldsIntoParent(t *testing.T) {
	s := NewStore(DynamicGlobalProperties{})

	s.Begin()
	if _, err := s.CreateComment(CommentInit{AuthorName: "alice", Permlink: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Begin()
	if _, err := s.CreateComment(CommentInit{AuthorName: "bob", Permlink: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Commit() // inner session folds into outer
	s.Abort()  // outer session unwinds both

	if _, ok := s.FindComment("alice", "p"); ok {
		t.Fatalf("expected outer abort to unwind inner commit")
	}
	if _, ok := s.FindComment("bob", "p"); ok {
		t.Fatalf("expected outer abort to unwind inner commit")
	}
}

func TestVotesByCommentOrdersByCastOrder(t *testing.T) {
	s := NewStore(DynamicGlobalProperties{})
	c, err := s.CreateComment(CommentInit{AuthorName: "alice", Permlink: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateVote(CommentVote{Comment: c.ID, VoterName: "carol", Weight: 5}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := s.CreateVote(CommentVote{Comment: c.ID, VoterName: "bob", Weight: 5}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	votes := s.VotesByComment(c.ID)
	if len(votes) != 2 || votes[0].VoterName != "carol" || votes[1].VoterName != "bob" {
		t.Fatalf("expected cast order carol,bob; got %v", votes)
	}
}
