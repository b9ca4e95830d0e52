package content

import (
	"fmt"

	"golosd/core/types"
)

func formatAsset(a Asset) string {
	return fmt.Sprintf("%d %s", a.Amount, a.Symbol)
}

func newAuthorRewardEvent(author, permlink string, sbd, vesting Asset) *types.Event {
	return &types.Event{
		Type: EventTypeAuthorReward,
		Attributes: map[string]string{
			"author":        author,
			"permlink":      permlink,
			"sbd_payout":    formatAsset(sbd),
			"vesting_payout": formatAsset(vesting),
		},
	}
}

func newCurationRewardEvent(curator string, amount Asset, commentAuthor, commentPermlink string) *types.Event {
	return &types.Event{
		Type: EventTypeCurationReward,
		Attributes: map[string]string{
			"curator":          curator,
			"amount":           formatAsset(amount),
			"comment_author":   commentAuthor,
			"comment_permlink": commentPermlink,
		},
	}
}

func newBenefactorRewardEvent(benefactor string, amount Asset, commentAuthor, commentPermlink string) *types.Event {
	return &types.Event{
		Type: EventTypeBenefactorReward,
		Attributes: map[string]string{
			"benefactor":       benefactor,
			"amount":           formatAsset(amount),
			"comment_author":   commentAuthor,
			"comment_permlink": commentPermlink,
		},
	}
}
