package content

import (
	"fmt"
	"time"

	"golosd/crypto"
)

// StateStore is the narrow persistence capability this package depends on,
// satisfied directly by core/state.Manager (the same KVPut/KVGet surface
// native/reputation and native/loyalty already persist through). RLP, which
// backs KVPut/KVGet, only round-trips unsigned integers and byte slices, so
// every persisted record below is a flattened, sign-safe projection of the
// in-memory domain type rather than the type itself.
type StateStore interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

const (
	proposalKeyPrefix = "content/worker/proposal/"
	techspecKeyPrefix = "content/worker/techspec/"
	approvalKeyPrefix = "content/worker/approval/"
	globalStateKey    = "content/global"
)

func proposalStateKey(author, permlink string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", proposalKeyPrefix, author, permlink))
}

func techspecStateKey(author, permlink string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", techspecKeyPrefix, author, permlink))
}

func approvalStateKey(kind ApprovalKind, author, permlink string, approver crypto.Address) []byte {
	return []byte(fmt.Sprintf("%s%d/%s/%s/%s", approvalKeyPrefix, kind, author, permlink, approver.String()))
}

// packTime reduces a time.Time to its UnixNano bit pattern, reinterpreted as
// uint64 (int64<->uint64 conversion in Go preserves the bit pattern exactly,
// so this round-trips losslessly including for the pre-1970 zero Time{}
// value, which RLP cannot encode as a bare negative int64).
func packTime(t time.Time) uint64 { return uint64(t.UnixNano()) }

func unpackTime(u uint64) time.Time { return time.Unix(0, int64(u)).UTC() }

func packAsset(a Asset) (uint64, uint8) { return uint64(a.Amount), uint8(a.Symbol) }

func unpackAsset(amount uint64, symbol uint8) Asset {
	return Asset{Amount: int64(amount), Symbol: Symbol(symbol)}
}

// persistedProposal is WorkerProposal flattened for RLP. crypto.Address has
// unexported fields and isn't itself RLP-serializable, so it is carried as
// its bech32 string form (Author is re-derived via the prefix byte on load).
type persistedProposal struct {
	AuthorAddr               string
	Permlink                 string
	Type                     string
	State                    uint8
	DepositAmount            uint64
	DepositSymbol            uint8
	ApprovedTechspecAuthor   string
	ApprovedTechspecPermlink string
	CreatedNano              uint64
	ModifiedNano             uint64
	NextCashoutNano          uint64
	PaymentBeginningNano     uint64
	Funded                   bool
}

func toPersistedProposal(p *WorkerProposal) *persistedProposal {
	amount, symbol := packAsset(p.Deposit)
	return &persistedProposal{
		AuthorAddr:               p.Author.String(),
		Permlink:                 p.Permlink,
		Type:                     p.Type,
		State:                    uint8(p.State),
		DepositAmount:            amount,
		DepositSymbol:            symbol,
		ApprovedTechspecAuthor:   p.ApprovedTechspecAuthor,
		ApprovedTechspecPermlink: p.ApprovedTechspecPermlink,
		CreatedNano:              packTime(p.Created),
		ModifiedNano:             packTime(p.Modified),
		NextCashoutNano:          packTime(p.NextCashoutTime),
		PaymentBeginningNano:     packTime(p.PaymentBeginningTime),
		Funded:                   p.Funded,
	}
}

func (p *persistedProposal) toDomain() (*WorkerProposal, error) {
	author, err := crypto.DecodeAddress(p.AuthorAddr)
	if err != nil {
		return nil, err
	}
	return &WorkerProposal{
		Author:                   author,
		Permlink:                 p.Permlink,
		Type:                     p.Type,
		State:                    ProposalState(p.State),
		Deposit:                  unpackAsset(p.DepositAmount, p.DepositSymbol),
		ApprovedTechspecAuthor:   p.ApprovedTechspecAuthor,
		ApprovedTechspecPermlink: p.ApprovedTechspecPermlink,
		Created:                  unpackTime(p.CreatedNano),
		Modified:                 unpackTime(p.ModifiedNano),
		NextCashoutTime:          unpackTime(p.NextCashoutNano),
		PaymentBeginningTime:     unpackTime(p.PaymentBeginningNano),
		Funded:                   p.Funded,
	}, nil
}

// persistedTechspec is WorkerTechspec flattened for RLP, following the same
// conventions as persistedProposal.
type persistedTechspec struct {
	AuthorAddr             string
	Permlink               string
	WorkerProposalAuthor   string
	WorkerProposalPermlink string
	SpecCostAmount         uint64
	SpecCostSymbol         uint8
	SpecETANano            uint64
	DevCostAmount          uint64
	DevCostSymbol          uint8
	DevETANano             uint64
	PaymentsCount          uint16
	PaymentsInterval       uint32
	WorkerResultPermlink   string
	CompletionDateNano     uint64
}

func toPersistedTechspec(t *WorkerTechspec) *persistedTechspec {
	specAmount, specSymbol := packAsset(t.SpecificationCost)
	devAmount, devSymbol := packAsset(t.DevelopmentCost)
	return &persistedTechspec{
		AuthorAddr:             t.Author.String(),
		Permlink:               t.Permlink,
		WorkerProposalAuthor:   t.WorkerProposalAuthor,
		WorkerProposalPermlink: t.WorkerProposalPermlink,
		SpecCostAmount:         specAmount,
		SpecCostSymbol:         specSymbol,
		SpecETANano:            packTime(t.SpecificationETA),
		DevCostAmount:          devAmount,
		DevCostSymbol:          devSymbol,
		DevETANano:             packTime(t.DevelopmentETA),
		PaymentsCount:          t.PaymentsCount,
		PaymentsInterval:       t.PaymentsInterval,
		WorkerResultPermlink:   t.WorkerResultPermlink,
		CompletionDateNano:     packTime(t.CompletionDate),
	}
}

func (t *persistedTechspec) toDomain() (*WorkerTechspec, error) {
	author, err := crypto.DecodeAddress(t.AuthorAddr)
	if err != nil {
		return nil, err
	}
	return &WorkerTechspec{
		Author:                 author,
		Permlink:               t.Permlink,
		WorkerProposalAuthor:   t.WorkerProposalAuthor,
		WorkerProposalPermlink: t.WorkerProposalPermlink,
		SpecificationCost:      unpackAsset(t.SpecCostAmount, t.SpecCostSymbol),
		SpecificationETA:       unpackTime(t.SpecETANano),
		DevelopmentCost:        unpackAsset(t.DevCostAmount, t.DevCostSymbol),
		DevelopmentETA:         unpackTime(t.DevETANano),
		PaymentsCount:          t.PaymentsCount,
		PaymentsInterval:       t.PaymentsInterval,
		WorkerResultPermlink:   t.WorkerResultPermlink,
		CompletionDate:         unpackTime(t.CompletionDateNano),
	}, nil
}

// persistedApproval is Approval flattened for RLP.
type persistedApproval struct {
	Kind         uint8
	Author       string
	Permlink     string
	ApproverAddr string
	State        uint8
}

func toPersistedApproval(a Approval) *persistedApproval {
	return &persistedApproval{
		Kind:         uint8(a.Kind),
		Author:       a.Author,
		Permlink:     a.Permlink,
		ApproverAddr: a.Approver.String(),
		State:        uint8(a.State),
	}
}

func (a *persistedApproval) toDomain() (Approval, error) {
	approver, err := crypto.DecodeAddress(a.ApproverAddr)
	if err != nil {
		return Approval{}, err
	}
	return Approval{
		Kind:     ApprovalKind(a.Kind),
		Author:   a.Author,
		Permlink: a.Permlink,
		Approver: approver,
		State:    ApprovalState(a.State),
	}, nil
}

// persistedGlobal is DynamicGlobalProperties' STEEM/SBD/VESTS scalar fields
// flattened for RLP; the widened uint256 reward-share accumulator is carried
// as its big-endian byte form, which holiman/uint256 exposes directly.
type persistedGlobal struct {
	TotalRewardFundAmount    uint64
	TotalVestingSharesAmount uint64
	TotalVestingFundAmount   uint64
	TotalWorkerFundAmount    uint64
	VirtualSupplyAmount      uint64
	MedianFeedPriceNum       uint64
	MedianFeedPriceDen       uint64
	TotalRewardShares2Bytes  []byte
}

func toPersistedGlobal(g DynamicGlobalProperties) *persistedGlobal {
	bts := g.TotalRewardShares2.Bytes32()
	return &persistedGlobal{
		TotalRewardFundAmount:    uint64(g.TotalRewardFund.Amount),
		TotalVestingSharesAmount: uint64(g.TotalVestingShares.Amount),
		TotalVestingFundAmount:   uint64(g.TotalVestingFund.Amount),
		TotalWorkerFundAmount:    uint64(g.TotalWorkerFund.Amount),
		VirtualSupplyAmount:      uint64(g.VirtualSupply.Amount),
		MedianFeedPriceNum:       uint64(g.MedianFeedPriceNum),
		MedianFeedPriceDen:       uint64(g.MedianFeedPriceDen),
		TotalRewardShares2Bytes:  bts[:],
	}
}

func (g *persistedGlobal) toDomain() DynamicGlobalProperties {
	var shares2 [32]byte
	copy(shares2[:], g.TotalRewardShares2Bytes)
	out := DynamicGlobalProperties{
		TotalRewardFund:    Asset{Amount: int64(g.TotalRewardFundAmount), Symbol: SymbolSTEEM},
		TotalVestingShares: Asset{Amount: int64(g.TotalVestingSharesAmount), Symbol: SymbolVESTS},
		TotalVestingFund:   Asset{Amount: int64(g.TotalVestingFundAmount), Symbol: SymbolSTEEM},
		TotalWorkerFund:    Asset{Amount: int64(g.TotalWorkerFundAmount), Symbol: SymbolSTEEM},
		VirtualSupply:      Asset{Amount: int64(g.VirtualSupplyAmount), Symbol: SymbolSTEEM},
		MedianFeedPriceNum: int64(g.MedianFeedPriceNum),
		MedianFeedPriceDen: int64(g.MedianFeedPriceDen),
	}
	out.TotalRewardShares2.SetBytes32(shares2[:])
	return out
}

// PersistWorkerState snapshots the worker-proposal subsystem — proposals,
// techspecs, approvals, and the global fund counters that back deposit
// top-ups and payouts — into store via StateStore. Comment/vote persistence
// is out of scope for this pass: the in-memory, sorted-range-query Store
// (see store.go's own documented simplification) already serves the
// due-comment scan's hot path, and round-tripping every comment/vote field
// through RLP's unsigned-only type surface would require a second, equally
// large persisted schema that this pass does not attempt. The worker
// subsystem is persisted first because it moves real funds and only churns
// at proposal-lifecycle cadence rather than per-vote.
func PersistWorkerState(kv StateStore, store *Store) error {
	for _, p := range store.proposals {
		if err := kv.KVPut(proposalStateKey(p.Author.String(), p.Permlink), toPersistedProposal(p)); err != nil {
			return err
		}
	}
	for _, t := range store.techspecs {
		if err := kv.KVPut(techspecStateKey(t.Author.String(), t.Permlink), toPersistedTechspec(t)); err != nil {
			return err
		}
	}
	for _, a := range store.approvals {
		if err := PersistApproval(kv, *a); err != nil {
			return err
		}
	}
	return kv.KVPut([]byte(globalStateKey), toPersistedGlobal(store.Global()))
}

// LoadWorkerGlobal restores the persisted global fund counters, for use when
// rehydrating a Store after restart.
func LoadWorkerGlobal(kv StateStore) (DynamicGlobalProperties, bool, error) {
	var g persistedGlobal
	ok, err := kv.KVGet([]byte(globalStateKey), &g)
	if err != nil || !ok {
		return DynamicGlobalProperties{}, ok, err
	}
	return g.toDomain(), true, nil
}

// LoadProposal restores a single persisted proposal by its natural key.
func LoadProposal(kv StateStore, author, permlink string) (*WorkerProposal, bool, error) {
	var p persistedProposal
	ok, err := kv.KVGet(proposalStateKey(author, permlink), &p)
	if err != nil || !ok {
		return nil, ok, err
	}
	domain, err := p.toDomain()
	if err != nil {
		return nil, false, err
	}
	return domain, true, nil
}

// LoadTechspec restores a single persisted techspec by its natural key.
func LoadTechspec(kv StateStore, author, permlink string) (*WorkerTechspec, bool, error) {
	var t persistedTechspec
	ok, err := kv.KVGet(techspecStateKey(author, permlink), &t)
	if err != nil || !ok {
		return nil, ok, err
	}
	domain, err := t.toDomain()
	if err != nil {
		return nil, false, err
	}
	return domain, true, nil
}

// PersistApproval writes a single approval record immediately; approvals are
// append-mostly and witness-driven, so they are persisted on every cast
// rather than batched with PersistWorkerState.
func PersistApproval(kv StateStore, a Approval) error {
	return kv.KVPut(approvalStateKey(a.Kind, a.Author, a.Permlink, a.Approver), toPersistedApproval(a))
}

// LoadApproval restores a single persisted approval.
func LoadApproval(kv StateStore, kind ApprovalKind, author, permlink string, approver crypto.Address) (Approval, bool, error) {
	var a persistedApproval
	ok, err := kv.KVGet(approvalStateKey(kind, author, permlink, approver), &a)
	if err != nil || !ok {
		return Approval{}, ok, err
	}
	domain, err := a.toDomain()
	if err != nil {
		return Approval{}, false, err
	}
	return domain, true, nil
}
