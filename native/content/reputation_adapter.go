package content

import (
	"golosd/crypto"
	"golosd/native/reputation"
)

// ReputationAdapter satisfies ReputationLookup against native/reputation's
// skill-attestation ledger. The ledger tracks per-skill attestations rather
// than a single scalar score (§9's reputation_of callback), so this adapter
// collapses one fixed, chain-governed skill category — verified authorship
// standing, attested by a single chain-operated verifier address — into the
// present/absent signal the projection layer consumes: ReputationOf reports
// (1, true) for an unexpired, unrevoked attestation and (0, false)
// otherwise. A richer weighted score is out of reach without changing
// native/reputation's own schema, which is outside this subsystem.
type ReputationAdapter struct {
	ledger   *reputation.Ledger
	verifier [20]byte
	skill    string
	resolve  func(accountName string) (crypto.Address, bool)
}

// NewReputationAdapter builds an adapter bound to an existing skill ledger.
// verifier identifies the chain-operated attester whose attestations count
// toward content reputation; resolve maps the human account name used
// throughout this package to the 20-byte address the ledger indexes by.
func NewReputationAdapter(ledger *reputation.Ledger, verifier [20]byte, skill string, resolve func(string) (crypto.Address, bool)) *ReputationAdapter {
	return &ReputationAdapter{ledger: ledger, verifier: verifier, skill: skill, resolve: resolve}
}

// ReputationOf implements ReputationLookup.
func (a *ReputationAdapter) ReputationOf(accountName string) (int64, bool) {
	if a == nil || a.ledger == nil || a.resolve == nil {
		return 0, false
	}
	addr, ok := a.resolve(accountName)
	if !ok {
		return 0, false
	}
	var subject [20]byte
	copy(subject[:], addr.Bytes())
	verification, found, err := a.ledger.Get(subject, a.skill, a.verifier)
	if err != nil || !found || verification == nil {
		return 0, false
	}
	return 1, true
}
