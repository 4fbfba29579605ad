package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ProposalStatus is the proposal state machine.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalExecuted ProposalStatus = "executed"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// SignatureRecord is one collected signature on a proposal.
type SignatureRecord struct {
	Signer    string    `json:"signer"`
	SignedAt  time.Time `json:"signed_at"`
	Signature []byte    `json:"signature,omitempty"`
	Verified  bool      `json:"verified"`
}

// Proposal is a pending request to move funds out of a vault, gated by
// an M-of-N quorum snapshotted at creation time.
type Proposal struct {
	ID                 string            `json:"id"`
	VaultID            string            `json:"vault_id"`
	Proposer           string            `json:"proposer"`
	Recipient          string            `json:"recipient"`
	Amount             decimal.Decimal   `json:"amount"`
	Description        string            `json:"description"`
	Signatures         []SignatureRecord `json:"signatures"`
	RequiredSignatures int               `json:"required_signatures"`
	Status             ProposalStatus    `json:"status"`
	IsEmergency        bool              `json:"is_emergency"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	ApprovedAt         *time.Time        `json:"approved_at,omitempty"`
	ExecutedAt         *time.Time        `json:"executed_at,omitempty"`
	TransactionHandle  string            `json:"transaction_handle,omitempty"`
	Executing          bool              `json:"-"`
	Version            int               `json:"version"`
}

// HasSigned reports whether the identity already has a signature recorded.
func (p *Proposal) HasSigned(identity string) bool {
	for _, sig := range p.Signatures {
		if sig.Signer == identity {
			return true
		}
	}
	return false
}

// IsExpired reports whether the proposal is past its expiry deadline.
func (p *Proposal) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// SigningPayload is the canonical byte payload a signer commits to. It pins
// the proposal identity, destination and amount so a signature cannot be
// replayed against a different transfer.
func (p *Proposal) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", p.ID, p.VaultID, p.Recipient, p.Amount.String()))
}
