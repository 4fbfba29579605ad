package models

import "time"

// RecoveryStatus is the recovery request state machine.
type RecoveryStatus string

const (
	RecoveryPending  RecoveryStatus = "pending"
	RecoveryApproved RecoveryStatus = "approved"
	RecoveryExecuted RecoveryStatus = "executed"
)

// RecoveryRequest swaps compromised signer identities for new ones while
// preserving the vault's signer count and balance.
type RecoveryRequest struct {
	ID                string         `json:"id"`
	VaultID           string         `json:"vault_id"`
	Reason            string         `json:"reason"`
	Initiator         string         `json:"initiator"`
	LostSigners       []string       `json:"lost_signers"`
	NewSigners        []string       `json:"new_signers"`
	RequiredApprovals int            `json:"required_approvals"`
	Approvals         []string       `json:"approvals"`
	Status            RecoveryStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	ExecutedAt        *time.Time     `json:"executed_at,omitempty"`
	Version           int            `json:"version"`
}

// HasApproved reports whether identity already approved the request.
func (r *RecoveryRequest) HasApproved(identity string) bool {
	for _, a := range r.Approvals {
		if a == identity {
			return true
		}
	}
	return false
}

// PeerApprovals counts approvals from signers other than the initiator.
func (r *RecoveryRequest) PeerApprovals() int {
	n := 0
	for _, a := range r.Approvals {
		if a != r.Initiator {
			n++
		}
	}
	return n
}
