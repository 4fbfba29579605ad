package messaging

import (
	"time"
)

// Event subjects published by the vault and proposal services.
const (
	// Vault events
	VaultCreated              = "vault.created"
	VaultFunded               = "vault.funded"
	VaultDeactivated          = "vault.deactivated"
	VaultEmergencyActivated   = "vault.emergency_activated"
	VaultEmergencyDeactivated = "vault.emergency_deactivated"
	VaultSignerCompromised    = "vault.signer_compromised"
	VaultSignerRotated        = "vault.signer_rotated"
	VaultRecoveryInitiated    = "vault.recovery_initiated"
	VaultRecoveryApproved     = "vault.recovery_approved"
	VaultRecoveryExecuted     = "vault.recovery_executed"

	// Proposal events
	ProposalCreated  = "proposal.created"
	ProposalSigned   = "proposal.signed"
	ProposalApproved = "proposal.approved"
	ProposalExecuted = "proposal.executed"
	ProposalExpired  = "proposal.expired"
)

// Ledger request/reply subjects served by the settlement system.
const (
	LedgerSubmit  = "ledger.submit"
	LedgerConfirm = "ledger.confirm"
	LedgerBalance = "ledger.balance"
)

// VaultEvent is the payload for vault lifecycle subjects.
type VaultEvent struct {
	VaultID   string    `json:"vault_id"`
	Actor     string    `json:"actor,omitempty"`
	Signer    string    `json:"signer,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Balance   string    `json:"balance,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProposalEvent is the payload for proposal lifecycle subjects.
type ProposalEvent struct {
	ProposalID     string    `json:"proposal_id"`
	VaultID        string    `json:"vault_id"`
	Actor          string    `json:"actor,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Signatures     int       `json:"signatures"`
	Required       int       `json:"required"`
	Status         string    `json:"status"`
	IsEmergency    bool      `json:"is_emergency,omitempty"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SubmitRequest asks the ledger to move funds between accounts.
type SubmitRequest struct {
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      string `json:"amount"`
}

// SubmitResponse carries the transaction handle for a submitted transfer.
type SubmitResponse struct {
	Handle string `json:"handle"`
	Error  string `json:"error,omitempty"`
}

// ConfirmRequest asks whether a submitted transfer settled.
type ConfirmRequest struct {
	Handle string `json:"handle"`
}

// ConfirmResponse reports settlement status for a handle.
type ConfirmResponse struct {
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// BalanceRequest asks for the current balance of a ledger account.
type BalanceRequest struct {
	Account string `json:"account"`
}

// BalanceResponse carries an account balance.
type BalanceResponse struct {
	Balance string `json:"balance"`
	Error   string `json:"error,omitempty"`
}
