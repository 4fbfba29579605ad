package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AuditEventType identifies the kind of auditable event.
type AuditEventType string

const (
	AuditProposalCreated       AuditEventType = "proposal_created"
	AuditSignatureCollected    AuditEventType = "signature_collected"
	AuditTransactionExecuted   AuditEventType = "transaction_executed"
	AuditVaultCreated          AuditEventType = "vault_created"
	AuditVaultFunded           AuditEventType = "vault_funded"
	AuditEmergencyActivated    AuditEventType = "emergency_activated"
	AuditEmergencyDeactivated  AuditEventType = "emergency_deactivated"
	AuditSignerCompromised     AuditEventType = "signer_compromised"
	AuditSignerRotated         AuditEventType = "signer_rotated"
	AuditRecoveryInitiated     AuditEventType = "recovery_initiated"
	AuditRecoveryApproved      AuditEventType = "recovery_approved"
	AuditRecoveryExecuted      AuditEventType = "recovery_executed"
	AuditVaultDeactivated      AuditEventType = "vault_deactivated"
)

// AuditEvent is one entry in a vault's append-only, hash-chained history.
// Hash covers the previous entry's hash, so tampering with any entry breaks
// every later link in the chain.
type AuditEvent struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	VaultID    string            `json:"vault_id"`
	ProposalID string            `json:"proposal_id,omitempty"`
	Type       AuditEventType    `json:"type"`
	Actor      string            `json:"actor"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// ComputeHash returns the chain hash for the event given the previous
// entry's hash. Details are folded in key order so the digest is stable.
func (e *AuditEvent) ComputeHash(prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		prevHash, e.VaultID, e.ProposalID, e.Type, e.Actor,
		e.Timestamp.UnixNano(), e.ID)
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, e.Details[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BalanceEntry is one append-only balance history record. Amount is the
// signed delta applied; Balance is the tracked balance after the change.
type BalanceEntry struct {
	Sequence  int64           `json:"sequence"`
	VaultID   string          `json:"vault_id"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccessLogEntry records every signer access decision, granted or not.
type AccessLogEntry struct {
	VaultID   string    `json:"vault_id"`
	Signer    string    `json:"signer"`
	Granted   bool      `json:"granted"`
	Timestamp time.Time `json:"timestamp"`
}
