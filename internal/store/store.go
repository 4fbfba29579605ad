package store

import (
	"context"
	"errors"

	"github.com/terminal-bench/multivault/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrVersionConflict = errors.New("concurrent modification detected")
)

// Store is the single source of truth for vault and proposal state. Every
// Update* call is a compare-and-swap on the record's version: it fails with
// ErrVersionConflict when the stored version differs from the one the caller
// read, and increments the version on success. History, audit and access-log
// writes are append-only and strictly ordered per vault.
type Store interface {
	CreateVault(ctx context.Context, v *models.Vault) error
	GetVault(ctx context.Context, id string) (*models.Vault, error)
	UpdateVault(ctx context.Context, v *models.Vault) error

	CreateProposal(ctx context.Context, p *models.Proposal) error
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	UpdateProposal(ctx context.Context, p *models.Proposal) error
	// ListProposals returns proposals for a vault, oldest first. An empty
	// status matches every status.
	ListProposals(ctx context.Context, vaultID string, status models.ProposalStatus) ([]*models.Proposal, error)
	// ListPendingProposals returns every pending proposal across vaults,
	// used by the expiry sweeper.
	ListPendingProposals(ctx context.Context) ([]*models.Proposal, error)

	CreateRecovery(ctx context.Context, r *models.RecoveryRequest) error
	GetRecovery(ctx context.Context, id string) (*models.RecoveryRequest, error)
	UpdateRecovery(ctx context.Context, r *models.RecoveryRequest) error

	AppendBalanceEntry(ctx context.Context, e *models.BalanceEntry) error
	ListBalanceHistory(ctx context.Context, vaultID string, limit, offset int) ([]models.BalanceEntry, error)

	// AppendAuditEvent assigns the event's sequence number and hash-chains
	// it onto the vault's existing history atomically.
	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, vaultID string) ([]models.AuditEvent, error)
	ListProposalAuditEvents(ctx context.Context, proposalID string) ([]models.AuditEvent, error)

	AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error
	ListAccessLog(ctx context.Context, vaultID string, limit, offset int) ([]models.AccessLogEntry, error)
}
