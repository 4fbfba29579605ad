package proposal

import (
	"context"
	"strings"
	"time"

	"github.com/terminal-bench/multivault/internal/models"
)

// Trail groups a proposal's audit events by lifecycle stage.
type Trail struct {
	ProposalID string              `json:"proposal_id"`
	Created    *models.AuditEvent  `json:"created,omitempty"`
	Signatures []models.AuditEvent `json:"signatures"`
	Executed   *models.AuditEvent  `json:"executed,omitempty"`
	Other      []models.AuditEvent `json:"other,omitempty"`
}

// AuditTrail returns the complete audit trail for one proposal: creation,
// every signature collection and the execution record, in chain order.
func (s *Service) AuditTrail(ctx context.Context, proposalID string) (*Trail, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	events, err := s.store.ListProposalAuditEvents(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	trail := &Trail{ProposalID: proposalID, Signatures: []models.AuditEvent{}}
	for i := range events {
		e := events[i]
		switch e.Type {
		case models.AuditProposalCreated:
			trail.Created = &e
		case models.AuditSignatureCollected:
			trail.Signatures = append(trail.Signatures, e)
		case models.AuditTransactionExecuted:
			trail.Executed = &e
		default:
			trail.Other = append(trail.Other, e)
		}
	}
	return trail, nil
}

// TransactionHistory returns a vault's executed proposals, oldest first.
func (s *Service) TransactionHistory(ctx context.Context, vaultID string) ([]*models.Proposal, error) {
	if _, err := s.vaults.Get(ctx, vaultID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, vaultID, models.ProposalExecuted)
}

// List returns a vault's proposals, optionally filtered by status.
func (s *Service) List(ctx context.Context, vaultID string, status models.ProposalStatus) ([]*models.Proposal, error) {
	if _, err := s.vaults.Get(ctx, vaultID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, vaultID, status)
}

// Filter narrows an audit history search. Zero fields match everything.
type Filter struct {
	Types      []models.AuditEventType
	Actor      string
	ProposalID string
	Since      time.Time
	Until      time.Time
	Text       string
}

func (f Filter) matches(e models.AuditEvent) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ProposalID != "" && e.ProposalID != f.ProposalID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		hit := strings.Contains(strings.ToLower(string(e.Type)), needle) ||
			strings.Contains(strings.ToLower(e.Actor), needle)
		for k, v := range e.Details {
			if hit {
				break
			}
			hit = strings.Contains(strings.ToLower(k), needle) ||
				strings.Contains(strings.ToLower(v), needle)
		}
		if !hit {
			return false
		}
	}
	return true
}

// SearchAuditHistory returns a vault's audit events matching the filter, in
// chain order.
func (s *Service) SearchAuditHistory(ctx context.Context, vaultID string, filter Filter) ([]models.AuditEvent, error) {
	if _, err := s.vaults.Get(ctx, vaultID); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	matched := make([]models.AuditEvent, 0, len(events))
	for _, e := range events {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// IntegrityReport is the result of walking a vault's audit hash chain.
type IntegrityReport struct {
	VaultID        string `json:"vault_id"`
	Intact         bool   `json:"intact"`
	Events         int    `json:"events"`
	BrokenSequence int64  `json:"broken_sequence,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// VerifyAuditIntegrity recomputes every link in a vault's audit chain and
// reports the first broken entry, if any. An empty chain is intact.
func (s *Service) VerifyAuditIntegrity(ctx context.Context, vaultID string) (*IntegrityReport, error) {
	if _, err := s.vaults.Get(ctx, vaultID); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{VaultID: vaultID, Intact: true, Events: len(events)}
	prevHash := ""
	prevSeq := int64(0)
	for _, e := range events {
		if e.Sequence <= prevSeq {
			report.Intact = false
			report.BrokenSequence = e.Sequence
			report.Detail = "sequence out of order"
			return report, nil
		}
		prevSeq = e.Sequence
		if e.PrevHash != prevHash {
			report.Intact = false
			report.BrokenSequence = e.Sequence
			report.Detail = "previous hash mismatch"
			return report, nil
		}
		if e.ComputeHash(prevHash) != e.Hash {
			report.Intact = false
			report.BrokenSequence = e.Sequence
			report.Detail = "entry hash mismatch"
			return report, nil
		}
		prevHash = e.Hash
	}
	return report, nil
}
