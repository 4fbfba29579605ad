package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/signer"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/internal/vault"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

var (
	ErrInvalidConfig          = errors.New("invalid proposal parameters")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrAlreadySigned          = errors.New("already signed")
	ErrAlreadyExecuted        = errors.New("already executed")
	ErrInvalidStatus          = errors.New("invalid status")
	ErrExpired                = errors.New("proposal expired")
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrAmountExceedsLimit     = errors.New("amount exceeds limit")
	ErrTimelocked             = errors.New("settlement timelock active")
	ErrLedgerSubmission       = errors.New("ledger submission failed")
)

const casRetries = 5

// Publisher publishes domain events; nil disables them.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Limits is the transfer policy applied to proposals.
type Limits struct {
	MaxProposalAge     time.Duration
	SettlementDelay    time.Duration
	MaxAmount          decimal.Decimal
	MaxEmergencyAmount decimal.Decimal
}

// DefaultLimits matches the service defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxProposalAge:     24 * time.Hour,
		MaxAmount:          decimal.NewFromInt(100_000),
		MaxEmergencyAmount: decimal.NewFromInt(500_000),
	}
}

// Service is the proposal engine: it owns the per-transfer workflow from
// creation through signature collection, quorum detection and execution
// dispatch. Authorization decisions are delegated to the vault registry.
type Service struct {
	store    store.Store
	vaults   *vault.Service
	ledger   ledger.Client
	verifier signer.Verifier
	events   Publisher
	log      *logrus.Logger
	limits   Limits
	now      func() time.Time
}

// NewService wires a proposal engine. verifier and events may be nil.
func NewService(st store.Store, vaults *vault.Service, lc ledger.Client, verifier signer.Verifier, events Publisher, log *logrus.Logger, limits Limits) *Service {
	if log == nil {
		log = logrus.New()
	}
	if limits.MaxProposalAge <= 0 {
		limits.MaxProposalAge = DefaultLimits().MaxProposalAge
	}
	if limits.MaxAmount.IsZero() {
		limits.MaxAmount = DefaultLimits().MaxAmount
	}
	if limits.MaxEmergencyAmount.IsZero() {
		limits.MaxEmergencyAmount = DefaultLimits().MaxEmergencyAmount
	}
	return &Service{
		store:    st,
		vaults:   vaults,
		ledger:   lc,
		verifier: verifier,
		events:   events,
		log:      log,
		limits:   limits,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateParams describes a new transfer proposal.
type CreateParams struct {
	VaultID     string
	Recipient   string
	Amount      decimal.Decimal
	Description string
	IsEmergency bool
	// Signature is the proposer's optional signature blob over the
	// canonical payload, recorded with the auto-signature.
	Signature []byte
}

// Create opens a proposal with the proposer auto-recorded as its first
// signer. The quorum is snapshotted from the vault's current threshold and
// never changes afterwards, even if the vault's threshold does.
func (s *Service) Create(ctx context.Context, params CreateParams, proposer string) (*models.Proposal, error) {
	granted, err := s.vaults.CheckSignerAccess(ctx, params.VaultID, proposer)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, fmt.Errorf("%w: %s cannot propose on vault %s", ErrNotAuthorized, proposer, params.VaultID)
	}

	v, err := s.vaults.Get(ctx, params.VaultID)
	if err != nil {
		return nil, err
	}

	if params.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidConfig)
	}
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	if params.IsEmergency && !v.EmergencyMode {
		return nil, fmt.Errorf("%w: emergency proposal requires the vault to be in emergency mode", ErrInvalidConfig)
	}

	limit := s.limits.MaxAmount
	if params.IsEmergency {
		limit = s.limits.MaxEmergencyAmount
	}
	if params.Amount.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: %s over limit %s", ErrAmountExceedsLimit, params.Amount, limit)
	}

	required := v.RequiredSignatures
	if params.IsEmergency {
		required = v.EmergencyThreshold
	}

	now := s.now()
	p := &models.Proposal{
		ID:                 uuid.New().String(),
		VaultID:            params.VaultID,
		Proposer:           proposer,
		Recipient:          params.Recipient,
		Amount:             params.Amount,
		Description:        params.Description,
		RequiredSignatures: required,
		Status:             models.ProposalPending,
		IsEmergency:        params.IsEmergency,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.limits.MaxProposalAge),
	}
	p.Signatures = []models.SignatureRecord{s.newSignature(p, proposer, params.Signature, now)}
	if len(p.Signatures) >= p.RequiredSignatures {
		p.Status = models.ProposalApproved
		p.ApprovedAt = &now
	}

	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID:    p.VaultID,
		ProposalID: p.ID,
		Type:       models.AuditProposalCreated,
		Actor:      proposer,
		Details: map[string]string{
			"recipient": p.Recipient,
			"amount":    p.Amount.String(),
			"required":  fmt.Sprint(p.RequiredSignatures),
		},
	})
	s.publish(ctx, messaging.ProposalCreated, s.event(p, proposer))
	if p.Status == models.ProposalApproved {
		s.publish(ctx, messaging.ProposalApproved, s.event(p, proposer))
	}

	s.log.WithFields(logrus.Fields{
		"proposal_id": p.ID,
		"vault_id":    p.VaultID,
		"amount":      p.Amount.String(),
		"emergency":   p.IsEmergency,
	}).Info("proposal created")
	return p, nil
}

func (s *Service) newSignature(p *models.Proposal, identity string, blob []byte, now time.Time) models.SignatureRecord {
	record := models.SignatureRecord{
		Signer:    identity,
		SignedAt:  now,
		Signature: blob,
	}
	if len(blob) > 0 && s.verifier != nil {
		record.Verified = s.verifier.Verify(identity, p.SigningPayload(), blob)
	}
	return record
}

// Get returns a proposal by id.
func (s *Service) Get(ctx context.Context, proposalID string) (*models.Proposal, error) {
	return s.store.GetProposal(ctx, proposalID)
}

// AddSignature records one signer's approval. When the signature meets the
// quorum, the flip to approved happens in the same atomic update; two
// concurrent calls can never both observe the deciding count.
func (s *Service) AddSignature(ctx context.Context, proposalID, identity string, blob []byte) (*models.SignatureRecord, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		granted, err := s.vaults.CheckSignerAccess(ctx, p.VaultID, identity)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, fmt.Errorf("%w: %s cannot sign on vault %s", ErrNotAuthorized, identity, p.VaultID)
		}

		if p.Status != models.ProposalPending {
			return nil, fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, p.Status)
		}
		now := s.now()
		if p.IsExpired(now) {
			if err := s.markExpired(ctx, p); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: deadline was %s", ErrExpired, p.ExpiresAt.UTC().Format(time.RFC3339))
		}
		if p.HasSigned(identity) {
			return nil, fmt.Errorf("%w: %s already signed proposal %s", ErrAlreadySigned, identity, p.ID)
		}

		record := s.newSignature(p, identity, blob, now)
		p.Signatures = append(p.Signatures, record)
		approved := len(p.Signatures) >= p.RequiredSignatures
		if approved {
			p.Status = models.ProposalApproved
			p.ApprovedAt = &now
		}

		err = s.store.UpdateProposal(ctx, p)
		if err == nil {
			s.audit(ctx, &models.AuditEvent{
				VaultID:    p.VaultID,
				ProposalID: p.ID,
				Type:       models.AuditSignatureCollected,
				Actor:      identity,
				Details: map[string]string{
					"signatures": fmt.Sprint(len(p.Signatures)),
					"required":   fmt.Sprint(p.RequiredSignatures),
				},
			})
			s.publish(ctx, messaging.ProposalSigned, s.event(p, identity))
			if approved {
				s.publish(ctx, messaging.ProposalApproved, s.event(p, identity))
			}
			return &record, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return nil, err
		}
		if p, err = s.store.GetProposal(ctx, proposalID); err != nil {
			return nil, err
		}
	}
}

// ExecuteOptions tunes execution. BypassTimelock is honored only for an
// emergency proposal on a vault currently in emergency mode.
type ExecuteOptions struct {
	BypassTimelock bool
}

// ExecutionResult reports a completed execution.
type ExecutionResult struct {
	Proposal          *models.Proposal `json:"proposal"`
	TransactionHandle string           `json:"transaction_handle"`
}

// Execute dispatches an approved proposal to the ledger. The quorum is
// re-counted against current signer health, so signatures from signers
// marked compromised since signing no longer count. A store-level guard
// ensures a transfer is submitted to the ledger at most once, even under
// concurrent execute calls.
func (s *Service) Execute(ctx context.Context, proposalID, executor string, opts ExecuteOptions) (*ExecutionResult, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	// Claim the in-flight flag; exactly one concurrent caller wins.
	for attempt := 0; ; attempt++ {
		granted, err := s.vaults.CheckSignerAccess(ctx, p.VaultID, executor)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, fmt.Errorf("%w: %s cannot execute on vault %s", ErrNotAuthorized, executor, p.VaultID)
		}

		v, err := s.vaults.Get(ctx, p.VaultID)
		if err != nil {
			return nil, err
		}

		switch p.Status {
		case models.ProposalExecuted:
			return nil, fmt.Errorf("%w: proposal %s", ErrAlreadyExecuted, p.ID)
		case models.ProposalRejected, models.ProposalExpired:
			return nil, fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, p.Status)
		}
		if p.Executing {
			return nil, fmt.Errorf("%w: execution already in progress", ErrAlreadyExecuted)
		}

		now := s.now()
		if p.Status == models.ProposalPending && p.IsExpired(now) {
			if err := s.markExpired(ctx, p); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, models.ProposalExpired)
		}

		// Quorum is re-validated here, independent of the cached status:
		// a signer compromised after signing no longer counts.
		valid := 0
		for _, sig := range p.Signatures {
			if v.HasAccess(sig.Signer) {
				valid++
			}
		}
		if valid < p.RequiredSignatures {
			return nil, fmt.Errorf("%w: %d of %d valid signatures",
				ErrInsufficientSignatures, valid, p.RequiredSignatures)
		}

		bypass := opts.BypassTimelock && p.IsEmergency && v.EmergencyMode
		if s.limits.SettlementDelay > 0 && !bypass {
			base := p.CreatedAt
			if p.ApprovedAt != nil {
				base = *p.ApprovedAt
			}
			if ready := base.Add(s.limits.SettlementDelay); now.Before(ready) {
				return nil, fmt.Errorf("%w: executable after %s",
					ErrTimelocked, ready.UTC().Format(time.RFC3339))
			}
		}

		p.Executing = true
		err = s.store.UpdateProposal(ctx, p)
		if err == nil {
			return s.dispatch(ctx, p, v.LedgerAccount, executor)
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return nil, err
		}
		if p, err = s.store.GetProposal(ctx, proposalID); err != nil {
			return nil, err
		}
	}
}

// dispatch submits the transfer and finalizes the proposal. The in-flight
// flag is already claimed; on ledger failure it is released and the
// proposal stays approved so the caller can retry safely.
func (s *Service) dispatch(ctx context.Context, p *models.Proposal, ledgerAccount, executor string) (*ExecutionResult, error) {
	handle, err := s.ledger.Submit(ctx, ledgerAccount, p.Recipient, p.Amount)
	if err == nil {
		err = s.ledger.Confirm(ctx, handle)
	}
	if err != nil {
		s.release(ctx, p)
		s.log.WithError(err).WithField("proposal_id", p.ID).Error("ledger dispatch failed")
		return nil, fmt.Errorf("%w: %v", ErrLedgerSubmission, err)
	}

	now := s.now()
	p.Status = models.ProposalExecuted
	p.ExecutedAt = &now
	p.TransactionHandle = handle
	p.Executing = false
	if err := s.updateOwned(ctx, p); err != nil {
		return nil, err
	}

	if err := s.vaults.ApplyExecutedTransfer(ctx, p.VaultID, p.Amount, handle); err != nil {
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID:    p.VaultID,
		ProposalID: p.ID,
		Type:       models.AuditTransactionExecuted,
		Actor:      executor,
		Details: map[string]string{
			"handle":    handle,
			"recipient": p.Recipient,
			"amount":    p.Amount.String(),
		},
	})
	s.publish(ctx, messaging.ProposalExecuted, s.event(p, executor))

	s.log.WithFields(logrus.Fields{
		"proposal_id": p.ID,
		"vault_id":    p.VaultID,
		"handle":      handle,
	}).Info("proposal executed")
	return &ExecutionResult{Proposal: p, TransactionHandle: handle}, nil
}

// release clears the in-flight flag after a failed dispatch.
func (s *Service) release(ctx context.Context, p *models.Proposal) {
	p.Executing = false
	if err := s.updateOwned(ctx, p); err != nil {
		s.log.WithError(err).WithField("proposal_id", p.ID).
			Error("failed to release execution guard")
	}
}

// updateOwned persists a proposal this call already claimed via the
// in-flight flag. Version conflicts here mean an unrelated field writer
// raced us; reapply on the fresh copy.
func (s *Service) updateOwned(ctx context.Context, p *models.Proposal) error {
	for attempt := 0; ; attempt++ {
		err := s.store.UpdateProposal(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		fresh, err := s.store.GetProposal(ctx, p.ID)
		if err != nil {
			return err
		}
		fresh.Status = p.Status
		fresh.ExecutedAt = p.ExecutedAt
		fresh.TransactionHandle = p.TransactionHandle
		fresh.Executing = p.Executing
		p = fresh
	}
}

// Expire transitions a pending proposal past its deadline to expired.
func (s *Service) Expire(ctx context.Context, proposalID string) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != models.ProposalPending {
		return fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, p.Status)
	}
	if !p.IsExpired(s.now()) {
		return fmt.Errorf("%w: proposal has not reached its deadline", ErrInvalidStatus)
	}
	return s.markExpired(ctx, p)
}

func (s *Service) markExpired(ctx context.Context, p *models.Proposal) error {
	for attempt := 0; ; attempt++ {
		if p.Status != models.ProposalPending {
			return nil
		}
		p.Status = models.ProposalExpired
		err := s.store.UpdateProposal(ctx, p)
		if err == nil {
			s.publish(ctx, messaging.ProposalExpired, s.event(p, ""))
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		if p, err = s.store.GetProposal(ctx, p.ID); err != nil {
			return err
		}
	}
}

// SweepExpired lazily expires every pending proposal past its deadline and
// returns how many were transitioned.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingProposals(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	expired := 0
	for _, p := range pending {
		if !p.IsExpired(now) {
			continue
		}
		if err := s.markExpired(ctx, p); err != nil {
			s.log.WithError(err).WithField("proposal_id", p.ID).Warn("failed to expire proposal")
			continue
		}
		expired++
	}
	return expired, nil
}

// CanView reports whether an identity may view a proposal. Viewing and
// signing share the same authorization boundary.
func (s *Service) CanView(ctx context.Context, proposalID, identity string) (bool, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}
	return s.vaults.CheckSignerAccess(ctx, p.VaultID, identity)
}

// VerifySignature re-verifies a signature blob over the proposal's
// canonical payload. This is the independent audit path; the hot
// authorization path trusts the flag recorded at signing time.
func (s *Service) VerifySignature(ctx context.Context, proposalID, identity string, blob []byte) (bool, error) {
	if s.verifier == nil {
		return false, fmt.Errorf("%w: no signature verifier configured", ErrInvalidConfig)
	}
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}
	return s.verifier.Verify(identity, p.SigningPayload(), blob), nil
}

func (s *Service) event(p *models.Proposal, actor string) messaging.ProposalEvent {
	return messaging.ProposalEvent{
		ProposalID:     p.ID,
		VaultID:        p.VaultID,
		Actor:          actor,
		Recipient:      p.Recipient,
		Amount:         p.Amount.String(),
		Signatures:     len(p.Signatures),
		Required:       p.RequiredSignatures,
		Status:         string(p.Status),
		IsEmergency:    p.IsEmergency,
		TransactionRef: p.TransactionHandle,
		Timestamp:      s.now(),
	}
}

func (s *Service) audit(ctx context.Context, e *models.AuditEvent) {
	e.ID = uuid.New().String()
	e.Timestamp = s.now()
	if err := s.store.AppendAuditEvent(ctx, e); err != nil {
		s.log.WithError(err).WithField("vault_id", e.VaultID).Error("failed to append audit event")
	}
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, data); err != nil {
		s.log.WithError(err).WithField("subject", subject).Warn("failed to publish event")
	}
}
