package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

// RecoveryParams describes a signer-compromise recovery: which identities
// were lost and which replace them. Counts must match; recovery never
// changes the size of the signer set.
type RecoveryParams struct {
	LostSigners []string
	NewSigners  []string
	Reason      string
}

// InitiateRecovery opens a recovery request. The initiator must be a
// healthy signer that is not itself being replaced; all other healthy
// signers must approve before the request can execute.
func (s *Service) InitiateRecovery(ctx context.Context, vaultID string, params RecoveryParams, initiator string) (*models.RecoveryRequest, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	granted, err := s.CheckSignerAccess(ctx, vaultID, initiator)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, fmt.Errorf("%w: initiator %s lacks access", ErrNotAuthorized, initiator)
	}

	if len(params.LostSigners) == 0 {
		return nil, fmt.Errorf("%w: no lost signers named", ErrInvalidConfig)
	}
	if len(params.NewSigners) != len(params.LostSigners) {
		return nil, fmt.Errorf("%w: %d replacement signers for %d lost signers",
			ErrInvalidConfig, len(params.NewSigners), len(params.LostSigners))
	}

	lost := make(map[string]struct{}, len(params.LostSigners))
	for _, identity := range params.LostSigners {
		if !v.IsSigner(identity) {
			return nil, fmt.Errorf("%w: %s is not a signer", ErrInvalidConfig, identity)
		}
		if _, dup := lost[identity]; dup {
			return nil, fmt.Errorf("%w: duplicate lost signer %s", ErrInvalidConfig, identity)
		}
		lost[identity] = struct{}{}
	}
	if _, initiatorLost := lost[initiator]; initiatorLost {
		return nil, fmt.Errorf("%w: initiator cannot be among the lost signers", ErrInvalidConfig)
	}
	if err := validateReplacementSigners(v, params.NewSigners); err != nil {
		return nil, err
	}

	// Every healthy signer other than the initiator must approve. Signers
	// being replaced never count, compromised or not.
	healthy := 0
	for _, signer := range v.HealthySigners() {
		if _, isLost := lost[signer]; isLost {
			continue
		}
		healthy++
	}
	required := healthy - 1
	if required < 0 {
		required = 0
	}

	now := s.now()
	req := &models.RecoveryRequest{
		ID:                uuid.New().String(),
		VaultID:           vaultID,
		Reason:            params.Reason,
		Initiator:         initiator,
		LostSigners:       append([]string(nil), params.LostSigners...),
		NewSigners:        append([]string(nil), params.NewSigners...),
		RequiredApprovals: required,
		Approvals:         []string{initiator},
		Status:            models.RecoveryPending,
		CreatedAt:         now,
	}
	if required == 0 {
		req.Status = models.RecoveryApproved
	}

	if err := s.store.CreateRecovery(ctx, req); err != nil {
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID: vaultID,
		Type:    models.AuditRecoveryInitiated,
		Actor:   initiator,
		Details: map[string]string{
			"recovery_id":  req.ID,
			"lost_signers": strings.Join(req.LostSigners, ","),
			"reason":       params.Reason,
		},
	})
	s.publish(ctx, messaging.VaultRecoveryInitiated, messaging.VaultEvent{
		VaultID:   vaultID,
		Actor:     initiator,
		Reason:    params.Reason,
		Timestamp: now,
	})
	return req, nil
}

// ApproveRecovery records one healthy signer's approval. The request flips
// to approved in the same update that records the deciding approval.
func (s *Service) ApproveRecovery(ctx context.Context, requestID, approver string) (*models.RecoveryRequest, error) {
	req, err := s.store.GetRecovery(ctx, requestID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if req.Status != models.RecoveryPending {
			return nil, fmt.Errorf("%w: recovery is %s", ErrInvalidStatus, req.Status)
		}

		granted, err := s.CheckSignerAccess(ctx, req.VaultID, approver)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, fmt.Errorf("%w: approver %s lacks access", ErrNotAuthorized, approver)
		}
		for _, identity := range req.LostSigners {
			if identity == approver {
				return nil, fmt.Errorf("%w: %s is being replaced by this recovery", ErrNotAuthorized, approver)
			}
		}
		if req.HasApproved(approver) {
			return nil, fmt.Errorf("%w: %s already approved", ErrAlreadyApproved, approver)
		}

		req.Approvals = append(req.Approvals, approver)
		if req.PeerApprovals() >= req.RequiredApprovals {
			req.Status = models.RecoveryApproved
		}

		err = s.store.UpdateRecovery(ctx, req)
		if err == nil {
			s.audit(ctx, &models.AuditEvent{
				VaultID: req.VaultID,
				Type:    models.AuditRecoveryApproved,
				Actor:   approver,
				Details: map[string]string{"recovery_id": req.ID, "status": string(req.Status)},
			})
			s.publish(ctx, messaging.VaultRecoveryApproved, messaging.VaultEvent{
				VaultID:   req.VaultID,
				Actor:     approver,
				Timestamp: s.now(),
			})
			return req, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return nil, err
		}
		if req, err = s.store.GetRecovery(ctx, requestID); err != nil {
			return nil, err
		}
	}
}

// ExecuteRecovery applies an approved recovery: lost signers are swapped
// for their replacements in one vault update, compromise marks on the
// rotated-out identities are cleared, and signer count and balance are
// untouched. An override replacement set passes the same validation as
// the one recorded at initiation. Replay fails with ErrAlreadyExecuted.
func (s *Service) ExecuteRecovery(ctx context.Context, requestID string, newSigners []string, executor string) (*models.Vault, error) {
	req, err := s.store.GetRecovery(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// Validate everything, then claim the request so exactly one executor
	// proceeds. A claim that cannot complete is released below.
	for attempt := 0; ; attempt++ {
		switch req.Status {
		case models.RecoveryExecuted:
			return nil, fmt.Errorf("%w: recovery %s", ErrAlreadyExecuted, requestID)
		case models.RecoveryApproved:
		default:
			return nil, fmt.Errorf("%w: recovery is %s", ErrInvalidStatus, req.Status)
		}

		granted, err := s.CheckSignerAccess(ctx, req.VaultID, executor)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, fmt.Errorf("%w: executor %s lacks access", ErrNotAuthorized, executor)
		}

		if len(newSigners) == 0 {
			newSigners = req.NewSigners
		}
		if len(newSigners) != len(req.LostSigners) {
			return nil, fmt.Errorf("%w: %d replacement identities for %d lost signers",
				ErrInvalidConfig, len(newSigners), len(req.LostSigners))
		}
		v, err := s.store.GetVault(ctx, req.VaultID)
		if err != nil {
			return nil, err
		}
		if err := validateReplacementSigners(v, newSigners); err != nil {
			return nil, err
		}

		now := s.now()
		req.Status = models.RecoveryExecuted
		req.ExecutedAt = &now

		err = s.store.UpdateRecovery(ctx, req)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return nil, err
		}
		if req, err = s.store.GetRecovery(ctx, requestID); err != nil {
			return nil, err
		}
	}

	v, err := s.swapSigners(ctx, req.VaultID, req.LostSigners, newSigners)
	if err != nil {
		// The signer set is unchanged; release the claim so the approved
		// recovery stays executable.
		s.releaseRecoveryClaim(ctx, req)
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID: req.VaultID,
		Type:    models.AuditRecoveryExecuted,
		Actor:   executor,
		Details: map[string]string{
			"recovery_id":  req.ID,
			"lost_signers": strings.Join(req.LostSigners, ","),
			"new_signers":  strings.Join(newSigners, ","),
		},
	})
	s.publish(ctx, messaging.VaultRecoveryExecuted, messaging.VaultEvent{
		VaultID:   req.VaultID,
		Actor:     executor,
		Timestamp: s.now(),
	})
	s.log.WithFields(logrus.Fields{
		"vault_id":    req.VaultID,
		"recovery_id": req.ID,
		"replaced":    len(req.LostSigners),
	}).Info("recovery executed")
	return v, nil
}

// RotateSigner swaps a single signer outside a compromise scenario. The
// swap needs approval from at least RequiredSignatures healthy signers.
func (s *Service) RotateSigner(ctx context.Context, vaultID, remove, add string, approvers []string, reason string) (*models.Vault, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	if !v.IsSigner(remove) {
		return nil, fmt.Errorf("%w: %s is not a signer", ErrInvalidConfig, remove)
	}
	if add == "" || v.IsSigner(add) {
		return nil, fmt.Errorf("%w: invalid replacement signer %q", ErrInvalidConfig, add)
	}
	if err := s.requireApprovers(ctx, v, approvers, v.RequiredSignatures); err != nil {
		return nil, err
	}

	v, err = s.swapSigners(ctx, vaultID, []string{remove}, []string{add})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID: vaultID,
		Type:    models.AuditSignerRotated,
		Actor:   approvers[0],
		Details: map[string]string{"removed": remove, "added": add, "reason": reason},
	})
	s.publish(ctx, messaging.VaultSignerRotated, messaging.VaultEvent{
		VaultID:   vaultID,
		Signer:    add,
		Reason:    reason,
		Timestamp: s.now(),
	})
	return v, nil
}

// validateReplacementSigners checks that every replacement identity is
// non-empty, not already in the vault's signer set and not repeated. The
// signer set stays a set through any swap that passes here.
func validateReplacementSigners(v *models.Vault, replacements []string) error {
	fresh := make(map[string]struct{}, len(replacements))
	for _, identity := range replacements {
		if identity == "" {
			return fmt.Errorf("%w: empty replacement identity", ErrInvalidConfig)
		}
		if v.IsSigner(identity) {
			return fmt.Errorf("%w: %s is already a signer", ErrInvalidConfig, identity)
		}
		if _, dup := fresh[identity]; dup {
			return fmt.Errorf("%w: duplicate replacement signer %s", ErrInvalidConfig, identity)
		}
		fresh[identity] = struct{}{}
	}
	return nil
}

// releaseRecoveryClaim returns a claimed request to approved after a swap
// that could not apply.
func (s *Service) releaseRecoveryClaim(ctx context.Context, req *models.RecoveryRequest) {
	requestID := req.ID
	for attempt := 0; ; attempt++ {
		if req.Status != models.RecoveryExecuted {
			return
		}
		req.Status = models.RecoveryApproved
		req.ExecutedAt = nil

		err := s.store.UpdateRecovery(ctx, req)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			s.log.WithError(err).WithField("recovery_id", requestID).
				Error("failed to release recovery claim")
			return
		}
		if req, err = s.store.GetRecovery(ctx, requestID); err != nil {
			s.log.WithError(err).WithField("recovery_id", requestID).
				Error("failed to release recovery claim")
			return
		}
	}
}

// swapSigners replaces identities in the signer set atomically, clearing
// compromise marks for the removed ones. TotalSigners and Balance are left
// untouched.
func (s *Service) swapSigners(ctx context.Context, vaultID string, remove, add []string) (*models.Vault, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	removed := make(map[string]struct{}, len(remove))
	for _, identity := range remove {
		removed[identity] = struct{}{}
	}

	for attempt := 0; ; attempt++ {
		signers := make([]string, 0, len(v.Signers))
		for _, signer := range v.Signers {
			if _, drop := removed[signer]; !drop {
				signers = append(signers, signer)
			}
		}
		signers = append(signers, add...)
		if len(signers) != v.TotalSigners {
			return nil, fmt.Errorf("%w: signer swap would change signer count", ErrInvalidConfig)
		}
		compromised := make([]string, 0, len(v.CompromisedSigners))
		for _, signer := range v.CompromisedSigners {
			if _, drop := removed[signer]; !drop {
				compromised = append(compromised, signer)
			}
		}
		v.Signers = signers
		v.CompromisedSigners = compromised
		v.LastActivity = s.now()

		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return nil, err
		}
		if v, err = s.store.GetVault(ctx, vaultID); err != nil {
			return nil, err
		}
	}
}
