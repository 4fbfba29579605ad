package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/internal/cache"
	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

var (
	ErrInvalidConfig         = errors.New("invalid vault configuration")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrExceedsMaximumBalance = errors.New("exceeds maximum balance")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrAlreadyApproved       = errors.New("already approved")
	ErrAlreadyExecuted       = errors.New("already executed")
)

// casRetries bounds optimistic-concurrency retry loops. Conflicts are rare
// and transient; hitting the bound surfaces the conflict to the caller.
const casRetries = 5

// Publisher publishes domain events. The NATS client satisfies it; a nil
// publisher disables events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Service is the vault registry: it owns vault lifecycle, signer-set
// management, balance tracking, access control, emergency mode and
// signer-compromise recovery.
type Service struct {
	store        store.Store
	ledger       ledger.Client
	balances     *cache.BalanceCache
	events       Publisher
	log          *logrus.Logger
	feeTolerance decimal.Decimal
	now          func() time.Time
}

// NewService wires a vault registry. balances and events may be nil.
func NewService(st store.Store, lc ledger.Client, balances *cache.BalanceCache, events Publisher, log *logrus.Logger, feeTolerance decimal.Decimal) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:        st,
		ledger:       lc,
		balances:     balances,
		events:       events,
		log:          log,
		feeTolerance: feeTolerance,
		now:          time.Now,
	}
}

// SetClock overrides the service clock. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateParams configures a new vault.
type CreateParams struct {
	LedgerAccount      string
	RequiredSignatures int
	TotalSigners       int
	Signers            []string
	Type               models.VaultType
	InitialBalance     decimal.Decimal
	EmergencyThreshold int
}

// Create validates the configuration, persists the vault and seeds its
// balance history.
func (s *Service) Create(ctx context.Context, params CreateParams, authority string) (*models.Vault, error) {
	if params.RequiredSignatures < 1 {
		return nil, fmt.Errorf("%w: required signatures must be at least 1", ErrInvalidConfig)
	}
	if params.RequiredSignatures > params.TotalSigners {
		return nil, fmt.Errorf("%w: required signatures %d exceed total signers %d",
			ErrInvalidConfig, params.RequiredSignatures, params.TotalSigners)
	}
	if len(params.Signers) != params.TotalSigners {
		return nil, fmt.Errorf("%w: expected %d signers, got %d",
			ErrInvalidConfig, params.TotalSigners, len(params.Signers))
	}
	seen := make(map[string]struct{}, len(params.Signers))
	for _, signer := range params.Signers {
		if signer == "" {
			return nil, fmt.Errorf("%w: empty signer identity", ErrInvalidConfig)
		}
		if _, dup := seen[signer]; dup {
			return nil, fmt.Errorf("%w: duplicate signer %s", ErrInvalidConfig, signer)
		}
		seen[signer] = struct{}{}
	}
	if !params.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown vault type %q", ErrInvalidConfig, params.Type)
	}
	if params.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: negative initial balance", ErrInvalidConfig)
	}

	bounds := params.Type.Bounds()
	if params.InitialBalance.GreaterThan(bounds.MaxBalance) {
		return nil, fmt.Errorf("%w: initial balance %s over limit %s",
			ErrExceedsMaximumBalance, params.InitialBalance, bounds.MaxBalance)
	}

	threshold := params.EmergencyThreshold
	if threshold == 0 {
		// Emergency actions always demand a stricter quorum than normal
		// transfers, capped at the signer count.
		threshold = params.RequiredSignatures + 1
		if threshold > params.TotalSigners {
			threshold = params.TotalSigners
		}
	} else {
		if threshold <= params.RequiredSignatures && params.RequiredSignatures < params.TotalSigners {
			return nil, fmt.Errorf("%w: emergency threshold %d must exceed required signatures %d",
				ErrInvalidConfig, threshold, params.RequiredSignatures)
		}
		if threshold > params.TotalSigners {
			return nil, fmt.Errorf("%w: emergency threshold %d exceeds total signers %d",
				ErrInvalidConfig, threshold, params.TotalSigners)
		}
	}

	now := s.now()
	account := params.LedgerAccount
	if account == "" {
		account = "vault-" + uuid.New().String()
	}
	v := &models.Vault{
		ID:                 uuid.New().String(),
		LedgerAccount:      account,
		RequiredSignatures: params.RequiredSignatures,
		TotalSigners:       params.TotalSigners,
		Signers:            append([]string(nil), params.Signers...),
		Type:               params.Type,
		EmergencyThreshold: threshold,
		IsActive:           true,
		Balance:            params.InitialBalance,
		CreatedAt:          now,
		LastActivity:       now,
	}
	if err := s.store.CreateVault(ctx, v); err != nil {
		return nil, err
	}

	if err := s.store.AppendBalanceEntry(ctx, &models.BalanceEntry{
		VaultID:   v.ID,
		Amount:    params.InitialBalance,
		Balance:   params.InitialBalance,
		Reference: "initial funding",
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	s.audit(ctx, &models.AuditEvent{
		VaultID: v.ID,
		Type:    models.AuditVaultCreated,
		Actor:   authority,
		Details: map[string]string{
			"required_signatures": fmt.Sprint(v.RequiredSignatures),
			"total_signers":       fmt.Sprint(v.TotalSigners),
			"type":                string(v.Type),
		},
	})
	s.publish(ctx, messaging.VaultCreated, messaging.VaultEvent{
		VaultID:   v.ID,
		Actor:     authority,
		Balance:   v.Balance.String(),
		Timestamp: now,
	})

	s.log.WithFields(logrus.Fields{
		"vault_id": v.ID,
		"type":     v.Type,
		"quorum":   fmt.Sprintf("%d-of-%d", v.RequiredSignatures, v.TotalSigners),
	}).Info("vault created")

	return v, nil
}

// Get returns a vault by id.
func (s *Service) Get(ctx context.Context, vaultID string) (*models.Vault, error) {
	return s.store.GetVault(ctx, vaultID)
}

// CheckSignerAccess is the single authorization primitive: true iff the
// vault is active and the identity is a non-compromised signer. Every call
// is recorded in the access log, granted or not.
func (s *Service) CheckSignerAccess(ctx context.Context, vaultID, identity string) (bool, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return false, err
	}
	granted := v.HasAccess(identity)
	if err := s.store.AppendAccessLog(ctx, &models.AccessLogEntry{
		VaultID:   vaultID,
		Signer:    identity,
		Granted:   granted,
		Timestamp: s.now(),
	}); err != nil {
		return false, err
	}
	return granted, nil
}

// Permissions is the capability set of a signer. Every active signer has
// full capability; there are no finer-grained roles.
type Permissions struct {
	CanPropose bool `json:"can_propose"`
	CanSign    bool `json:"can_sign"`
	CanView    bool `json:"can_view"`
}

// SignerPermissions reports the capabilities of an identity on a vault.
func (s *Service) SignerPermissions(ctx context.Context, vaultID, identity string) (Permissions, error) {
	granted, err := s.CheckSignerAccess(ctx, vaultID, identity)
	if err != nil {
		return Permissions{}, err
	}
	return Permissions{CanPropose: granted, CanSign: granted, CanView: granted}, nil
}

// AccessLog returns the recorded access decisions for a vault.
func (s *Service) AccessLog(ctx context.Context, vaultID string, limit, offset int) ([]models.AccessLogEntry, error) {
	return s.store.ListAccessLog(ctx, vaultID, limit, offset)
}

// Fund moves funds from the authority's ledger account into the vault.
func (s *Service) Fund(ctx context.Context, vaultID string, amount decimal.Decimal, authority string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: funding amount must be positive", ErrInvalidConfig)
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if !v.IsActive {
		return fmt.Errorf("%w: vault is deactivated", ErrInvalidStatus)
	}
	bounds := v.Type.Bounds()
	if v.Balance.Add(amount).GreaterThan(bounds.MaxBalance) {
		return fmt.Errorf("%w: balance %s + %s over limit %s",
			ErrExceedsMaximumBalance, v.Balance, amount, bounds.MaxBalance)
	}

	handle, err := s.ledger.Submit(ctx, authority, v.LedgerAccount, amount)
	if err != nil {
		return fmt.Errorf("funding transfer: %w", err)
	}
	if err := s.ledger.Confirm(ctx, handle); err != nil {
		return fmt.Errorf("funding transfer: %w", err)
	}

	// The transfer settled; apply the delta even if another writer moved
	// the vault record underneath us.
	var balance decimal.Decimal
	for attempt := 0; ; attempt++ {
		v.Balance = v.Balance.Add(amount)
		v.LastActivity = s.now()
		balance = v.Balance
		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		if v, err = s.store.GetVault(ctx, vaultID); err != nil {
			return err
		}
	}

	if err := s.store.AppendBalanceEntry(ctx, &models.BalanceEntry{
		VaultID:   vaultID,
		Amount:    amount,
		Balance:   balance,
		Reference: handle,
		Timestamp: s.now(),
	}); err != nil {
		return err
	}
	s.balances.Invalidate(ctx, v.LedgerAccount)

	s.audit(ctx, &models.AuditEvent{
		VaultID: vaultID,
		Type:    models.AuditVaultFunded,
		Actor:   authority,
		Details: map[string]string{"amount": amount.String(), "handle": handle},
	})
	s.publish(ctx, messaging.VaultFunded, messaging.VaultEvent{
		VaultID:   vaultID,
		Actor:     authority,
		Amount:    amount.String(),
		Balance:   balance.String(),
		Timestamp: s.now(),
	})
	return nil
}

// Balance reads the vault's current balance through the ledger, reconciling
// it against the tracked balance. A discrepancy beyond the fee tolerance is
// logged but not fatal; when the ledger is unreachable the tracked balance
// is returned.
func (s *Service) Balance(ctx context.Context, vaultID string) (decimal.Decimal, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return decimal.Zero, err
	}

	if cached, ok := s.balances.Get(ctx, v.LedgerAccount); ok {
		return cached, nil
	}

	current, err := s.ledger.GetBalance(ctx, v.LedgerAccount)
	if err != nil {
		s.log.WithError(err).WithField("vault_id", vaultID).
			Warn("ledger balance unavailable, using tracked balance")
		return v.Balance, nil
	}
	s.balances.Set(ctx, v.LedgerAccount, current)

	if current.Sub(v.Balance).Abs().GreaterThan(s.feeTolerance) {
		s.log.WithFields(logrus.Fields{
			"vault_id": vaultID,
			"ledger":   current.String(),
			"tracked":  v.Balance.String(),
		}).Warn("balance reconciliation discrepancy")
	}
	return current, nil
}

// BalanceHistory returns the vault's balance history, oldest first.
func (s *Service) BalanceHistory(ctx context.Context, vaultID string, limit, offset int) ([]models.BalanceEntry, error) {
	if _, err := s.store.GetVault(ctx, vaultID); err != nil {
		return nil, err
	}
	return s.store.ListBalanceHistory(ctx, vaultID, limit, offset)
}

// ActivateEmergencyMode unlocks emergency policy for a vault. It requires
// at least EmergencyThreshold distinct approvers, each passing the access
// check.
func (s *Service) ActivateEmergencyMode(ctx context.Context, vaultID, reason string, approvers []string) (*models.Vault, error) {
	return s.setEmergencyMode(ctx, vaultID, reason, approvers, true)
}

// DeactivateEmergencyMode is symmetric to activation and requires the same
// threshold of approvers.
func (s *Service) DeactivateEmergencyMode(ctx context.Context, vaultID, reason string, approvers []string) (*models.Vault, error) {
	return s.setEmergencyMode(ctx, vaultID, reason, approvers, false)
}

func (s *Service) setEmergencyMode(ctx context.Context, vaultID, reason string, approvers []string, activate bool) (*models.Vault, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if activate && v.EmergencyMode {
			return nil, fmt.Errorf("%w: emergency mode already active", ErrInvalidStatus)
		}
		if !activate && !v.EmergencyMode {
			return nil, fmt.Errorf("%w: emergency mode not active", ErrInvalidStatus)
		}
		if err := s.requireApprovers(ctx, v, approvers, v.EmergencyThreshold); err != nil {
			return nil, err
		}

		now := s.now()
		var auditType models.AuditEventType
		var subject string
		details := map[string]string{"reason": reason}
		if activate {
			v.EmergencyMode = true
			v.EmergencyActivatedAt = &now
			v.EmergencyReason = reason
			auditType = models.AuditEmergencyActivated
			subject = messaging.VaultEmergencyActivated
		} else {
			if v.EmergencyActivatedAt != nil {
				details["activated_at"] = v.EmergencyActivatedAt.UTC().Format(time.RFC3339)
			}
			details["deactivated_at"] = now.UTC().Format(time.RFC3339)
			v.EmergencyMode = false
			v.EmergencyActivatedAt = nil
			v.EmergencyReason = ""
			auditType = models.AuditEmergencyDeactivated
			subject = messaging.VaultEmergencyDeactivated
		}
		v.LastActivity = now

		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			s.audit(ctx, &models.AuditEvent{
				VaultID: vaultID,
				Type:    auditType,
				Actor:   approvers[0],
				Details: details,
			})
			s.publish(ctx, subject, messaging.VaultEvent{
				VaultID:   vaultID,
				Actor:     approvers[0],
				Reason:    reason,
				Timestamp: now,
			})
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

// requireApprovers checks that approvers are distinct, at least threshold
// many, and that each passes the access rule. Every check lands in the
// access log.
func (s *Service) requireApprovers(ctx context.Context, v *models.Vault, approvers []string, threshold int) error {
	seen := make(map[string]struct{}, len(approvers))
	distinct := approvers[:0:0]
	for _, a := range approvers {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		distinct = append(distinct, a)
	}
	if len(distinct) < threshold {
		return fmt.Errorf("%w: requires %d approvals, got %d", ErrNotAuthorized, threshold, len(distinct))
	}
	for _, a := range distinct {
		granted := v.HasAccess(a)
		if err := s.store.AppendAccessLog(ctx, &models.AccessLogEntry{
			VaultID:   v.ID,
			Signer:    a,
			Granted:   granted,
			Timestamp: s.now(),
		}); err != nil {
			return err
		}
		if !granted {
			return fmt.Errorf("%w: approver %s lacks access", ErrNotAuthorized, a)
		}
	}
	return nil
}

// MarkSignerCompromised marks a signer lost or compromised. The signer
// keeps counting toward TotalSigners until a recovery or rotation swaps it
// out, but fails every access check from this point on.
func (s *Service) MarkSignerCompromised(ctx context.Context, vaultID, identity, reason string) error {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		if !v.IsSigner(identity) {
			return fmt.Errorf("%w: %s is not a signer", ErrInvalidConfig, identity)
		}
		if v.IsCompromised(identity) {
			return nil
		}
		v.CompromisedSigners = append(v.CompromisedSigners, identity)
		v.LastActivity = s.now()

		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			s.audit(ctx, &models.AuditEvent{
				VaultID: vaultID,
				Type:    models.AuditSignerCompromised,
				Actor:   identity,
				Details: map[string]string{"reason": reason},
			})
			s.publish(ctx, messaging.VaultSignerCompromised, messaging.VaultEvent{
				VaultID:   vaultID,
				Signer:    identity,
				Reason:    reason,
				Timestamp: s.now(),
			})
			s.log.WithFields(logrus.Fields{
				"vault_id": vaultID,
				"signer":   identity,
			}).Warn("signer marked compromised")
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		if v, err = s.store.GetVault(ctx, vaultID); err != nil {
			return err
		}
	}
}

// Deactivate soft-deletes a vault: no new proposals or signatures are
// accepted, history remains readable.
func (s *Service) Deactivate(ctx context.Context, vaultID, authority string) error {
	granted, err := s.CheckSignerAccess(ctx, vaultID, authority)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("%w: %s cannot deactivate vault %s", ErrNotAuthorized, authority, vaultID)
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		if !v.IsActive {
			return fmt.Errorf("%w: vault already deactivated", ErrInvalidStatus)
		}
		v.IsActive = false
		v.LastActivity = s.now()

		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			s.audit(ctx, &models.AuditEvent{
				VaultID: vaultID,
				Type:    models.AuditVaultDeactivated,
				Actor:   authority,
			})
			s.publish(ctx, messaging.VaultDeactivated, messaging.VaultEvent{
				VaultID:   vaultID,
				Actor:     authority,
				Timestamp: s.now(),
			})
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		if v, err = s.store.GetVault(ctx, vaultID); err != nil {
			return err
		}
	}
}

// ApplyExecutedTransfer debits a vault after the proposal engine executed a
// transfer, appending the balance history entry.
func (s *Service) ApplyExecutedTransfer(ctx context.Context, vaultID string, amount decimal.Decimal, reference string) error {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}

	var balance decimal.Decimal
	for attempt := 0; ; attempt++ {
		v.Balance = v.Balance.Sub(amount)
		v.LastActivity = s.now()
		balance = v.Balance

		err = s.store.UpdateVault(ctx, v)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= casRetries {
			return err
		}
		if v, err = s.store.GetVault(ctx, vaultID); err != nil {
			return err
		}
	}

	if err := s.store.AppendBalanceEntry(ctx, &models.BalanceEntry{
		VaultID:   vaultID,
		Amount:    amount.Neg(),
		Balance:   balance,
		Reference: reference,
		Timestamp: s.now(),
	}); err != nil {
		return err
	}
	s.balances.Invalidate(ctx, v.LedgerAccount)
	return nil
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
