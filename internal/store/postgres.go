package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/terminal-bench/multivault/internal/models"
)

// Postgres is the durable Store implementation. Optimistic concurrency is
// enforced with a version column: updates match on the version the caller
// read and affect zero rows when another writer got there first.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vaults (
			id TEXT PRIMARY KEY,
			ledger_account TEXT NOT NULL,
			required_signatures INT NOT NULL,
			total_signers INT NOT NULL,
			signers JSONB NOT NULL,
			type TEXT NOT NULL,
			emergency_threshold INT NOT NULL,
			is_active BOOLEAN NOT NULL,
			emergency_mode BOOLEAN NOT NULL,
			emergency_activated_at TIMESTAMPTZ,
			emergency_reason TEXT NOT NULL DEFAULT '',
			compromised_signers JSONB NOT NULL,
			balance NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			version INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			vault_id TEXT NOT NULL,
			proposer TEXT NOT NULL,
			recipient TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			signatures JSONB NOT NULL,
			required_signatures INT NOT NULL,
			status TEXT NOT NULL,
			is_emergency BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			approved_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			transaction_handle TEXT NOT NULL DEFAULT '',
			executing BOOLEAN NOT NULL DEFAULT FALSE,
			version INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recoveries (
			id TEXT PRIMARY KEY,
			vault_id TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			initiator TEXT NOT NULL,
			lost_signers JSONB NOT NULL,
			new_signers JSONB NOT NULL,
			required_approvals INT NOT NULL,
			approvals JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			executed_at TIMESTAMPTZ,
			version INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balance_history (
			sequence BIGSERIAL PRIMARY KEY,
			vault_id TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			balance NUMERIC NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			sequence BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			vault_id TEXT NOT NULL,
			proposal_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			actor TEXT NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS access_log (
			sequence BIGSERIAL PRIMARY KEY,
			vault_id TEXT NOT NULL,
			signer TEXT NOT NULL,
			granted BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_vault ON proposals(vault_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_vault ON balance_history(vault_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_vault ON audit_events(vault_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_proposal ON audit_events(proposal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_access_log_vault ON access_log(vault_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field: %w", err)
	}
	return raw, nil
}

func (s *Postgres) CreateVault(ctx context.Context, v *models.Vault) error {
	signers, err := marshalJSON(v.Signers)
	if err != nil {
		return err
	}
	compromised, err := marshalJSON(v.CompromisedSigners)
	if err != nil {
		return err
	}
	v.Version = 1
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vaults (id, ledger_account, required_signatures, total_signers, signers, type,
			emergency_threshold, is_active, emergency_mode, emergency_activated_at, emergency_reason,
			compromised_signers, balance, created_at, last_activity, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.LedgerAccount, v.RequiredSignatures, v.TotalSigners, signers, v.Type,
		v.EmergencyThreshold, v.IsActive, v.EmergencyMode, v.EmergencyActivatedAt, v.EmergencyReason,
		compromised, v.Balance, v.CreatedAt, v.LastActivity, v.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}
	return nil
}

func (s *Postgres) GetVault(ctx context.Context, id string) (*models.Vault, error) {
	var (
		v           models.Vault
		signers     []byte
		compromised []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ledger_account, required_signatures, total_signers, signers, type,
			emergency_threshold, is_active, emergency_mode, emergency_activated_at, emergency_reason,
			compromised_signers, balance, created_at, last_activity, version
		 FROM vaults WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.LedgerAccount, &v.RequiredSignatures, &v.TotalSigners, &signers, &v.Type,
		&v.EmergencyThreshold, &v.IsActive, &v.EmergencyMode, &v.EmergencyActivatedAt, &v.EmergencyReason,
		&compromised, &v.Balance, &v.CreatedAt, &v.LastActivity, &v.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	if err := json.Unmarshal(signers, &v.Signers); err != nil {
		return nil, fmt.Errorf("failed to decode signers: %w", err)
	}
	if err := json.Unmarshal(compromised, &v.CompromisedSigners); err != nil {
		return nil, fmt.Errorf("failed to decode compromised signers: %w", err)
	}
	return &v, nil
}

func (s *Postgres) UpdateVault(ctx context.Context, v *models.Vault) error {
	signers, err := marshalJSON(v.Signers)
	if err != nil {
		return err
	}
	compromised, err := marshalJSON(v.CompromisedSigners)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE vaults SET ledger_account = $1, required_signatures = $2, total_signers = $3,
			signers = $4, emergency_threshold = $5, is_active = $6, emergency_mode = $7,
			emergency_activated_at = $8, emergency_reason = $9, compromised_signers = $10,
			balance = $11, last_activity = $12, version = version + 1
		 WHERE id = $13 AND version = $14`,
		v.LedgerAccount, v.RequiredSignatures, v.TotalSigners, signers, v.EmergencyThreshold,
		v.IsActive, v.EmergencyMode, v.EmergencyActivatedAt, v.EmergencyReason, compromised,
		v.Balance, v.LastActivity, v.ID, v.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}
	v.Version++
	return nil
}

func (s *Postgres) CreateProposal(ctx context.Context, p *models.Proposal) error {
	sigs, err := marshalJSON(p.Signatures)
	if err != nil {
		return err
	}
	p.Version = 1
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, vault_id, proposer, recipient, amount, description, signatures,
			required_signatures, status, is_emergency, created_at, expires_at, approved_at,
			executed_at, transaction_handle, executing, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.VaultID, p.Proposer, p.Recipient, p.Amount, p.Description, sigs,
		p.RequiredSignatures, p.Status, p.IsEmergency, p.CreatedAt, p.ExpiresAt, p.ApprovedAt,
		p.ExecutedAt, p.TransactionHandle, p.Executing, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

func (s *Postgres) scanProposal(row interface{ Scan(...interface{}) error }) (*models.Proposal, error) {
	var (
		p    models.Proposal
		sigs []byte
	)
	err := row.Scan(&p.ID, &p.VaultID, &p.Proposer, &p.Recipient, &p.Amount, &p.Description, &sigs,
		&p.RequiredSignatures, &p.Status, &p.IsEmergency, &p.CreatedAt, &p.ExpiresAt, &p.ApprovedAt,
		&p.ExecutedAt, &p.TransactionHandle, &p.Executing, &p.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sigs, &p.Signatures); err != nil {
		return nil, fmt.Errorf("failed to decode signatures: %w", err)
	}
	return &p, nil
}

const proposalColumns = `id, vault_id, proposer, recipient, amount, description, signatures,
	required_signatures, status, is_emergency, created_at, expires_at, approved_at,
	executed_at, transaction_handle, executing, version`

func (s *Postgres) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := s.scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

func (s *Postgres) UpdateProposal(ctx context.Context, p *models.Proposal) error {
	sigs, err := marshalJSON(p.Signatures)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET signatures = $1, status = $2, approved_at = $3, executed_at = $4,
			transaction_handle = $5, executing = $6, version = version + 1
		 WHERE id = $7 AND version = $8`,
		sigs, p.Status, p.ApprovedAt, p.ExecutedAt, p.TransactionHandle, p.Executing,
		p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *Postgres) ListProposals(ctx context.Context, vaultID string, status models.ProposalStatus) ([]*models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE vault_id = $1`
	args := []interface{}{vaultID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryProposals(ctx, query, args...)
}

func (s *Postgres) ListPendingProposals(ctx context.Context) ([]*models.Proposal, error) {
	return s.queryProposals(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = $1 ORDER BY created_at ASC`,
		models.ProposalPending)
}

func (s *Postgres) queryProposals(ctx context.Context, query string, args ...interface{}) ([]*models.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var out []*models.Proposal
	for rows.Next() {
		p, err := s.scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateRecovery(ctx context.Context, r *models.RecoveryRequest) error {
	lost, err := marshalJSON(r.LostSigners)
	if err != nil {
		return err
	}
	fresh, err := marshalJSON(r.NewSigners)
	if err != nil {
		return err
	}
	approvals, err := marshalJSON(r.Approvals)
	if err != nil {
		return err
	}
	r.Version = 1
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recoveries (id, vault_id, reason, initiator, lost_signers, new_signers,
			required_approvals, approvals, status, created_at, executed_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.VaultID, r.Reason, r.Initiator, lost, fresh,
		r.RequiredApprovals, approvals, r.Status, r.CreatedAt, r.ExecutedAt, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery: %w", err)
	}
	return nil
}

func (s *Postgres) GetRecovery(ctx context.Context, id string) (*models.RecoveryRequest, error) {
	var (
		r         models.RecoveryRequest
		lost      []byte
		fresh     []byte
		approvals []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vault_id, reason, initiator, lost_signers, new_signers, required_approvals,
			approvals, status, created_at, executed_at, version
		 FROM recoveries WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.VaultID, &r.Reason, &r.Initiator, &lost, &fresh, &r.RequiredApprovals,
		&approvals, &r.Status, &r.CreatedAt, &r.ExecutedAt, &r.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recovery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery: %w", err)
	}
	if err := json.Unmarshal(lost, &r.LostSigners); err != nil {
		return nil, fmt.Errorf("failed to decode lost signers: %w", err)
	}
	if err := json.Unmarshal(fresh, &r.NewSigners); err != nil {
		return nil, fmt.Errorf("failed to decode new signers: %w", err)
	}
	if err := json.Unmarshal(approvals, &r.Approvals); err != nil {
		return nil, fmt.Errorf("failed to decode approvals: %w", err)
	}
	return &r, nil
}

func (s *Postgres) UpdateRecovery(ctx context.Context, r *models.RecoveryRequest) error {
	approvals, err := marshalJSON(r.Approvals)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE recoveries SET approvals = $1, status = $2, executed_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		approvals, r.Status, r.ExecutedAt, r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update recovery: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (s *Postgres) AppendBalanceEntry(ctx context.Context, e *models.BalanceEntry) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO balance_history (vault_id, amount, balance, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING sequence`,
		e.VaultID, e.Amount, e.Balance, e.Reference, e.Timestamp,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append balance entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListBalanceHistory(ctx context.Context, vaultID string, limit, offset int) ([]models.BalanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, vault_id, amount, balance, reference, created_at
		 FROM balance_history WHERE vault_id = $1 ORDER BY sequence ASC LIMIT $2 OFFSET $3`,
		vaultID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer rows.Close()

	var out []models.BalanceEntry
	for rows.Next() {
		var e models.BalanceEntry
		if err := rows.Scan(&e.Sequence, &e.VaultID, &e.Amount, &e.Balance, &e.Reference, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan balance entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize appends per vault. A FOR UPDATE on the chain tail would
	// lock nothing while the chain is still empty, so the lock is taken on
	// the vault id instead.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, e.VaultID,
	); err != nil {
		return fmt.Errorf("failed to lock audit chain: %w", err)
	}

	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_events WHERE vault_id = $1 ORDER BY sequence DESC LIMIT 1`,
		e.VaultID,
	).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read chain tail: %w", err)
	}

	e.PrevHash = prevHash
	e.Hash = e.ComputeHash(prevHash)

	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO audit_events (id, vault_id, proposal_id, type, actor, details, created_at, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING sequence`,
		e.ID, e.VaultID, e.ProposalID, e.Type, e.Actor, details, e.Timestamp, e.PrevHash, e.Hash,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return tx.Commit()
}

func (s *Postgres) ListAuditEvents(ctx context.Context, vaultID string) ([]models.AuditEvent, error) {
	return s.queryAuditEvents(ctx,
		`SELECT sequence, id, vault_id, proposal_id, type, actor, details, created_at, prev_hash, hash
		 FROM audit_events WHERE vault_id = $1 ORDER BY sequence ASC`,
		vaultID)
}

func (s *Postgres) ListProposalAuditEvents(ctx context.Context, proposalID string) ([]models.AuditEvent, error) {
	return s.queryAuditEvents(ctx,
		`SELECT sequence, id, vault_id, proposal_id, type, actor, details, created_at, prev_hash, hash
		 FROM audit_events WHERE proposal_id = $1 ORDER BY sequence ASC`,
		proposalID)
}

func (s *Postgres) queryAuditEvents(ctx context.Context, query string, args ...interface{}) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			e       models.AuditEvent
			details []byte
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.VaultID, &e.ProposalID, &e.Type, &e.Actor,
			&details, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (vault_id, signer, granted, created_at) VALUES ($1, $2, $3, $4)`,
		e.VaultID, e.Signer, e.Granted, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

func (s *Postgres) ListAccessLog(ctx context.Context, vaultID string, limit, offset int) ([]models.AccessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, signer, granted, created_at
		 FROM access_log WHERE vault_id = $1 ORDER BY sequence ASC LIMIT $2 OFFSET $3`,
		vaultID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query access log: %w", err)
	}
	defer rows.Close()

	var out []models.AccessLogEntry
	for rows.Next() {
		var e models.AccessLogEntry
		if err := rows.Scan(&e.VaultID, &e.Signer, &e.Granted, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan access log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
