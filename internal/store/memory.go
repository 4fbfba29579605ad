package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/terminal-bench/multivault/internal/models"
)

// Memory is an in-process Store with the same CAS semantics as Postgres.
// It backs the test suites and single-node deployments.
type Memory struct {
	mu         sync.Mutex
	vaults     map[string]*models.Vault
	proposals  map[string]*models.Proposal
	recoveries map[string]*models.RecoveryRequest
	balances   map[string][]models.BalanceEntry
	audits     map[string][]models.AuditEvent
	accessLogs map[string][]models.AccessLogEntry
	balanceSeq int64
	auditSeq   map[string]int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vaults:     make(map[string]*models.Vault),
		proposals:  make(map[string]*models.Proposal),
		recoveries: make(map[string]*models.RecoveryRequest),
		balances:   make(map[string][]models.BalanceEntry),
		audits:     make(map[string][]models.AuditEvent),
		accessLogs: make(map[string][]models.AccessLogEntry),
		auditSeq:   make(map[string]int64),
	}
}

// clone deep-copies a record through JSON so callers never share memory
// with the stored copy.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return out
}

func (m *Memory) CreateVault(ctx context.Context, v *models.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.ID]; ok {
		return ErrAlreadyExists
	}
	v.Version = 1
	m.vaults[v.ID] = clone(v)
	return nil
}

func (m *Memory) GetVault(ctx context.Context, id string) (*models.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	return clone(v), nil
}

func (m *Memory) UpdateVault(ctx context.Context, v *models.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.vaults[v.ID]
	if !ok {
		return fmt.Errorf("vault %s: %w", v.ID, ErrNotFound)
	}
	if cur.Version != v.Version {
		return ErrVersionConflict
	}
	v.Version++
	m.vaults[v.ID] = clone(v)
	return nil
}

func (m *Memory) CreateProposal(ctx context.Context, p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return ErrAlreadyExists
	}
	p.Version = 1
	stored := clone(p)
	stored.Executing = p.Executing
	m.proposals[p.ID] = stored
	return nil
}

func (m *Memory) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	out := clone(p)
	out.Executing = p.Executing
	return out, nil
}

func (m *Memory) UpdateProposal(ctx context.Context, p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.proposals[p.ID]
	if !ok {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	stored := clone(p)
	stored.Executing = p.Executing
	m.proposals[p.ID] = stored
	return nil
}

func (m *Memory) ListProposals(ctx context.Context, vaultID string, status models.ProposalStatus) ([]*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Proposal
	for _, p := range m.proposals {
		if p.VaultID != vaultID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		cp := clone(p)
		cp.Executing = p.Executing
		out = append(out, cp)
	}
	sortProposals(out)
	return out, nil
}

func (m *Memory) ListPendingProposals(ctx context.Context) ([]*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Proposal
	for _, p := range m.proposals {
		if p.Status != models.ProposalPending {
			continue
		}
		cp := clone(p)
		cp.Executing = p.Executing
		out = append(out, cp)
	}
	sortProposals(out)
	return out, nil
}

func sortProposals(ps []*models.Proposal) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].CreatedAt.Before(ps[j-1].CreatedAt); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

func (m *Memory) CreateRecovery(ctx context.Context, r *models.RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recoveries[r.ID]; ok {
		return ErrAlreadyExists
	}
	r.Version = 1
	m.recoveries[r.ID] = clone(r)
	return nil
}

func (m *Memory) GetRecovery(ctx context.Context, id string) (*models.RecoveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recoveries[id]
	if !ok {
		return nil, fmt.Errorf("recovery %s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

func (m *Memory) UpdateRecovery(ctx context.Context, r *models.RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recoveries[r.ID]
	if !ok {
		return fmt.Errorf("recovery %s: %w", r.ID, ErrNotFound)
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	m.recoveries[r.ID] = clone(r)
	return nil
}

func (m *Memory) AppendBalanceEntry(ctx context.Context, e *models.BalanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceSeq++
	e.Sequence = m.balanceSeq
	m.balances[e.VaultID] = append(m.balances[e.VaultID], *e)
	return nil
}

func (m *Memory) ListBalanceHistory(ctx context.Context, vaultID string, limit, offset int) ([]models.BalanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.balances[vaultID]
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]models.BalanceEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.audits[e.VaultID]
	prevHash := ""
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].Hash
	}
	m.auditSeq[e.VaultID]++
	e.Sequence = m.auditSeq[e.VaultID]
	e.PrevHash = prevHash
	e.Hash = e.ComputeHash(prevHash)
	m.audits[e.VaultID] = append(chain, *e)
	return nil
}

func (m *Memory) ListAuditEvents(ctx context.Context, vaultID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.audits[vaultID]
	out := make([]models.AuditEvent, len(chain))
	copy(out, chain)
	return out, nil
}

func (m *Memory) ListProposalAuditEvents(ctx context.Context, proposalID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, chain := range m.audits {
		for _, e := range chain {
			if e.ProposalID == proposalID {
				out = append(out, e)
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Timestamp.Before(out[j-1].Timestamp); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (m *Memory) AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessLogs[e.VaultID] = append(m.accessLogs[e.VaultID], *e)
	return nil
}

func (m *Memory) ListAccessLog(ctx context.Context, vaultID string, limit, offset int) ([]models.AccessLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.accessLogs[vaultID]
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]models.AccessLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// TamperAuditEvent rewrites a stored audit event in place, bypassing the
// hash chain. Test helper for integrity verification.
func (m *Memory) TamperAuditEvent(vaultID string, index int, mutate func(*models.AuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.audits[vaultID]
	if index < 0 || index >= len(chain) {
		return
	}
	mutate(&chain[index])
}
