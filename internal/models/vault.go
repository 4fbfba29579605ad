package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultType determines balance bounds and emergency policy for a vault.
type VaultType string

const (
	VaultTypeOperational VaultType = "operational"
	VaultTypeTreasury    VaultType = "treasury"
)

// TypeBounds holds the per-type balance policy.
type TypeBounds struct {
	MinBalance decimal.Decimal
	MaxBalance decimal.Decimal
}

// Bounds returns the balance bounds for the vault type.
func (t VaultType) Bounds() TypeBounds {
	switch t {
	case VaultTypeTreasury:
		return TypeBounds{
			MinBalance: decimal.Zero,
			MaxBalance: decimal.NewFromInt(10_000_000),
		}
	default:
		return TypeBounds{
			MinBalance: decimal.Zero,
			MaxBalance: decimal.NewFromInt(1_000_000),
		}
	}
}

// Valid reports whether the type is a known vault type.
func (t VaultType) Valid() bool {
	return t == VaultTypeOperational || t == VaultTypeTreasury
}

// Vault is a pooled balance jointly controlled by an M-of-N signer set.
type Vault struct {
	ID                   string          `json:"id"`
	LedgerAccount        string          `json:"ledger_account"`
	RequiredSignatures   int             `json:"required_signatures"`
	TotalSigners         int             `json:"total_signers"`
	Signers              []string        `json:"signers"`
	Type                 VaultType       `json:"type"`
	EmergencyThreshold   int             `json:"emergency_threshold"`
	IsActive             bool            `json:"is_active"`
	EmergencyMode        bool            `json:"emergency_mode"`
	EmergencyActivatedAt *time.Time      `json:"emergency_activated_at,omitempty"`
	EmergencyReason      string          `json:"emergency_reason,omitempty"`
	CompromisedSigners   []string        `json:"compromised_signers,omitempty"`
	Balance              decimal.Decimal `json:"balance"`
	CreatedAt            time.Time       `json:"created_at"`
	LastActivity         time.Time       `json:"last_activity"`
	Version              int             `json:"version"`
}

// IsSigner reports whether identity belongs to the vault's signer set.
func (v *Vault) IsSigner(identity string) bool {
	for _, s := range v.Signers {
		if s == identity {
			return true
		}
	}
	return false
}

// IsCompromised reports whether identity has been marked compromised.
func (v *Vault) IsCompromised(identity string) bool {
	for _, s := range v.CompromisedSigners {
		if s == identity {
			return true
		}
	}
	return false
}

// HasAccess is the single authorization rule: the vault must be active and
// the identity must be a non-compromised signer.
func (v *Vault) HasAccess(identity string) bool {
	return v.IsActive && v.IsSigner(identity) && !v.IsCompromised(identity)
}

// HealthySigners returns the signers that currently pass HasAccess.
func (v *Vault) HealthySigners() []string {
	healthy := make([]string, 0, len(v.Signers))
	for _, s := range v.Signers {
		if !v.IsCompromised(s) {
			healthy = append(healthy, s)
		}
	}
	return healthy
}
