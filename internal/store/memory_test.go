package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/store"
)

func seedVault(t *testing.T, st *store.Memory) *models.Vault {
	t.Helper()
	v := &models.Vault{
		ID:                 "vault-1",
		LedgerAccount:      "acct-vault-1",
		RequiredSignatures: 2,
		TotalSigners:       3,
		Signers:            []string{"a", "b", "c"},
		Type:               models.VaultTypeOperational,
		IsActive:           true,
		Balance:            decimal.NewFromInt(100),
		CreatedAt:          time.Now(),
	}
	require.NoError(t, st.CreateVault(context.Background(), v))
	return v
}

func TestMemoryVersionCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject updates against a stale version", func(t *testing.T) {
		st := store.NewMemory()
		seedVault(t, st)

		first, err := st.GetVault(ctx, "vault-1")
		require.NoError(t, err)
		second, err := st.GetVault(ctx, "vault-1")
		require.NoError(t, err)

		first.Balance = decimal.NewFromInt(150)
		require.NoError(t, st.UpdateVault(ctx, first))

		second.Balance = decimal.NewFromInt(200)
		err = st.UpdateVault(ctx, second)
		assert.ErrorIs(t, err, store.ErrVersionConflict)

		// The winner's copy carries the bumped version and can update again.
		first.Balance = decimal.NewFromInt(175)
		assert.NoError(t, st.UpdateVault(ctx, first))

		current, err := st.GetVault(ctx, "vault-1")
		require.NoError(t, err)
		assert.True(t, current.Balance.Equal(decimal.NewFromInt(175)))
	})

	t.Run("should isolate callers from stored records", func(t *testing.T) {
		st := store.NewMemory()
		seedVault(t, st)

		read, err := st.GetVault(ctx, "vault-1")
		require.NoError(t, err)
		read.Signers[0] = "mallory"

		fresh, err := st.GetVault(ctx, "vault-1")
		require.NoError(t, err)
		assert.Equal(t, "a", fresh.Signers[0])
	})

	t.Run("should report unknown and duplicate records", func(t *testing.T) {
		st := store.NewMemory()
		seedVault(t, st)

		_, err := st.GetVault(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = st.CreateVault(ctx, &models.Vault{ID: "vault-1"})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})
}

func TestMemoryAuditChain(t *testing.T) {
	ctx := context.Background()

	t.Run("should chain hashes per vault", func(t *testing.T) {
		st := store.NewMemory()

		for i, eventType := range []models.AuditEventType{
			models.AuditVaultCreated,
			models.AuditProposalCreated,
			models.AuditTransactionExecuted,
		} {
			e := &models.AuditEvent{
				ID:        string(rune('x' + i)),
				VaultID:   "vault-1",
				Type:      eventType,
				Actor:     "a",
				Timestamp: time.Now(),
			}
			require.NoError(t, st.AppendAuditEvent(ctx, e))
		}

		events, err := st.ListAuditEvents(ctx, "vault-1")
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Empty(t, events[0].PrevHash)
		for i, e := range events {
			assert.EqualValues(t, i+1, e.Sequence)
			if i > 0 {
				assert.Equal(t, events[i-1].Hash, e.PrevHash)
			}
			assert.Equal(t, e.ComputeHash(e.PrevHash), e.Hash)
		}
	})

	t.Run("should keep chains of different vaults independent", func(t *testing.T) {
		st := store.NewMemory()

		for _, vaultID := range []string{"vault-1", "vault-2"} {
			require.NoError(t, st.AppendAuditEvent(ctx, &models.AuditEvent{
				ID: "e-" + vaultID, VaultID: vaultID, Type: models.AuditVaultCreated, Timestamp: time.Now(),
			}))
		}

		for _, vaultID := range []string{"vault-1", "vault-2"} {
			events, err := st.ListAuditEvents(ctx, vaultID)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.EqualValues(t, 1, events[0].Sequence)
			assert.Empty(t, events[0].PrevHash)
		}
	})
}

func TestMemoryProposalListing(t *testing.T) {
	ctx := context.Background()

	t.Run("should filter by vault and status in creation order", func(t *testing.T) {
		st := store.NewMemory()
		base := time.Now()

		for i, status := range []models.ProposalStatus{
			models.ProposalPending,
			models.ProposalExecuted,
			models.ProposalPending,
		} {
			require.NoError(t, st.CreateProposal(ctx, &models.Proposal{
				ID:        string(rune('p' + i)),
				VaultID:   "vault-1",
				Status:    status,
				Amount:    decimal.NewFromInt(int64(i)),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, st.CreateProposal(ctx, &models.Proposal{
			ID: "other", VaultID: "vault-2", Status: models.ProposalPending, CreatedAt: base,
		}))

		pending, err := st.ListProposals(ctx, "vault-1", models.ProposalPending)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))

		all, err := st.ListProposals(ctx, "vault-1", "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		sweep, err := st.ListPendingProposals(ctx)
		require.NoError(t, err)
		assert.Len(t, sweep, 3)
	})
}
