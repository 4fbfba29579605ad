package proposal_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/proposal"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/internal/vault"
)

// clock is a controllable time source shared by both services.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store     *store.Memory
	recorder  *ledger.Recorder
	vaults    *vault.Service
	proposals *proposal.Service
	clock     *clock
	vault     *models.Vault
}

func signers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	return out
}

func newFixture(t *testing.T, limits proposal.Limits) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewMemory()
	rec := ledger.NewRecorder()
	clk := newClock()

	vaults := vault.NewService(st, rec, nil, nil, log, decimal.NewFromFloat(0.01))
	vaults.SetClock(clk.Now)
	proposals := proposal.NewService(st, vaults, rec, nil, nil, log, limits)
	proposals.SetClock(clk.Now)

	v, err := vaults.Create(context.Background(), vault.CreateParams{
		RequiredSignatures: 3,
		TotalSigners:       5,
		Signers:            signers(5),
		Type:               models.VaultTypeOperational,
		InitialBalance:     decimal.NewFromInt(50_000),
	}, "a")
	require.NoError(t, err)

	return &fixture{store: st, recorder: rec, vaults: vaults, proposals: proposals, clock: clk, vault: v}
}

func (f *fixture) propose(t *testing.T, amount int64) *models.Proposal {
	t.Helper()
	p, err := f.proposals.Create(context.Background(), proposal.CreateParams{
		VaultID:   f.vault.ID,
		Recipient: "acct-merchant",
		Amount:    decimal.NewFromInt(amount),
	}, "a")
	require.NoError(t, err)
	return p
}

func (f *fixture) approve(t *testing.T, p *models.Proposal) *models.Proposal {
	t.Helper()
	for _, signer := range []string{"b", "c"} {
		_, err := f.proposals.AddSignature(context.Background(), p.ID, signer, nil)
		require.NoError(t, err)
	}
	approved, err := f.proposals.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProposalApproved, approved.Status)
	return approved
}

func TestProposalCreation(t *testing.T) {
	ctx := context.Background()

	t.Run("should auto-record the proposer's signature", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		assert.Equal(t, models.ProposalPending, p.Status)
		assert.Equal(t, 3, p.RequiredSignatures)
		require.Len(t, p.Signatures, 1)
		assert.Equal(t, "a", p.Signatures[0].Signer)
		assert.True(t, p.HasSigned("a"))
	})

	t.Run("should snapshot the quorum at creation", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		// Rotating the signer set does not change the snapshot.
		_, err := f.vaults.RotateSigner(ctx, f.vault.ID, "e", "f", []string{"a", "b", "c"}, "")
		require.NoError(t, err)

		got, err := f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.RequiredSignatures)
	})

	t.Run("should reject non-signers", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		_, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID:   f.vault.ID,
			Recipient: "acct-merchant",
			Amount:    decimal.NewFromInt(100),
		}, "zz")
		assert.ErrorIs(t, err, proposal.ErrNotAuthorized)
	})

	t.Run("should validate amount and recipient", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})

		_, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID: f.vault.ID, Recipient: "", Amount: decimal.NewFromInt(100),
		}, "a")
		assert.ErrorIs(t, err, proposal.ErrInvalidConfig)

		_, err = f.proposals.Create(ctx, proposal.CreateParams{
			VaultID: f.vault.ID, Recipient: "acct-merchant", Amount: decimal.Zero,
		}, "a")
		assert.ErrorIs(t, err, proposal.ErrInvalidConfig)
	})

	t.Run("should enforce the transfer limit", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		_, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID: f.vault.ID, Recipient: "acct-merchant", Amount: decimal.NewFromInt(100_001),
		}, "a")
		assert.ErrorIs(t, err, proposal.ErrAmountExceedsLimit)
	})

	t.Run("should reject emergency proposal outside emergency mode", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		_, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID: f.vault.ID, Recipient: "acct-merchant", Amount: decimal.NewFromInt(100), IsEmergency: true,
		}, "a")
		assert.ErrorIs(t, err, proposal.ErrInvalidConfig)
	})

	t.Run("should approve immediately on a 1-of-n vault", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		v, err := f.vaults.Create(ctx, vault.CreateParams{
			RequiredSignatures: 1,
			TotalSigners:       3,
			Signers:            []string{"x", "y", "z"},
			Type:               models.VaultTypeOperational,
			InitialBalance:     decimal.NewFromInt(1_000),
		}, "x")
		require.NoError(t, err)

		p, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID: v.ID, Recipient: "acct-merchant", Amount: decimal.NewFromInt(10),
		}, "x")
		require.NoError(t, err)
		assert.Equal(t, models.ProposalApproved, p.Status)
		assert.NotNil(t, p.ApprovedAt)
	})
}

func TestSignatureCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("should flip to approved exactly at quorum", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		_, err := f.proposals.AddSignature(ctx, p.ID, "b", nil)
		require.NoError(t, err)
		got, err := f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalPending, got.Status)

		_, err = f.proposals.AddSignature(ctx, p.ID, "c", nil)
		require.NoError(t, err)
		got, err = f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalApproved, got.Status)
		assert.NotNil(t, got.ApprovedAt)
		assert.Len(t, got.Signatures, 3)
	})

	t.Run("should reject duplicate signatures", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		_, err := f.proposals.AddSignature(ctx, p.ID, "a", nil)
		assert.ErrorIs(t, err, proposal.ErrAlreadySigned)
	})

	t.Run("should reject signatures after approval", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		_, err := f.proposals.AddSignature(ctx, p.ID, "d", nil)
		assert.ErrorIs(t, err, proposal.ErrInvalidStatus)
		assert.Contains(t, err.Error(), "approved")
	})

	t.Run("should reject outsiders and compromised signers", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		_, err := f.proposals.AddSignature(ctx, p.ID, "zz", nil)
		assert.ErrorIs(t, err, proposal.ErrNotAuthorized)

		require.NoError(t, f.vaults.MarkSignerCompromised(ctx, f.vault.ID, "b", "leak"))
		_, err = f.proposals.AddSignature(ctx, p.ID, "b", nil)
		assert.ErrorIs(t, err, proposal.ErrNotAuthorized)
	})

	t.Run("should tolerate concurrent signers", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		var wg sync.WaitGroup
		for _, signer := range []string{"b", "c", "d", "e"} {
			wg.Add(1)
			go func(signer string) {
				defer wg.Done()
				_, err := f.proposals.AddSignature(ctx, p.ID, signer, nil)
				if err != nil {
					// Late signers may find the proposal already approved.
					assert.ErrorIs(t, err, proposal.ErrInvalidStatus)
				}
			}(signer)
		}
		wg.Wait()

		got, err := f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalApproved, got.Status)
		assert.GreaterOrEqual(t, len(got.Signatures), 3)
		assert.NotNil(t, got.ApprovedAt)
	})
}

func TestExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("should settle through the ledger and debit the vault", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		result, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.ProposalExecuted, result.Proposal.Status)
		assert.NotEmpty(t, result.TransactionHandle)
		assert.NotNil(t, result.Proposal.ExecutedAt)

		subs := f.recorder.Submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, f.vault.LedgerAccount, subs[0].FromAccount)
		assert.Equal(t, "acct-merchant", subs[0].ToAccount)

		v, err := f.vaults.Get(ctx, f.vault.ID)
		require.NoError(t, err)
		assert.True(t, v.Balance.Equal(decimal.NewFromInt(49_000)))
	})

	t.Run("should reject replayed execution", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		_, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		require.NoError(t, err)

		_, err = f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrAlreadyExecuted)
		assert.Len(t, f.recorder.Submissions(), 1)
	})

	t.Run("should submit exactly once under concurrent executors", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		var wg sync.WaitGroup
		var successes int32
		var mu sync.Mutex
		for _, executor := range []string{"a", "b", "c", "d", "e"} {
			wg.Add(1)
			go func(executor string) {
				defer wg.Done()
				_, err := f.proposals.Execute(ctx, p.ID, executor, proposal.ExecuteOptions{})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, proposal.ErrAlreadyExecuted)
			}(executor)
		}
		wg.Wait()

		assert.EqualValues(t, 1, successes)
		assert.Len(t, f.recorder.Submissions(), 1)

		v, err := f.vaults.Get(ctx, f.vault.ID)
		require.NoError(t, err)
		assert.True(t, v.Balance.Equal(decimal.NewFromInt(49_000)))
	})

	t.Run("should require quorum of currently healthy signatures", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)
		_, err := f.proposals.AddSignature(ctx, p.ID, "b", nil)
		require.NoError(t, err)

		_, err = f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrInsufficientSignatures)
	})

	t.Run("should void signatures from signers compromised after signing", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		require.NoError(t, f.vaults.MarkSignerCompromised(ctx, f.vault.ID, "c", "leak"))

		_, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrInsufficientSignatures)
		assert.Empty(t, f.recorder.Submissions())
	})

	t.Run("should stay retryable after a ledger failure", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		f.recorder.FailSubmissions(errors.New("settlement outage"))
		_, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrLedgerSubmission)

		got, err := f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalApproved, got.Status)

		f.recorder.FailSubmissions(nil)
		result, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.ProposalExecuted, result.Proposal.Status)
		assert.Len(t, f.recorder.Submissions(), 1)
	})

	t.Run("should reject unauthorized executors", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.approve(t, f.propose(t, 1_000))

		_, err := f.proposals.Execute(ctx, p.ID, "zz", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrNotAuthorized)
	})
}

func TestTimelock(t *testing.T) {
	ctx := context.Background()

	t.Run("should hold execution until the settlement delay passes", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{SettlementDelay: time.Hour})
		p := f.approve(t, f.propose(t, 1_000))

		_, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrTimelocked)

		f.clock.Advance(61 * time.Minute)
		_, err = f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.NoError(t, err)
	})

	t.Run("should bypass the timelock only for emergency proposals in emergency mode", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{SettlementDelay: time.Hour})

		// Bypass on a normal proposal is ignored.
		normal := f.approve(t, f.propose(t, 1_000))
		_, err := f.proposals.Execute(ctx, normal.ID, "a", proposal.ExecuteOptions{BypassTimelock: true})
		assert.ErrorIs(t, err, proposal.ErrTimelocked)

		_, err = f.vaults.ActivateEmergencyMode(ctx, f.vault.ID, "breach", []string{"a", "b", "c", "d"})
		require.NoError(t, err)

		p, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID:     f.vault.ID,
			Recipient:   "acct-cold-storage",
			Amount:      decimal.NewFromInt(1_000),
			IsEmergency: true,
		}, "a")
		require.NoError(t, err)
		assert.Equal(t, 4, p.RequiredSignatures)

		for _, signer := range []string{"b", "c", "d"} {
			_, err = f.proposals.AddSignature(ctx, p.ID, signer, nil)
			require.NoError(t, err)
		}

		result, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{BypassTimelock: true})
		require.NoError(t, err)
		assert.Equal(t, models.ProposalExecuted, result.Proposal.Status)
	})
}

func TestEmergencyProposals(t *testing.T) {
	ctx := context.Background()

	t.Run("should use the elevated limit and threshold", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		_, err := f.vaults.ActivateEmergencyMode(ctx, f.vault.ID, "breach", []string{"a", "b", "c", "d"})
		require.NoError(t, err)

		p, err := f.proposals.Create(ctx, proposal.CreateParams{
			VaultID:     f.vault.ID,
			Recipient:   "acct-cold-storage",
			Amount:      decimal.NewFromInt(200_000),
			IsEmergency: true,
		}, "a")
		require.NoError(t, err)
		assert.Equal(t, 4, p.RequiredSignatures)

		_, err = f.proposals.Create(ctx, proposal.CreateParams{
			VaultID:     f.vault.ID,
			Recipient:   "acct-cold-storage",
			Amount:      decimal.NewFromInt(600_000),
			IsEmergency: true,
		}, "a")
		assert.ErrorIs(t, err, proposal.ErrAmountExceedsLimit)
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("should expire lazily on signature attempts", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{MaxProposalAge: time.Hour})
		p := f.propose(t, 1_000)

		f.clock.Advance(2 * time.Hour)
		_, err := f.proposals.AddSignature(ctx, p.ID, "b", nil)
		assert.ErrorIs(t, err, proposal.ErrExpired)

		got, err := f.proposals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalExpired, got.Status)
	})

	t.Run("should refuse executing an expired proposal", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{MaxProposalAge: time.Hour})
		p := f.propose(t, 1_000)

		f.clock.Advance(2 * time.Hour)
		_, err := f.proposals.Execute(ctx, p.ID, "a", proposal.ExecuteOptions{})
		assert.ErrorIs(t, err, proposal.ErrInvalidStatus)
		assert.Empty(t, f.recorder.Submissions())
	})

	t.Run("should not expire before the deadline", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{MaxProposalAge: time.Hour})
		p := f.propose(t, 1_000)

		err := f.proposals.Expire(ctx, p.ID)
		assert.ErrorIs(t, err, proposal.ErrInvalidStatus)
	})

	t.Run("should sweep every stale pending proposal", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{MaxProposalAge: time.Hour})
		stale1 := f.propose(t, 100)
		stale2 := f.propose(t, 200)
		executed := f.approve(t, f.propose(t, 300))
		_, err := f.proposals.Execute(ctx, executed.ID, "a", proposal.ExecuteOptions{})
		require.NoError(t, err)

		f.clock.Advance(2 * time.Hour)
		fresh := f.propose(t, 400)

		expired, err := f.proposals.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, expired)

		for _, id := range []string{stale1.ID, stale2.ID} {
			got, err := f.proposals.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.ProposalExpired, got.Status)
		}
		got, err := f.proposals.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProposalPending, got.Status)
	})
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()

	t.Run("should share the signer access boundary", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		p := f.propose(t, 1_000)

		allowed, err := f.proposals.CanView(ctx, p.ID, "e")
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = f.proposals.CanView(ctx, p.ID, "zz")
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("should list proposals by status", func(t *testing.T) {
		f := newFixture(t, proposal.Limits{})
		f.propose(t, 100)
		executed := f.approve(t, f.propose(t, 200))
		_, err := f.proposals.Execute(ctx, executed.ID, "a", proposal.ExecuteOptions{})
		require.NoError(t, err)

		pending, err := f.proposals.List(ctx, f.vault.ID, models.ProposalPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		history, err := f.proposals.TransactionHistory(ctx, f.vault.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, executed.ID, history[0].ID)
		assert.NotEmpty(t, history[0].TransactionHandle)
	})
}
