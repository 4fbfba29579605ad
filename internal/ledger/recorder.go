package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Submission is one transfer the Recorder accepted.
type Submission struct {
	Handle      string
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal
}

// Recorder is an in-memory ledger used by tests and local runs. It records
// every submission and can be scripted to fail.
type Recorder struct {
	mu          sync.Mutex
	seq         int
	submissions []Submission
	balances    map[string]decimal.Decimal
	failSubmit  error
	failConfirm error
}

var _ Client = (*Recorder)(nil)

// NewRecorder creates an empty recorder ledger.
func NewRecorder() *Recorder {
	return &Recorder{balances: make(map[string]decimal.Decimal)}
}

// FailSubmissions makes every subsequent Submit return err (nil to reset).
func (r *Recorder) FailSubmissions(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSubmit = err
}

// FailConfirmations makes every subsequent Confirm return err (nil to reset).
func (r *Recorder) FailConfirmations(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failConfirm = err
}

// SetBalance seeds an account balance.
func (r *Recorder) SetBalance(account string, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] = balance
}

// Submissions returns a copy of everything submitted so far.
func (r *Recorder) Submissions() []Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Submission, len(r.submissions))
	copy(out, r.submissions)
	return out
}

func (r *Recorder) Submit(ctx context.Context, fromAccount, toAccount string, amount decimal.Decimal) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubmit != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitFailed, r.failSubmit)
	}
	r.seq++
	handle := fmt.Sprintf("txn-%06d", r.seq)
	r.submissions = append(r.submissions, Submission{
		Handle:      handle,
		FromAccount: fromAccount,
		ToAccount:   toAccount,
		Amount:      amount,
	})
	r.balances[fromAccount] = r.balances[fromAccount].Sub(amount)
	r.balances[toAccount] = r.balances[toAccount].Add(amount)
	return handle, nil
}

func (r *Recorder) Confirm(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failConfirm != nil {
		return fmt.Errorf("%w: %v", ErrConfirmFailed, r.failConfirm)
	}
	for _, s := range r.submissions {
		if s.Handle == handle {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown handle %s", ErrConfirmFailed, handle)
}

func (r *Recorder) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[account]
	if !ok {
		return decimal.Zero, nil
	}
	return balance, nil
}
