package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/pkg/circuit"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

var (
	ErrSubmitFailed  = errors.New("ledger submission failed")
	ErrConfirmFailed = errors.New("ledger confirmation failed")
	ErrUnavailable   = errors.New("ledger unavailable")
)

// Client is the interface to the external settlement system. It may be slow
// and occasionally failing; callers must treat every method as a network
// round trip.
type Client interface {
	// Submit instructs a transfer and returns an opaque transaction handle.
	Submit(ctx context.Context, fromAccount, toAccount string, amount decimal.Decimal) (string, error)
	// Confirm blocks until the handle's transfer settled or failed.
	Confirm(ctx context.Context, handle string) error
	// GetBalance reports the current balance of a ledger account.
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
}

// NATSClient talks to the ledger over request/reply subjects, guarded by a
// circuit breaker per subject.
type NATSClient struct {
	msg      *messaging.Client
	timeout  time.Duration
	breakers map[string]*circuit.Breaker
	log      *logrus.Logger
}

var _ Client = (*NATSClient)(nil)

// NewNATSClient builds a ledger client over an existing NATS connection.
func NewNATSClient(msg *messaging.Client, timeout time.Duration, log *logrus.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breakers := make(map[string]*circuit.Breaker)
	for _, subject := range []string{messaging.LedgerSubmit, messaging.LedgerConfirm, messaging.LedgerBalance} {
		subject := subject
		breakers[subject] = circuit.NewBreaker(circuit.Config{
			Name:        subject,
			MaxFailures: 5,
			Timeout:     15 * time.Second,
			OnStateChange: func(from, to circuit.State) {
				log.WithFields(logrus.Fields{
					"subject": subject,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("ledger circuit state changed")
			},
		})
	}
	return &NATSClient{msg: msg, timeout: timeout, breakers: breakers, log: log}
}

func (c *NATSClient) request(ctx context.Context, subject string, req, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.breakers[subject].Execute(ctx, func() error {
		return c.msg.Request(ctx, subject, req, out)
	})
}

func (c *NATSClient) Submit(ctx context.Context, fromAccount, toAccount string, amount decimal.Decimal) (string, error) {
	var resp messaging.SubmitResponse
	err := c.request(ctx, messaging.LedgerSubmit, messaging.SubmitRequest{
		FromAccount: fromAccount,
		ToAccount:   toAccount,
		Amount:      amount.String(),
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
	}
	return resp.Handle, nil
}

func (c *NATSClient) Confirm(ctx context.Context, handle string) error {
	var resp messaging.ConfirmResponse
	err := c.request(ctx, messaging.LedgerConfirm, messaging.ConfirmRequest{Handle: handle}, &resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrConfirmFailed, resp.Error)
	}
	return nil
}

func (c *NATSClient) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var resp messaging.BalanceResponse
	err := c.request(ctx, messaging.LedgerBalance, messaging.BalanceRequest{Account: account}, &resp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.Error != "" {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error)
	}
	balance, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance %q: %w", resp.Balance, err)
	}
	return balance, nil
}
