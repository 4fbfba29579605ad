package ledger

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/pkg/messaging"
)

// Server answers the settlement request/reply subjects over NATS, backed by
// any Client implementation. It stands in for the real settlement system in
// local and integration environments.
type Server struct {
	msg     *messaging.Client
	backend Client
	log     *logrus.Logger
}

// NewServer wires a settlement responder over an existing NATS connection.
func NewServer(msg *messaging.Client, backend Client, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{msg: msg, backend: backend, log: log}
}

// Serve subscribes the request handlers. Replies are published to the
// message's reply subject; handlers never block the NATS callback on the
// caller's behalf beyond the backend call itself.
func (s *Server) Serve() error {
	handlers := map[string]func(*nats.Msg) interface{}{
		messaging.LedgerSubmit:  s.handleSubmit,
		messaging.LedgerConfirm: s.handleConfirm,
		messaging.LedgerBalance: s.handleBalance,
	}
	for subject, handler := range handlers {
		subject, handler := subject, handler
		err := s.msg.Subscribe(subject, func(msg *nats.Msg) {
			s.reply(msg, handler(msg))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) reply(msg *nats.Msg, payload interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal settlement reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.WithError(err).Warn("failed to send settlement reply")
	}
}

func (s *Server) handleSubmit(msg *nats.Msg) interface{} {
	var req messaging.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return messaging.SubmitResponse{Error: "malformed request"}
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return messaging.SubmitResponse{Error: "invalid amount"}
	}

	handle, err := s.backend.Submit(context.Background(), req.FromAccount, req.ToAccount, amount)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"from": req.FromAccount,
			"to":   req.ToAccount,
		}).Warn("settlement submit rejected")
		return messaging.SubmitResponse{Error: err.Error()}
	}
	return messaging.SubmitResponse{Handle: handle}
}

func (s *Server) handleConfirm(msg *nats.Msg) interface{} {
	var req messaging.ConfirmRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return messaging.ConfirmResponse{Error: "malformed request"}
	}
	if err := s.backend.Confirm(context.Background(), req.Handle); err != nil {
		return messaging.ConfirmResponse{Error: err.Error()}
	}
	return messaging.ConfirmResponse{Succeeded: true}
}

func (s *Server) handleBalance(msg *nats.Msg) interface{} {
	var req messaging.BalanceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return messaging.BalanceResponse{Error: "malformed request"}
	}
	balance, err := s.backend.GetBalance(context.Background(), req.Account)
	if err != nil {
		return messaging.BalanceResponse{Error: err.Error()}
	}
	return messaging.BalanceResponse{Balance: balance.String()}
}
