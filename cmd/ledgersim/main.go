package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

// ledgersim is a stand-in settlement system for local development and
// integration tests. It answers the ledger request/reply subjects from an
// in-memory double-entry recorder.
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "ledgersim",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}
	defer msgClient.Close()

	backend := ledger.NewRecorder()
	seedBalances(backend, log)

	server := ledger.NewServer(msgClient, backend, log)
	if err := server.Serve(); err != nil {
		log.WithError(err).Fatal("failed to subscribe settlement handlers")
	}
	log.Info("ledgersim answering settlement requests")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("ledgersim stopped")
}

// seedBalances parses SEED_BALANCES, a comma-separated list of
// account=amount pairs, so funding sources exist on startup.
func seedBalances(backend *ledger.Recorder, log *logrus.Logger) {
	seed := os.Getenv("SEED_BALANCES")
	if seed == "" {
		return
	}
	for _, pair := range strings.Split(seed, ",") {
		account, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			log.WithField("pair", pair).Warn("skipping malformed seed balance")
			continue
		}
		backend.SetBalance(strings.TrimSpace(account), amount)
	}
}
