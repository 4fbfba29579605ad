package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/multivault/internal/auth"
	"github.com/terminal-bench/multivault/internal/cache"
	"github.com/terminal-bench/multivault/internal/config"
	"github.com/terminal-bench/multivault/internal/gateway"
	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/proposal"
	"github.com/terminal-bench/multivault/internal/signer"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/internal/vault"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "vaultd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}
	defer msgClient.Close()

	var balances *cache.BalanceCache
	if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		log.WithError(err).Warn("invalid redis URL, balance cache disabled")
	} else {
		balances = cache.NewBalanceCache(redis.NewClient(opts), cfg.BalanceCacheTTL)
	}

	ledgerClient := ledger.NewNATSClient(msgClient, cfg.LedgerTimeout, log)
	vaults := vault.NewService(st, ledgerClient, balances, msgClient, log, cfg.FeeTolerance)
	proposals := proposal.NewService(st, vaults, ledgerClient, signer.NewEd25519Verifier(nil), msgClient, log, proposal.Limits{
		MaxProposalAge:     cfg.MaxProposalAge,
		SettlementDelay:    cfg.SettlementDelay,
		MaxAmount:          cfg.MaxAmount,
		MaxEmergencyAmount: cfg.MaxEmergencyAmount,
	})
	tokens := auth.NewService(cfg.JWTSecret, 24*time.Hour)

	gw := gateway.New(gateway.Config{
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		Debug:           cfg.Debug,
	}, vaults, proposals, tokens, msgClient, log)
	if err := gw.StartEventFeed(); err != nil {
		log.WithError(err).Fatal("failed to start event feed")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("vaultd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				expired, err := proposals.SweepExpired(ctx)
				if err != nil {
					log.WithError(err).Warn("expiry sweep failed")
					continue
				}
				if expired > 0 {
					log.WithField("expired", expired).Info("expired stale proposals")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("vaultd exited with error")
	}
	log.Info("vaultd stopped")
}

// openStore connects to Postgres, or falls back to the in-memory store when
// DATABASE_URL is set to "memory" for local development.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "memory" {
		log.Warn("using in-memory store, state will not survive restarts")
		return store.NewMemory(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}
