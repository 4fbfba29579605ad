package gateway_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/multivault/internal/auth"
	"github.com/terminal-bench/multivault/internal/gateway"
	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/proposal"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/internal/vault"
)

type env struct {
	server *httptest.Server
	tokens *auth.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewMemory()
	rec := ledger.NewRecorder()
	vaults := vault.NewService(st, rec, nil, nil, log, decimal.NewFromFloat(0.01))
	proposals := proposal.NewService(st, vaults, rec, nil, nil, log, proposal.Limits{})
	tokens := auth.NewService("test-secret", time.Hour)

	gw := gateway.New(gateway.Config{RateLimitMax: 1000}, vaults, proposals, tokens, nil, log)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &env{server: server, tokens: tokens}
}

func (e *env) do(t *testing.T, method, path, identity string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, payload)
	require.NoError(t, err)
	if identity != "" {
		token, err := e.tokens.Issue(identity)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]json.RawMessage{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func field(t *testing.T, decoded map[string]json.RawMessage, key string) string {
	t.Helper()
	var out string
	require.NoError(t, json.Unmarshal(decoded[key], &out))
	return out
}

func TestGatewayAuthentication(t *testing.T) {
	t.Run("should reject requests without a token", func(t *testing.T) {
		e := newEnv(t)
		resp, _ := e.do(t, http.MethodGet, "/api/v1/vaults/whatever", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject forged tokens", func(t *testing.T) {
		e := newEnv(t)
		forger := auth.NewService("other-secret", time.Hour)
		token, err := forger.Issue("mallory")
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/v1/vaults/whatever", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should expose health without authentication", func(t *testing.T) {
		e := newEnv(t)
		resp, err := http.Get(e.server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestGatewayProposalFlow(t *testing.T) {
	t.Run("should drive a 3-of-5 transfer end to end", func(t *testing.T) {
		e := newEnv(t)

		resp, created := e.do(t, http.MethodPost, "/api/v1/vaults", "alice", map[string]interface{}{
			"required_signatures": 3,
			"total_signers":       5,
			"signers":             []string{"alice", "bob", "carol", "dave", "erin"},
			"type":                "operational",
			"initial_balance":     "50000",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		vaultID := field(t, created, "id")

		resp, p := e.do(t, http.MethodPost, "/api/v1/proposals", "alice", map[string]interface{}{
			"vault_id":  vaultID,
			"recipient": "acct-merchant",
			"amount":    "1500",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		proposalID := field(t, p, "id")
		assert.Equal(t, "pending", field(t, p, "status"))

		for _, signer := range []string{"bob", "carol"} {
			resp, _ = e.do(t, http.MethodPost, "/api/v1/proposals/"+proposalID+"/signatures", signer, nil)
			require.Equal(t, http.StatusCreated, resp.StatusCode)
		}

		resp, got := e.do(t, http.MethodGet, "/api/v1/proposals/"+proposalID, "dave", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "approved", field(t, got, "status"))

		resp, _ = e.do(t, http.MethodPost, "/api/v1/proposals/"+proposalID+"/execute", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, balance := e.do(t, http.MethodGet, "/api/v1/vaults/"+vaultID+"/balance", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "-1500", field(t, balance, "balance")) // ledger view: debit only
	})

	t.Run("should map domain errors onto HTTP statuses", func(t *testing.T) {
		e := newEnv(t)

		resp, created := e.do(t, http.MethodPost, "/api/v1/vaults", "alice", map[string]interface{}{
			"required_signatures": 2,
			"total_signers":       3,
			"signers":             []string{"alice", "bob", "carol"},
			"type":                "operational",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		vaultID := field(t, created, "id")

		// Outsider proposing.
		resp, _ = e.do(t, http.MethodPost, "/api/v1/proposals", "mallory", map[string]interface{}{
			"vault_id": vaultID, "recipient": "acct-x", "amount": "10",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		// Over the transfer limit.
		resp, _ = e.do(t, http.MethodPost, "/api/v1/proposals", "alice", map[string]interface{}{
			"vault_id": vaultID, "recipient": "acct-x", "amount": "100001",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

		// Unknown vault.
		resp, _ = e.do(t, http.MethodGet, "/api/v1/vaults/nope", "alice", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		// Invalid quorum.
		resp, _ = e.do(t, http.MethodPost, "/api/v1/vaults", "alice", map[string]interface{}{
			"required_signatures": 4,
			"total_signers":       3,
			"signers":             []string{"a", "b", "c"},
			"type":                "operational",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		// Duplicate signature.
		resp, p := e.do(t, http.MethodPost, "/api/v1/proposals", "alice", map[string]interface{}{
			"vault_id": vaultID, "recipient": "acct-x", "amount": "10",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp, _ = e.do(t, http.MethodPost, "/api/v1/proposals/"+field(t, p, "id")+"/signatures", "alice", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("should verify audit integrity over HTTP", func(t *testing.T) {
		e := newEnv(t)

		resp, created := e.do(t, http.MethodPost, "/api/v1/vaults", "alice", map[string]interface{}{
			"required_signatures": 2,
			"total_signers":       3,
			"signers":             []string{"alice", "bob", "carol"},
			"type":                "treasury",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		vaultID := field(t, created, "id")

		resp, report := e.do(t, http.MethodGet, "/api/v1/vaults/"+vaultID+"/audit/integrity", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var intact bool
		require.NoError(t, json.Unmarshal(report["intact"], &intact))
		assert.True(t, intact)
	})
}
