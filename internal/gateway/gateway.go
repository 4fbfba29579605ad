package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/multivault/internal/auth"
	"github.com/terminal-bench/multivault/internal/proposal"
	"github.com/terminal-bench/multivault/internal/vault"
	"github.com/terminal-bench/multivault/pkg/messaging"
)

// Gateway is the HTTP API over the vault registry and proposal engine. It
// authenticates sessions, routes requests and fans domain events out to
// WebSocket subscribers.
type Gateway struct {
	router    *gin.Engine
	vaults    *vault.Service
	proposals *proposal.Service
	tokens    *auth.Service
	events    *messaging.Client
	log       *logrus.Logger

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	rateLimiter *rateLimiter
}

// Config holds gateway configuration.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
	Debug           bool
}

// New wires the gateway. events may be nil; the WebSocket feed is then
// disabled.
func New(cfg Config, vaults *vault.Service, proposals *proposal.Service, tokens *auth.Service, events *messaging.Client, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.New()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.New(),
		vaults:    vaults,
		proposals: proposals,
		tokens:    tokens,
		events:    events,
		log:       log,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	v1.Use(g.authMiddleware())
	{
		// Vaults
		v1.POST("/vaults", g.createVault)
		v1.GET("/vaults/:id", g.getVault)
		v1.DELETE("/vaults/:id", g.deactivateVault)
		v1.POST("/vaults/:id/fund", g.fundVault)
		v1.GET("/vaults/:id/balance", g.getBalance)
		v1.GET("/vaults/:id/balance/history", g.getBalanceHistory)
		v1.GET("/vaults/:id/permissions", g.getPermissions)
		v1.GET("/vaults/:id/access-log", g.getAccessLog)

		// Emergency mode and signer health
		v1.POST("/vaults/:id/emergency/activate", g.activateEmergency)
		v1.POST("/vaults/:id/emergency/deactivate", g.deactivateEmergency)
		v1.POST("/vaults/:id/signers/compromised", g.markCompromised)
		v1.POST("/vaults/:id/signers/rotate", g.rotateSigner)

		// Recovery
		v1.POST("/vaults/:id/recoveries", g.initiateRecovery)
		v1.POST("/recoveries/:id/approve", g.approveRecovery)
		v1.POST("/recoveries/:id/execute", g.executeRecovery)

		// Proposals
		v1.POST("/proposals", g.createProposal)
		v1.GET("/proposals/:id", g.getProposal)
		v1.POST("/proposals/:id/signatures", g.addSignature)
		v1.POST("/proposals/:id/execute", g.executeProposal)
		v1.POST("/proposals/:id/expire", g.expireProposal)
		v1.POST("/proposals/:id/verify", g.verifySignature)
		v1.GET("/proposals/:id/audit", g.getAuditTrail)
		v1.GET("/vaults/:id/proposals", g.listProposals)
		v1.GET("/vaults/:id/transactions", g.getTransactionHistory)

		// Audit
		v1.GET("/vaults/:id/audit", g.searchAudit)
		v1.GET("/vaults/:id/audit/integrity", g.verifyAuditIntegrity)

		// Event feed
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Handler exposes the router so the caller owns the http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		identity, err := g.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("identity", identity)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func identity(c *gin.Context) string {
	return c.MustGet("identity").(string)
}

func (g *Gateway) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if g.events != nil {
		status["nats"] = g.events.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

// rateLimiter is a sliding-window per-IP limiter.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
