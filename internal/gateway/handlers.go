package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/multivault/internal/ledger"
	"github.com/terminal-bench/multivault/internal/models"
	"github.com/terminal-bench/multivault/internal/proposal"
	"github.com/terminal-bench/multivault/internal/store"
	"github.com/terminal-bench/multivault/internal/vault"
	"github.com/terminal-bench/multivault/pkg/circuit"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrNotAuthorized), errors.Is(err, proposal.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrInvalidConfig), errors.Is(err, proposal.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrExceedsMaximumBalance), errors.Is(err, proposal.ErrAmountExceedsLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, proposal.ErrExpired):
		return http.StatusGone
	case errors.Is(err, proposal.ErrAlreadySigned),
		errors.Is(err, proposal.ErrAlreadyExecuted),
		errors.Is(err, proposal.ErrInvalidStatus),
		errors.Is(err, proposal.ErrInsufficientSignatures),
		errors.Is(err, proposal.ErrTimelocked),
		errors.Is(err, vault.ErrAlreadyApproved),
		errors.Is(err, vault.ErrAlreadyExecuted),
		errors.Is(err, vault.ErrInvalidStatus),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, proposal.ErrLedgerSubmission),
		errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, circuit.ErrCircuitOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// Vault handlers

type createVaultRequest struct {
	LedgerAccount      string   `json:"ledger_account"`
	RequiredSignatures int      `json:"required_signatures" binding:"required"`
	TotalSigners       int      `json:"total_signers" binding:"required"`
	Signers            []string `json:"signers" binding:"required"`
	Type               string   `json:"type" binding:"required"`
	InitialBalance     string   `json:"initial_balance"`
	EmergencyThreshold int      `json:"emergency_threshold"`
}

func (g *Gateway) createVault(c *gin.Context) {
	var req createVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	initial := decimal.Zero
	if req.InitialBalance != "" {
		var err error
		if initial, err = decimal.NewFromString(req.InitialBalance); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid initial balance"})
			return
		}
	}

	v, err := g.vaults.Create(c.Request.Context(), vault.CreateParams{
		LedgerAccount:      req.LedgerAccount,
		RequiredSignatures: req.RequiredSignatures,
		TotalSigners:       req.TotalSigners,
		Signers:            req.Signers,
		Type:               models.VaultType(req.Type),
		InitialBalance:     initial,
		EmergencyThreshold: req.EmergencyThreshold,
	}, identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (g *Gateway) getVault(c *gin.Context) {
	v, err := g.vaults.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (g *Gateway) deactivateVault(c *gin.Context) {
	if err := g.vaults.Deactivate(c.Request.Context(), c.Param("id"), identity(c)); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

type fundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) fundVault(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := g.vaults.Fund(c.Request.Context(), c.Param("id"), amount, identity(c)); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "funded"})
}

func (g *Gateway) getBalance(c *gin.Context) {
	balance, err := g.vaults.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault_id": c.Param("id"), "balance": balance.String()})
}

func (g *Gateway) getBalanceHistory(c *gin.Context) {
	limit, offset := pagination(c)
	history, err := g.vaults.BalanceHistory(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (g *Gateway) getPermissions(c *gin.Context) {
	perms, err := g.vaults.SignerPermissions(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (g *Gateway) getAccessLog(c *gin.Context) {
	limit, offset := pagination(c)
	entries, err := g.vaults.AccessLog(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Emergency mode and signer health

type emergencyRequest struct {
	Reason    string   `json:"reason"`
	Approvers []string `json:"approvers" binding:"required"`
}

func (g *Gateway) activateEmergency(c *gin.Context) {
	g.setEmergency(c, true)
}

func (g *Gateway) deactivateEmergency(c *gin.Context) {
	g.setEmergency(c, false)
}

func (g *Gateway) setEmergency(c *gin.Context, activate bool) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var (
		v   *models.Vault
		err error
	)
	if activate {
		v, err = g.vaults.ActivateEmergencyMode(c.Request.Context(), c.Param("id"), req.Reason, req.Approvers)
	} else {
		v, err = g.vaults.DeactivateEmergencyMode(c.Request.Context(), c.Param("id"), req.Reason, req.Approvers)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type compromiseRequest struct {
	Signer string `json:"signer" binding:"required"`
	Reason string `json:"reason"`
}

func (g *Gateway) markCompromised(c *gin.Context) {
	var req compromiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := g.vaults.MarkSignerCompromised(c.Request.Context(), c.Param("id"), req.Signer, req.Reason); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked"})
}

type rotateRequest struct {
	Remove    string   `json:"remove" binding:"required"`
	Add       string   `json:"add" binding:"required"`
	Approvers []string `json:"approvers" binding:"required"`
	Reason    string   `json:"reason"`
}

func (g *Gateway) rotateSigner(c *gin.Context) {
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	v, err := g.vaults.RotateSigner(c.Request.Context(), c.Param("id"), req.Remove, req.Add, req.Approvers, req.Reason)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Recovery

type recoveryRequest struct {
	LostSigners []string `json:"lost_signers" binding:"required"`
	NewSigners  []string `json:"new_signers" binding:"required"`
	Reason      string   `json:"reason"`
}

func (g *Gateway) initiateRecovery(c *gin.Context) {
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	rec, err := g.vaults.InitiateRecovery(c.Request.Context(), c.Param("id"), vault.RecoveryParams{
		LostSigners: req.LostSigners,
		NewSigners:  req.NewSigners,
		Reason:      req.Reason,
	}, identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (g *Gateway) approveRecovery(c *gin.Context) {
	rec, err := g.vaults.ApproveRecovery(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type executeRecoveryRequest struct {
	NewSigners []string `json:"new_signers"`
}

func (g *Gateway) executeRecovery(c *gin.Context) {
	var req executeRecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	v, err := g.vaults.ExecuteRecovery(c.Request.Context(), c.Param("id"), req.NewSigners, identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Proposal handlers

type createProposalRequest struct {
	VaultID     string `json:"vault_id" binding:"required"`
	Recipient   string `json:"recipient" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	IsEmergency bool   `json:"is_emergency"`
	Signature   []byte `json:"signature"`
}

func (g *Gateway) createProposal(c *gin.Context) {
	var req createProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	p, err := g.proposals.Create(c.Request.Context(), proposal.CreateParams{
		VaultID:     req.VaultID,
		Recipient:   req.Recipient,
		Amount:      amount,
		Description: req.Description,
		IsEmergency: req.IsEmergency,
		Signature:   req.Signature,
	}, identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (g *Gateway) getProposal(c *gin.Context) {
	allowed, err := g.proposals.CanView(c.Request.Context(), c.Param("id"), identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
		return
	}

	p, err := g.proposals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type signatureRequest struct {
	Signature []byte `json:"signature"`
}

func (g *Gateway) addSignature(c *gin.Context) {
	var req signatureRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	record, err := g.proposals.AddSignature(c.Request.Context(), c.Param("id"), identity(c), req.Signature)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

type executeProposalRequest struct {
	BypassTimelock bool `json:"bypass_timelock"`
}

func (g *Gateway) executeProposal(c *gin.Context) {
	var req executeProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := g.proposals.Execute(c.Request.Context(), c.Param("id"), identity(c), proposal.ExecuteOptions{
		BypassTimelock: req.BypassTimelock,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) expireProposal(c *gin.Context) {
	if err := g.proposals.Expire(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "expired"})
}

type verifyRequest struct {
	Signer    string `json:"signer" binding:"required"`
	Signature []byte `json:"signature" binding:"required"`
}

func (g *Gateway) verifySignature(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	valid, err := g.proposals.VerifySignature(c.Request.Context(), c.Param("id"), req.Signer, req.Signature)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (g *Gateway) getAuditTrail(c *gin.Context) {
	trail, err := g.proposals.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, trail)
}

func (g *Gateway) listProposals(c *gin.Context) {
	status := models.ProposalStatus(c.Query("status"))
	proposals, err := g.proposals.List(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (g *Gateway) getTransactionHistory(c *gin.Context) {
	executed, err := g.proposals.TransactionHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": executed})
}

// Audit handlers

func (g *Gateway) searchAudit(c *gin.Context) {
	filter := proposal.Filter{
		Actor:      c.Query("actor"),
		ProposalID: c.Query("proposal_id"),
		Text:       c.Query("q"),
	}
	if t := c.Query("type"); t != "" {
		filter.Types = []models.AuditEventType{models.AuditEventType(t)}
	}

	events, err := g.proposals.SearchAuditHistory(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (g *Gateway) verifyAuditIntegrity(c *gin.Context) {
	report, err := g.proposals.VerifyAuditIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
