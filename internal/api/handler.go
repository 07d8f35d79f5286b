package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/settle"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/verify"
)

// confirmTimeout bounds the background approval verification spawned by the
// sign endpoint. It must exceed verify.Config.MaxWait() for the deployed
// schedule (131s on defaults) or Verify gets cancelled before its final
// attempts and never reaches TIMED_OUT.
const confirmTimeout = 3 * time.Minute

// Settler is satisfied by settle.Service.
// Decoupled here so handler tests can use a mock.
type Settler interface {
	Register(ctx context.Context, reg settle.MatchRegistration) error
	OnMatchCompleted(ctx context.Context, matchID string) error
	SignProposal(ctx context.Context, matchID, playerWallet string) (*settle.SignRequest, error)
	ConfirmApproval(ctx context.Context, matchID, playerWallet, txSignature string) (verify.Status, error)
	State(ctx context.Context, matchID string) (*settle.EscrowState, error)
}

// Handler wires the settlement routes onto a Gin engine.
type Handler struct {
	settler Settler
	log     *zap.Logger
}

func NewHandler(settler Settler, log *zap.Logger) *Handler {
	return &Handler{settler: settler, log: log}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/matches", h.handleRegister)
	rg.POST("/matches/:id/completed", h.handleCompleted)
	rg.POST("/matches/:id/sign", h.handleSign)
	rg.GET("/matches/:id/escrow", h.handleEscrow)
}

// handleRegister records a funded match so the lifecycle loops can settle it.
func (h *Handler) handleRegister(c *gin.Context) {
	var reg settle.MatchRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "matchId, player1, player2, stake and vaultAddress are required"})
		return
	}

	err := h.settler.Register(c.Request.Context(), reg)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"matchId": reg.MatchID, "status": "registered"})
	case errors.Is(err, store.ErrMatchExists):
		c.JSON(http.StatusConflict, gin.H{"error": "match already registered"})
	default:
		h.log.Error("match registration failed", zap.String("match", reg.MatchID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// handleCompleted triggers outcome resolution and proposal creation. The
// operation is idempotent: repeat calls for a settled or in-flight match
// succeed without side effects.
func (h *Handler) handleCompleted(c *gin.Context) {
	matchID := c.Param("id")

	err := h.settler.OnMatchCompleted(c.Request.Context(), matchID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"matchId": matchID, "status": "accepted"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
	case errors.Is(err, settle.ErrUnresolved):
		c.JSON(http.StatusConflict, gin.H{"error": "match outcome not resolvable yet"})
	case errors.Is(err, lock.ErrNotAcquired):
		// Another caller is creating the proposal right now; tell the client
		// to retry rather than failing the request.
		c.JSON(http.StatusAccepted, gin.H{"matchId": matchID, "status": "settlement in progress"})
	default:
		h.log.Error("match completion failed", zap.String("match", matchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
	}
}

type signBody struct {
	Wallet      string `json:"wallet" binding:"required"`
	TxSignature string `json:"txSignature"`
}

// handleSign returns the proposal the caller's wallet must countersign and
// kicks off background verification of the approval. The HTTP response does
// not wait for on-chain confirmation.
func (h *Handler) handleSign(c *gin.Context) {
	matchID := c.Param("id")

	var body signBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet is required"})
		return
	}

	req, err := h.settler.SignProposal(c.Request.Context(), matchID, body.Wallet)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	// Detached from the request context: the client disconnecting must not
	// cancel verification.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
		defer cancel()
		status, err := h.settler.ConfirmApproval(ctx, matchID, body.Wallet, body.TxSignature)
		if err != nil {
			h.log.Error("approval confirmation failed",
				zap.String("match", matchID),
				zap.String("signer", body.Wallet),
				zap.Error(err),
			)
			return
		}
		if status != verify.StatusConfirmed {
			h.log.Warn("approval not confirmed",
				zap.String("match", matchID),
				zap.String("signer", body.Wallet),
				zap.String("status", status.String()),
			)
		}
	}()

	c.JSON(http.StatusOK, req)
}

func (h *Handler) handleEscrow(c *gin.Context) {
	matchID := c.Param("id")

	state, err := h.settler.State(c.Request.Context(), matchID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, state)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
	default:
		h.log.Error("escrow state lookup failed", zap.String("match", matchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
	}
}
