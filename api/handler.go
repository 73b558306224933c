package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/nocturne-xyz/bundler/entities"
	"go.uber.org/zap"
)

type Admitter interface {
	Admit(ctx context.Context, op entities.Operation) (common.Hash, error)
}

type LedgerReader interface {
	OperationStatus(ctx context.Context, digest common.Hash) (entities.OperationStatus, error)
	NullifierExists(ctx context.Context, n entities.Nullifier) (bool, error)
}

type RelayResponse struct {
	Digest string `json:"digest"`
}

type StatusResponse struct {
	Status entities.OperationStatus `json:"status"`
}

type NullifierResponse struct {
	Exists bool `json:"exists"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type Handler struct {
	admitter Admitter
	ledger   LedgerReader
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

func NewHandler(admitter Admitter, ledger LedgerReader, logger *zap.SugaredLogger) *Handler {
	return &Handler{admitter: admitter, ledger: ledger, validate: validator.New(), logger: logger}
}

// NewRouter registers the relay, status and health routes.
func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/relay", h.Relay)
	router.GET("/operations/:digest", h.GetOperationStatus)
	router.GET("/nullifiers/:value", h.GetNullifier)
	router.GET("/health", h.GetHealth)
	return router
}

func (h *Handler) Relay(c *gin.Context) {
	var op entities.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed operation: " + err.Error()})
		return
	}

	digest, err := h.admitter.Admit(c.Request.Context(), op)
	if err != nil {
		kind := entities.KindOf(err)
		if kind.Rejected() {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: entities.ReasonOf(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, RelayResponse{Digest: digest.Hex()})
}

func (h *Handler) GetOperationStatus(c *gin.Context) {
	raw := c.Param("digest")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "digest must be a 0x prefixed 32 byte hex string"})
		return
	}

	status, err := h.ledger.OperationStatus(c.Request.Context(), common.BytesToHash(b))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "operation not found"})
		return
	}
	if err != nil {
		h.logger.Errorw("Error getting operation status", "digest", raw, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Status: status})
}

func (h *Handler) GetNullifier(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("value"))
	if err := h.validate.Var(raw, "required,startswith=0x,hexadecimal,max=66"); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "nullifier must be a 0x prefixed hex string of at most 32 bytes"})
		return
	}

	exists, err := h.ledger.NullifierExists(c.Request.Context(), entities.Nullifier(raw))
	if err != nil {
		h.logger.Errorw("Error getting nullifier", "nullifier", raw, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, NullifierResponse{Exists: exists})
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "UP"})
}
