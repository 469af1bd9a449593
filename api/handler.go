package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"api_tokensale/internal/ledger"
	"api_tokensale/internal/pricing"
	"api_tokensale/internal/sale"
	"api_tokensale/internal/sales"
	"api_tokensale/internal/signer"
	"api_tokensale/internal/transfer"
)

// Error kinds reported to clients.
const (
	KindInvalidRequest             = "InvalidRequest"
	KindSaleNotActive              = "SaleNotActive"
	KindNotEligible                = "NotEligible"
	KindPriceUnavailable           = "PriceUnavailable"
	KindBelowMinimum               = "BelowMinimum"
	KindAboveMaximum               = "AboveMaximum"
	KindInsufficientSupply         = "InsufficientSupply"
	KindAmountTooSmall             = "AmountTooSmall"
	KindTransferConstructionFailed = "TransferConstructionFailed"
	KindSigningUnavailable         = "SigningUnavailable"
	KindNotFound                   = "NotFound"
	KindInvalidTransition          = "InvalidTransition"
	KindInternal                   = "Internal"
)

// classify maps a pipeline error onto its kind and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, sales.ErrInvalidRequest), errors.Is(err, sales.ErrInvalidStatus):
		return KindInvalidRequest, http.StatusBadRequest
	case errors.Is(err, sale.ErrSaleNotActive):
		return KindSaleNotActive, http.StatusConflict
	case errors.Is(err, sales.ErrNotEligible):
		return KindNotEligible, http.StatusForbidden
	case errors.Is(err, pricing.ErrPriceUnavailable), errors.Is(err, pricing.ErrInvalidPrice):
		return KindPriceUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrBelowMinimum):
		return KindBelowMinimum, http.StatusBadRequest
	case errors.Is(err, ledger.ErrAboveMaximum):
		return KindAboveMaximum, http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientSupply):
		return KindInsufficientSupply, http.StatusConflict
	case errors.Is(err, transfer.ErrAmountTooSmall):
		return KindAmountTooSmall, http.StatusBadRequest
	case errors.Is(err, transfer.ErrConstructionFailed),
		errors.Is(err, transfer.ErrTransferExpired),
		errors.Is(err, transfer.ErrInvalidAccount):
		return KindTransferConstructionFailed, http.StatusBadGateway
	case errors.Is(err, signer.ErrSigningUnavailable), errors.Is(err, signer.ErrKeyNotFound):
		return KindSigningUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, sales.ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, sales.ErrInvalidTransition):
		return KindInvalidTransition, http.StatusConflict
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type purchaseResponse struct {
	Success          bool              `json:"success"`
	PurchaseID       string            `json:"purchase_id"`
	Units            uint64            `json:"units"`
	PayCurrency      transfer.Currency `json:"pay_currency"`
	UnitPrice        decimal.Decimal   `json:"unit_price"`
	TotalCost        decimal.Decimal   `json:"total_cost"`
	Stage            sale.Stage        `json:"stage"`
	UnsignedTransfer string            `json:"unsigned_transfer"`
	SignedTransfer   string            `json:"signed_transfer,omitempty"`
	ExpiryHeight     uint64            `json:"expiry_height"`
	DeliveryTransfer string            `json:"delivery_transfer,omitempty"`
	SignedDelivery   string            `json:"signed_delivery,omitempty"`
	Status           sales.Status      `json:"status"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

// salesHandler holds the sales service and implements HTTP handlers for purchase operations.
type salesHandler struct {
	salesService *sales.Service
	logger       *zap.Logger
}

// NewSalesHandler creates a new sales handler.
func NewSalesHandler(salesService *sales.Service, logger *zap.Logger) *salesHandler {
	return &salesHandler{
		salesService: salesService,
		logger:       logger,
	}
}

func (h *salesHandler) fail(ctx *gin.Context, err error) {
	kind, status := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	ctx.JSON(status, errorResponse{ErrorKind: kind, Message: msg})
}

// handleCreatePurchase handles the POST /purchases endpoint.
func (h *salesHandler) handleCreatePurchase(ctx *gin.Context) {
	var req struct {
		Units       uint64 `json:"units"`
		PayCurrency string `json:"pay_currency" binding:"required"`
		Buyer       string `json:"buyer_account" binding:"required"`
	}

	if err := ctx.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("failed to bind JSON request", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse{ErrorKind: KindInvalidRequest, Message: "invalid request payload"})
		return
	}

	p, err := h.salesService.Purchase(ctx.Request.Context(), sales.PurchaseRequest{
		Units:       req.Units,
		PayCurrency: transfer.Currency(req.PayCurrency),
		Buyer:       req.Buyer,
	})
	if err != nil {
		h.logger.Info("purchase rejected",
			zap.String("buyer", req.Buyer),
			zap.Uint64("units", req.Units),
			zap.String("pay_currency", req.PayCurrency),
			zap.Error(err),
		)
		h.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, purchaseResponse{
		Success:          true,
		PurchaseID:       p.ID,
		Units:            p.Units,
		PayCurrency:      p.PayCurrency,
		UnitPrice:        p.UnitPrice,
		TotalCost:        p.TotalCost,
		Stage:            p.Stage,
		UnsignedTransfer: p.UnsignedTransfer,
		SignedTransfer:   p.SignedTransfer,
		ExpiryHeight:     p.ExpiryHeight,
		DeliveryTransfer: p.DeliveryTransfer,
		SignedDelivery:   p.SignedDelivery,
		Status:           p.Status,
		ExpiresAt:        p.ExpiresAt,
	})
}

// handlePatchPurchase settles a pending purchase once its transfer outcome is known.
func (h *salesHandler) handlePatchPurchase(ctx *gin.Context) {
	id := ctx.Param("id")
	var req struct {
		Status string `json:"status" binding:"required"`
	}

	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse{ErrorKind: KindInvalidRequest, Message: "invalid request body"})
		return
	}

	updated, err := h.salesService.Settle(ctx.Request.Context(), id, sales.Status(req.Status))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, updated)
}

func (h *salesHandler) handleGetPurchases(ctx *gin.Context) {
	buyer := ctx.Query("buyer")
	status := ctx.Query("status")

	results, metadata, err := h.salesService.SearchPurchases(buyer, sales.Status(status))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"results": results, "metadata": metadata})
}

func (h *salesHandler) handleSaleInfo(ctx *gin.Context) {
	info, err := h.salesService.SaleInfo(ctx.Request.Context())
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, info)
}
