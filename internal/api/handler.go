// Package api exposes the escrow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/auth"
	"github.com/0gfoundation/0g-voucher-escrow/internal/escrow"
	"github.com/0gfoundation/0g-voucher-escrow/internal/events"
	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/store"
	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// Signed actions. A signature is only accepted on the route its action names.
const (
	ActionSubmit = "submit_voucher"
	ActionRedeem = "redeem_voucher"
	ActionCancel = "cancel_voucher"
)

// Escrow is satisfied by escrow.Service.
type Escrow interface {
	Submit(ctx context.Context, caller common.Address, req escrow.SubmitRequest) (voucher.ID, error)
	Redeem(ctx context.Context, caller common.Address, id voucher.ID, merchant common.Address, amount *uint256.Int) error
	Cancel(ctx context.Context, caller common.Address, id voucher.ID) error
	Voucher(ctx context.Context, id voucher.ID) (*voucher.Voucher, error)
	Vouchers(ctx context.Context, f escrow.Filter) ([]store.Entry, error)
}

// BalanceReader is satisfied by ledger.RedisLedger.
type BalanceReader interface {
	Balance(ctx context.Context, cur voucher.CurrencyID, who common.Address) (ledger.Balance, error)
}

// SubmitPayload is the signed payload of ActionSubmit.
type SubmitPayload struct {
	CurrencyID     string   `json:"currency_id" validate:"required"`
	Amount         string   `json:"amount" validate:"required,number"`
	ValidMerchants []string `json:"valid_merchants" validate:"dive,eth_addr"`
	RedeemableBy   string   `json:"redeemable_by" validate:"required,eth_addr"`
}

// RedeemPayload is the signed payload of ActionRedeem.
type RedeemPayload struct {
	Merchant string `json:"merchant" validate:"required,eth_addr"`
	Amount   string `json:"amount" validate:"required,number"`
}

type Handler struct {
	escrow   Escrow
	balances BalanceReader
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(e Escrow, b BalanceReader, log *zap.Logger) *Handler {
	return &Handler{
		escrow:   e,
		balances: b,
		validate: validator.New(),
		log:      log,
	}
}

// Register mounts the routes. authed must already carry auth.Middleware.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	// ── Signed operations ──────────────────────────────────────────────────
	authed.POST("/vouchers", h.handleSubmit)
	authed.POST("/vouchers/:id/redeem", h.handleRedeem)
	authed.POST("/vouchers/:id/cancel", h.handleCancel)

	// ── Public reads ───────────────────────────────────────────────────────
	public.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	public.GET("/vouchers", h.handleList)
	public.GET("/vouchers/:id", h.handleGet)
	public.GET("/balances/:currency/:account", h.handleBalance)
}

// ── Submit ─────────────────────────────────────────────────────────────────

func (h *Handler) handleSubmit(c *gin.Context) {
	var p SubmitPayload
	if !h.signedPayload(c, ActionSubmit, "", &p) {
		return
	}
	amount, ok := parseAmount(c, p.Amount)
	if !ok {
		return
	}
	merchants := make([]common.Address, len(p.ValidMerchants))
	for i, m := range p.ValidMerchants {
		merchants[i] = common.HexToAddress(m)
	}

	id, err := h.escrow.Submit(c.Request.Context(), auth.Caller(c), escrow.SubmitRequest{
		CurrencyID:     voucher.CurrencyID(p.CurrencyID),
		Amount:         *amount,
		ValidMerchants: merchants,
		RedeemableBy:   common.HexToAddress(p.RedeemableBy),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"voucher_id": id.String()})
}

// ── Redeem / Cancel ────────────────────────────────────────────────────────

func (h *Handler) handleRedeem(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var p RedeemPayload
	if !h.signedPayload(c, ActionRedeem, id.String(), &p) {
		return
	}
	amount, ok := parseAmount(c, p.Amount)
	if !ok {
		return
	}
	if err := h.escrow.Redeem(c.Request.Context(), auth.Caller(c), id, common.HexToAddress(p.Merchant), amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voucher_id": id.String(), "redeemed": amount.Dec()})
}

func (h *Handler) handleCancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !h.signedPayload(c, ActionCancel, id.String(), nil) {
		return
	}
	if err := h.escrow.Cancel(c.Request.Context(), auth.Caller(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voucher_id": id.String(), "cancelled": true})
}

// ── Reads ──────────────────────────────────────────────────────────────────

func (h *Handler) handleGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	v, err := h.escrow.Voucher(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, voucherResponse{ID: id.String(), VoucherView: events.NewVoucherView(v)})
}

func (h *Handler) handleList(c *gin.Context) {
	var f escrow.Filter
	for param, dst := range map[string]*common.Address{"owner": &f.Owner, "redeemer": &f.RedeemableBy} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			badRequest(c, "invalid "+param+" address")
			return
		}
		*dst = common.HexToAddress(raw)
	}
	entries, err := h.escrow.Vouchers(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]voucherResponse, len(entries))
	for i, e := range entries {
		out[i] = voucherResponse{ID: e.ID.String(), VoucherView: events.NewVoucherView(e.Voucher)}
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": out})
}

func (h *Handler) handleBalance(c *gin.Context) {
	cur := voucher.CurrencyID(c.Param("currency"))
	if err := cur.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	account := c.Param("account")
	if !common.IsHexAddress(account) {
		badRequest(c, "invalid account address")
		return
	}
	who := common.HexToAddress(account)
	b, err := h.balances.Balance(c.Request.Context(), cur, who)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency_id": string(cur),
		"account":     who.Hex(),
		"free":        b.Free.Dec(),
		"reserved":    b.Reserved.Dec(),
	})
}

type voucherResponse struct {
	ID string `json:"voucher_id"`
	*events.VoucherView
}

// ── helpers ────────────────────────────────────────────────────────────────

// signedPayload checks that the verified request was signed for this route
// and decodes and validates its payload into dst (skipped when dst is nil).
func (h *Handler) signedPayload(c *gin.Context, action, resourceID string, dst any) bool {
	req := auth.Request(c)
	if req == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": "BAD_ORIGIN"})
		return false
	}
	if req.Action != action || req.ResourceID != resourceID {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed request does not match route", "code": "BAD_ORIGIN"})
		return false
	}
	if dst == nil {
		return true
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		badRequest(c, "invalid payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func parseID(c *gin.Context) (voucher.ID, bool) {
	id, err := voucher.ParseID(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid voucher id")
		return 0, false
	}
	return id, true
}

func parseAmount(c *gin.Context, s string) (*uint256.Int, bool) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		badRequest(c, "invalid amount")
		return nil, false
	}
	return amount, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "INVALID_REQUEST"})
}
