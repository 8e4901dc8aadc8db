package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"spotkeeper/internal/command"
	"spotkeeper/internal/entry"
	"spotkeeper/internal/gateway"
	"spotkeeper/internal/order"
	"spotkeeper/internal/protection"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
)

type createOrderRequest struct {
	ExchangeID    int64   `json:"exchange_id" binding:"required,gt=0"`
	Testnet       bool    `json:"testnet"`
	Symbol        string  `json:"symbol" binding:"required"`
	Quantity      float64 `json:"quantity" binding:"gt=0"`
	EntryPrice    float64 `json:"entry_price" binding:"gt=0"`
	MaxEntry      float64 `json:"max_entry" binding:"gt=0"`
	TakeProfit    float64 `json:"take_profit" binding:"gt=0"`
	StopLoss      float64 `json:"stop_loss" binding:"gte=0"`
	EntryInterval string  `json:"entry_interval" binding:"required"`
	StopInterval  string  `json:"stop_interval"`
}

type createHoldingRequest struct {
	ExchangeID   int64   `json:"exchange_id" binding:"required,gt=0"`
	Testnet      bool    `json:"testnet"`
	Symbol       string  `json:"symbol" binding:"required"`
	Quantity     float64 `json:"quantity" binding:"gt=0"`
	EntryPrice   float64 `json:"entry_price" binding:"gt=0"`
	TakeProfit   float64 `json:"take_profit" binding:"gte=0"`
	StopLoss     float64 `json:"stop_loss" binding:"gte=0"`
	StopInterval string  `json:"stop_interval"`
}

type updateProtectionRequest struct {
	TakeProfit float64 `json:"take_profit" binding:"gt=0"`
	StopLoss   float64 `json:"stop_loss" binding:"gte=0"`
}

type splitRequest struct {
	FirstQty float64 `json:"first_qty" binding:"gt=0"`
	FirstTP  float64 `json:"first_tp" binding:"gt=0"`
	SecondTP float64 `json:"second_tp" binding:"gt=0"`
}

type orderView struct {
	ID            int64      `json:"id"`
	UserID        string     `json:"user_id"`
	ExchangeID    int64      `json:"exchange_id"`
	Exchange      string     `json:"exchange,omitempty"`
	Testnet       bool       `json:"testnet"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Status        string     `json:"status"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	MaxEntry      float64    `json:"max_entry"`
	TakeProfit    float64    `json:"take_profit"`
	StopLoss      float64    `json:"stop_loss"`
	EntryInterval string     `json:"entry_interval"`
	StopInterval  string     `json:"stop_interval"`
	ExecutedPrice float64    `json:"executed_price,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	TPOrderID     string     `json:"tp_order_id,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toView(o *order.Order) orderView {
	return orderView{
		ID:            o.ID,
		UserID:        o.UserID,
		ExchangeID:    o.ExchangeID,
		Exchange:      o.ExchangeName,
		Testnet:       o.Testnet,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Status:        string(o.Status),
		Quantity:      o.Quantity,
		EntryPrice:    o.EntryPrice,
		MaxEntry:      o.MaxEntry,
		TakeProfit:    o.TakeProfit,
		StopLoss:      o.StopLoss,
		EntryInterval: o.EntryInterval,
		StopInterval:  o.StopInterval,
		ExecutedPrice: o.ExecutedPrice,
		ExecutedAt:    optionalTime(o.ExecutedAt),
		ClosedAt:      optionalTime(o.ClosedAt),
		CreatedAt:     o.CreatedAt,
		TPOrderID:     o.TPOrderID,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondCommandError maps domain errors to HTTP statuses.
func respondCommandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
	case errors.Is(err, db.ErrUserIDRequired):
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case entry.IsValidation(err):
		respondError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, order.ErrIllegalTransition):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case order.IsSkippable(err):
		respondError(c, http.StatusConflict, "ORDER_BUSY", "order is being updated, retry shortly")
	case errors.Is(err, gateway.ErrAccountNotFound), errors.Is(err, gateway.ErrAccountInactive),
		errors.Is(err, gateway.ErrUnsupportedExchange):
		respondError(c, http.StatusBadRequest, "ACCOUNT_UNAVAILABLE", err.Error())
	case errors.Is(err, protection.ErrPartialProtection):
		respondError(c, http.StatusInternalServerError, "PROTECTION_PARTIAL", err.Error())
	case errors.Is(err, protection.ErrProtectionLost):
		respondError(c, http.StatusInternalServerError, "PROTECTION_LOST", err.Error())
	case common.IsTransient(err):
		respondError(c, http.StatusServiceUnavailable, "EXCHANGE_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
	}
}

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return 0, false
	}
	return id, true
}

func (s *Server) getOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := s.deps.Orders.GetForUser(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(o))
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	o, err := s.deps.Commands.CreateOrder(c.Request.Context(), command.Intent{
		Account:       db.AccountKey{UserID: c.GetString(ctxUserID), ExchangeID: req.ExchangeID, Testnet: req.Testnet},
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		EntryPrice:    req.EntryPrice,
		MaxEntry:      req.MaxEntry,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		EntryInterval: req.EntryInterval,
		StopInterval:  req.StopInterval,
	})
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toView(o))
}

func (s *Server) createFromHolding(c *gin.Context) {
	var req createHoldingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	o, err := s.deps.Commands.CreateFromHolding(c.Request.Context(), command.Holding{
		Account:      db.AccountKey{UserID: c.GetString(ctxUserID), ExchangeID: req.ExchangeID, Testnet: req.Testnet},
		Symbol:       req.Symbol,
		Quantity:     req.Quantity,
		EntryPrice:   req.EntryPrice,
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
		StopInterval: req.StopInterval,
	})
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toView(o))
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := s.deps.Commands.CancelPending(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(o))
}

func (s *Server) closeOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := s.deps.Commands.Close(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(o))
}

func (s *Server) updateProtection(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req updateProtectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	o, err := s.deps.Commands.UpdateProtection(c.Request.Context(), c.GetString(ctxUserID), id, req.TakeProfit, req.StopLoss)
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(o))
}

func (s *Server) splitOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	first, second, err := s.deps.Commands.Split(c.Request.Context(), c.GetString(ctxUserID), id, req.FirstQty, req.FirstTP, req.SecondTP)
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": []orderView{toView(first), toView(second)}})
}
