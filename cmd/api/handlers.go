package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-commerce/internal/checkout"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	userRoleKey contextKey = "user_role"

	roleAdmin = "admin"
)

// identityMiddleware reads the identity established by the upstream
// authentication layer. Routes that need a user enforce it themselves via
// requireUser.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.Header.Get("X-User-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				ctx = context.WithValue(ctx, userIDKey, id)
			}
		}
		if role := r.Header.Get("X-User-Role"); role != "" {
			ctx = context.WithValue(ctx, userRoleKey, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	if !ok || id == 0 {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return 0, false
	}
	return id, true
}

func isAdmin(r *http.Request) bool {
	role, _ := r.Context().Value(userRoleKey).(string)
	return role == roleAdmin
}

type cartHandler struct {
	svc    *checkout.Service
	logger *zap.Logger
}

type upsertCartBody struct {
	Lines        []checkout.LineRequest `json:"lines"`
	DiscountCode string                 `json:"discount_code"`
}

func (h *cartHandler) upsert(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body upsertCartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cart, err := h.svc.UpsertCart(r.Context(), checkout.UpsertRequest{
		UserID:       userID,
		Lines:        body.Lines,
		DiscountCode: body.DiscountCode,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, cart)
}

func (h *cartHandler) active(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	carts, err := h.svc.ActiveCarts(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, carts)
}

func (h *cartHandler) delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	cartID, err := strconv.ParseInt(chi.URLParam(r, "cartID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid cart ID")
		return
	}

	if err := h.svc.DeleteCart(r.Context(), cartID, userID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *cartHandler) pending(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	if !isAdmin(r) {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}

	carts, err := h.svc.PendingCarts(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, carts)
}

// webhookBody is the gateway's delivery envelope: a delivery id, an event
// type, and the payment the event is about.
type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// webhook acknowledges business no-ops with 200 so gateway retries are not
// mistaken for failures; only malformed payloads get a 4xx.
func (h *cartHandler) webhook(w http.ResponseWriter, r *http.Request) {
	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if body.Data.ID == "" {
		respondError(w, http.StatusBadRequest, "missing payment id")
		return
	}

	eventID := body.ID
	if eventID == "" {
		eventID = "payment-" + body.Data.ID
	}

	if _, err := h.svc.ConfirmPayment(r.Context(), eventID, body.Data.ID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *cartHandler) respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *checkout.ValidationError
	var notFoundErr *checkout.ProductsNotFoundError
	var stockErr *checkout.StockConflictError
	var gatewayErr *checkout.GatewayError

	switch {
	case errors.As(err, &validationErr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "validation failed",
			"problems": validationErr.Problems,
		})
	case errors.Is(err, checkout.ErrEmptyRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":       "products not found",
			"product_ids": notFoundErr.ProductIDs,
		})
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "insufficient stock",
			"conflicts": stockErr.Conflicts,
		})
	case errors.Is(err, checkout.ErrNotCartOwner):
		respondError(w, http.StatusForbidden, "cart belongs to another user")
	case errors.Is(err, database.ErrCartNotFound),
		errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrDuplicateCode):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gatewayErr):
		h.logger.Error("payment gateway failure", zap.Error(err))
		respondError(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		h.logger.Error("unhandled service error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type catalogHandler struct {
	db     *sql.DB
	svc    *checkout.Service
	cart   *cartHandler
	logger *zap.Logger
}

func (h *catalogHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "email and name are required")
		return
	}

	user, err := store.CreateUser(r.Context(), h.db, req.Email, req.Name)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (h *catalogHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListUsers(r.Context(), h.db, page, pageSize)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *catalogHandler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	user, err := store.GetUser(r.Context(), h.db, id)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *catalogHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	if err := h.svc.DeleteUser(r.Context(), id); err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *catalogHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU         string  `json:"sku"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Price       float64 `json:"price"`
		Stock       int     `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SKU == "" || req.Name == "" || req.Price < 0 || req.Stock < 0 {
		respondError(w, http.StatusBadRequest, "sku and name are required; price and stock must be non-negative")
		return
	}

	price := decimal.NewFromFloat(req.Price)
	product, err := store.CreateProduct(r.Context(), h.db, req.SKU, req.Name, req.Description, price, req.Stock)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, product)
}

func (h *catalogHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListProducts(r.Context(), h.db, page, pageSize)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *catalogHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product ID")
		return
	}

	product, err := store.GetProduct(r.Context(), h.db, id)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (h *catalogHandler) createDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		Percentage   int    `json:"percentage"`
		DurationDays int    `json:"duration_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" || req.Percentage < 0 || req.Percentage > 100 || req.DurationDays <= 0 {
		respondError(w, http.StatusBadRequest, "code is required; percentage must be 0-100; duration_days must be positive")
		return
	}

	discount, err := store.CreateDiscount(r.Context(), h.db, req.Code, req.Percentage, req.DurationDays)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, discount)
}

func (h *catalogHandler) listDiscounts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListDiscounts(r.Context(), h.db, page, pageSize)
	if err != nil {
		h.cart.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
