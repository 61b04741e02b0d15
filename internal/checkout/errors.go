package checkout

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotCartOwner = errors.New("cart belongs to another user")
	ErrEmptyRequest = errors.New("request must include at least one line")
)

// LineProblem is one per-line validation failure. Problems are collected
// across the whole request before anything fails.
type LineProblem struct {
	ProductID int64  `json:"product_id"`
	Message   string `json:"message"`
}

type ValidationError struct {
	Problems []LineProblem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("product %d: %s", p.ProductID, p.Message)
	}
	return "invalid cart request: " + strings.Join(parts, "; ")
}

// ProductsNotFoundError names every requested product id with no match; no
// partial reservation happens.
type ProductsNotFoundError struct {
	ProductIDs []int64 `json:"product_ids"`
}

func (e *ProductsNotFoundError) Error() string {
	return fmt.Sprintf("products not found: %v", e.ProductIDs)
}

// StockConflict reports one line whose desired holding exceeds what the
// product can cover. Requested is the total desired quantity (existing
// holding plus this request); Available is stock plus the existing holding.
type StockConflict struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

type StockConflictError struct {
	Conflicts []StockConflict `json:"conflicts"`
}

func (e *StockConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("product %d: requested %d, available %d", c.ProductID, c.Requested, c.Available)
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// GatewayError marks a failure of the external payment gateway; the
// enclosing transaction has been rolled back.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return "payment gateway: " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
