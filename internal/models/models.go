package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

type Discount struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Percentage   int       `json:"percentage"`
	DurationDays int       `json:"duration_days"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the code's validity window has passed. An expired
// code resolves the same as an unknown one.
func (d *Discount) Expired(now time.Time) bool {
	return now.After(d.CreatedAt.AddDate(0, 0, d.DurationDays))
}

type Cart struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	Status     string          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	DiscountID *int64          `json:"discount_id,omitempty"`
	NotifiedAt *time.Time      `json:"notified_at,omitempty"`
	DeletedAt  *time.Time      `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Version    int             `json:"version"`
	Lines      []CartLine      `json:"lines,omitempty"`
	Payment    *Payment        `json:"payment,omitempty"`
}

type CartLine struct {
	ID        int64           `json:"id"`
	CartID    int64           `json:"cart_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Payment struct {
	ID               int64           `json:"id"`
	CartID           int64           `json:"cart_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	Method           string          `json:"method"`
	Link             string          `json:"link"`
	GatewayPaymentID *string         `json:"gateway_payment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const (
	CartStatusPending   = "pending"
	CartStatusCompleted = "completed"
	CartStatusCancelled = "cancelled"

	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"

	PaymentMethodGateway = "gateway"
)
