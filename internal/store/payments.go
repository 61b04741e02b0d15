package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, cart_id, amount, status, method, link, gateway_payment_id, created_at, updated_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (*models.Payment, error) {
	payment := &models.Payment{}
	err := row.Scan(
		&payment.ID,
		&payment.CartID,
		&payment.Amount,
		&payment.Status,
		&payment.Method,
		&payment.Link,
		&payment.GatewayPaymentID,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func CreatePayment(ctx context.Context, tx *sql.Tx, cartID int64, amount decimal.Decimal, method, link string) (*models.Payment, error) {
	query := `
		INSERT INTO payments (cart_id, amount, status, method, link, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING ` + paymentColumns

	payment, err := scanPayment(tx.QueryRowContext(ctx, query, cartID, amount, models.PaymentStatusPending, method, link))
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	return payment, nil
}

// UpdatePaymentIntent re-prices an existing PENDING payment row with the new
// amount and a freshly issued checkout link. The row is updated, never
// recreated, so the cart keeps its one-to-one payment.
func UpdatePaymentIntent(ctx context.Context, tx *sql.Tx, cartID int64, amount decimal.Decimal, link string) (*models.Payment, error) {
	query := `
		UPDATE payments
		SET amount = $1,
		    link = $2,
		    updated_at = NOW()
		WHERE cart_id = $3
		  AND status = $4
		RETURNING ` + paymentColumns

	payment, err := scanPayment(tx.QueryRowContext(ctx, query, amount, link, cartID, models.PaymentStatusPending))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("update payment: %w", err)
	}

	return payment, nil
}

func GetPaymentByCart(ctx context.Context, q Querier, cartID int64) (*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE cart_id = $1`

	payment, err := scanPayment(q.QueryRowContext(ctx, query, cartID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	return payment, nil
}

func GetPaymentForUpdate(ctx context.Context, tx *sql.Tx, cartID int64) (*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE cart_id = $1
		FOR UPDATE`

	payment, err := scanPayment(tx.QueryRowContext(ctx, query, cartID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}

	return payment, nil
}

// CompletePayment transitions PENDING → COMPLETED and records the gateway's
// payment id. The status guard makes a duplicate confirmation a no-op at the
// SQL level as well.
func CompletePayment(ctx context.Context, tx *sql.Tx, paymentID int64, gatewayPaymentID string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1,
		     gateway_payment_id = $2,
		     updated_at = NOW()
		 WHERE id = $3
		   AND status = $4`,
		models.PaymentStatusCompleted, gatewayPaymentID, paymentID, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrPaymentNotFound
	}

	return nil
}

// RecordWebhookEvent inserts the gateway's delivery id into the replay
// ledger. A second delivery with the same id reports alreadySeen = true and
// changes nothing.
func RecordWebhookEvent(ctx context.Context, tx *sql.Tx, eventID string) (alreadySeen bool, err error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, received_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 0, nil
}
