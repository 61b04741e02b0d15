package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx; read helpers that must
// work inside and outside a checkout transaction take it instead of a
// concrete handle.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const cartColumns = `id, user_id, status, total, discount_id, notified_at, deleted_at, created_at, updated_at, version`

func scanCart(row interface{ Scan(...interface{}) error }) (*models.Cart, error) {
	cart := &models.Cart{}
	err := row.Scan(
		&cart.ID,
		&cart.UserID,
		&cart.Status,
		&cart.Total,
		&cart.DiscountID,
		&cart.NotifiedAt,
		&cart.DeletedAt,
		&cart.CreatedAt,
		&cart.UpdatedAt,
		&cart.Version,
	)
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// GetActiveCartForUpdate locks the user's live pending cart for the duration
// of the transaction. No active cart is not an error; the caller creates one.
func GetActiveCartForUpdate(ctx context.Context, tx *sql.Tx, userID int64) (*models.Cart, error) {
	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE user_id = $1
		  AND status = $2
		  AND deleted_at IS NULL
		FOR UPDATE`

	cart, err := scanCart(tx.QueryRowContext(ctx, query, userID, models.CartStatusPending))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active cart: %w", err)
	}

	return cart, nil
}

func GetCartForUpdate(ctx context.Context, tx *sql.Tx, cartID int64) (*models.Cart, error) {
	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE id = $1
		FOR UPDATE`

	cart, err := scanCart(tx.QueryRowContext(ctx, query, cartID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	return cart, nil
}

func CreateCart(ctx context.Context, tx *sql.Tx, userID int64) (*models.Cart, error) {
	query := `
		INSERT INTO carts (user_id, status, total, created_at, updated_at, version)
		VALUES ($1, $2, 0, NOW(), NOW(), 1)
		RETURNING ` + cartColumns

	cart, err := scanCart(tx.QueryRowContext(ctx, query, userID, models.CartStatusPending))
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	return cart, nil
}

func GetCartLines(ctx context.Context, q Querier, cartID int64) ([]models.CartLine, error) {
	query := `
		SELECT id, cart_id, product_id, quantity, unit_price, subtotal, created_at, updated_at
		FROM cart_lines
		WHERE cart_id = $1
		ORDER BY id`

	rows, err := q.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart lines: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		err := rows.Scan(
			&line.ID,
			&line.CartID,
			&line.ProductID,
			&line.Quantity,
			&line.UnitPrice,
			&line.Subtotal,
			&line.CreatedAt,
			&line.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// UpsertCartLine creates the line or replaces its quantity/subtotal with the
// new effective values. Quantities are absolute, not deltas; the caller has
// already folded any existing holding into them.
func UpsertCartLine(ctx context.Context, tx *sql.Tx, cartID, productID int64, quantity int, unitPrice, subtotal decimal.Decimal) error {
	query := `
		INSERT INTO cart_lines (cart_id, product_id, quantity, unit_price, subtotal, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (cart_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    subtotal = EXCLUDED.subtotal,
		    updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, cartID, productID, quantity, unitPrice, subtotal)
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}

	return nil
}

func SetCartTotal(ctx context.Context, tx *sql.Tx, cartID int64, total decimal.Decimal, discountID *int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET total = $1,
		     discount_id = $2,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $3`,
		total, discountID, cartID)
	if err != nil {
		return fmt.Errorf("set cart total: %w", err)
	}

	return nil
}

func MarkCartCompleted(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET status = $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		models.CartStatusCompleted, cartID)
	if err != nil {
		return fmt.Errorf("mark cart completed: %w", err)
	}

	return nil
}

// CancelCart marks the cart cancelled and soft-deleted. Cart rows are never
// physically removed.
func CancelCart(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET status = $1,
		     deleted_at = NOW(),
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		models.CartStatusCancelled, cartID)
	if err != nil {
		return fmt.Errorf("cancel cart: %w", err)
	}

	return nil
}

// ReleaseCartStock returns every line's quantity to its product. It is the
// single release path shared by user cancellation, user deletion, and the
// expire sweep, and must run in the same transaction as the cancellation.
func ReleaseCartStock(ctx context.Context, tx *sql.Tx, cartID int64) error {
	lines, err := GetCartLines(ctx, tx, cartID)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if err := ReleaseStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return fmt.Errorf("release line %d: %w", line.ID, err)
		}
	}

	return nil
}

func MarkCartNotified(ctx context.Context, tx *sql.Tx, cartID int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET notified_at = $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		at, cartID)
	if err != nil {
		return fmt.Errorf("mark cart notified: %w", err)
	}

	return nil
}

// LoadCart fetches a cart with its lines and payment.
func LoadCart(ctx context.Context, q Querier, cartID int64) (*models.Cart, error) {
	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE id = $1`

	cart, err := scanCart(q.QueryRowContext(ctx, query, cartID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("load cart: %w", err)
	}

	cart.Lines, err = GetCartLines(ctx, q, cartID)
	if err != nil {
		return nil, err
	}

	payment, err := GetPaymentByCart(ctx, q, cartID)
	if err != nil && err != database.ErrPaymentNotFound {
		return nil, err
	}
	cart.Payment = payment

	return cart, nil
}

// ActiveCarts returns the user's live pending carts with lines and payment.
// The schema caps this at one, but the read does not rely on that.
func ActiveCarts(ctx context.Context, db *sql.DB, userID int64) ([]models.Cart, error) {
	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE user_id = $1
		  AND status = $2
		  AND deleted_at IS NULL
		ORDER BY created_at DESC`

	return queryCartsWithLines(ctx, db, query, userID, models.CartStatusPending)
}

// PendingCarts returns every live pending cart, for operational visibility.
func PendingCarts(ctx context.Context, db *sql.DB) ([]models.Cart, error) {
	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE status = $1
		  AND deleted_at IS NULL
		ORDER BY created_at`

	return queryCartsWithLines(ctx, db, query, models.CartStatusPending)
}

func queryCartsWithLines(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]models.Cart, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query carts: %w", err)
	}
	defer rows.Close()

	var carts []models.Cart
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart: %w", err)
		}
		carts = append(carts, *cart)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range carts {
		carts[i].Lines, err = GetCartLines(ctx, db, carts[i].ID)
		if err != nil {
			return nil, err
		}
		payment, err := GetPaymentByCart(ctx, db, carts[i].ID)
		if err != nil && err != database.ErrPaymentNotFound {
			return nil, err
		}
		carts[i].Payment = payment
	}

	return carts, nil
}

// CartsAwaitingNotice selects candidates for the notify sweep: live pending
// carts never notified. Candidates are re-checked under lock before any
// mutation, so a stale id here is harmless.
func CartsAwaitingNotice(ctx context.Context, db *sql.DB, limit int) ([]int64, error) {
	query := `
		SELECT id
		FROM carts
		WHERE status = $1
		  AND deleted_at IS NULL
		  AND notified_at IS NULL
		ORDER BY created_at
		LIMIT $2`

	return queryCartIDs(ctx, db, query, models.CartStatusPending, limit)
}

// CartsPastGrace selects candidates for the expire sweep: live pending carts
// notified before the cutoff. Never-notified carts are excluded; notification
// gates expiry.
func CartsPastGrace(ctx context.Context, db *sql.DB, cutoff time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id
		FROM carts
		WHERE status = $1
		  AND deleted_at IS NULL
		  AND notified_at IS NOT NULL
		  AND notified_at < $2
		ORDER BY notified_at
		LIMIT $3`

	return queryCartIDs(ctx, db, query, models.CartStatusPending, cutoff, limit)
}

func queryCartIDs(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cart ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cart id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}
