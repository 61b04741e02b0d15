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

func CreateDiscount(ctx context.Context, db *sql.DB, code string, percentage, durationDays int) (*models.Discount, error) {
	discount := &models.Discount{}

	query := `
		INSERT INTO discounts (code, percentage, duration_days, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, code, percentage, duration_days, created_at`

	err := db.QueryRowContext(ctx, query, code, percentage, durationDays).Scan(
		&discount.ID,
		&discount.Code,
		&discount.Percentage,
		&discount.DurationDays,
		&discount.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, database.ErrDuplicateCode
		}
		return nil, fmt.Errorf("create discount: %w", err)
	}

	return discount, nil
}

// ResolveDiscount looks a code up inside the checkout transaction. Unknown
// and expired codes both resolve to nil, nil — the cart mutation proceeds
// undiscounted.
func ResolveDiscount(ctx context.Context, tx *sql.Tx, code string) (*models.Discount, error) {
	if code == "" {
		return nil, nil
	}

	discount := &models.Discount{}

	query := `
		SELECT id, code, percentage, duration_days, created_at
		FROM discounts
		WHERE code = $1`

	err := tx.QueryRowContext(ctx, query, code).Scan(
		&discount.ID,
		&discount.Code,
		&discount.Percentage,
		&discount.DurationDays,
		&discount.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve discount: %w", err)
	}

	if discount.Expired(time.Now()) {
		return nil, nil
	}

	return discount, nil
}

// GetDiscountByID reloads the discount a cart already references. Re-pricing
// an existing cart reuses the referenced row rather than re-resolving the
// code, so later code edits do not retroactively change priced carts. No
// expiry check here: the reference was established while the code was live.
func GetDiscountByID(ctx context.Context, tx *sql.Tx, id int64) (*models.Discount, error) {
	discount := &models.Discount{}

	query := `
		SELECT id, code, percentage, duration_days, created_at
		FROM discounts
		WHERE id = $1`

	err := tx.QueryRowContext(ctx, query, id).Scan(
		&discount.ID,
		&discount.Code,
		&discount.Percentage,
		&discount.DurationDays,
		&discount.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get discount: %w", err)
	}

	return discount, nil
}

// ApplyDiscount computes subtotal × (1 − percentage/100), rounded to cents.
func ApplyDiscount(subtotal decimal.Decimal, percentage int) decimal.Decimal {
	factor := decimal.NewFromInt(100 - int64(percentage)).Div(decimal.NewFromInt(100))
	return subtotal.Mul(factor).Round(2)
}

func ListDiscounts(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discounts`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count discounts: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, code, percentage, duration_days, created_at
		FROM discounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	defer rows.Close()

	var discounts []models.Discount
	for rows.Next() {
		var discount models.Discount
		err := rows.Scan(
			&discount.ID,
			&discount.Code,
			&discount.Percentage,
			&discount.DurationDays,
			&discount.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan discount: %w", err)
		}
		discounts = append(discounts, discount)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      discounts,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
