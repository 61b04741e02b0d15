package checkout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/events"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/payment"
	"github.com/safar/go-commerce/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service owns the write path for carts, cart lines, payments, and product
// stock. Every multi-entity mutation runs through one transaction; nothing
// here commits partially.
type Service struct {
	db        *sql.DB
	gateway   payment.Gateway
	finalizer events.Finalizer
	logger    *zap.Logger
}

func NewService(db *sql.DB, gateway payment.Gateway, finalizer events.Finalizer, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		gateway:   gateway,
		finalizer: finalizer,
		logger:    logger,
	}
}

type LineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type UpsertRequest struct {
	UserID       int64
	Lines        []LineRequest
	DiscountCode string
}

// UpsertCart creates the user's cart on first use or folds the requested
// lines into the existing one. Stock validation, line writes, stock
// decrements, discount application, and the payment intent all commit
// together or not at all.
func (s *Service) UpsertCart(ctx context.Context, req UpsertRequest) (*models.Cart, error) {
	requested, err := foldLines(req.Lines)
	if err != nil {
		return nil, err
	}

	var result *models.Cart

	txErr := database.WithRetry(ctx, s.db, database.TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		cart, err := store.GetActiveCartForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		held := map[int64]int{}
		if cart != nil {
			lines, err := store.GetCartLines(ctx, tx, cart.ID)
			if err != nil {
				return err
			}
			for _, line := range lines {
				held[line.ProductID] = line.Quantity
			}
		}

		products, missing, err := store.LockProducts(ctx, tx, productIDs(requested))
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return &ProductsNotFoundError{ProductIDs: missing}
		}

		// Stock is validated against the desired total holding under the
		// row locks taken above, so two concurrent requests for the same
		// product serialize here rather than both passing a stale check.
		var conflicts []StockConflict
		for _, line := range requested {
			product := products[line.ProductID]
			effective := line.Quantity + held[line.ProductID]
			available := product.StockQuantity + held[line.ProductID]
			if effective > available {
				conflicts = append(conflicts, StockConflict{
					ProductID: line.ProductID,
					Requested: effective,
					Available: available,
				})
			}
		}
		if len(conflicts) > 0 {
			return &StockConflictError{Conflicts: conflicts}
		}

		created := false
		if cart == nil {
			cart, err = store.CreateCart(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			created = true
		}

		for _, line := range requested {
			product := products[line.ProductID]
			effective := line.Quantity + held[line.ProductID]
			subtotal := product.Price.Mul(decimal.NewFromInt(int64(effective)))

			if err := store.UpsertCartLine(ctx, tx, cart.ID, line.ProductID, effective, product.Price, subtotal); err != nil {
				return err
			}

			// Only the newly requested delta leaves stock; the existing
			// holding already did.
			if err := store.ReserveStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}

		total, discountID, err := s.priceCart(ctx, tx, cart, req.DiscountCode)
		if err != nil {
			return err
		}

		if err := store.SetCartTotal(ctx, tx, cart.ID, total, discountID); err != nil {
			return err
		}

		// A serialization retry re-runs this closure and issues a fresh
		// intent, abandoning the previous one. Accepted: intents are inert
		// until paid, and only the last link is ever stored or shown.
		intent, err := s.gateway.CreateIntent(ctx, uuid.NewString(), cart.ID, total)
		if err != nil {
			return &GatewayError{Err: err}
		}

		if created {
			if _, err := store.CreatePayment(ctx, tx, cart.ID, total, models.PaymentMethodGateway, intent.CheckoutLink); err != nil {
				return err
			}
		} else {
			if _, err := store.UpdatePaymentIntent(ctx, tx, cart.ID, total, intent.CheckoutLink); err != nil {
				return err
			}
		}

		result, err = store.LoadCart(ctx, tx, cart.ID)
		return err
	})
	if txErr != nil {
		return nil, txErr
	}

	s.logger.Info("cart upserted",
		zap.Int64("cart_id", result.ID),
		zap.Int64("user_id", req.UserID),
		zap.String("total", result.Total.String()))

	return result, nil
}

// priceCart recomputes the discounted total from every line on the cart. A
// code supplied with this request re-resolves fresh; otherwise an existing
// discount reference is reused by id.
func (s *Service) priceCart(ctx context.Context, tx *sql.Tx, cart *models.Cart, code string) (decimal.Decimal, *int64, error) {
	lines, err := store.GetCartLines(ctx, tx, cart.ID)
	if err != nil {
		return decimal.Zero, nil, err
	}

	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.Subtotal)
	}

	var discount *models.Discount
	if code != "" {
		discount, err = store.ResolveDiscount(ctx, tx, code)
		if err != nil {
			return decimal.Zero, nil, err
		}
		if discount == nil {
			// Unknown and expired codes are ignored, not rejected.
			s.logger.Warn("discount code ignored",
				zap.String("code", code),
				zap.Int64("cart_id", cart.ID))
		}
	}

	if discount == nil && cart.DiscountID != nil {
		discount, err = store.GetDiscountByID(ctx, tx, *cart.DiscountID)
		if err != nil {
			return decimal.Zero, nil, err
		}
	}

	if discount == nil {
		return subtotal, nil, nil
	}

	return store.ApplyDiscount(subtotal, discount.Percentage), &discount.ID, nil
}

// foldLines validates quantities and merges duplicate product ids, summing
// their quantities. All problems are reported together.
func foldLines(lines []LineRequest) ([]LineRequest, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyRequest
	}

	var problems []LineProblem
	index := map[int64]int{}
	var folded []LineRequest

	for _, line := range lines {
		if line.ProductID <= 0 {
			problems = append(problems, LineProblem{ProductID: line.ProductID, Message: "product_id must be positive"})
			continue
		}
		if line.Quantity <= 0 {
			problems = append(problems, LineProblem{ProductID: line.ProductID, Message: fmt.Sprintf("quantity must be positive, got %d", line.Quantity)})
			continue
		}

		if i, ok := index[line.ProductID]; ok {
			folded[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(folded)
		folded = append(folded, line)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return folded, nil
}

func productIDs(lines []LineRequest) []int64 {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	return ids
}

// ActiveCarts returns the caller's live pending carts with lines and payment.
func (s *Service) ActiveCarts(ctx context.Context, userID int64) ([]models.Cart, error) {
	return store.ActiveCarts(ctx, s.db, userID)
}

// PendingCarts returns every live pending cart, for operational visibility.
func (s *Service) PendingCarts(ctx context.Context) ([]models.Cart, error) {
	return store.PendingCarts(ctx, s.db)
}
