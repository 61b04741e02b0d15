package checkout

import (
	"context"
	"database/sql"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
	"go.uber.org/zap"
)

// DeleteCart cancels a user's own pending cart, returning every line's
// reserved quantity to stock. An already cancelled or completed cart reports
// ErrCartNotFound; stock for it was either released once already or
// converted to a sale, and must not be released again.
func (s *Service) DeleteCart(ctx context.Context, cartID, userID int64) error {
	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cart, err := store.GetCartForUpdate(ctx, tx, cartID)
		if err != nil {
			return err
		}

		if cart.UserID != userID {
			return ErrNotCartOwner
		}

		if cart.Status != models.CartStatusPending || cart.DeletedAt != nil {
			return database.ErrCartNotFound
		}

		if err := store.ReleaseCartStock(ctx, tx, cart.ID); err != nil {
			return err
		}

		return store.CancelCart(ctx, tx, cart.ID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("cart cancelled by user",
		zap.Int64("cart_id", cartID),
		zap.Int64("user_id", userID))

	return nil
}

// DeleteUser soft-deletes the user and cancels their active cart through the
// same release path as user cancellation and the expire sweep.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cart, err := store.GetActiveCartForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if cart != nil {
			if err := store.ReleaseCartStock(ctx, tx, cart.ID); err != nil {
				return err
			}
			if err := store.CancelCart(ctx, tx, cart.ID); err != nil {
				return err
			}
		}

		return store.SoftDeleteUser(ctx, tx, userID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("user deleted", zap.Int64("user_id", userID))
	return nil
}
