package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/payment"
	"github.com/safar/go-commerce/internal/store"
	"go.uber.org/zap"
)

// ConfirmPayment processes a gateway webhook for the given payment id. The
// eventID is the gateway's delivery id; replays and already-completed
// payments are acknowledged as no-ops, never errors, matching gateway retry
// semantics. Returns true when a cart actually transitioned to completed.
func (s *Service) ConfirmPayment(ctx context.Context, eventID, gatewayPaymentID string) (bool, error) {
	status, err := s.gateway.GetStatus(ctx, gatewayPaymentID)
	if err != nil {
		return false, &GatewayError{Err: fmt.Errorf("verify payment %s: %w", gatewayPaymentID, err)}
	}

	if status.Status != payment.StatusApproved {
		s.logger.Info("webhook ignored, payment not approved",
			zap.String("payment_id", gatewayPaymentID),
			zap.String("status", status.Status))
		return false, nil
	}

	confirmed := false

	err = database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		confirmed = false

		replayed, err := store.RecordWebhookEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if replayed {
			s.logger.Info("webhook replay ignored", zap.String("event_id", eventID))
			return nil
		}

		// Cart row first, then payment row, the same order the checkout
		// path locks them in.
		if _, err := store.GetCartForUpdate(ctx, tx, status.CartID); err != nil {
			if errors.Is(err, database.ErrCartNotFound) {
				s.logger.Warn("webhook for unknown cart",
					zap.Int64("cart_id", status.CartID),
					zap.String("payment_id", gatewayPaymentID))
				return nil
			}
			return err
		}

		pay, err := store.GetPaymentForUpdate(ctx, tx, status.CartID)
		if err != nil {
			if errors.Is(err, database.ErrPaymentNotFound) {
				s.logger.Warn("webhook for cart with no payment",
					zap.Int64("cart_id", status.CartID),
					zap.String("payment_id", gatewayPaymentID))
				return nil
			}
			return err
		}

		if pay.Status != models.PaymentStatusPending {
			s.logger.Info("webhook ignored, payment already completed",
				zap.Int64("cart_id", status.CartID))
			return nil
		}

		if err := store.CompletePayment(ctx, tx, pay.ID, gatewayPaymentID); err != nil {
			return err
		}

		if err := store.MarkCartCompleted(ctx, tx, status.CartID); err != nil {
			return err
		}

		confirmed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !confirmed {
		return false, nil
	}

	s.logger.Info("payment confirmed",
		zap.Int64("cart_id", status.CartID),
		zap.String("payment_id", gatewayPaymentID))

	// Hand off outside the transaction; the completed status is already
	// durable and finalization failures must not fail the acknowledgment.
	cart, err := store.LoadCart(ctx, s.db, status.CartID)
	if err != nil {
		s.logger.Error("load completed cart for finalization", zap.Error(err))
		return true, nil
	}

	if err := s.finalizer.FinalizeSale(ctx, cart); err != nil {
		s.logger.Error("finalize sale",
			zap.Int64("cart_id", cart.ID),
			zap.Error(err))
	}

	return true, nil
}
