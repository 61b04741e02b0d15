package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/notify"
	"github.com/safar/go-commerce/internal/store"
	"go.uber.org/zap"
)

// Advisory lock keys for the two sweeps. A second scheduler instance finds
// the lock taken and skips its cycle instead of double-processing carts.
const (
	NotifySweepLockKey = 7001
	ExpireSweepLockKey = 7002
)

const sweepBatchSize = 100

// Sweeper runs the two reconciliation sweeps over stale pending carts:
// notify reminds users about carts they walked away from, expire cancels
// notified carts whose grace window has lapsed and returns their stock.
type Sweeper struct {
	db       *sql.DB
	notifier notify.Notifier
	logger   *zap.Logger

	notifyInterval time.Duration
	expireInterval time.Duration
	graceWindow    time.Duration
}

func NewSweeper(db *sql.DB, notifier notify.Notifier, logger *zap.Logger, notifyInterval, expireInterval, graceWindow time.Duration) *Sweeper {
	return &Sweeper{
		db:             db,
		notifier:       notifier,
		logger:         logger,
		notifyInterval: notifyInterval,
		expireInterval: expireInterval,
		graceWindow:    graceWindow,
	}
}

// Run blocks until ctx is cancelled, firing the two sweeps on their
// intervals.
func (s *Sweeper) Run(ctx context.Context) {
	notifyTicker := time.NewTicker(s.notifyInterval)
	expireTicker := time.NewTicker(s.expireInterval)
	defer notifyTicker.Stop()
	defer expireTicker.Stop()

	for {
		select {
		case <-notifyTicker.C:
			s.NotifySweep(ctx)
		case <-expireTicker.C:
			s.ExpireSweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// NotifySweep reminds owners of pending carts that were never notified, then
// stamps notified_at. A failed reminder leaves the stamp unset so the next
// cycle retries; a cart whose owner is gone is skipped.
func (s *Sweeper) NotifySweep(ctx context.Context) {
	guard, release, err := s.acquireSweepLock(ctx, NotifySweepLockKey)
	if err != nil {
		s.logger.Error("notify sweep lock", zap.Error(err))
		return
	}
	if !guard {
		s.logger.Debug("notify sweep skipped, another instance is running")
		return
	}
	defer release()

	ids, err := store.CartsAwaitingNotice(ctx, s.db, sweepBatchSize)
	if err != nil {
		s.logger.Error("notify sweep query", zap.Error(err))
		return
	}

	for _, cartID := range ids {
		if err := s.notifyCart(ctx, cartID); err != nil {
			s.logger.Error("notify cart", zap.Int64("cart_id", cartID), zap.Error(err))
		}
	}
}

func (s *Sweeper) notifyCart(ctx context.Context, cartID int64) error {
	return database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cart, err := store.GetCartForUpdate(ctx, tx, cartID)
		if err != nil {
			return err
		}

		// Candidate list is advisory; re-check under lock.
		if cart.Status != models.CartStatusPending || cart.DeletedAt != nil || cart.NotifiedAt != nil {
			return nil
		}

		email, err := store.GetUserEmail(ctx, s.db, cart.UserID)
		if err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				s.logger.Info("notify sweep: cart owner not contactable",
					zap.Int64("cart_id", cart.ID),
					zap.Int64("user_id", cart.UserID))
				return nil
			}
			return err
		}

		if err := s.notifier.SendPendingCartReminder(ctx, email); err != nil {
			return err
		}

		return store.MarkCartNotified(ctx, tx, cart.ID, time.Now())
	})
}

// ExpireSweep cancels pending carts whose notification is older than the
// grace window, releasing every line's stock in the same per-cart
// transaction. Carts never notified are never expired.
func (s *Sweeper) ExpireSweep(ctx context.Context) {
	guard, release, err := s.acquireSweepLock(ctx, ExpireSweepLockKey)
	if err != nil {
		s.logger.Error("expire sweep lock", zap.Error(err))
		return
	}
	if !guard {
		s.logger.Debug("expire sweep skipped, another instance is running")
		return
	}
	defer release()

	cutoff := time.Now().Add(-s.graceWindow)

	ids, err := store.CartsPastGrace(ctx, s.db, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("expire sweep query", zap.Error(err))
		return
	}

	for _, cartID := range ids {
		if err := s.expireCart(ctx, cartID, cutoff); err != nil {
			s.logger.Error("expire cart", zap.Int64("cart_id", cartID), zap.Error(err))
			continue
		}
	}
}

func (s *Sweeper) expireCart(ctx context.Context, cartID int64, cutoff time.Time) error {
	return database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cart, err := store.GetCartForUpdate(ctx, tx, cartID)
		if err != nil {
			return err
		}

		if cart.Status != models.CartStatusPending || cart.DeletedAt != nil {
			return nil
		}
		if cart.NotifiedAt == nil || !cart.NotifiedAt.Before(cutoff) {
			return nil
		}

		if err := store.ReleaseCartStock(ctx, tx, cart.ID); err != nil {
			return err
		}

		if err := store.CancelCart(ctx, tx, cart.ID); err != nil {
			return err
		}

		s.logger.Info("cart expired",
			zap.Int64("cart_id", cart.ID),
			zap.Int64("user_id", cart.UserID))

		return nil
	})
}

// acquireSweepLock opens a guard transaction holding a transaction-scoped
// advisory lock for the duration of one sweep cycle. The returned release
// func rolls the guard back, dropping the lock.
func (s *Sweeper) acquireSweepLock(ctx context.Context, key int64) (bool, func(), error) {
	guard, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}

	acquired, err := database.TryAdvisoryLock(ctx, guard, key)
	if err != nil {
		guard.Rollback()
		return false, nil, err
	}
	if !acquired {
		guard.Rollback()
		return false, nil, nil
	}

	return true, func() { guard.Rollback() }, nil
}
