package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/safar/go-commerce/internal/checkout"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/scheduler"
	"github.com/safar/go-commerce/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newSweeper(db *sql.DB, notifier *stubNotifier) *scheduler.Sweeper {
	return scheduler.NewSweeper(db, notifier, zap.NewNop(), 10*time.Minute, 3*time.Hour, time.Hour)
}

func backdateNotification(t *testing.T, db *sql.DB, cartID int64, age time.Duration) {
	t.Helper()
	_, err := db.Exec(`UPDATE carts SET notified_at = NOW() - make_interval(secs => $1) WHERE id = $2`,
		age.Seconds(), cartID)
	if err != nil {
		t.Fatalf("Backdate notification: %v", err)
	}
}

func TestNotifySweepStampsAndSends(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "nina@example.com", "Nina")
	product, _ := store.CreateProduct(ctx, db, "SKU-200", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	sweeper.NotifySweep(ctx)

	sent := notifier.sent()
	if len(sent) != 1 || sent[0] != "nina@example.com" {
		t.Errorf("Expected one reminder to nina@example.com, got %v", sent)
	}

	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.NotifiedAt == nil {
		t.Fatal("Expected notified_at to be stamped")
	}

	// Already-notified carts are excluded from the next cycle.
	sweeper.NotifySweep(ctx)
	if len(notifier.sent()) != 1 {
		t.Errorf("Expected no second reminder, got %v", notifier.sent())
	}
}

func TestNotifySweepFailedSendLeavesStampUnset(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{fail: true}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "olga@example.com", "Olga")
	product, _ := store.CreateProduct(ctx, db, "SKU-201", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	sweeper.NotifySweep(ctx)

	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.NotifiedAt != nil {
		t.Error("Failed reminder must not stamp notified_at")
	}

	// Next cycle retries once the notifier recovers.
	notifier.fail = false
	sweeper.NotifySweep(ctx)

	reloaded, _ = store.LoadCart(ctx, db, cart.ID)
	if reloaded.NotifiedAt == nil {
		t.Error("Recovered notifier should stamp notified_at")
	}
}

func TestExpireSweepCancelsAndReleasesStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "pam@example.com", "Pam")
	product, _ := store.CreateProduct(ctx, db, "SKU-202", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	sweeper.NotifySweep(ctx)
	backdateNotification(t, db, cart.ID, 61*time.Minute)

	sweeper.ExpireSweep(ctx)

	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.Status != models.CartStatusCancelled {
		t.Errorf("Expected cancelled cart, got %s", reloaded.Status)
	}
	if reloaded.DeletedAt == nil {
		t.Error("Expired cart must be soft-deleted")
	}

	if stock := mustStock(t, db, product.ID); stock != 10 {
		t.Errorf("Expected stock restored to 10, got %d", stock)
	}

	// A second sweep must not release the same reservation again.
	sweeper.ExpireSweep(ctx)
	if stock := mustStock(t, db, product.ID); stock != 10 {
		t.Errorf("Second sweep must not double-release, stock should be 10, got %d", stock)
	}
}

func TestExpireSweepSkipsUnnotifiedAndFreshCarts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	u1, _ := store.CreateUser(ctx, db, "quinn@example.com", "Quinn")
	u2, _ := store.CreateUser(ctx, db, "rosa@example.com", "Rosa")
	product, _ := store.CreateProduct(ctx, db, "SKU-203", "Widget", "", decimal.NewFromInt(10), 10)

	neverNotified, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: u1.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	fresh, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: u2.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	// Only the second cart gets notified, and only just now.
	backdateNotification(t, db, fresh.ID, 5*time.Minute)

	sweeper.ExpireSweep(ctx)

	for _, cartID := range []int64{neverNotified.ID, fresh.ID} {
		reloaded, _ := store.LoadCart(ctx, db, cartID)
		if reloaded.Status != models.CartStatusPending {
			t.Errorf("Cart %d must stay pending, got %s", cartID, reloaded.Status)
		}
	}
}

func TestTryAdvisoryLockContention(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	first, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Begin first tx: %v", err)
	}
	defer first.Rollback()

	held, err := database.TryAdvisoryLock(ctx, first, scheduler.NotifySweepLockKey)
	if err != nil {
		t.Fatalf("First acquire: %v", err)
	}
	if !held {
		t.Fatal("First session must acquire the lock")
	}

	second, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Begin second tx: %v", err)
	}
	defer second.Rollback()

	held, err = database.TryAdvisoryLock(ctx, second, scheduler.NotifySweepLockKey)
	if err != nil {
		t.Fatalf("Second acquire: %v", err)
	}
	if held {
		t.Error("Second session must not acquire a held lock")
	}

	// Rollback releases the transaction-scoped lock.
	if err := first.Rollback(); err != nil {
		t.Fatalf("Release first tx: %v", err)
	}

	held, err = database.TryAdvisoryLock(ctx, second, scheduler.NotifySweepLockKey)
	if err != nil {
		t.Fatalf("Reacquire: %v", err)
	}
	if !held {
		t.Error("Released lock must be acquirable again")
	}
}

func TestNotifySweepSkipsWhileAnotherInstanceHoldsLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "tara@example.com", "Tara")
	product, _ := store.CreateProduct(ctx, db, "SKU-205", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	// Another instance's guard transaction holds the notify lock.
	guard, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Begin guard tx: %v", err)
	}
	defer guard.Rollback()

	held, err := database.TryAdvisoryLock(ctx, guard, scheduler.NotifySweepLockKey)
	if err != nil || !held {
		t.Fatalf("Hold notify lock: held=%v err=%v", held, err)
	}

	sweeper.NotifySweep(ctx)

	if sent := notifier.sent(); len(sent) != 0 {
		t.Errorf("Locked-out sweep must send nothing, got %v", sent)
	}
	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.NotifiedAt != nil {
		t.Error("Locked-out sweep must not stamp notified_at")
	}

	// Once the other instance's cycle ends the next run proceeds.
	if err := guard.Rollback(); err != nil {
		t.Fatalf("Release guard tx: %v", err)
	}

	sweeper.NotifySweep(ctx)
	if sent := notifier.sent(); len(sent) != 1 {
		t.Errorf("Expected one reminder after lock release, got %v", sent)
	}
}

func TestExpireSweepSkipsWhileAnotherInstanceHoldsLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "ulla@example.com", "Ulla")
	product, _ := store.CreateProduct(ctx, db, "SKU-206", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	sweeper.NotifySweep(ctx)
	backdateNotification(t, db, cart.ID, 61*time.Minute)

	guard, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Begin guard tx: %v", err)
	}
	defer guard.Rollback()

	held, err := database.TryAdvisoryLock(ctx, guard, scheduler.ExpireSweepLockKey)
	if err != nil || !held {
		t.Fatalf("Hold expire lock: held=%v err=%v", held, err)
	}

	sweeper.ExpireSweep(ctx)

	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.Status != models.CartStatusPending {
		t.Errorf("Locked-out sweep must not cancel, got %s", reloaded.Status)
	}
	if stock := mustStock(t, db, product.ID); stock != 8 {
		t.Errorf("Locked-out sweep must not release stock, expected 8, got %d", stock)
	}

	if err := guard.Rollback(); err != nil {
		t.Fatalf("Release guard tx: %v", err)
	}

	sweeper.ExpireSweep(ctx)

	reloaded, _ = store.LoadCart(ctx, db, cart.ID)
	if reloaded.Status != models.CartStatusCancelled {
		t.Errorf("Expected cancelled cart after lock release, got %s", reloaded.Status)
	}
	if stock := mustStock(t, db, product.ID); stock != 10 {
		t.Errorf("Expected stock restored to 10, got %d", stock)
	}
}

func TestNotifySweepSkipsDeletedUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, _ := newService(db, newStubGateway())
	notifier := &stubNotifier{}
	sweeper := newSweeper(db, notifier)

	user, _ := store.CreateUser(ctx, db, "sven@example.com", "Sven")
	product, _ := store.CreateProduct(ctx, db, "SKU-204", "Widget", "", decimal.NewFromInt(10), 10)

	cart, err := svc.UpsertCart(ctx, checkout.UpsertRequest{
		UserID: user.ID,
		Lines:  []checkout.LineRequest{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Upsert cart: %v", err)
	}

	// Deleting the user cancels the cart; recreate a pending one pointing at
	// a soft-deleted owner by deleting the user directly.
	if _, err := db.Exec(`UPDATE users SET deleted_at = NOW() WHERE id = $1`, user.ID); err != nil {
		t.Fatalf("Soft delete user: %v", err)
	}

	sweeper.NotifySweep(ctx)

	if len(notifier.sent()) != 0 {
		t.Errorf("No reminder expected for deleted user, got %v", notifier.sent())
	}

	reloaded, _ := store.LoadCart(ctx, db, cart.ID)
	if reloaded.NotifiedAt != nil {
		t.Error("Skipped cart must not be stamped")
	}
	if reloaded.Status != models.CartStatusPending {
		t.Errorf("Skipped cart must stay pending, got %s", reloaded.Status)
	}
}
