package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sql.DB) error {
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

// stubGateway plays the external payment gateway in-process. Intent ids are
// sequential; statuses are seeded per test.
type stubGateway struct {
	mu         sync.Mutex
	failCreate bool
	created    int
	statuses   map[string]payment.IntentStatus
}

func newStubGateway() *stubGateway {
	return &stubGateway{statuses: make(map[string]payment.IntentStatus)}
}

func (g *stubGateway) CreateIntent(_ context.Context, _ string, _ int64, _ decimal.Decimal) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failCreate {
		return nil, errors.New("gateway unreachable")
	}

	g.created++
	return &payment.Intent{
		IntentID:     fmt.Sprintf("intent-%d", g.created),
		CheckoutLink: fmt.Sprintf("https://pay.example/checkout/%d", g.created),
	}, nil
}

func (g *stubGateway) GetStatus(_ context.Context, intentID string) (*payment.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status, ok := g.statuses[intentID]
	if !ok {
		return &payment.IntentStatus{Status: "unknown"}, nil
	}
	return &status, nil
}

func (g *stubGateway) approve(paymentID string, cartID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[paymentID] = payment.IntentStatus{Status: payment.StatusApproved, CartID: cartID}
}

// stubFinalizer records completed carts handed off for sale finalization.
type stubFinalizer struct {
	mu    sync.Mutex
	carts []int64
}

func (f *stubFinalizer) FinalizeSale(_ context.Context, cart *models.Cart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carts = append(f.carts, cart.ID)
	return nil
}

func (f *stubFinalizer) finalized() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.carts...)
}

// stubNotifier records reminder addresses; fail makes every send error.
type stubNotifier struct {
	mu     sync.Mutex
	fail   bool
	emails []string
}

func (n *stubNotifier) SendPendingCartReminder(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("notifier unavailable")
	}
	n.emails = append(n.emails, email)
	return nil
}

func (n *stubNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.emails...)
}
