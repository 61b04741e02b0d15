package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClientCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/intents" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", got)
		}

		var req createIntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Metadata.CartID != 42 {
			t.Errorf("expected cart id 42 in metadata, got %d", req.Metadata.CartID)
		}
		if !req.Amount.Equal(decimal.NewFromInt(400)) {
			t.Errorf("expected amount 400, got %s", req.Amount)
		}

		json.NewEncoder(w).Encode(createIntentResponse{
			IntentID:     "intent-1",
			CheckoutLink: "https://pay.example/c/intent-1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 2*time.Second)

	intent, err := client.CreateIntent(context.Background(), "ref-1", 42, decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.IntentID != "intent-1" {
		t.Errorf("expected intent-1, got %s", intent.IntentID)
	}
	if intent.CheckoutLink != "https://pay.example/c/intent-1" {
		t.Errorf("unexpected checkout link %s", intent.CheckoutLink)
	}
}

func TestClientGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/intents/pay-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(intentStatusResponse{
			Status:   StatusApproved,
			Metadata: intentMetadata{CartID: 7},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 2*time.Second)

	status, err := client.GetStatus(context.Background(), "pay-9")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != StatusApproved {
		t.Errorf("expected approved, got %s", status.Status)
	}
	if status.CartID != 7 {
		t.Errorf("expected cart 7, got %d", status.CartID)
	}
}

func TestClientGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 2*time.Second)

	if _, err := client.CreateIntent(context.Background(), "ref-1", 1, decimal.NewFromInt(10)); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestClientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)

	for i := 0; i < 5; i++ {
		client.GetStatus(context.Background(), "pay-1")
	}

	// Breaker is open now; the request fails without reaching the server.
	srv.Close()
	if _, err := client.GetStatus(context.Background(), "pay-1"); err == nil {
		t.Fatal("expected error while breaker is open")
	}
}
