package models

import (
	"testing"
	"time"
)

func TestDiscountExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	discount := &Discount{Code: "SAVE10", Percentage: 10, DurationDays: 30, CreatedAt: created}

	if discount.Expired(created.AddDate(0, 0, 29)) {
		t.Error("discount inside its window must not be expired")
	}
	if !discount.Expired(created.AddDate(0, 0, 31)) {
		t.Error("discount past its window must be expired")
	}
}
