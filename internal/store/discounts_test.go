package store

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyDiscount(t *testing.T) {
	tests := []struct {
		name       string
		subtotal   int64
		percentage int
		want       string
	}{
		{"twenty percent off 500", 500, 20, "400"},
		{"zero percent is identity", 500, 0, "500"},
		{"full discount", 500, 100, "0"},
		{"rounding to cents", 99, 33, "66.33"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyDiscount(decimal.NewFromInt(tt.subtotal), tt.percentage)
			want, _ := decimal.NewFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}
