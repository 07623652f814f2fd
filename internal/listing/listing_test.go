package listing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStorableAndValidBidAmount(t *testing.T) {
	tests := []struct {
		amount   string
		storable bool
		bid      bool
	}{
		{"0", true, false},
		{"1", true, true},
		{"100000.00", true, true},
		{"100000.010", true, true},
		{"100000.004", false, false},
		{"100000.005", false, false},
		{"9999999999999999.99", true, true},
		{"10000000000000000", false, false},
		{"-1", false, false},
	}
	for _, tt := range tests {
		d := decimal.RequireFromString(tt.amount)
		assert.Equal(t, tt.storable, Storable(d), tt.amount)
		assert.Equal(t, tt.bid, ValidBidAmount(d), tt.amount)
	}
}
