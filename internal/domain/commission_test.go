package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommissionRateBPS(t *testing.T) {
	tests := []struct {
		name      string
		planLevel uint8
		wantBPS   uint32
		wantErr   bool
	}{
		{"level 1 lower tier", 1, 5000, false},
		{"level 4 upper edge of lower tier", 4, 5000, false},
		{"level 5 lower edge of middle tier", 5, 5500, false},
		{"level 8 upper edge of middle tier", 8, 5500, false},
		{"level 9 lower edge of top tier", 9, 6000, false},
		{"level 16 upper edge of top tier", 16, 6000, false},
		{"level 0 below table", 0, 0, true},
		{"level 17 above table", 17, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bps, err := CommissionRateBPS(tt.planLevel)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPlanLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBPS, bps)
		})
	}
}

func TestCommissionRateMonotonic(t *testing.T) {
	var prev uint32
	for level := uint8(1); level <= 16; level++ {
		bps, err := CommissionRateBPS(level)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, bps, prev, "rate must not decrease at level %d", level)
		prev = bps
	}
}

func TestComputeCommission(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		rateBPS uint32
		want    string
	}{
		{"level six payout", "5000000", 5500, "2750000"},
		{"half rate", "1000000", 5000, "500000"},
		{"truncates toward zero", "3", 5000, "1"},
		{"zero amount", "0", 6000, "0"},
		{"amount above uint64", "340282366920938463463374607431768211456", 5000, "170141183460469231731687303715884105728"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeCommission(tt.amount, tt.rateBPS)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeCommissionRejectsBadAmounts(t *testing.T) {
	for _, amount := range []string{"", "1.5", "-100", "0x10", "1e6"} {
		_, err := ComputeCommission(amount, 5000)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}
