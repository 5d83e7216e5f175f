package broker

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Environment
		wantErr bool
	}{
		{"practice", Practice, false},
		{" Demo ", Practice, false},
		{"live", Live, false},
		{"TRADE", Live, false},
		{"paper", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEnvironment(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSides(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Buy, SideOf(decimal.NewFromInt(1000)))
	assert.Equal(t, Sell, SideOf(decimal.NewFromInt(-5)))

	assert.True(t, Sell.Signed(decimal.NewFromInt(300)).Equal(decimal.NewFromInt(-300)))
	assert.True(t, Buy.Signed(decimal.NewFromInt(-300)).Equal(decimal.NewFromInt(300)))
}

func TestTransactionIsFill(t *testing.T) {
	t.Parallel()

	fill := Transaction{Type: TxOrderFill, Instrument: "EUR_USD", Units: decimal.NewFromInt(100)}
	assert.True(t, fill.IsFill())

	zero := fill
	zero.Units = decimal.Zero
	assert.False(t, zero.IsFill())

	other := fill
	other.Type = "MARKET_ORDER"
	assert.False(t, other.IsFill())
}
