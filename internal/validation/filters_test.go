package validation

import (
	"math"
	"testing"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

func TestValidateMarket(t *testing.T) {
	tests := []struct {
		name    string
		market  model.Market
		wantErr bool
	}{
		{
			name:   "valid market",
			market: model.Market{Symbol: "cUSDT", CTokenAddress: "0x1111111111111111111111111111111111111111", UnderlyingSymbol: "USDT", Decimals: 6},
		},
		{
			name:    "missing symbol",
			market:  model.Market{CTokenAddress: "0x1111111111111111111111111111111111111111", UnderlyingSymbol: "USDT"},
			wantErr: true,
		},
		{
			name:    "malformed address",
			market:  model.Market{Symbol: "cUSDT", CTokenAddress: "not-an-address", UnderlyingSymbol: "USDT"},
			wantErr: true,
		},
		{
			name:    "truncated address",
			market:  model.Market{Symbol: "cUSDT", CTokenAddress: "0x1234", UnderlyingSymbol: "USDT"},
			wantErr: true,
		},
		{
			name:    "missing underlying",
			market:  model.Market{Symbol: "cUSDT", CTokenAddress: "0x1111111111111111111111111111111111111111"},
			wantErr: true,
		},
		{
			name:    "absurd decimals",
			market:  model.Market{Symbol: "cUSDT", CTokenAddress: "0x1111111111111111111111111111111111111111", UnderlyingSymbol: "USDT", Decimals: 40},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMarket(tt.market)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMarket() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFilterInvalid(t *testing.T) {
	entries := []model.DistributionEntry{
		{Address: "0xgood", BasePoints: 50, WeightedPoints: 75, Share: 0.75, Reward: 750},
		{Address: "", Share: 0.1, Reward: 100},
		{Address: "0xnan", Share: math.NaN(), Reward: 100},
		{Address: "0xinf", Share: 0.1, Reward: math.Inf(1)},
		{Address: "0xneg", Share: 0.1, Reward: -5},
		{Address: "0xovershare", Share: 1.5, Reward: 100},
	}

	valid := FilterInvalid(entries)
	if len(valid) != 1 {
		t.Fatalf("FilterInvalid() kept %d entries, want 1", len(valid))
	}
	if valid[0].Address != "0xgood" {
		t.Errorf("FilterInvalid() kept %s, want 0xgood", valid[0].Address)
	}
}

func TestFilterInvalid_Empty(t *testing.T) {
	if got := FilterInvalid(nil); len(got) != 0 {
		t.Errorf("FilterInvalid(nil) = %v, want empty", got)
	}
}
