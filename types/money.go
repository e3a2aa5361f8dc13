// Package types provides common types used across Chainbill.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Money represents a token amount in the asset's smallest (minor) unit.
// All arithmetic is integer-only — no floating point.
//
// Examples:
//   - USDC(999000) = 0.999 USDC (6 decimals)
//   - USDT(2000000) = 2 USDT (6 decimals)
//   - WBTC(100000000) = 1 WBTC (8 decimals)
type Money struct {
	Amount int64  `json:"amount"` // Smallest unit (micro-USDC, satoshi, etc)
	Asset  string `json:"asset"`  // Lowercase asset symbol: "usdc", "usdt", "wbtc"
}

// Common asset constructors

// USDC creates a Money value in USD Coin (micro-units, 6 decimals).
func USDC(micro int64) Money { return Money{Amount: micro, Asset: "usdc"} }

// USDT creates a Money value in Tether (micro-units, 6 decimals).
func USDT(micro int64) Money { return Money{Amount: micro, Asset: "usdt"} }

// EURC creates a Money value in Euro Coin (micro-units, 6 decimals).
func EURC(micro int64) Money { return Money{Amount: micro, Asset: "eurc"} }

// WBTC creates a Money value in Wrapped Bitcoin (satoshi, 8 decimals).
func WBTC(sats int64) Money { return Money{Amount: sats, Asset: "wbtc"} }

// SOL creates a Money value in Solana (lamports, 9 decimals).
func SOL(lamports int64) Money { return Money{Amount: lamports, Asset: "sol"} }

// Zero returns a zero Money value in the specified asset.
func Zero(asset string) Money { return Money{Amount: 0, Asset: strings.ToLower(asset)} }

// Arithmetic operations

// Add adds two Money values. Panics if assets don't match.
func (m Money) Add(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount + other.Amount, Asset: m.Asset}
}

// Subtract subtracts another Money value. Panics if assets don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount - other.Amount, Asset: m.Asset}
}

// Multiply multiplies the Money by a quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Asset: m.Asset}
}

// Divide divides the Money by a divisor. Uses integer division.
func (m Money) Divide(divisor int64) Money {
	if divisor == 0 {
		panic("money: division by zero")
	}
	return Money{Amount: m.Amount / divisor, Asset: m.Asset}
}

// Mod returns the remainder of dividing the Money by a divisor.
func (m Money) Mod(divisor int64) Money {
	if divisor == 0 {
		panic("money: division by zero")
	}
	return Money{Amount: m.Amount % divisor, Asset: m.Asset}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Asset: m.Asset}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return Money{Amount: -m.Amount, Asset: m.Asset}
	}
	return m
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values are equal (same amount and asset).
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Asset == other.Asset
}

// LessThan returns true if this Money is less than other. Panics if assets don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameAsset(other)
	return m.Amount < other.Amount
}

// GreaterThan returns true if this Money is greater than other. Panics if assets don't match.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameAsset(other)
	return m.Amount > other.Amount
}

// Min returns the smaller of two Money values. Panics if assets don't match.
func (m Money) Min(other Money) Money {
	m.assertSameAsset(other)
	if m.Amount < other.Amount {
		return m
	}
	return other
}

// Max returns the larger of two Money values. Panics if assets don't match.
func (m Money) Max(other Money) Money {
	m.assertSameAsset(other)
	if m.Amount > other.Amount {
		return m
	}
	return other
}

// Formatting methods

// FormatMajor returns the major unit string without the asset symbol.
// For 6-decimal assets: "0.999000" for USDC(999000).
// For 0-decimal assets: "100".
func (m Money) FormatMajor() string {
	decimals := assetDecimals(m.Asset)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	divisor := int64(1)
	for i := 0; i < decimals; i++ {
		divisor *= 10
	}

	// Handle sign separately
	isNegative := m.Amount < 0
	absAmount := m.Amount
	if isNegative {
		absAmount = -absAmount
	}

	major := absAmount / divisor
	minor := absAmount % divisor

	format := fmt.Sprintf("%%d.%%0%dd", decimals)
	result := fmt.Sprintf(format, major, minor)

	if isNegative {
		return "-" + result
	}
	return result
}

// String returns a human-readable string with the asset symbol.
// Examples: "0.999000 USDC", "1.00000000 WBTC"
func (m Money) String() string {
	return m.FormatMajor() + " " + strings.ToUpper(m.Asset)
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount  int64  `json:"amount"`
		Asset   string `json:"asset"`
		Display string `json:"display"`
	}{
		Amount:  m.Amount,
		Asset:   m.Asset,
		Display: m.String(),
	})
}

// Helper functions

// assertSameAsset panics if assets don't match.
func (m Money) assertSameAsset(other Money) {
	if m.Asset != other.Asset {
		panic(fmt.Sprintf("money: asset mismatch: %s != %s", m.Asset, other.Asset))
	}
}

// assetDecimals returns the number of minor-unit decimals for an asset.
func assetDecimals(asset string) int {
	decimals := map[string]int{
		"usdc": 6, // USD Coin
		"usdt": 6, // Tether
		"eurc": 6, // Euro Coin
		"dai":  6, // Dai, truncated to micro-units in this system
		"wbtc": 8, // Wrapped Bitcoin
		"sol":  9, // Solana
	}
	if d, ok := decimals[strings.ToLower(asset)]; ok {
		return d
	}
	// 6-decimal stablecoin convention for unknown assets
	return 6
}

// Sum calculates the sum of multiple Money values. All must have the same asset.
func Sum(values ...Money) Money {
	if len(values) == 0 {
		return Zero("usdc")
	}

	result := values[0]
	for i := 1; i < len(values); i++ {
		result = result.Add(values[i])
	}
	return result
}
