// Package models provides data structures and state management for trades and orders.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Right identifies the option right of a contract.
type Right string

const (
	// RightPut represents a put option contract
	RightPut Right = "P"
	// RightCall represents a call option contract
	RightCall Right = "C"
)

// Valid returns true if the Right is one of the defined constants
func (r Right) Valid() bool {
	return r == RightPut || r == RightCall
}

// InstrumentKey identifies a unique option contract. All conflict and OCA
// logic is scoped per key. Expiration is stored as "2006-01-02" so the key
// stays comparable and JSON-friendly.
type InstrumentKey struct {
	Symbol     string  `json:"symbol"`
	Strike     float64 `json:"strike"`
	Expiration string  `json:"expiration"`
	Right      Right   `json:"right"`
}

// String returns a compact human-readable form, e.g. "SPY 500P 2026-03-20".
func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s %.0f%s %s", k.Symbol, k.Strike, k.Right, k.Expiration)
}

// OptionSymbol renders the key in OPRA/OCC format:
// TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits], e.g. SPY260320P00500000.
func (k InstrumentKey) OptionSymbol() (string, error) {
	exp, err := time.Parse("2006-01-02", k.Expiration)
	if err != nil {
		return "", fmt.Errorf("invalid expiration %q: %w", k.Expiration, err)
	}
	if !k.Right.Valid() {
		return "", fmt.Errorf("invalid right %q", k.Right)
	}
	strikeInt := int64(k.Strike*1000 + 0.5)
	return fmt.Sprintf("%s%s%s%08d", k.Symbol, exp.Format("060102"), k.Right, strikeInt), nil
}

// ParseOptionSymbol parses an OPRA format option symbol into an InstrumentKey.
// Example: SPY260320P00500000 -> {SPY, 500.00, 2026-03-20, P}
func ParseOptionSymbol(symbol string) (InstrumentKey, error) {
	if len(symbol) < 15 {
		return InstrumentKey{}, fmt.Errorf("option symbol too short: %s", symbol)
	}

	// Find the 6-digit YYMMDD expiration date pattern
	expirationPos := -1
	for i := 1; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i : i+6]) {
			expirationPos = i
			break
		}
	}
	if expirationPos == -1 {
		return InstrumentKey{}, fmt.Errorf("no YYMMDD expiration found in symbol: %s", symbol)
	}

	// The option right (C/P) follows the expiration date
	rightPos := expirationPos + 6
	if rightPos >= len(symbol) {
		return InstrumentKey{}, fmt.Errorf("symbol too short after expiration date: %s", symbol)
	}
	right := Right(symbol[rightPos])
	if !right.Valid() {
		return InstrumentKey{}, fmt.Errorf("invalid option right %q in symbol: %s", string(symbol[rightPos]), symbol)
	}

	strikeStr := symbol[rightPos+1:]
	if len(strikeStr) != 8 || !isAllDigits(strikeStr) {
		return InstrumentKey{}, fmt.Errorf("invalid strike %q in symbol: %s", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("failed to parse strike in symbol %s: %w", symbol, err)
	}

	exp, err := time.Parse("060102", symbol[expirationPos:expirationPos+6])
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("failed to parse expiration in symbol %s: %w", symbol, err)
	}

	return InstrumentKey{
		Symbol:     symbol[:expirationPos],
		Strike:     float64(strikeInt) / 1000.0,
		Expiration: exp.Format("2006-01-02"),
		Right:      right,
	}, nil
}

// UnderlyingFromSymbol extracts the underlying ticker from an option symbol.
// For stock symbols (no embedded date) the whole symbol is returned.
func UnderlyingFromSymbol(symbol string) string {
	for i := 1; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i : i+6]) {
			return symbol[:i]
		}
	}
	return symbol
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DTE returns the calendar days from now until the key's expiration, floored at 0.
func (k InstrumentKey) DTE(now time.Time) int {
	exp, err := time.Parse("2006-01-02", k.Expiration)
	if err != nil {
		return 0
	}
	days := int(exp.Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// NormalizeExpiration accepts "2006-01-02" or "20060102" and returns the
// canonical "2006-01-02" form.
func NormalizeExpiration(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized expiration format: %q", s)
}
