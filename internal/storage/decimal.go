// Package storage holds the decimal (*big.Rat) conversions changeset's
// scalar codec needs. It is not a database engine — the engine of record
// is modernc.org/sqlite, reached through database/sql by package store.
package storage

import (
	"math/big"
)

// DecimalFromAny attempts to convert a value to *big.Rat.
func DecimalFromAny(v any) (*big.Rat, bool) {
	switch t := v.(type) {
	case *big.Rat:
		return t, true
	case big.Rat:
		return &t, true
	case string:
		r := new(big.Rat)
		if _, ok := r.SetString(t); ok {
			return r, true
		}
		return nil, false
	case int:
		r := new(big.Rat).SetInt64(int64(t))
		return r, true
	case int64:
		r := new(big.Rat).SetInt64(t)
		return r, true
	case float64:
		// Convert float64 to rational approximation
		r := new(big.Rat).SetFloat64(t)
		return r, true
	default:
		return nil, false
	}
}

// DecimalToString returns r in big.Rat's RatString form: "7" for an
// integer, "a/b" (e.g. "1/3") otherwise, and "" for nil.
func DecimalToString(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.RatString()
}
