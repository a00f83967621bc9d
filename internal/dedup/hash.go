// Package dedup computes storage-level content hashes and inserts expenses
// through a conflict-tolerant gate.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// ContentHash returns the hex SHA-256 of "date-description-amount".
// Merchant and category do not take part: two rows that differ only there
// collide.
func ContentHash(date civil.Date, description string, baseAmount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(date.String() + "-" + description + "-" + baseAmount.String()))
	return hex.EncodeToString(sum[:])
}
