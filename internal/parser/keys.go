package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// KeyFunc derives the identity key of a normalized record. A deployment
// picks one and keeps it; switching invalidates persisted ledgers.
type KeyFunc func(rec models.Record) string

// CompositeKey hashes the fields that distinguish one trade from another.
// Numbers are keyed by value so "1,000.00" and "1000" collide.
func CompositeKey(rec models.Record) string {
	parts := []string{
		rec.ContractNo,
		strings.ToUpper(rec.Symbol),
		rec.Buyer,
		rec.Seller,
		models.FormatNumber(rec.Quantity),
		models.FormatNumber(rec.Rate),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}

// ContractKey uses the exchange contract number alone.
func ContractKey(rec models.Record) string {
	return rec.ContractNo
}

// KeyFuncByName resolves a configured key strategy.
func KeyFuncByName(name string) (KeyFunc, bool) {
	switch strings.ToLower(name) {
	case "", "composite":
		return CompositeKey, true
	case "contract":
		return ContractKey, true
	default:
		return nil, false
	}
}
