package models

import (
	"strconv"
	"strings"
	"time"
)

// Arity is the number of columns in a floor sheet row.
const Arity = 8

// Header names the output columns in order.
var Header = []string{"SN", "ContractNo", "Symbol", "Buyer", "Seller", "Quantity", "Rate", "Amount"}

// Column positions within a raw row.
const (
	ColSN = iota
	ColContractNo
	ColSymbol
	ColBuyer
	ColSeller
	ColQuantity
	ColRate
	ColAmount
)

// RawRow is one rendered table row, cells in display order.
type RawRow []string

// RawPage is what a page source returns for one pagination step.
type RawPage struct {
	Index     int       `json:"index"`
	Rows      []RawRow  `json:"rows"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Len returns the number of rows on the page.
func (p RawPage) Len() int {
	return len(p.Rows)
}

// Record is a normalized floor sheet trade. Values are set once by the
// normalizer and never modified afterwards.
type Record struct {
	Key        string `json:"key"`
	SN         int64  `json:"sn"`
	ContractNo string `json:"contract_no"`
	Symbol     string `json:"symbol"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`

	Quantity float64 `json:"quantity"`
	Rate     float64 `json:"rate"`
	Amount   float64 `json:"amount"`

	// Text holds the canonical text of every column, used for file output.
	Text [Arity]string `json:"text"`
	Page int           `json:"page"`
}

// Fields returns the canonical text fields in output order.
func (r Record) Fields() []string {
	out := make([]string, Arity)
	copy(out, r.Text[:])
	return out
}

// IsValid reports whether the record carries the fields identity depends on.
func (r Record) IsValid() bool {
	return r.Key != "" && r.ContractNo != "" && r.Symbol != ""
}

// ParseNumber parses a numeric cell, tolerating thousands separators.
func ParseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
}

// FormatNumber renders a number in its shortest canonical form.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
