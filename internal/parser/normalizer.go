package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

var (
	ErrArity      = errors.New("unexpected field count")
	ErrNotNumeric = errors.New("field is not numeric")
	ErrEmptyField = errors.New("required field is empty")
)

// numericPattern matches plain or thousands-grouped decimals such as
// "1234", "1,234.50" or "-0.00".
var numericPattern = regexp.MustCompile(`^-?(\d{1,3}(,\d{3})+|\d+)(\.\d+)?$`)

// NormalizationError describes a row that could not be turned into a record.
// It is a per-row fault: the row is dropped and pagination continues.
type NormalizationError struct {
	Field string
	Value string
	Got   int
	Want  int
	Err   error
}

func (e *NormalizationError) Error() string {
	if errors.Is(e.Err, ErrArity) {
		return fmt.Sprintf("normalize row: %v: got %d fields, want %d", e.Err, e.Got, e.Want)
	}
	return fmt.Sprintf("normalize row: field %s (%q): %v", e.Field, e.Value, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

type Normalizer struct {
	key KeyFunc
}

// NewNormalizer returns a normalizer deriving identity with key, or with
// CompositeKey when key is nil.
func NewNormalizer(key KeyFunc) *Normalizer {
	if key == nil {
		key = CompositeKey
	}
	return &Normalizer{key: key}
}

func (n *Normalizer) Normalize(row models.RawRow) (models.Record, error) {
	if len(row) != models.Arity {
		return models.Record{}, &NormalizationError{Got: len(row), Want: models.Arity, Err: ErrArity}
	}

	var rec models.Record
	for i, raw := range row {
		rec.Text[i] = CleanField(raw)
	}

	rec.ContractNo = rec.Text[models.ColContractNo]
	rec.Symbol = rec.Text[models.ColSymbol]
	rec.Buyer = rec.Text[models.ColBuyer]
	rec.Seller = rec.Text[models.ColSeller]

	for _, col := range []int{models.ColContractNo, models.ColSymbol} {
		if rec.Text[col] == "" {
			return models.Record{}, &NormalizationError{Field: models.Header[col], Err: ErrEmptyField}
		}
	}

	sn, err := strconv.ParseInt(strings.ReplaceAll(rec.Text[models.ColSN], ",", ""), 10, 64)
	if err != nil {
		return models.Record{}, &NormalizationError{Field: models.Header[models.ColSN], Value: rec.Text[models.ColSN], Err: ErrNotNumeric}
	}
	rec.SN = sn

	numbers := []struct {
		col int
		dst *float64
	}{
		{models.ColQuantity, &rec.Quantity},
		{models.ColRate, &rec.Rate},
		{models.ColAmount, &rec.Amount},
	}
	for _, num := range numbers {
		if !numericPattern.MatchString(rec.Text[num.col]) {
			return models.Record{}, &NormalizationError{Field: models.Header[num.col], Value: rec.Text[num.col], Err: ErrNotNumeric}
		}
		v, err := models.ParseNumber(rec.Text[num.col])
		if err != nil {
			return models.Record{}, &NormalizationError{Field: models.Header[num.col], Value: rec.Text[num.col], Err: ErrNotNumeric}
		}
		*num.dst = v
	}

	rec.Key = n.key(rec)
	return rec, nil
}

// CleanField trims whitespace, undoes quoting artifacts left by the
// rendering and drops a zero-only decimal tail from numeric text.
func CleanField(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, `""`, `"`)
	return StripZeroDecimals(s)
}

// StripZeroDecimals removes ".00"-style suffixes from numeric text. Values
// with a significant fraction and non-numeric text are returned unchanged.
func StripZeroDecimals(s string) string {
	if !numericPattern.MatchString(s) {
		return s
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return s
	}
	if strings.Trim(s[dot+1:], "0") != "" {
		return s
	}
	out := s[:dot]
	if out == "-0" {
		return "0"
	}
	return out
}
