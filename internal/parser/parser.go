package parser

import (
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// RowNormalizer turns a rendered row into a canonical record.
type RowNormalizer interface {
	Normalize(row models.RawRow) (models.Record, error)
}

// TableParser extracts raw rows from rendered table markup.
type TableParser interface {
	ParseRows(html string) ([]models.RawRow, error)
}
