package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// DefaultRowSelector matches the body rows of the floor sheet table.
const DefaultRowSelector = "table.table-striped tbody tr"

type HTMLTableParser struct {
	rowSelector  string
	cellSelector string
}

func NewHTMLTableParser(rowSelector string) *HTMLTableParser {
	if rowSelector == "" {
		rowSelector = DefaultRowSelector
	}
	return &HTMLTableParser{
		rowSelector:  rowSelector,
		cellSelector: "td",
	}
}

// ParseRows returns the text of every cell of every matching row. Rows
// without cells (spacers, "no data" banners rendered as th) are skipped.
func (p *HTMLTableParser) ParseRows(html string) ([]models.RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var rows []models.RawRow
	doc.Find(p.rowSelector).Each(func(i int, tr *goquery.Selection) {
		cells := tr.Find(p.cellSelector)
		if cells.Length() == 0 {
			return
		}
		row := make(models.RawRow, 0, cells.Length())
		cells.Each(func(j int, td *goquery.Selection) {
			row = append(row, td.Text())
		})
		rows = append(rows, row)
	})

	return rows, nil
}

// ParseTableRows is a convenience wrapper around the default parser.
func ParseTableRows(html string) ([]models.RawRow, error) {
	return NewHTMLTableParser("").ParseRows(html)
}
