package aspnet

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// GridRow is a body row of a WebForms GridView result table.
type GridRow struct {
	cells *goquery.Selection
}

// Cells returns the number of <td> columns in the row.
func (r GridRow) Cells() int {
	return r.cells.Length()
}

// Text returns the trimmed text of column i, or "" when out of range.
func (r GridRow) Text(i int) string {
	if i >= r.cells.Length() {
		return ""
	}
	return strings.TrimSpace(r.cells.Eq(i).Text())
}

// LinkText returns the trimmed text of the first <a> in column i, or ""
// when the column holds no link.
func (r GridRow) LinkText(i int) string {
	if i >= r.cells.Length() {
		return ""
	}
	link := r.cells.Eq(i).Find("a").First()
	if link.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(link.Text())
}

// SpanText returns the trimmed text of the first <span> in column i, or ""
// when the column holds no span.
func (r GridRow) SpanText(i int) string {
	if i >= r.cells.Length() {
		return ""
	}
	span := r.cells.Eq(i).Find("span").First()
	if span.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(span.Text())
}

// Grid returns the body rows of the first table matching one of the given
// ids. The header row and pagination rows are skipped. The second return
// is false when none of the tables rendered at all, which the scrapers
// treat as a page structure failure rather than an empty result.
func (p *Page) Grid(tableIDs ...string) ([]GridRow, bool) {
	var table *goquery.Selection
	for _, id := range tableIDs {
		sel := p.doc.Find("table#" + id).First()
		if sel.Length() > 0 {
			table = sel
			break
		}
	}
	if table == nil {
		return nil, false
	}

	var rows []GridRow
	table.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return // header
		}
		if html, err := goquery.OuterHtml(tr); err == nil && strings.Contains(html, "PageBar") {
			return // pagination
		}
		rows = append(rows, GridRow{cells: tr.Find("td")})
	})
	return rows, true
}
