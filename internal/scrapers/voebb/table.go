package voebb

import (
	"fmt"

	"bookaware/internal/htmlutil"
	"bookaware/internal/loans"

	"github.com/PuerkitoBio/goquery"
)

const (
	loansRowSelector = "#resptable-1 tbody tr"

	columnDueDate = 1
	columnLibrary = 2
	columnTitle   = 3
	columnHint    = 4
)

// ParseError means the loans table does not look the way it is expected to, which usually
// means the portal changed its markup.
type ParseError struct {
	RowIndex int
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("loans table row %d: %s", e.RowIndex, e.Reason)
}

// ParseLoans reads the loans table of the account page in row order. A page without the
// table or without rows has no loans.
func ParseLoans(doc *goquery.Document) ([]loans.Record, error) {
	var records []loans.Record

	rows := doc.Find(loansRowSelector)
	for i := range rows.Nodes {
		cells := rows.Eq(i).Find("td")
		if cells.Length() <= columnHint {
			return nil, &ParseError{
				RowIndex: i,
				Reason:   fmt.Sprintf("expected at least %d columns, got %d", columnHint+1, cells.Length()),
			}
		}

		dueText := htmlutil.Text(cells.Eq(columnDueDate))
		dueDate, err := loans.ParseDate(dueText)
		if err != nil {
			return nil, &ParseError{
				RowIndex: i,
				Reason:   fmt.Sprintf("due date %q is not DD.MM.YYYY", dueText),
			}
		}

		records = append(records, loans.Record{
			DueDate: dueDate,
			Library: htmlutil.Text(cells.Eq(columnLibrary)),
			Title:   htmlutil.JoinStripped(cells.Eq(columnTitle)),
			Hint:    htmlutil.Text(cells.Eq(columnHint)),
		})
	}

	return records, nil
}
