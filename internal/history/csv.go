package history

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/model"
)

// CSVHeader is the first line of every export.
const CSVHeader = "Type,ID,Amount,Price,Date,Source"

const csvFields = 6

// FormatCSV renders records as comma-joined lines without quoting. A source
// containing a comma produces an unparseable row; that is a known limitation
// of the format.
func FormatCSV(records []model.TransactionRecord) string {
	lines := make([]string, 0, len(records)+1)
	lines = append(lines, CSVHeader)
	for _, r := range records {
		lines = append(lines, strings.Join([]string{
			string(r.Type),
			strconv.FormatUint(r.ListingID, 10),
			r.Amount.String(),
			r.Price.String(),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.EnergySource,
		}, ","))
	}
	return strings.Join(lines, "\n")
}

// WriteCSV writes FormatCSV(records) to w.
func WriteCSV(w io.Writer, records []model.TransactionRecord) error {
	_, err := io.WriteString(w, FormatCSV(records))
	return err
}

// ParseCSV reads text produced by FormatCSV back into records.
func ParseCSV(text string) ([]model.TransactionRecord, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || lines[0] != CSVHeader {
		return nil, fmt.Errorf("missing csv header")
	}

	records := make([]model.TransactionRecord, 0, len(lines)-1)
	for i, line := range lines[1:] {
		fields := strings.Split(line, ",")
		if len(fields) != csvFields {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", i+2, csvFields, len(fields))
		}

		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse id: %w", i+2, err)
		}
		amount, err := decimal.NewFromString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse amount: %w", i+2, err)
		}
		price, err := decimal.NewFromString(fields[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse price: %w", i+2, err)
		}
		ts, err := time.Parse(time.RFC3339, fields[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse date: %w", i+2, err)
		}

		records = append(records, model.TransactionRecord{
			Type:         model.TransactionType(fields[0]),
			ListingID:    id,
			Amount:       amount,
			Price:        price,
			Timestamp:    ts.UTC(),
			EnergySource: fields[5],
		})
	}
	return records, nil
}
