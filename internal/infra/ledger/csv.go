package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// ReadCSV reads a header-first CSV export into a RawBatch. A UTF-8 byte order
// mark on the first header cell is dropped. Short rows leave missing cells
// blank.
func ReadCSV(r io.Reader, platform domain.Platform, sourceFile string, columns *domain.ColumnMap) (RawBatch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return RawBatch{Platform: platform, SourceFile: sourceFile, Columns: columns}, nil
	}
	if err != nil {
		return RawBatch{}, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	raw := RawBatch{
		Platform:   platform,
		SourceFile: sourceFile,
		Columns:    columns,
		Header:     header,
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return RawBatch{}, fmt.Errorf("read csv row %d: %w", len(raw.Records)+2, err)
		}
		rec := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				rec[h] = row[i]
			}
		}
		raw.Records = append(raw.Records, rec)
	}
	return raw, nil
}
