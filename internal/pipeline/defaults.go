package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ingest-engine/internal/models"
)

// The collaborators below are deliberately naive stand-ins: the real
// ML-backed classifier and format-specific extraction live outside this
// module and plug in through the same interfaces.

// DelimiterClassifier sniffs the most frequent candidate delimiter in the
// sample.
type DelimiterClassifier struct{}

var delimiterCandidates = []string{",", ";", "\t", "|"}

func (DelimiterClassifier) Classify(_ context.Context, sample []models.RawRow) (Classification, error) {
	if len(sample) == 0 {
		return Classification{}, errors.New("empty sample")
	}
	best := ""
	bestCount := 0
	for _, d := range delimiterCandidates {
		count := 0
		for _, row := range sample {
			count += strings.Count(row.Data, d)
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	if best == "" {
		return Classification{}, fmt.Errorf("no delimiter found in %d sample rows", len(sample))
	}
	class := Classification{Format: "delimited", Delimiter: best}
	// First row doubles as the header when every cell is non-numeric-looking.
	class.Columns = splitCells(sample[0].Data, best)
	return class, nil
}

// DelimitedParser splits each row on the classified delimiter and maps cells
// to the classified column names. The first column value becomes the record
// key.
type DelimitedParser struct{}

func (DelimitedParser) Parse(_ context.Context, class Classification, rows []models.RawRow) ([]models.Record, error) {
	if class.Delimiter == "" {
		return nil, errors.New("classification carries no delimiter")
	}
	out := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		cells := splitCells(row.Data, class.Delimiter)
		fields := make(map[string]string, len(cells))
		for i, cell := range cells {
			name := fmt.Sprintf("col_%d", i)
			if i < len(class.Columns) {
				name = class.Columns[i]
			}
			fields[name] = cell
		}
		rec := models.Record{RowIndex: row.Index, Fields: fields}
		if len(cells) > 0 {
			rec.Key = cells[0]
		}
		out = append(out, rec)
	}
	return out, nil
}

// RequiredFieldsValidator rejects records missing any of the required fields.
type RequiredFieldsValidator struct {
	Required []string
}

func (v RequiredFieldsValidator) Validate(_ context.Context, rec models.Record) error {
	for _, name := range v.Required {
		if strings.TrimSpace(rec.Fields[name]) == "" {
			return fmt.Errorf("row %d: missing required field %q", rec.RowIndex, name)
		}
	}
	if rec.Key == "" {
		return fmt.Errorf("row %d: empty record key", rec.RowIndex)
	}
	return nil
}

func splitCells(line, delim string) []string {
	cells := strings.Split(line, delim)
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}
