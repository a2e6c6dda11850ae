package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

const (
	// OptionDelimiter sets the CSV field separator
	OptionDelimiter = "delimiter"
	// OptionNull sets the CSV cell text read as null; empty cells are null by default
	OptionNull = "null"
)

// ReadCSV parses a CSV document with a header row. Every column is a string
// column; cells equal to the null marker become null.
func ReadCSV(ctx context.Context, r io.Reader, options map[string]string) (*dataset.Data, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	if d, ok := options[OptionDelimiter]; ok && d != "" {
		delim, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return nil, fmt.Errorf("%w: delimiter must be a single character", ErrMalformedSource)
		}
		reader.Comma = delim
	}

	nullMarker := options[OptionNull]

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return dataset.NewData(nil), nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedSource, err)
	}

	schema := make(dataset.Schema, len(header))
	for i, name := range header {
		schema[i] = dataset.Column{Name: name, Type: dataset.TypeString}
	}

	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedSource, err)
	}

	data := dataset.NewData(schema)

	for line := 2; ; line++ {
		if err := checkContext(ctx, line); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedSource, err)
		}

		if len(record) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrMalformedSource, line, len(record), len(header))
		}

		row := make(dataset.Row, len(header))
		for i, cell := range record {
			if cell == nullMarker {
				row[header[i]] = nil
				schema[i].Nullable = true
				continue
			}
			row[header[i]] = cell
		}

		data.Rows = append(data.Rows, row)
	}

	return data, nil
}
