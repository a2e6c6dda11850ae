package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrMalformedEncoding is returned when a snapshot payload cannot be decoded
	ErrMalformedEncoding = errors.New("malformed dataset encoding")
)

// Row is a single record keyed by column name. A nil Row is a null record.
type Row map[string]any

// Data is a materialised but not yet committed dataset
type Data struct {
	Schema Schema
	Rows   []Row
}

// NewData creates Data from a schema and rows
func NewData(schema Schema, rows ...Row) *Data {
	return &Data{Schema: schema, Rows: rows}
}

// Len returns the number of rows
func (d *Data) Len() int {
	return len(d.Rows)
}

// Encode renders the canonical byte form: the schema on the first line
// followed by one JSON array per row in schema column order. Two Data values
// with equal schemas and equal rows always encode to identical bytes.
func (d *Data) Encode() ([]byte, error) {
	var buf bytes.Buffer

	header, err := json.Marshal(d.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	buf.Write(header)
	buf.WriteByte('\n')

	for i, row := range d.Rows {
		line, err := encodeRow(d.Schema, row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", i, err)
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// Fingerprint returns the content address of the canonical encoding
func (d *Data) Fingerprint() (string, error) {
	encoded, err := d.Encode()
	if err != nil {
		return "", err
	}

	return Fingerprint(encoded), nil
}

// Fingerprint hashes arbitrary bytes into a content address
func Fingerprint(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

func encodeRow(schema Schema, row Row) ([]byte, error) {
	if row == nil {
		return []byte("null"), nil
	}

	values := make([]any, len(schema))
	for i, col := range schema {
		v := normalize(row[col.Name])
		if ts, ok := v.(time.Time); ok {
			v = ts.Format(time.RFC3339Nano)
		}
		values[i] = v
	}

	return json.Marshal(values)
}

// Decode parses the canonical encoding produced by Encode. Values are coerced
// back to their column types.
func Decode(b []byte) (*Data, error) {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: missing schema header", ErrMalformedEncoding)
	}

	var schema Schema
	if err := json.Unmarshal(scanner.Bytes(), &schema); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}

	data := &Data{Schema: schema}

	for scanner.Scan() {
		row, err := decodeRow(schema, scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrMalformedEncoding, len(data.Rows), err)
		}

		data.Rows = append(data.Rows, row)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}

	return data, nil
}

func decodeRow(schema Schema, line []byte) (Row, error) {
	if bytes.Equal(bytes.TrimSpace(line), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}

	if len(values) != len(schema) {
		return nil, fmt.Errorf("expected %d values, got %d", len(schema), len(values))
	}

	row := make(Row, len(schema))
	for i, col := range schema {
		v, err := col.Type.Coerce(values[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		row[col.Name] = v
	}

	return row, nil
}

// Ref pins a dataset to a committed version. Raw source inputs carry a
// fingerprint instead of a version.
type Ref struct {
	Dataset     ID     `json:"dataset"`
	Version     uint64 `json:"version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// String renders the ref as layer.name@version, or layer.name#fingerprint for
// unversioned inputs.
func (r Ref) String() string {
	if r.Version == 0 && r.Fingerprint != "" {
		return fmt.Sprintf("%s#%s", r.Dataset, r.Fingerprint)
	}

	return fmt.Sprintf("%s@%d", r.Dataset, r.Version)
}

// Snapshot is an immutable materialisation of a dataset version
type Snapshot struct {
	Ref         Ref
	Schema      Schema
	Rows        []Row
	CommittedAt time.Time
}

// Data returns the snapshot contents as Data
func (s *Snapshot) Data() *Data {
	return &Data{Schema: s.Schema, Rows: s.Rows}
}

// RowKey returns the canonical encoding of row under the schema. Rows with
// equal keys are equal in every schema column.
func (s Schema) RowKey(row Row) (string, error) {
	b, err := encodeRow(s, row)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
