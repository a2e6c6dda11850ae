package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// ReadJSON parses either a JSON array of objects or newline-delimited
// objects. A JSON null element is kept as a null record. Columns are the
// union of all object keys in sorted order.
func ReadJSON(ctx context.Context, r io.Reader) (*dataset.Data, error) {
	buffered := bufio.NewReader(r)

	first, err := peekNonSpace(buffered)
	if errors.Is(err, io.EOF) {
		return dataset.NewData(nil), nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSource, err)
	}

	dec := json.NewDecoder(buffered)
	dec.UseNumber()

	var objects []map[string]any

	if first == '[' {
		if err := dec.Decode(&objects); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedSource, err)
		}
	} else {
		for n := 0; ; n++ {
			if err := checkContext(ctx, n); err != nil {
				return nil, err
			}

			var obj map[string]any
			if err := dec.Decode(&obj); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedSource, n, err)
			}

			objects = append(objects, obj)
		}
	}

	keys := make(map[string]struct{})
	rows := make([]dataset.Row, len(objects))

	for i, obj := range objects {
		if obj == nil {
			continue
		}

		row := make(dataset.Row, len(obj))
		for k, v := range obj {
			keys[k] = struct{}{}

			value, err := dataset.TypeAny.Coerce(v)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedSource, i, err)
			}
			row[k] = value
		}

		rows[i] = row
	}

	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}

	sort.Strings(columns)

	for _, row := range rows {
		if row == nil {
			continue
		}

		for _, c := range columns {
			if _, ok := row[c]; !ok {
				row[c] = nil
			}
		}
	}

	return &dataset.Data{Schema: inferSchema(columns, rows), Rows: rows}, nil
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}

		if bytes.IndexByte([]byte(" \t\r\n"), b) >= 0 {
			continue
		}

		if err := r.UnreadByte(); err != nil {
			return 0, err
		}

		return b, nil
	}
}
