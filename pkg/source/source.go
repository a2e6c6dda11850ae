// Package source reads raw input files that feed Bronze stages
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedFormat is returned for an unknown source format
	ErrUnsupportedFormat = errors.New("unsupported source format")
	// ErrUnsupportedScheme is returned when a location uses a scheme the reader cannot open
	ErrUnsupportedScheme = errors.New("unsupported location scheme")
	// ErrMalformedSource is returned when a source file cannot be parsed
	ErrMalformedSource = errors.New("malformed source")
)

// Format is the encoding of a source file
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Validate checks the format is supported
func (f Format) Validate() error {
	switch f {
	case FormatCSV, FormatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

// Reader loads a raw source into memory. Values are returned as read: CSV
// cells are strings and JSON numbers are int or float.
type Reader interface {
	Read(ctx context.Context, format Format, location string, options map[string]string) (*dataset.Data, error)
}

// LocalReader reads files from the local filesystem. Relative locations are
// resolved against BaseDir.
type LocalReader struct {
	log     logrus.FieldLogger
	baseDir string
}

var _ Reader = (*LocalReader)(nil)

// NewLocalReader creates a filesystem reader
func NewLocalReader(log logrus.FieldLogger, baseDir string) *LocalReader {
	return &LocalReader{
		log:     log.WithField("component", "source"),
		baseDir: baseDir,
	}
}

// Read implements Reader
func (r *LocalReader) Read(ctx context.Context, format Format, location string, options map[string]string) (*dataset.Data, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	path, err := r.resolve(location)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path) //nolint:gosec // location comes from the pipeline definition
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s: %w", location, err)
	}
	defer f.Close()

	var data *dataset.Data

	switch format {
	case FormatCSV:
		data, err = ReadCSV(ctx, f, options)
	default:
		data, err = ReadJSON(ctx, f)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}

	r.log.WithFields(logrus.Fields{
		"location": location,
		"format":   format,
		"rows":     data.Len(),
	}).Debug("Read source")

	return data, nil
}

func (r *LocalReader) resolve(location string) (string, error) {
	path := location

	if scheme, rest, ok := strings.Cut(location, "://"); ok {
		if scheme != "file" {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
		}
		path = rest
	}

	if !filepath.IsAbs(path) && r.baseDir != "" {
		path = filepath.Join(r.baseDir, path)
	}

	return path, nil
}

// inferSchema derives a schema from decoded rows. Integers and floats in the
// same column widen to float; any other mix becomes any.
func inferSchema(columns []string, rows []dataset.Row) dataset.Schema {
	schema := make(dataset.Schema, len(columns))

	for i, name := range columns {
		col := dataset.Column{Name: name}

		for _, row := range rows {
			if row == nil {
				continue
			}

			v := row[name]
			if v == nil {
				col.Nullable = true
				continue
			}

			typ := dataset.InferType(v)

			switch {
			case col.Type == "":
				col.Type = typ
			case col.Type == typ:
			case col.Type.Accepts(typ):
			case typ.Accepts(col.Type):
				col.Type = typ
			default:
				col.Type = dataset.TypeAny
			}
		}

		if col.Type == "" {
			col.Type = dataset.TypeAny
		}

		schema[i] = col
	}

	return schema
}

func checkContext(ctx context.Context, n int) error {
	if n%1024 != 0 {
		return nil
	}

	return ctx.Err()
}
