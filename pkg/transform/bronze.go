package transform

import (
	"context"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

const (
	// ColumnSource holds the source identifier attached at ingestion
	ColumnSource = "_source"
	// ColumnIngestedAt holds the ingestion timestamp attached at ingestion
	ColumnIngestedAt = "_ingested_at"
)

// BronzePolicy configures pass-through ingestion. Expect optionally declares
// the raw columns the source must provide.
type BronzePolicy struct {
	Expect dataset.Schema `yaml:"expect,omitempty"`
}

// Bronze builds a pass-through ingestion transform. Values are never filtered
// or changed; the source identifier and ingestion time are appended as extra
// columns. Null records are kept as they are.
func Bronze(name, version string, policy BronzePolicy) *Definition {
	return &Definition{
		Name:    name,
		Version: version,
		Layer:   dataset.LayerBronze,
		Inputs:  []Input{{Name: "source", Schema: policy.Expect}},
		Output: policy.Expect.With(
			dataset.Column{Name: ColumnSource, Type: dataset.TypeString},
			dataset.Column{Name: ColumnIngestedAt, Type: dataset.TypeTimestamp},
		),
		Func: func(_ context.Context, inv *Invocation) (*dataset.Data, error) {
			in := inv.Inputs[0]

			source := inv.Source
			if source == "" {
				source = in.Ref.Dataset.Name
			}

			ingestedAt := inv.RunTime.UTC()

			out := &dataset.Data{
				Schema: in.Schema.With(
					dataset.Column{Name: ColumnSource, Type: dataset.TypeString},
					dataset.Column{Name: ColumnIngestedAt, Type: dataset.TypeTimestamp},
				),
				Rows: make([]dataset.Row, len(in.Rows)),
			}

			for i, row := range in.Rows {
				if row == nil {
					continue
				}

				copied := make(dataset.Row, len(row)+2)
				for k, v := range row {
					copied[k] = v
				}

				copied[ColumnSource] = source
				copied[ColumnIngestedAt] = ingestedAt
				out.Rows[i] = copied
			}

			return out, nil
		},
	}
}
