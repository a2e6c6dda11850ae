package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/pipeline"
)

func TestParsePins(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    map[string]uint64
		wantErr error
	}{
		{name: "none", raw: nil, want: nil},
		{
			name: "multiple",
			raw:  []string{"bronze.flights@3", "silver.flights@1"},
			want: map[string]uint64{"bronze.flights": 3, "silver.flights": 1},
		},
		{name: "missing version", raw: []string{"bronze.flights"}, wantErr: ErrInvalidPin},
		{name: "zero version", raw: []string{"bronze.flights@0"}, wantErr: pipeline.ErrInvalidPipeline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePins(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testReport() *pipeline.Report {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	output := dataset.Ref{Dataset: dataset.NewID(dataset.LayerSilver, "flights"), Version: 2}

	return &pipeline.Report{
		RunID:       "run-1",
		Pipeline:    "flights",
		Environment: "dev",
		StartedAt:   started,
		FinishedAt:  started.Add(1500 * time.Millisecond),
		Stages: []pipeline.StageResult{
			{
				Stage:    "silver_flights",
				Status:   pipeline.StatusSucceeded,
				Inputs:   []dataset.Ref{{Dataset: dataset.NewID(dataset.LayerBronze, "flights"), Version: 4}},
				Output:   &output,
				Reused:   true,
				Attempts: 1,
				Rows:     3,
			},
			{
				Stage:  "gold_delays",
				Status: pipeline.StatusSkipped,
				Error:  "upstream silver_flights failed",
			},
		},
	}
}

func TestWriteReport_Text(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeReport(&buf, testReport(), "text"))

	out := buf.String()
	assert.Contains(t, out, "Run run-1 of flights (dev) finished failed in 1.5s")
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "silver.flights@2")
	assert.Contains(t, out, "bronze.flights@4")
	assert.Contains(t, out, "upstream silver_flights failed")
}

func TestWriteReport_JSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeReport(&buf, testReport(), "json"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Len(t, decoded["stages"], 2)
}

func TestWriteReport_YAML(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeReport(&buf, testReport(), "yaml"))
	assert.Contains(t, buf.String(), "pipeline: flights")
	assert.Contains(t, buf.String(), "status: skipped")
}
