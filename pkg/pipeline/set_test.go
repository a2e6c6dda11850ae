package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/internal/testutil"
	"github.com/ethpandaops/medallion/pkg/transform"
)

const scheduledPipeline = `
name: hourly
schedule: "@hourly"
transforms:
  - name: ingest_hourly
    bronze: {}
stages:
  - name: bronze_hourly
    transform: ingest_hourly
    output: bronze.hourly
    source:
      location: hourly.csv
`

func TestLoadSet(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "flights.yaml"), flightsPipeline)
	testutil.WriteFile(t, filepath.Join(dir, "nested", "hourly.yml"), scheduledPipeline)
	testutil.WriteFile(t, filepath.Join(dir, "README.md"), "ignored")

	registry := transform.NewRegistry()

	set, err := LoadSet([]string{dir, filepath.Join(dir, "missing")}, registry)
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"flights", "hourly"}, set.Names())

	scheduled := set.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "hourly", scheduled[0].Name)

	def, err := set.Get("flights")
	require.NoError(t, err)
	assert.Len(t, def.Stages, 3)

	_, err = registry.Get("delay_stats")
	require.NoError(t, err)

	_, err = set.Get("nope")
	require.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestLoadSet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  error
	}{
		{
			name: "duplicate pipeline",
			files: map[string]string{
				"a.yaml": scheduledPipeline,
				"b.yaml": scheduledPipeline,
			},
			want: ErrDuplicatePipeline,
		},
		{
			name: "unknown transform",
			files: map[string]string{
				"a.yaml": `
name: broken
stages:
  - name: bronze_x
    transform: nowhere
    output: bronze.x
    source: {location: x.csv}
`,
			},
			want: transform.ErrTransformNotFound,
		},
		{
			name: "invalid definition",
			files: map[string]string{
				"a.yaml": "name: empty\n",
			},
			want: ErrInvalidPipeline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tt.files {
				testutil.WriteFile(t, filepath.Join(dir, name), body)
			}

			_, err := LoadSet([]string{dir}, transform.NewRegistry())
			require.ErrorIs(t, err, tt.want)
		})
	}
}
