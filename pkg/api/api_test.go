package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/pkg/api/handlers"
	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/ledger"
	"github.com/ethpandaops/medallion/pkg/pipeline"
)

const testPipeline = `
name: flights
schedule: "@hourly"
stages:
  - name: silver_flights
    transform: clean_flights
    inputs: [bronze.flights]
    output: silver.flights
  - name: bronze_flights
    transform: ingest_flights
    output: bronze.flights
    source: {location: flights.csv}
`

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	tracker := catalog.NewMemoryTracker()
	schema := dataset.Schema{{Name: "origin", Type: dataset.TypeString}}
	flights := dataset.NewID(dataset.LayerBronze, "flights")

	_, err := tracker.Commit(ctx, flights, dataset.NewData(schema, dataset.Row{"origin": "A"}), 0)
	require.NoError(t, err)

	v2, err := tracker.Commit(ctx, flights, dataset.NewData(schema,
		dataset.Row{"origin": "A"},
		dataset.Row{"origin": "B"},
		dataset.Row{"origin": "C"},
	), 1)
	require.NoError(t, err)

	silver, err := tracker.Commit(ctx, dataset.NewID(dataset.LayerSilver, "flights"), dataset.NewData(schema, dataset.Row{"origin": "A"}), 0)
	require.NoError(t, err)

	runs := ledger.NewMemoryLedger()
	require.NoError(t, runs.Append(ctx, ledger.Record{
		RunID:     "r1",
		Pipeline:  "flights",
		Stage:     "silver_flights",
		Transform: "clean_flights@1",
		Inputs:    []dataset.Ref{v2},
		Output:    silver,
		Status:    ledger.StatusSucceeded,
	}))

	def, err := pipeline.ParseDefinition([]byte(testPipeline))
	require.NoError(t, err)

	set := pipeline.NewSet()
	require.NoError(t, set.Add(def, "flights.yaml"))

	cfg := &Config{AllowOrigins: []string{"*"}, MaxSnapshotRows: 100}

	return NewApp(cfg, tracker, runs, set, log)
}

func get(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}

	return resp.StatusCode
}

func TestAPI_Datasets(t *testing.T) {
	app := newTestApp(t)

	var list struct {
		Datasets []handlers.DatasetSummary `json:"datasets"`
		Total    int                       `json:"total"`
	}

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/datasets", &list))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "bronze.flights", list.Datasets[0].ID.String())
	assert.Equal(t, uint64(2), list.Datasets[0].Latest)
	assert.Equal(t, 3, list.Datasets[0].Rows)
	assert.Equal(t, "silver.flights", list.Datasets[1].ID.String())

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/datasets?layer=silver", &list))
	assert.Equal(t, 1, list.Total)

	assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/datasets?layer=platinum", nil))
}

func TestAPI_DatasetTimeTravel(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantLatest uint64
		wantRows   int
	}{
		{name: "latest", path: "/api/v1/datasets/bronze.flights", wantStatus: http.StatusOK, wantLatest: 2, wantRows: 3},
		{name: "as of v1", path: "/api/v1/datasets/bronze.flights?as_of=1", wantStatus: http.StatusOK, wantLatest: 1, wantRows: 1},
		{name: "unknown version", path: "/api/v1/datasets/bronze.flights?as_of=9", wantStatus: http.StatusNotFound},
		{name: "unknown dataset", path: "/api/v1/datasets/gold.nothing", wantStatus: http.StatusNotFound},
		{name: "bad id", path: "/api/v1/datasets/flights", wantStatus: http.StatusBadRequest},
		{name: "bad version", path: "/api/v1/datasets/bronze.flights?as_of=x", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var summary handlers.DatasetSummary

			status := get(t, app, tt.path, &summary)
			require.Equal(t, tt.wantStatus, status)

			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantLatest, summary.Latest)
				assert.Equal(t, tt.wantRows, summary.Rows)
				assert.Equal(t, 2, summary.Versions)
				assert.Len(t, summary.Schema, 1)
			}
		})
	}
}

func TestAPI_VersionsAndSnapshot(t *testing.T) {
	app := newTestApp(t)

	var versions struct {
		Versions []catalog.Version `json:"versions"`
		Total    int               `json:"total"`
	}

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/datasets/bronze.flights/versions", &versions))
	require.Equal(t, 2, versions.Total)
	assert.Equal(t, uint64(1), versions.Versions[0].Ref.Version)
	assert.Equal(t, uint64(2), versions.Versions[1].Ref.Version)

	var snap handlers.SnapshotResponse

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/datasets/bronze.flights/versions/2?limit=2", &snap))
	assert.Equal(t, 3, snap.Total)
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "A", snap.Rows[0]["origin"])

	assert.Equal(t, http.StatusNotFound, get(t, app, "/api/v1/datasets/bronze.flights/versions/5", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/datasets/bronze.flights/versions/0", nil))
}

func TestAPI_Runs(t *testing.T) {
	app := newTestApp(t)

	var runs struct {
		Runs  []ledger.Record `json:"runs"`
		Total int             `json:"total"`
	}

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/runs?transform=clean_flights", &runs))
	require.Equal(t, 1, runs.Total)
	assert.Equal(t, "silver.flights@1", runs.Runs[0].Output.String())
	assert.Equal(t, "bronze.flights@2", runs.Runs[0].Inputs[0].String())

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/runs?pipeline=other", &runs))
	assert.Equal(t, 0, runs.Total)
	assert.NotNil(t, runs.Runs)

	assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/runs?limit=-1", nil))
}

func TestAPI_Pipelines(t *testing.T) {
	app := newTestApp(t)

	var list struct {
		Pipelines []handlers.PipelineSummary `json:"pipelines"`
	}

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/pipelines", &list))
	require.Len(t, list.Pipelines, 1)
	assert.Equal(t, "@hourly", list.Pipelines[0].Schedule)

	var detail handlers.PipelineDetail

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/pipelines/flights", &detail))
	assert.Equal(t, []string{"bronze_flights", "silver_flights"}, detail.Order)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, []string{"bronze_flights"}, detail.Steps[0].Upstream)
	assert.Equal(t, []string{"bronze_flights"}, detail.Steps[0].Ancestors)
	assert.Empty(t, detail.Steps[0].Downstream)
	assert.Equal(t, []string{"silver_flights"}, detail.Steps[1].Downstream)

	assert.Equal(t, http.StatusNotFound, get(t, app, "/api/v1/pipelines/nope", nil))
}

func TestAPI_SnapshotRowCap(t *testing.T) {
	app := newTestApp(t)

	var snap handlers.SnapshotResponse

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/datasets/bronze.flights/versions/2", &snap))
	assert.Len(t, snap.Rows, 3)

	capped := NewApp(&Config{MaxSnapshotRows: 1}, catalogWith(t), ledger.NewMemoryLedger(), pipeline.NewSet(), logrus.New())

	require.Equal(t, http.StatusOK, get(t, capped, "/api/v1/datasets/bronze.flights/versions/1?limit=50", &snap))
	assert.Equal(t, 2, snap.Total)
	assert.Len(t, snap.Rows, 1)
}

func catalogWith(t *testing.T) catalog.Tracker {
	t.Helper()

	tracker := catalog.NewMemoryTracker()
	schema := dataset.Schema{{Name: "origin", Type: dataset.TypeString}}

	_, err := tracker.Commit(context.Background(), dataset.NewID(dataset.LayerBronze, "flights"),
		dataset.NewData(schema, dataset.Row{"origin": "A"}, dataset.Row{"origin": "B"}), 0)
	require.NoError(t, err)

	return tracker
}

func TestAPI_ErrorShape(t *testing.T) {
	app := newTestApp(t)

	var body struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}

	require.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/datasets/nonsense", &body))
	assert.Equal(t, http.StatusBadRequest, body.Code)
	assert.NotEmpty(t, body.Error)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())
	require.ErrorIs(t, (&Config{Enabled: true}).Validate(), ErrAPIAddrRequired)
	require.ErrorIs(t, (&Config{Enabled: true, Addr: ":8080"}).Validate(), ErrInvalidSnapshotLimit)
	require.NoError(t, (&Config{Enabled: true, Addr: ":8080", MaxSnapshotRows: 10}).Validate())
}
