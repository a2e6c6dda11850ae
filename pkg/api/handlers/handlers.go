// Package handlers implements the read-only catalog API: datasets, their
// versions and snapshots, the run ledger and the loaded pipelines.
package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/ledger"
	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// Server serves catalog, ledger and pipeline metadata
type Server struct {
	catalog   catalog.Tracker
	ledger    ledger.Ledger
	pipelines *pipeline.Set
	maxRows   int
	log       logrus.FieldLogger
}

// NewServer creates a new API server instance. maxRows caps snapshot rows
// per response; zero means no cap.
func NewServer(tracker catalog.Tracker, runs ledger.Ledger, pipelines *pipeline.Set, maxRows int, log logrus.FieldLogger) *Server {
	return &Server{
		catalog:   tracker,
		ledger:    runs,
		pipelines: pipelines,
		maxRows:   maxRows,
		log:       log.WithField("component", "api.handlers"),
	}
}

// Register mounts every route on router
func (s *Server) Register(router fiber.Router) {
	router.Get("/datasets", s.ListDatasets)
	router.Get("/datasets/:id", s.GetDataset)
	router.Get("/datasets/:id/versions", s.ListVersions)
	router.Get("/datasets/:id/versions/:version", s.GetSnapshot)
	router.Get("/runs", s.ListRuns)
	router.Get("/pipelines", s.ListPipelines)
	router.Get("/pipelines/:name", s.GetPipeline)
}

func datasetID(c fiber.Ctx) (dataset.ID, error) {
	id, err := dataset.ParseID(c.Params("id"))
	if err != nil || id.Layer == dataset.LayerSource {
		return dataset.ID{}, ErrInvalidDatasetID
	}

	return id, nil
}

func uintQuery(raw string, invalid error) (uint64, error) {
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, invalid
	}

	return v, nil
}

func limitQuery(c fiber.Ctx) (int, error) {
	v, err := uintQuery(c.Query("limit"), ErrInvalidLimit)
	if err != nil {
		return 0, err
	}

	return int(v), nil //nolint:gosec // limits are small
}
