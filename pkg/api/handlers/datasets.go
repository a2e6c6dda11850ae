package handlers

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/dataset"
)

// DatasetSummary describes the latest version of a dataset
type DatasetSummary struct {
	ID          dataset.ID     `json:"id"`
	Layer       dataset.Layer  `json:"layer"`
	Latest      uint64         `json:"latest"`
	Versions    int            `json:"versions"`
	Rows        int            `json:"rows"`
	Schema      dataset.Schema `json:"schema,omitempty"`
	CommittedAt time.Time      `json:"committed_at"`
}

// SnapshotResponse is a dataset version with its rows
type SnapshotResponse struct {
	Ref         dataset.Ref    `json:"ref"`
	Schema      dataset.Schema `json:"schema"`
	Rows        []dataset.Row  `json:"rows"`
	Total       int            `json:"total"`
	CommittedAt time.Time      `json:"committed_at"`
}

// ListDatasets handles GET /api/v1/datasets
func (s *Server) ListDatasets(c fiber.Ctx) error {
	ctx := c.Context()

	var layer dataset.Layer
	if raw := c.Query("layer"); raw != "" {
		parsed, err := dataset.ParseLayer(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		layer = parsed
	}

	ids, err := s.catalog.Datasets(ctx)
	if err != nil {
		return err
	}

	summaries := make([]DatasetSummary, 0, len(ids))

	for _, id := range ids {
		if layer != "" && id.Layer != layer {
			continue
		}

		versions, err := s.catalog.Versions(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("dataset", id).Debug("Dataset vanished while listing")
			continue
		}

		if len(versions) == 0 {
			continue
		}

		latest := versions[len(versions)-1]

		summaries = append(summaries, DatasetSummary{
			ID:          id,
			Layer:       id.Layer,
			Latest:      latest.Ref.Version,
			Versions:    len(versions),
			Rows:        latest.Rows,
			CommittedAt: latest.CommittedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID.String() < summaries[j].ID.String()
	})

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"datasets": summaries,
		"total":    len(summaries),
	})
}

// GetDataset handles GET /api/v1/datasets/{id}. The as_of query parameter
// resolves an earlier version.
func (s *Server) GetDataset(c fiber.Ctx) error {
	ctx := c.Context()

	id, err := datasetID(c)
	if err != nil {
		return err
	}

	asOf, err := uintQuery(c.Query("as_of"), ErrInvalidVersion)
	if err != nil {
		return err
	}

	ref, err := s.catalog.Resolve(ctx, id, asOf)
	if err != nil {
		return notFound(err)
	}

	versions, err := s.catalog.Versions(ctx, id)
	if err != nil {
		return notFound(err)
	}

	snap, err := s.catalog.Load(ctx, ref)
	if err != nil {
		return notFound(err)
	}

	return c.Status(fiber.StatusOK).JSON(DatasetSummary{
		ID:          id,
		Layer:       id.Layer,
		Latest:      ref.Version,
		Versions:    len(versions),
		Rows:        len(snap.Rows),
		Schema:      snap.Schema,
		CommittedAt: snap.CommittedAt,
	})
}

// ListVersions handles GET /api/v1/datasets/{id}/versions
func (s *Server) ListVersions(c fiber.Ctx) error {
	id, err := datasetID(c)
	if err != nil {
		return err
	}

	versions, err := s.catalog.Versions(c.Context(), id)
	if err != nil {
		return notFound(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"dataset":  id,
		"versions": versions,
		"total":    len(versions),
	})
}

// GetSnapshot handles GET /api/v1/datasets/{id}/versions/{version}. The
// limit query parameter caps the rows returned, never beyond the server cap.
func (s *Server) GetSnapshot(c fiber.Ctx) error {
	id, err := datasetID(c)
	if err != nil {
		return err
	}

	version, err := uintQuery(c.Params("version"), ErrInvalidVersion)
	if err != nil || version == 0 {
		return ErrInvalidVersion
	}

	limit, err := limitQuery(c)
	if err != nil {
		return err
	}

	if s.maxRows > 0 && (limit == 0 || limit > s.maxRows) {
		limit = s.maxRows
	}

	snap, err := s.catalog.Load(c.Context(), dataset.Ref{Dataset: id, Version: version})
	if err != nil {
		return notFound(err)
	}

	rows := snap.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	return c.Status(fiber.StatusOK).JSON(SnapshotResponse{
		Ref:         snap.Ref,
		Schema:      snap.Schema,
		Rows:        rows,
		Total:       len(snap.Rows),
		CommittedAt: snap.CommittedAt,
	})
}

func notFound(err error) error {
	if errors.Is(err, catalog.ErrVersionNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return err
}
