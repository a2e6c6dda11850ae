package handlers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/ledger"
)

// ListRuns handles GET /api/v1/runs. Records can be filtered by transform,
// pipeline and output dataset; limit keeps the newest records.
func (s *Server) ListRuns(c fiber.Ctx) error {
	limit, err := limitQuery(c)
	if err != nil {
		return err
	}

	filter := ledger.Filter{
		Transform: c.Query("transform"),
		Pipeline:  c.Query("pipeline"),
		Limit:     limit,
	}

	if raw := c.Query("output"); raw != "" {
		id, err := dataset.ParseID(raw)
		if err != nil {
			return ErrInvalidDatasetID
		}
		filter.Output = id
	}

	records, err := s.ledger.Records(c.Context(), filter)
	if err != nil {
		return err
	}

	if records == nil {
		records = []ledger.Record{}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"runs":  records,
		"total": len(records),
	})
}
