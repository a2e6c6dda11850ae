package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// PipelineSummary describes a loaded pipeline
type PipelineSummary struct {
	Name        string   `json:"name"`
	Schedule    string   `json:"schedule,omitempty"`
	Environment string   `json:"environment"`
	Stages      []string `json:"stages"`
}

// PipelineDetail adds stage wiring and execution order
type PipelineDetail struct {
	PipelineSummary
	Order []string      `json:"order"`
	Steps []StageDetail `json:"steps"`
}

// StageDetail describes one stage of a pipeline. Upstream lists direct
// dependencies; Ancestors and Downstream are transitive.
type StageDetail struct {
	Name       string   `json:"name"`
	Transform  string   `json:"transform"`
	Inputs     []string `json:"inputs,omitempty"`
	Output     string   `json:"output"`
	Upstream   []string `json:"upstream,omitempty"`
	Ancestors  []string `json:"ancestors,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
}

func summarise(def *pipeline.Definition) PipelineSummary {
	stages := make([]string, 0, len(def.Stages))
	for i := range def.Stages {
		stages = append(stages, def.Stages[i].Name)
	}

	return PipelineSummary{
		Name:        def.Name,
		Schedule:    def.Schedule,
		Environment: def.Environment,
		Stages:      stages,
	}
}

// ListPipelines handles GET /api/v1/pipelines
func (s *Server) ListPipelines(c fiber.Ctx) error {
	names := s.pipelines.Names()
	summaries := make([]PipelineSummary, 0, len(names))

	for _, name := range names {
		def, err := s.pipelines.Get(name)
		if err != nil {
			return err
		}

		summaries = append(summaries, summarise(def))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"pipelines": summaries,
		"total":     len(summaries),
	})
}

// GetPipeline handles GET /api/v1/pipelines/{name}
func (s *Server) GetPipeline(c fiber.Ctx) error {
	def, err := s.pipelines.Get(c.Params("name"))
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineNotFound) {
			return ErrPipelineNotFound
		}
		return err
	}

	graph, err := pipeline.BuildGraph(def)
	if err != nil {
		return err
	}

	detail := PipelineDetail{
		PipelineSummary: summarise(def),
		Order:           graph.Order(),
		Steps:           make([]StageDetail, 0, len(def.Stages)),
	}

	for i := range def.Stages {
		stage := &def.Stages[i]

		inputs := make([]string, 0, len(stage.Inputs))
		for _, in := range stage.Inputs {
			inputs = append(inputs, in.String())
		}

		detail.Steps = append(detail.Steps, StageDetail{
			Name:       stage.Name,
			Transform:  stage.Transform,
			Inputs:     inputs,
			Output:     stage.Output.String(),
			Upstream:   graph.Upstream(stage.Name),
			Ancestors:  graph.Ancestors(stage.Name),
			Downstream: graph.Downstream(stage.Name),
		})
	}

	return c.Status(fiber.StatusOK).JSON(detail)
}
