package handlers

import "github.com/gofiber/fiber/v3"

// ErrDatasetNotFound is returned when a dataset or version is unknown
var ErrDatasetNotFound = fiber.NewError(fiber.StatusNotFound, "dataset not found")

// ErrInvalidDatasetID is returned when an invalid dataset ID format is provided
var ErrInvalidDatasetID = fiber.NewError(fiber.StatusBadRequest, "invalid dataset ID format, expected layer.name")

// ErrInvalidVersion is returned when a version parameter is not a positive integer
var ErrInvalidVersion = fiber.NewError(fiber.StatusBadRequest, "invalid version, expected a positive integer")

// ErrInvalidLimit is returned when a limit parameter is not a non-negative integer
var ErrInvalidLimit = fiber.NewError(fiber.StatusBadRequest, "invalid limit, expected a non-negative integer")

// ErrPipelineNotFound is returned when a pipeline is unknown
var ErrPipelineNotFound = fiber.NewError(fiber.StatusNotFound, "pipeline not found")
