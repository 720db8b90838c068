package llm

import (
	"context"
	"errors"

	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

// Classify maps an adapter error onto the pipeline error taxonomy.
func Classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.ErrTimeout
	case errors.Is(err, ErrSchemaInvalid):
		return models.ErrSchemaInvalid
	case errors.Is(err, ErrUnavailable):
		return models.ErrLLMUnavailable
	default:
		return models.ErrLLMUnavailable
	}
}
