package api

import (
	"errors"
	"net/http"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/pkg/schema"
)

func httpStatusFor(err error) int {
	if errors.Is(err, engine.ErrPoolShutdown) {
		return http.StatusServiceUnavailable
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondErr maps a domain error onto its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		respondJSON(w, httpStatusFor(err), map[string]any{
			"error":   pe.Message,
			"code":    pe.Code,
			"details": pe.Details,
		})
		return
	}
	respondError(w, httpStatusFor(err), err.Error())
}
