package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/execgraph/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": schema.NewError(codeForStatus(status), msg)})
}

// writeGraphError maps err to a status code and writes it. Structured errors
// keep their code, hint and explanation.
func writeGraphError(w http.ResponseWriter, err error) {
	var ge *schema.GraphError
	if !errors.As(err, &ge) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": schema.NewError(schema.ErrCodeStore, err.Error()),
		})
		return
	}
	writeJSON(w, statusForCode(ge.Code), map[string]any{"error": ge})
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeExpression, schema.ErrCodeStartingNode:
		return http.StatusBadRequest
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeGraphGeneration:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeCircuitOpen, schema.ErrCodeLock:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return schema.ErrCodeNotFound
	case http.StatusBadRequest:
		return schema.ErrCodeValidation
	case http.StatusConflict:
		return schema.ErrCodeConflict
	default:
		return schema.ErrCodeStore
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool extracts a boolean query param; anything unparsable is false.
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
