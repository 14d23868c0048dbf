// Package handlers provides the HTTP handlers of the scanfleet agent API.
// This file contains the response and request helpers shared by all handlers.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/scanfleet/internal/api/middleware"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MessageResponse is the reply shape agents understand.
type MessageResponse struct {
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSON(w, r, statusCode, MessageResponse{Message: message})
}

// parseJSON decodes and validates a request body. An empty body decodes to
// the zero value.
func parseJSON(r *http.Request, dest any) error {
	if r.Body != nil {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()

		if err := decoder.Decode(dest); err != nil && !stderrors.Is(err, io.EOF) {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				return fmt.Errorf("request body too large (max %d bytes)", tooLarge.Limit)
			}
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}

	if err := validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
