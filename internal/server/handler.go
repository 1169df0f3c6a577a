// Package server provides HTTP and WebSocket plumbing for the dashboard API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/auris/internal/alsa"
	"github.com/oszuidwest/auris/internal/types"
)

// maxBodyBytes caps the size of a JSON request body.
const maxBodyBytes = 64 << 10

// validate is the shared validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			name = strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		}
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	if err := validate.RegisterValidation("alsa_device", func(fl validator.FieldLevel) bool {
		return alsa.ValidDeviceID(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// DecodeAndValidate decodes a JSON request body into data and validates it.
// Invalid JSON yields a plain error; failed validation yields a
// *types.ValidationError.
func DecodeAndValidate[T any](w http.ResponseWriter, r *http.Request, data *T) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return Validate(data)
}

// Validate runs the struct validation tags of data.
func Validate(data any) error {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}

	verr := types.NewValidationError()
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		for _, e := range fieldErrors {
			verr.Add(e.Field(), formatValidationMessage(e), e.Value())
		}
	} else {
		verr.Add("", err.Error(), nil)
	}
	return verr
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError writes a JSON error body. detail may be nil.
func WriteError(w http.ResponseWriter, status int, message string, detail error) {
	resp := types.ErrorResponse{Error: message}
	if detail != nil {
		resp.Detail = detail.Error()
	}
	WriteJSON(w, status, resp)
}

// WriteRequestError writes a 400 for a DecodeAndValidate failure.
func WriteRequestError(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		WriteJSON(w, http.StatusBadRequest, verr)
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error(), nil)
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hexcolor":
		return "must be a hex color"
	case "alsa_device":
		return "must have the form plughw:<card>,<device>"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
