package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/reconciler/internal/platform/requestctx"
)

// FieldError is a single entry of the errors list in the response envelope.
type FieldError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error is an API failure rendered as {success:false, message, errors}.
type Error struct {
	Kind    string
	Message string
	Status  int
	Errors  []FieldError
}

// NewError constructs an Error with a single entry of the given kind.
func NewError(kind, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	kind = sanitize(kind, 80)
	message = sanitize(message, 512)
	return Error{
		Kind:    kind,
		Message: message,
		Status:  status,
		Errors:  []FieldError{{Kind: kind, Message: message}},
	}
}

// WithField attributes the first error entry to a request field.
func (e Error) WithField(field string) Error {
	if len(e.Errors) == 0 {
		e.Errors = []FieldError{{Kind: e.Kind, Message: e.Message}}
	}
	errs := append([]FieldError(nil), e.Errors...)
	errs[0].Field = sanitize(field, 80)
	e.Errors = errs
	return e
}

// Append adds another entry, used when validation reports several fields at once.
func (e Error) Append(fe FieldError) Error {
	e.Errors = append(append([]FieldError(nil), e.Errors...), fe)
	return e
}

type envelope struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message,omitempty"`
	Data      any          `json:"data,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	TraceID   string       `json:"traceId,omitempty"`
}

// WriteJSON writes a success envelope carrying data.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, message string, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	write(w, status, envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: sanitize(middleware.GetReqID(ctx), 80),
	})
}

// WriteError writes the failure envelope for err.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	errs := err.Errors
	if len(errs) == 0 {
		errs = []FieldError{{Kind: err.Kind, Message: err.Message}}
	}
	write(w, status, envelope{
		Success:   false,
		Message:   err.Message,
		Errors:    errs,
		RequestID: sanitize(middleware.GetReqID(ctx), 80),
		TraceID:   sanitize(requestctx.TraceID(ctx), 64),
	})
}

func write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	n := 0
	for i := range value {
		if n == limit {
			return value[:i]
		}
		n++
	}
	return value
}
