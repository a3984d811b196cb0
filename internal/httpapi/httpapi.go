// Package httpapi is the JSON transport over the ledger, device, settings
// and job services.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/validator"
)

const maxBodyBytes = 8 << 20

// Response is the envelope of every error and of plain acknowledgements.
type Response struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Errors  []validator.FieldError `json:"errors,omitempty"`
}

// Write encodes response as JSON with the given status.
func Write(rw http.ResponseWriter, status int, response interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}

// Read decodes the request body into value. Malformed JSON, including
// negative or fractional byte counts, is a validation error.
func Read(rw http.ResponseWriter, r *http.Request, value interface{}) error {
	body := http.MaxBytesReader(rw, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(value); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validation("read body: %s", err.Error())
	}
	return nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrDeviceNotActivated),
		errors.Is(err, apperr.ErrDeviceLimit),
		errors.Is(err, apperr.ErrPlanLimit):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the error envelope. Internal errors are logged and
// their detail is not sent to the client.
func WriteError(rw http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusFor(err)
	resp := Response{Success: false, Code: apperr.Code(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		resp.Message = "internal server error"
	}
	var verr *validator.Error
	if errors.As(err, &verr) {
		resp.Message = "invalid payload"
		resp.Errors = verr.Fields
	}
	Write(rw, status, resp)
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrUnauthorized, fmt.Sprintf(format, args...))
}
