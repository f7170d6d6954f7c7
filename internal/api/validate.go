package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/validator"
)

// handleValidate implements POST /v1/validate.
func (d *Dependencies) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := readJSON(r, &req); err != nil {
		if isBodyTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	vreq := validator.Request{
		RequestID: req.RequestID,
		Identity:  req.Identity,
		Text:      req.Text,
		Source:    engine.Source(req.Source),
		Policy:    req.Policy,
	}
	if req.ToolCall != nil {
		vreq.ToolCall = &engine.ToolCall{Name: req.ToolCall.Name, ArgumentsJSON: req.ToolCall.ArgumentsJSON}
	}

	result, err := d.Validator.Validate(r.Context(), vreq)
	switch {
	case errors.Is(err, validator.ErrMissingIdentity),
		errors.Is(err, validator.ErrEmptyInput),
		errors.Is(err, validator.ErrUnknownSource):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	case err != nil:
		d.Logger.Error("validation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Validation failed"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}
