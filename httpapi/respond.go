package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/apphub/apphub/core"
)

// maxBodyBytes bounds request bodies. Import bundles are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 4 << 20

// envelope is the uniform success wrapper.
type envelope struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Data: data})
}

func writeList(w http.ResponseWriter, data interface{}, nextCursor string) {
	writeJSON(w, http.StatusOK, envelope{Data: data, NextCursor: nextCursor})
}

// writeError maps the error taxonomy onto HTTP status codes. Anything
// without a kind is an internal error; the raw cause is not leaked.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindConflict:
		status = http.StatusConflict
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindExternalUnavailable:
		status = http.StatusBadGateway
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	message := err.Error()
	if kind == core.KindInternal || kind == "" {
		kind = core.KindInternal
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: string(kind), Message: message}})
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// decodeBody unmarshals a JSON request body into dst, rejecting unknown
// junk early with a validation error.
func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return core.NewValidation("httpapi.decode", "reading request body failed")
	}
	if len(body) == 0 {
		return core.NewValidation("httpapi.decode", "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return core.NewValidationf("httpapi.decode", "invalid JSON body: %v", err)
	}
	return nil
}

// decodeBodyOptional is decodeBody for routes where an empty body is a
// legal "all defaults" request.
func decodeBodyOptional(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return core.NewValidation("httpapi.decode", "reading request body failed")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return core.NewValidationf("httpapi.decode", "invalid JSON body: %v", err)
	}
	return nil
}
