package server

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/panel/internal/model"
)

// ErrorResponse is the body of every failed request. Joined errors, such
// as the conflicts of a merge import, are listed in Details.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Details []ErrorResponse `json:"details,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	var (
		sup    *model.SupervisorError
		detect *model.PortDetectionFailedError
	)
	switch {
	case errors.Is(err, model.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &sup), errors.As(err, &detect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindOf extends model.Kind with the missing snapshot file of a restore.
func kindOf(err error) string {
	if k := model.Kind(err); k != "internal" || !errors.Is(err, fs.ErrNotExist) {
		return k
	}
	return "snapshot_not_found"
}

func toResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: kindOf(err)}
	if parts := split(err); len(parts) > 1 {
		for _, p := range parts {
			resp.Details = append(resp.Details, ErrorResponse{Error: p.Error(), Kind: kindOf(p)})
		}
	}
	return resp
}

// split flattens an errors.Join result; other errors come back alone.
func split(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), toResponse(err))
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: "bad_request"})
}

// warnings renders errors that did not prevent a change from being
// persisted.
func warnings(err error) []ErrorResponse {
	var out []ErrorResponse
	for _, e := range split(err) {
		if e != nil {
			out = append(out, ErrorResponse{Error: e.Error(), Kind: kindOf(e)})
		}
	}
	return out
}
