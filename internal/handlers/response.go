package handlers

import (
	"encoding/json"
	"errors"

	"github.com/klamai/proposal-dispatch/internal/services"
	xhttp "github.com/klamai/proposal-dispatch/pkg/http"
)

type errorResponse struct {
	Error   string `json:"error"`
	Phase   string `json:"phase,omitempty"`
	Details string `json:"details,omitempty"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, errorResponse{Error: msg})
}

// writeDispatchError answers a pipeline failure with 400 and its phase; a
// refused caller gets 403.
func writeDispatchError(ctx *xhttp.RequestCtx, err error) {
	var dErr *services.DispatchError
	if !errors.As(err, &dErr) {
		writeJSON(ctx, xhttp.StatusBadRequest, errorResponse{
			Error:   services.PhaseInternal,
			Phase:   services.PhaseInternal,
			Details: err.Error(),
		})
		return
	}
	status := xhttp.StatusBadRequest
	if dErr.Phase == services.PhaseForbidden {
		status = xhttp.StatusForbidden
	}
	writeJSON(ctx, status, errorResponse{
		Error:   dErr.Code(),
		Phase:   dErr.Phase,
		Details: dErr.Details,
	})
}
