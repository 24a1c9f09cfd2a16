package handlers

import (
	"context"
	"errors"

	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/services"
	xhttp "github.com/klamai/proposal-dispatch/pkg/http"
	"github.com/klamai/proposal-dispatch/pkg/logger"
)

type TokenService interface {
	Resolve(ctx context.Context, token string) (*model.ProposalView, error)
	Revoke(ctx context.Context, token string) error
}

type TokenHandler struct {
	svc        TokenService
	staffRoles []string
}

// RegisterTokenRoutes mounts the public view lookup and the revoke route,
// which sits behind auth.
func RegisterTokenRoutes(g *xhttp.Group, h *TokenHandler, auth xhttp.MiddlewareFunc) {
	g.GET("/proposals/tokens/{token}", h.GetProposal)
	g.POST("/proposals/tokens/{token}/revoke", auth(h.RevokeToken))
}

func NewTokenHandler(svc TokenService, staffRoles []string) *TokenHandler {
	return &TokenHandler{svc: svc, staffRoles: staffRoles}
}

func (h *TokenHandler) GetProposal(ctx *xhttp.RequestCtx) {
	view, err := h.svc.Resolve(ctx, pathParam(ctx, "token"))
	if err != nil {
		writeTokenError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, view)
}

func (h *TokenHandler) RevokeToken(ctx *xhttp.RequestCtx) {
	caller, ok := callerFrom(ctx, h.staffRoles)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := h.svc.Revoke(model.WithCaller(ctx, caller), pathParam(ctx, "token")); err != nil {
		writeTokenError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]bool{"ok": true})
}

func writeTokenError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrTokenNotFound):
		writeError(ctx, xhttp.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrTokenExpired):
		writeError(ctx, xhttp.StatusGone, err.Error())
	case errors.Is(err, services.ErrTokenForbidden):
		writeError(ctx, xhttp.StatusForbidden, err.Error())
	default:
		logger.Error("token lookup failed", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
	}
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
