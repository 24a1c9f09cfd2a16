package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/services"
	xhttp "github.com/klamai/proposal-dispatch/pkg/http"
	"github.com/klamai/proposal-dispatch/pkg/logger"
)

const FunctionPath = "/functions/v1/send-proposal-whatsapp"

type Dispatcher interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResult, error)
}

type JobPublisher interface {
	PublishJSON(ctx context.Context, v any, metadata map[string]string) (string, error)
}

type ProposalHandler struct {
	svc        Dispatcher
	jobs       JobPublisher
	timeout    time.Duration
	staffRoles []string
}

// RegisterProposalRoutes mounts the function-compatible trigger at its
// original path and the versioned routes under g, all behind auth. The async
// route is only mounted when h has a publisher.
func RegisterProposalRoutes(r *xhttp.Router, g *xhttp.Group, h *ProposalHandler, auth xhttp.MiddlewareFunc) {
	r.POST(FunctionPath, auth(h.SendProposal))
	g.POST("/proposals/whatsapp", auth(h.SendProposal))
	if h.jobs != nil {
		g.POST("/proposals/whatsapp/async", auth(h.EnqueueProposal))
	}
}

// NewProposalHandler wires the synchronous trigger; jobs may be nil when no
// Redis is configured. Callers holding one of staffRoles may dispatch any
// case.
func NewProposalHandler(svc Dispatcher, jobs JobPublisher, timeout time.Duration, staffRoles []string) *ProposalHandler {
	return &ProposalHandler{svc: svc, jobs: jobs, timeout: timeout, staffRoles: staffRoles}
}

type enqueueResponse struct {
	OK    bool   `json:"ok"`
	JobID string `json:"job_id"`
}

func (h *ProposalHandler) SendProposal(ctx *xhttp.RequestCtx) {
	caller, ok := callerFrom(ctx, h.staffRoles)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "missing bearer token")
		return
	}

	req, ok := h.parseRequest(ctx)
	if !ok {
		return
	}

	// server shutdown must not abort a dispatch that already sent the text
	dctx := model.WithCaller(gateway.WithBearer(context.Background(), xhttp.BearerToken(ctx)), caller)
	if h.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, h.timeout)
		defer cancel()
	}

	res, err := h.svc.Dispatch(dctx, req)
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *ProposalHandler) EnqueueProposal(ctx *xhttp.RequestCtx) {
	caller, ok := callerFrom(ctx, h.staffRoles)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "missing bearer token")
		return
	}

	req, ok := h.parseRequest(ctx)
	if !ok {
		return
	}

	job := model.DispatchJob{ID: uuid.NewString(), Request: req, BearerToken: xhttp.BearerToken(ctx), Caller: &caller}
	if _, err := h.jobs.PublishJSON(ctx, job, map[string]string{"job_id": job.ID, "caso_id": req.CaseID}); err != nil {
		logger.Error("failed to enqueue dispatch", "caso_id", req.CaseID, "error", err)
		writeError(ctx, xhttp.StatusServiceUnavailable, "dispatch queue unavailable")
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, enqueueResponse{OK: true, JobID: job.ID})
}

func (h *ProposalHandler) parseRequest(ctx *xhttp.RequestCtx) (model.DispatchRequest, bool) {
	var req model.DispatchRequest
	if err := readJSON(ctx, &req); err != nil {
		writeJSON(ctx, xhttp.StatusBadRequest, errorResponse{
			Error:   services.PhaseInvalidRequest,
			Phase:   services.PhaseInvalidRequest,
			Details: "invalid JSON: " + err.Error(),
		})
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeJSON(ctx, xhttp.StatusBadRequest, errorResponse{
			Error:   services.PhaseInvalidRequest,
			Phase:   services.PhaseInvalidRequest,
			Details: err.Error(),
		})
		return req, false
	}
	return req, true
}

// callerFrom turns the claims verified by the auth middleware into the
// identity the services scope case access by.
func callerFrom(ctx *xhttp.RequestCtx, staffRoles []string) (model.Caller, bool) {
	claims, ok := xhttp.ClaimsFrom(ctx)
	if !ok {
		return model.Caller{}, false
	}
	return model.Caller{Subject: claims.Subject, Staff: claims.HasRole(staffRoles...)}, true
}
