package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/lock"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/repository"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/prom"
)

const tokenBytes = 24

const locationDelayMs = 2000

type CaseRepository interface {
	Get(ctx context.Context, id string) (*model.Case, error)
	MarkProposalSent(ctx context.Context, id string, at time.Time) error
}

type ProposalRepository interface {
	CreateNextVersion(ctx context.Context, p *model.Proposal) (*model.Proposal, error)
}

type TokenRepository interface {
	Create(ctx context.Context, t *model.ProposalToken) error
}

type Assistant interface {
	Run(ctx context.Context, input, instructions string) (string, error)
	ChatCompletion(ctx context.Context, system, user string) (string, error)
}

type Functions interface {
	SendWhatsApp(ctx context.Context, msg gateway.WhatsAppMessage) error
	SynthesizeSpeech(ctx context.Context, req gateway.SpeechRequest) (string, error)
	CheckoutByToken(ctx context.Context, token string) (string, error)
	CheckoutByCase(ctx context.Context, caseID string) (string, error)
}

// DispatchConfig is everything the pipeline needs from configuration.
type DispatchConfig struct {
	SiteURL            string
	LawyerName         string
	VoiceID            string
	TTSModelID         string
	TTSOutputFormat    string
	Office             *gateway.Location
	EnhancementTimeout time.Duration
}

type Dispatcher struct {
	cases     CaseRepository
	proposals ProposalRepository
	tokens    TokenRepository
	assistant Assistant
	functions Functions
	locker    lock.Locker
	config    DispatchConfig
	now       func() time.Time
	newToken  func() (string, error)
}

func NewDispatcher(cases CaseRepository, proposals ProposalRepository, tokens TokenRepository, assistant Assistant, functions Functions, locker lock.Locker, config DispatchConfig) *Dispatcher {
	if locker == nil {
		locker = lock.Noop{}
	}
	if config.EnhancementTimeout <= 0 {
		config.EnhancementTimeout = 45 * time.Second
	}
	config.SiteURL = strings.TrimRight(config.SiteURL, "/")
	return &Dispatcher{
		cases:     cases,
		proposals: proposals,
		tokens:    tokens,
		assistant: assistant,
		functions: functions,
		locker:    locker,
		config:    config,
		now:       time.Now,
		newToken:  newProposalToken,
	}
}

// newProposalToken returns 24 random bytes hex encoded.
func newProposalToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ViewURL is the public page that renders the proposal for token.
func (d *Dispatcher) ViewURL(token string) string {
	return d.config.SiteURL + "/p/" + token
}

// Dispatch generates, stores and sends the proposal for one case. Steps run
// strictly in order; the proposal row is stored before the text is sent and
// the case only moves to propuesta_enviada after the send succeeded. Voice
// note and location are best effort. The model.Caller on ctx must be allowed
// to act on the case. Every failure is a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.DispatchRequest) (result *model.DispatchResult, err error) {
	defer func() {
		var dErr *DispatchError
		if errors.As(err, &dErr) {
			prom.IncDispatch("failed", dErr.Phase)
			return
		}
		prom.IncDispatch("sent", "")
	}()

	if err := req.Validate(); err != nil {
		return nil, newDispatchError(PhaseInvalidRequest, err)
	}
	req.CaseID = strings.TrimSpace(req.CaseID)
	log := logger.GetLogger().With("caso_id", req.CaseID)

	release, err := d.locker.Acquire(ctx, req.CaseID)
	switch {
	case errors.Is(err, lock.ErrHeld):
		return nil, newDispatchError(PhaseDispatchInProgress, ErrDispatchInProgress)
	case err != nil:
		log.Warn("dispatch lock unavailable, continuing without it", "error", err)
	default:
		defer release()
	}

	c, err := d.cases.Get(ctx, req.CaseID)
	if err != nil {
		if errors.Is(err, repository.ErrCaseNotFound) {
			return nil, newDispatchError(PhaseNotFound, ErrCaseNotFound)
		}
		log.Error("failed to load case", "error", err)
		return nil, newDispatchError(PhaseCaseLookup, err)
	}
	if caller, ok := model.CallerFromContext(ctx); !ok || !caller.CanAccess(c) {
		log.Warn("dispatch refused", "sub", caller.Subject)
		return nil, newDispatchError(PhaseForbidden, ErrForbidden)
	}

	phone := strings.TrimSpace(req.PhoneOverride)
	if phone == "" {
		phone = c.Phone()
	}
	if phone == "" {
		return nil, newDispatchError(PhaseMissingPhone, ErrMissingPhone)
	}

	token, err := d.issueToken(ctx, c.ID)
	if err != nil {
		return nil, newDispatchError(PhaseTokenPersist, err)
	}
	viewURL := d.ViewURL(token)

	checkoutURL := ""
	if req.IncludeCheckoutURL {
		checkoutURL = d.checkoutURL(ctx, c, token)
	}

	prompt := buildAssistantPrompt(promptData{
		Case:            c,
		Phone:           phone,
		ViewURL:         viewURL,
		CheckoutURL:     checkoutURL,
		IncludeCheckout: req.IncludeCheckoutURL,
		LawyerName:      d.config.LawyerName,
	})
	raw, err := d.assistant.Run(ctx, prompt.Input, prompt.Instructions)
	if err != nil {
		dErr := fromAssistant(err)
		log.Error("assistant run failed", "phase", dErr.Phase, "error", err)
		return nil, dErr
	}

	ctaURL := ""
	if req.IncludeCheckoutURL {
		ctaURL = checkoutURL
		if ctaURL == "" {
			ctaURL = viewURL + payIntentSuffix
		}
	}
	reply := normalizeReply(raw, fallbackMessage(clientName(c), viewURL), viewURL, ctaURL)
	if strings.TrimSpace(reply.Message) == "" {
		return nil, newDispatchError(PhaseValidation, ErrEmptyMessage)
	}

	envelope, err := json.Marshal(model.AssistantMessage{WhatsAppMessage: reply.Message, CaseAnalysis: reply.Analysis})
	if err != nil {
		return nil, newDispatchError(PhaseProposalPersist, err)
	}
	proposal, err := d.proposals.CreateNextVersion(ctx, &model.Proposal{
		CaseID: c.ID,
		Content: model.ProposalContent{
			Channel:         model.SentViaWhatsApp,
			Phone:           phone,
			WhatsAppMessage: reply.Message,
			AnalysisMD:      reply.Analysis,
			CheckoutURL:     checkoutURL,
			ViewURL:         viewURL,
		},
		AssistantMessage: string(envelope),
		SentAt:           d.now(),
		SentVia:          model.SentViaWhatsApp,
		RecipientEmail:   optional(c.Email()),
	})
	if err != nil {
		log.Error("failed to persist proposal", "error", err)
		return nil, newDispatchError(PhaseProposalPersist, err)
	}

	if err := d.functions.SendWhatsApp(ctx, gateway.TextMessage(phone, reply.Message)); err != nil {
		log.Error("whatsapp send failed", "version", proposal.Version, "error", err)
		return nil, newDispatchError(PhaseWhatsAppSend, err)
	}
	log.Info("proposal sent", "version", proposal.Version, "phone", phone, "checkout", checkoutURL != "")

	d.sendVoiceNote(ctx, c, phone)
	d.sendLocation(ctx, c.ID, phone)

	if err := d.cases.MarkProposalSent(ctx, c.ID, d.now()); err != nil {
		log.Error("failed to mark case as propuesta_enviada", "error", err)
	}

	return &model.DispatchResult{
		OK:              true,
		Token:           token,
		WhatsAppMessage: reply.Message,
		AnalysisMD:      reply.Analysis,
	}, nil
}

func (d *Dispatcher) issueToken(ctx context.Context, caseID string) (string, error) {
	token, err := d.newToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := d.tokens.Create(ctx, model.NewProposalToken(token, caseID, d.now())); err != nil {
		return "", err
	}
	return token, nil
}

// checkoutURL tries the token-bound checkout, then the case-bound one for
// cases with a client. Failures only leave the URL empty.
func (d *Dispatcher) checkoutURL(ctx context.Context, c *model.Case, token string) string {
	url, err := d.functions.CheckoutByToken(ctx, token)
	if err == nil {
		return url
	}
	logger.Warn("checkout by token failed", "caso_id", c.ID, "error", err)

	if !c.HasClient() {
		return ""
	}
	url, err = d.functions.CheckoutByCase(ctx, c.ID)
	if err != nil {
		logger.Warn("checkout by case failed", "caso_id", c.ID, "error", err)
		return ""
	}
	return url
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
