package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klamai/proposal-dispatch/internal/assistant"
	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/lock"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testToken = "0123456789abcdef0123456789abcdef0123456789abcdef"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	cases     *MockCaseRepository
	proposals *MockProposalRepository
	tokens    *MockTokenRepository
	assistant *MockAssistant
	functions *MockFunctions
	locker    *MockLocker
	svc       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		cases:     new(MockCaseRepository),
		proposals: new(MockProposalRepository),
		tokens:    new(MockTokenRepository),
		assistant: new(MockAssistant),
		functions: new(MockFunctions),
		locker:    new(MockLocker),
	}
	f.svc = NewDispatcher(f.cases, f.proposals, f.tokens, f.assistant, f.functions, f.locker, DispatchConfig{
		SiteURL:         "https://klamai.test/",
		LawyerName:      "Laura Pérez",
		VoiceID:         "voice-1",
		TTSModelID:      "eleven_multilingual_v2",
		TTSOutputFormat: "mp3_44100_128",
		Office:          &gateway.Location{Latitude: 40.4, Longitude: -3.7, Name: "Klamai", Address: "Calle Mayor 1"},
	})
	f.svc.now = func() time.Time { return fixedNow }
	f.svc.newToken = func() (string, error) { return testToken, nil }
	f.locker.On("Acquire", mock.Anything, mock.Anything).Return(func() {}, nil).Maybe()
	return f
}

func anaCase() *model.Case {
	return &model.Case{
		ID:                 "C1",
		ConsultationReason: "despido improcedente",
		DraftFirstName:     strp("Ana"),
		DraftLastName:      strp("Gómez"),
		DraftPhone:         strp("+34600111222"),
		Status:             model.CaseStatusReadyForProposal,
	}
}

const viewURL = "https://klamai.test/p/" + testToken

func staffCtx() context.Context {
	return model.WithCaller(context.Background(), model.Caller{Subject: "staff-1", Staff: true})
}

// happyPath wires every collaborator for a successful dispatch.
func (f *fixture) happyPath(c *model.Case, reply string) {
	f.cases.On("Get", mock.Anything, c.ID).Return(c, nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(reply, nil)
	f.proposals.On("CreateNextVersion", mock.Anything, mock.Anything).Return(&model.Proposal{Version: 1}, nil)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageText))).Return(nil)
	f.assistant.On("ChatCompletion", mock.Anything, mock.Anything, mock.Anything).Return("Hola Ana, soy Laura.", nil)
	f.functions.On("SynthesizeSpeech", mock.Anything, mock.Anything).Return("SG9sYQ==", nil)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageAudio))).Return(nil)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageLocation))).Return(nil)
	f.cases.On("MarkProposalSent", mock.Anything, c.ID, fixedNow).Return(nil)
}

func isType(tp gateway.MessageType) func(gateway.WhatsAppMessage) bool {
	return func(m gateway.WhatsAppMessage) bool { return m.Type == tp }
}

func sentText(f *fixture) gateway.WhatsAppMessage {
	for _, call := range f.functions.Calls {
		if call.Method == "SendWhatsApp" {
			msg := call.Arguments.Get(1).(gateway.WhatsAppMessage)
			if msg.Type == gateway.MessageText {
				return msg
			}
		}
	}
	return gateway.WhatsAppMessage{}
}

func storedProposal(f *fixture) *model.Proposal {
	for _, call := range f.proposals.Calls {
		if call.Method == "CreateNextVersion" {
			return call.Arguments.Get(1).(*model.Proposal)
		}
	}
	return nil
}

func TestDispatch_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola Ana, revisa tu propuesta [aquí](#)","analisis_caso":"# Análisis..."}`)

	res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
	require.NoError(t, err)

	want := "Hola Ana, revisa tu propuesta [aquí](" + viewURL + ")"
	assert.True(t, res.OK)
	assert.Equal(t, testToken, res.Token)
	assert.Equal(t, want, res.WhatsAppMessage)
	assert.Equal(t, "# Análisis...", res.AnalysisMD)

	tokenArg := f.tokens.Calls[0].Arguments.Get(1).(*model.ProposalToken)
	assert.Equal(t, "C1", tokenArg.CaseID)
	assert.Equal(t, fixedNow.Add(72*time.Hour), tokenArg.ExpiresAt)
	assert.False(t, tokenArg.Revoked)

	p := storedProposal(f)
	require.NotNil(t, p)
	assert.Equal(t, want, p.Content.WhatsAppMessage)
	assert.Equal(t, viewURL, p.Content.ViewURL)
	assert.Equal(t, "+34600111222", p.Content.Phone)
	assert.Equal(t, model.SentViaWhatsApp, p.SentVia)
	var envelope model.AssistantMessage
	require.NoError(t, json.Unmarshal([]byte(p.AssistantMessage), &envelope))
	assert.Equal(t, want, envelope.WhatsAppMessage)

	text := sentText(f)
	assert.Equal(t, "+34600111222", text.Number)
	assert.Equal(t, want, text.Text)

	f.cases.AssertCalled(t, "MarkProposalSent", mock.Anything, "C1", fixedNow)
	f.functions.AssertNotCalled(t, "CheckoutByToken", mock.Anything, mock.Anything)
}

func TestDispatch_StepOrder(t *testing.T) {
	f := newFixture(t)
	f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)

	_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
	require.NoError(t, err)

	var sends []gateway.MessageType
	for _, call := range f.functions.Calls {
		if call.Method == "SendWhatsApp" {
			sends = append(sends, call.Arguments.Get(1).(gateway.WhatsAppMessage).Type)
		}
	}
	assert.Equal(t, []gateway.MessageType{gateway.MessageText, gateway.MessageAudio, gateway.MessageLocation}, sends)

	loc := f.functions.Calls[len(f.functions.Calls)-1].Arguments.Get(1).(gateway.WhatsAppMessage)
	assert.Equal(t, 2000, loc.DelayMs)
	require.NotNil(t, loc.Location)
	assert.Equal(t, "Klamai", loc.Location.Name)
}

func TestDispatch_PhonePrecedence(t *testing.T) {
	t.Run("override wins and is trimmed", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)

		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1", PhoneOverride: "  +34999000111 "})
		require.NoError(t, err)
		assert.Equal(t, "+34999000111", sentText(f).Number)
	})

	t.Run("blank override falls back to case phone", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)

		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1", PhoneOverride: "   "})
		require.NoError(t, err)
		assert.Equal(t, "+34600111222", sentText(f).Number)
	})

	t.Run("no phone fails before any token", func(t *testing.T) {
		f := newFixture(t)
		c := anaCase()
		c.DraftPhone = strp("  ")
		f.cases.On("Get", mock.Anything, "C1").Return(c, nil)

		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseMissingPhone, dErr.Phase)
		f.tokens.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestDispatch_CheckoutCTA(t *testing.T) {
	const checkout = "https://pay.test/s/1"

	t.Run("checkout url obtained", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)
		f.functions.On("CheckoutByToken", mock.Anything, testToken).Return(checkout, nil)

		res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1", IncludeCheckoutURL: true})
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(res.WhatsAppMessage, checkout))
		assert.NotContains(t, res.WhatsAppMessage, "?intent=pay")
		assert.Equal(t, checkout, storedProposal(f).Content.CheckoutURL)
	})

	t.Run("falls back to case checkout for linked client", func(t *testing.T) {
		f := newFixture(t)
		c := anaCase()
		c.ClientID = strp("user-1")
		f.happyPath(c, `{"mensaje_whatsapp":"Hola"}`)
		f.functions.On("CheckoutByToken", mock.Anything, testToken).Return("", errors.New("boom"))
		f.functions.On("CheckoutByCase", mock.Anything, "C1").Return(checkout, nil)

		res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1", IncludeCheckoutURL: true})
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(res.WhatsAppMessage, checkout))
	})

	t.Run("no checkout url uses pay intent", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)
		f.functions.On("CheckoutByToken", mock.Anything, testToken).Return("", errors.New("boom"))

		res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1", IncludeCheckoutURL: true})
		require.NoError(t, err)
		assert.Contains(t, res.WhatsAppMessage, viewURL+"?intent=pay")
		f.functions.AssertNotCalled(t, "CheckoutByCase", mock.Anything, mock.Anything)
	})

	t.Run("flag off adds nothing", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)

		res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		require.NoError(t, err)
		assert.Equal(t, "Hola", res.WhatsAppMessage)
	})
}

func TestDispatch_EmptyAssistantTextUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.happyPath(anaCase(), "  ")

	res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
	require.NoError(t, err)
	assert.Contains(t, res.WhatsAppMessage, "Ana Gómez")
	assert.Contains(t, res.WhatsAppMessage, viewURL)
	assert.NotEmpty(t, strings.TrimSpace(sentText(f).Text))
}

func TestDispatch_EnhancementFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	c := anaCase()
	f.cases.On("Get", mock.Anything, "C1").Return(c, nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(`{"mensaje_whatsapp":"Hola"}`, nil)
	f.proposals.On("CreateNextVersion", mock.Anything, mock.Anything).Return(&model.Proposal{Version: 1}, nil)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageText))).Return(nil)
	f.assistant.On("ChatCompletion", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("openai down"))
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageLocation))).Return(errors.New("gateway down"))
	f.cases.On("MarkProposalSent", mock.Anything, "C1", fixedNow).Return(nil)

	res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	f.cases.AssertCalled(t, "MarkProposalSent", mock.Anything, "C1", fixedNow)
	f.functions.AssertNotCalled(t, "SynthesizeSpeech", mock.Anything, mock.Anything)
}

func TestDispatch_TTSFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	c := anaCase()
	f.cases.On("Get", mock.Anything, "C1").Return(c, nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(`{"mensaje_whatsapp":"Hola"}`, nil)
	f.proposals.On("CreateNextVersion", mock.Anything, mock.Anything).Return(&model.Proposal{Version: 1}, nil)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageText))).Return(nil)
	f.assistant.On("ChatCompletion", mock.Anything, mock.Anything, mock.Anything).Return("guion", nil)
	f.functions.On("SynthesizeSpeech", mock.Anything, mock.Anything).Return("", gateway.ErrNoAudio)
	f.functions.On("SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageLocation))).Return(nil)
	f.cases.On("MarkProposalSent", mock.Anything, "C1", fixedNow).Return(nil)

	_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
	require.NoError(t, err)
	f.functions.AssertNotCalled(t, "SendWhatsApp", mock.Anything, mock.MatchedBy(isType(gateway.MessageAudio)))
	f.cases.AssertCalled(t, "MarkProposalSent", mock.Anything, "C1", fixedNow)
}

func TestDispatch_StateGating(t *testing.T) {
	t.Run("send failure keeps proposal and leaves state", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(anaCase(), nil)
		f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(`{"mensaje_whatsapp":"Hola"}`, nil)
		f.proposals.On("CreateNextVersion", mock.Anything, mock.Anything).Return(&model.Proposal{Version: 1}, nil)
		f.functions.On("SendWhatsApp", mock.Anything, mock.Anything).Return(errors.New("gateway down"))

		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseWhatsAppSend, dErr.Phase)
		f.proposals.AssertNumberOfCalls(t, "CreateNextVersion", 1)
		f.cases.AssertNotCalled(t, "MarkProposalSent", mock.Anything, mock.Anything, mock.Anything)
		f.assistant.AssertNotCalled(t, "ChatCompletion", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("assistant failure sends nothing", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(anaCase(), nil)
		f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).
			Return("", &assistant.RunError{Phase: "expired", Err: assistant.ErrRunNotCompleted})

		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, "expired", dErr.Phase)
		assert.Equal(t, "run_not_completed", dErr.Code())
		f.proposals.AssertNotCalled(t, "CreateNextVersion", mock.Anything, mock.Anything)
		f.functions.AssertNotCalled(t, "SendWhatsApp", mock.Anything, mock.Anything)
		f.cases.AssertNotCalled(t, "MarkProposalSent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("state update failure is not surfaced", func(t *testing.T) {
		f := newFixture(t)
		c := anaCase()
		f.cases.On("MarkProposalSent", mock.Anything, "C1", fixedNow).Return(errors.New("db down")).Once()
		f.happyPath(c, `{"mensaje_whatsapp":"Hola"}`)

		res, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestDispatch_Phases(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseInvalidRequest, dErr.Phase)
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C9").Return(nil, repository.ErrCaseNotFound)
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C9"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseNotFound, dErr.Phase)
		assert.ErrorIs(t, err, ErrCaseNotFound)
	})

	t.Run("case lookup error", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(nil, errors.New("connection reset"))
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseCaseLookup, dErr.Phase)
		assert.NotErrorIs(t, err, ErrCaseNotFound)
		f.tokens.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("token persist", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(anaCase(), nil)
		f.tokens.On("Create", mock.Anything, mock.Anything).Return(errors.New("insert failed")).Once()
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseTokenPersist, dErr.Phase)
		f.assistant.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("proposal persist", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(anaCase(), nil)
		f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.assistant.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(`{"mensaje_whatsapp":"Hola"}`, nil)
		f.proposals.On("CreateNextVersion", mock.Anything, mock.Anything).Return(nil, repository.ErrVersionConflict)
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseProposalPersist, dErr.Phase)
		f.functions.AssertNotCalled(t, "SendWhatsApp", mock.Anything, mock.Anything)
	})

	t.Run("dispatch in progress", func(t *testing.T) {
		f := newFixture(t)
		f.locker.ExpectedCalls = nil
		f.locker.On("Acquire", mock.Anything, "C1").Return(nil, lock.ErrHeld)
		_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: "C1"})
		var dErr *DispatchError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, PhaseDispatchInProgress, dErr.Phase)
		f.cases.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})
}

func TestDispatch_CallerScope(t *testing.T) {
	owned := func() *model.Case {
		c := anaCase()
		c.ClientID = strp("user-1")
		return c
	}

	t.Run("owner dispatches own case", func(t *testing.T) {
		f := newFixture(t)
		f.happyPath(owned(), `{"mensaje_whatsapp":"Hola"}`)
		ctx := model.WithCaller(context.Background(), model.Caller{Subject: "user-1"})
		res, err := f.svc.Dispatch(ctx, model.DispatchRequest{CaseID: "C1"})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})

	refused := map[string]context.Context{
		"other account": model.WithCaller(context.Background(), model.Caller{Subject: "user-2"}),
		"no caller":     context.Background(),
	}
	for name, ctx := range refused {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.cases.On("Get", mock.Anything, "C1").Return(owned(), nil)
			_, err := f.svc.Dispatch(ctx, model.DispatchRequest{CaseID: "C1"})
			var dErr *DispatchError
			require.ErrorAs(t, err, &dErr)
			assert.Equal(t, PhaseForbidden, dErr.Phase)
			assert.ErrorIs(t, err, ErrForbidden)
			f.tokens.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			f.functions.AssertNotCalled(t, "SendWhatsApp", mock.Anything, mock.Anything)
		})
	}

	t.Run("unlinked case needs staff", func(t *testing.T) {
		f := newFixture(t)
		f.cases.On("Get", mock.Anything, "C1").Return(anaCase(), nil)
		ctx := model.WithCaller(context.Background(), model.Caller{Subject: "user-1"})
		_, err := f.svc.Dispatch(ctx, model.DispatchRequest{CaseID: "C1"})
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestDispatch_LockReleased(t *testing.T) {
	f := newFixture(t)
	released := false
	f.locker.ExpectedCalls = nil
	f.locker.On("Acquire", mock.Anything, "C1").Return(func() { released = true }, nil)
	f.happyPath(anaCase(), `{"mensaje_whatsapp":"Hola"}`)

	_, err := f.svc.Dispatch(staffCtx(), model.DispatchRequest{CaseID: " C1 "})
	require.NoError(t, err)
	assert.True(t, released)
}

func TestNewProposalToken(t *testing.T) {
	a, err := newProposalToken()
	require.NoError(t, err)
	b, err := newProposalToken()
	require.NoError(t, err)

	assert.Len(t, a, 48)
	assert.Regexp(t, "^[0-9a-f]{48}$", a)
	assert.NotEqual(t, a, b)
}
