package services

import (
	"context"
	"time"

	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/stretchr/testify/mock"
)

type MockCaseRepository struct {
	mock.Mock
}

func (m *MockCaseRepository) Get(ctx context.Context, id string) (*model.Case, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Case), args.Error(1)
}

func (m *MockCaseRepository) MarkProposalSent(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

type MockProposalRepository struct {
	mock.Mock
}

func (m *MockProposalRepository) CreateNextVersion(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Proposal), args.Error(1)
}

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Create(ctx context.Context, t *model.ProposalToken) error {
	return m.Called(ctx, t).Error(0)
}

type MockAssistant struct {
	mock.Mock
}

func (m *MockAssistant) Run(ctx context.Context, input, instructions string) (string, error) {
	args := m.Called(ctx, input, instructions)
	return args.String(0), args.Error(1)
}

func (m *MockAssistant) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	args := m.Called(ctx, system, user)
	return args.String(0), args.Error(1)
}

type MockFunctions struct {
	mock.Mock
}

func (m *MockFunctions) SendWhatsApp(ctx context.Context, msg gateway.WhatsAppMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockFunctions) SynthesizeSpeech(ctx context.Context, req gateway.SpeechRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockFunctions) CheckoutByToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

func (m *MockFunctions) CheckoutByCase(ctx context.Context, caseID string) (string, error) {
	args := m.Called(ctx, caseID)
	return args.String(0), args.Error(1)
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}
