package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/repository"
)

var (
	ErrTokenNotFound  = errors.New("proposal token not found")
	ErrTokenExpired   = errors.New("proposal token expired or revoked")
	ErrTokenForbidden = errors.New("caller may not revoke this token")
)

type TokenStore interface {
	Get(ctx context.Context, token string) (*model.ProposalToken, error)
	Revoke(ctx context.Context, token string) error
}

type CaseReader interface {
	Get(ctx context.Context, id string) (*model.Case, error)
}

type ProposalReader interface {
	LatestByCase(ctx context.Context, caseID string) (*model.Proposal, error)
}

// TokenService resolves the tokens embedded in proposal view links.
type TokenService struct {
	tokens    TokenStore
	proposals ProposalReader
	cases     CaseReader
	now       func() time.Time
}

func NewTokenService(tokens TokenStore, proposals ProposalReader, cases CaseReader) *TokenService {
	return &TokenService{tokens: tokens, proposals: proposals, cases: cases, now: time.Now}
}

// Resolve returns the latest proposal of the token's case while the token is
// unrevoked and unexpired.
func (s *TokenService) Resolve(ctx context.Context, token string) (*model.ProposalView, error) {
	t, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !t.Valid(s.now()) {
		return nil, ErrTokenExpired
	}

	p, err := s.proposals.LatestByCase(ctx, t.CaseID)
	if err != nil {
		if errors.Is(err, repository.ErrProposalNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	return &model.ProposalView{
		CaseID:           t.CaseID,
		Version:          p.Version,
		AnalysisMD:       p.Content.AnalysisMD,
		AssistantMessage: p.AssistantMessage,
		WhatsAppMessage:  p.Content.WhatsAppMessage,
		CheckoutURL:      p.Content.CheckoutURL,
		SentAt:           p.SentAt,
		ExpiresAt:        t.ExpiresAt,
	}, nil
}

// Revoke marks token revoked when the model.Caller on ctx may act on the
// token's case.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	t, err := s.lookup(ctx, token)
	if err != nil {
		return err
	}
	caller, ok := model.CallerFromContext(ctx)
	if !ok {
		return ErrTokenForbidden
	}
	c, err := s.cases.Get(ctx, t.CaseID)
	if err != nil {
		if errors.Is(err, repository.ErrCaseNotFound) {
			return ErrTokenForbidden
		}
		return err
	}
	if !caller.CanAccess(c) {
		return ErrTokenForbidden
	}
	if err := s.tokens.Revoke(ctx, t.Token); err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	return nil
}

func (s *TokenService) lookup(ctx context.Context, token string) (*model.ProposalToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenNotFound
	}
	t, err := s.tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return t, nil
}
