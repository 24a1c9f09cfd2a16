package model

import "time"

const ProposalTokenTTL = 72 * time.Hour

type ProposalToken struct {
	Token     string    `json:"token"`
	CaseID    string    `json:"caso_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// NewProposalToken builds an unrevoked token for caseID expiring
// ProposalTokenTTL after now.
func NewProposalToken(token, caseID string, now time.Time) *ProposalToken {
	return &ProposalToken{
		Token:     token,
		CaseID:    caseID,
		CreatedAt: now,
		ExpiresAt: now.Add(ProposalTokenTTL),
	}
}

// Valid reports whether the token still grants access at now.
func (t *ProposalToken) Valid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
