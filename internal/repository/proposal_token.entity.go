package repository

import (
	"time"

	"github.com/klamai/proposal-dispatch/internal/model"
)

type ProposalTokenEntity struct {
	Token     string    `gorm:"primaryKey;column:token"`
	CasoID    string    `gorm:"column:caso_id;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	Revoked   bool      `gorm:"column:revoked;not null;default:false"`
}

func (ProposalTokenEntity) TableName() string {
	return "proposal_tokens"
}

func toProposalTokenEntity(t *model.ProposalToken) *ProposalTokenEntity {
	return &ProposalTokenEntity{
		Token:     t.Token,
		CasoID:    t.CaseID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		Revoked:   t.Revoked,
	}
}

func toProposalTokenModel(e *ProposalTokenEntity) *model.ProposalToken {
	return &model.ProposalToken{
		Token:     e.Token,
		CaseID:    e.CasoID,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		Revoked:   e.Revoked,
	}
}
