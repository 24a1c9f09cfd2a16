package repository

import (
	"time"

	"github.com/klamai/proposal-dispatch/internal/model"
)

type ProposalEntity struct {
	ID               string                `gorm:"primaryKey;column:id;type:uuid"`
	CasoID           string                `gorm:"column:caso_id;not null;uniqueIndex:ux_propuestas_caso_version,priority:1"`
	Version          int                   `gorm:"column:version;not null;uniqueIndex:ux_propuestas_caso_version,priority:2"`
	Content          model.ProposalContent `gorm:"column:content;type:jsonb;serializer:json"`
	AssistantMessage string                `gorm:"column:assistant_message"`
	SentAt           time.Time             `gorm:"column:sent_at"`
	SentVia          string                `gorm:"column:sent_via"`
	RecipientEmail   *string               `gorm:"column:recipient_email"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (ProposalEntity) TableName() string {
	return "propuestas"
}

func toProposalEntity(p *model.Proposal) *ProposalEntity {
	if p == nil {
		return nil
	}
	return &ProposalEntity{
		ID:               p.ID,
		CasoID:           p.CaseID,
		Version:          p.Version,
		Content:          p.Content,
		AssistantMessage: p.AssistantMessage,
		SentAt:           p.SentAt,
		SentVia:          p.SentVia,
		RecipientEmail:   p.RecipientEmail,
		CreatedAt:        p.CreatedAt,
	}
}

func toProposalModel(e *ProposalEntity) *model.Proposal {
	if e == nil {
		return nil
	}
	return &model.Proposal{
		ID:               e.ID,
		CaseID:           e.CasoID,
		Version:          e.Version,
		Content:          e.Content,
		AssistantMessage: e.AssistantMessage,
		SentAt:           e.SentAt,
		SentVia:          e.SentVia,
		RecipientEmail:   e.RecipientEmail,
		CreatedAt:        e.CreatedAt,
	}
}
