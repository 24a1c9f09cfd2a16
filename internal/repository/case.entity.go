package repository

import (
	"encoding/json"
	"time"

	"github.com/klamai/proposal-dispatch/internal/model"
)

type CaseEntity struct {
	ID                    string          `gorm:"primaryKey;column:id"`
	ClienteID             *string         `gorm:"column:cliente_id"`
	MotivoConsulta        string          `gorm:"column:motivo_consulta"`
	PropuestaEstructurada json.RawMessage `gorm:"column:propuesta_estructurada;type:jsonb"`
	ResumenCaso           *string         `gorm:"column:resumen_caso"`
	NombreBorrador        *string         `gorm:"column:nombre_borrador"`
	ApellidoBorrador      *string         `gorm:"column:apellido_borrador"`
	EmailBorrador         *string         `gorm:"column:email_borrador"`
	TelefonoBorrador      *string         `gorm:"column:telefono_borrador"`
	CiudadBorrador        *string         `gorm:"column:ciudad_borrador"`
	Estado                string          `gorm:"column:estado;not null;default:borrador"`
	CerradoAt             *time.Time      `gorm:"column:cerrado_at"`
	PropuestaEnviadaAt    *time.Time      `gorm:"column:propuesta_enviada_at"`
	CreatedAt             time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (CaseEntity) TableName() string {
	return "casos"
}

// caseColumns is the projection read by the dispatch pipeline.
var caseColumns = []string{
	"id", "cliente_id", "motivo_consulta", "propuesta_estructurada", "resumen_caso",
	"nombre_borrador", "apellido_borrador", "email_borrador", "telefono_borrador", "ciudad_borrador",
	"estado", "cerrado_at", "propuesta_enviada_at", "created_at", "updated_at",
}

func toCaseEntity(c *model.Case) *CaseEntity {
	if c == nil {
		return nil
	}
	return &CaseEntity{
		ID:                    c.ID,
		ClienteID:             c.ClientID,
		MotivoConsulta:        c.ConsultationReason,
		PropuestaEstructurada: c.StructuredProposal,
		ResumenCaso:           c.Summary,
		NombreBorrador:        c.DraftFirstName,
		ApellidoBorrador:      c.DraftLastName,
		EmailBorrador:         c.DraftEmail,
		TelefonoBorrador:      c.DraftPhone,
		CiudadBorrador:        c.DraftCity,
		Estado:                string(c.Status),
		CerradoAt:             c.ClosedAt,
		PropuestaEnviadaAt:    c.ProposalSentAt,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

func toCaseModel(e *CaseEntity) *model.Case {
	if e == nil {
		return nil
	}
	return &model.Case{
		ID:                 e.ID,
		ClientID:           e.ClienteID,
		ConsultationReason: e.MotivoConsulta,
		StructuredProposal: e.PropuestaEstructurada,
		Summary:            e.ResumenCaso,
		DraftFirstName:     e.NombreBorrador,
		DraftLastName:      e.ApellidoBorrador,
		DraftEmail:         e.EmailBorrador,
		DraftPhone:         e.TelefonoBorrador,
		DraftCity:          e.CiudadBorrador,
		Status:             model.CaseStatus(e.Estado),
		ClosedAt:           e.CerradoAt,
		ProposalSentAt:     e.PropuestaEnviadaAt,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}
