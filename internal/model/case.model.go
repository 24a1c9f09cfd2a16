package model

import (
	"encoding/json"
	"strings"
	"time"
)

// CaseStatus is the lifecycle state stored in casos.estado.
type CaseStatus string

const (
	CaseStatusDraft            CaseStatus = "borrador"
	CaseStatusAwaitingPayment  CaseStatus = "esperando_pago"
	CaseStatusAvailable        CaseStatus = "disponible"
	CaseStatusAssigned         CaseStatus = "asignado"
	CaseStatusExhausted        CaseStatus = "agotado"
	CaseStatusClosed           CaseStatus = "cerrado"
	CaseStatusReadyForProposal CaseStatus = "listo_para_propuesta"
	CaseStatusProposalSent     CaseStatus = "propuesta_enviada"
)

type Case struct {
	ID                 string          `json:"id"`
	ClientID           *string         `json:"cliente_id,omitempty"`
	ConsultationReason string          `json:"motivo_consulta"`
	StructuredProposal json.RawMessage `json:"propuesta_estructurada,omitempty"`
	Summary            *string         `json:"resumen_caso,omitempty"`
	DraftFirstName     *string         `json:"nombre_borrador,omitempty"`
	DraftLastName      *string         `json:"apellido_borrador,omitempty"`
	DraftEmail         *string         `json:"email_borrador,omitempty"`
	DraftPhone         *string         `json:"telefono_borrador,omitempty"`
	DraftCity          *string         `json:"ciudad_borrador,omitempty"`
	Status             CaseStatus      `json:"estado"`
	ClosedAt           *time.Time      `json:"cerrado_at,omitempty"`
	ProposalSentAt     *time.Time      `json:"propuesta_enviada_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// FullName joins the draft first and last name; empty when neither is set.
func (c *Case) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(deref(c.DraftFirstName)) + " " + strings.TrimSpace(deref(c.DraftLastName)))
}

func (c *Case) FirstName() string { return strings.TrimSpace(deref(c.DraftFirstName)) }
func (c *Case) Email() string     { return strings.TrimSpace(deref(c.DraftEmail)) }
func (c *Case) Phone() string     { return strings.TrimSpace(deref(c.DraftPhone)) }
func (c *Case) City() string      { return strings.TrimSpace(deref(c.DraftCity)) }

// HasClient reports whether the case is already linked to a client account.
func (c *Case) HasClient() bool {
	return c.ClientID != nil && *c.ClientID != ""
}

// HasStructuredProposal reports whether propuesta_estructurada holds a value
// other than JSON null.
func (c *Case) HasStructuredProposal() bool {
	s := strings.TrimSpace(string(c.StructuredProposal))
	return s != "" && s != "null"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
